// Package backend is the client for the utility backend API: login, meter
// information lookup and account enquiry.
//
// Every authenticated call attaches the cached bearer token. A 401 on the first
// attempt clears the token, logs in again and retries exactly once.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Nimako/WhatAppBot/internal/metrics"
	"github.com/Nimako/WhatAppBot/internal/models"
	"github.com/Nimako/WhatAppBot/internal/util"
)

// API paths relative to the base URL.
const (
	LoginPath     = "/api/auth/login"
	MeterInfoPath = "/api/meter/info"
	EnquiryPath   = "/api/enquiry"
)

// DefaultTimeout is the HTTP timeout for every backend request.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// SignatureProvider supplies the machine signature required by the enquiry endpoint.
type SignatureProvider interface {
	MachineSignature(ctx context.Context) (string, error)
}

// Opts holds configuration for the backend client.
type Opts struct {
	BaseURL    string
	Username   string
	Password   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Tokens     TokenCache
	Signer     SignatureProvider
}

// Option defines a configuration option for the backend client.
type Option func(*Opts)

// WithBaseURL sets the backend base URL, e.g. https://api.example.com.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithCredentials sets the login username and password.
func WithCredentials(username, password string) Option {
	return func(o *Opts) {
		o.Username = username
		o.Password = password
	}
}

// WithTimeout overrides the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithHTTPClient replaces the HTTP client. Its Timeout is used as is.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithTokenCache injects the bearer token cache.
func WithTokenCache(tc TokenCache) Option {
	return func(o *Opts) { o.Tokens = tc }
}

// WithSignatureProvider sets where machine signatures come from.
func WithSignatureProvider(p SignatureProvider) Option {
	return func(o *Opts) { o.Signer = p }
}

// Client calls the backend API.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	tokens   TokenCache
	signer   SignatureProvider
}

// NewClient creates a backend client. Unset base URL and credentials fall back
// to BACKEND_BASE_URL, BACKEND_USERNAME and BACKEND_PASSWORD. A client missing
// any of them is still returned; its calls fail with ErrNotConfigured.
func NewClient(opts ...Option) *Client {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("BACKEND_BASE_URL")
	}
	if cfg.Username == "" {
		cfg.Username = os.Getenv("BACKEND_USERNAME")
	}
	if cfg.Password == "" {
		cfg.Password = os.Getenv("BACKEND_PASSWORD")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Tokens == nil {
		cfg.Tokens = NewMemoryTokenCache()
	}
	slog.Debug("backend.NewClient: configured", "baseURL", cfg.BaseURL, "username_set", cfg.Username != "", "signer_set", cfg.Signer != nil)
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http:     cfg.HTTPClient,
		tokens:   cfg.Tokens,
		signer:   cfg.Signer,
	}
}

// Configured returns an error wrapping ErrNotConfigured when the base URL or
// credentials are missing.
func (c *Client) Configured() error {
	var missing []string
	if c.baseURL == "" {
		missing = append(missing, "base URL")
	}
	if c.username == "" || c.password == "" {
		missing = append(missing, "credentials")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrNotConfigured, strings.Join(missing, " and "))
	}
	return nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Token   string `json:"token"`
}

// Login authenticates and caches the bearer token. Success requires a 2xx
// response whose status field is "success" and whose token is non-empty.
func (c *Client) Login(ctx context.Context) (token string, err error) {
	start := time.Now()
	defer func() { metrics.ObserveBackend("login", start, err) }()

	if err := c.Configured(); err != nil {
		return "", err
	}
	var resp loginResponse
	if err := c.post(ctx, "login", LoginPath, "", loginRequest{Username: c.username, Password: c.password}, &resp); err != nil {
		slog.Warn("Client.Login: login failed", "error", err)
		return "", &Error{Kind: KindAuth, Op: "login", Err: err}
	}
	if !strings.EqualFold(resp.Status, "success") || resp.Token == "" {
		slog.Warn("Client.Login: login rejected", "status", resp.Status, "message", resp.Message)
		return "", &Error{Kind: KindAuth, Op: "login", Err: fmt.Errorf("login rejected: status %q", resp.Status)}
	}
	c.tokens.Set(resp.Token)
	slog.Debug("Client.Login: token cached")
	return resp.Token, nil
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	if token := c.tokens.Get(); token != "" {
		return token, nil
	}
	return c.Login(ctx)
}

// doAuthorized performs an authenticated POST, re-logging in once on 401.
func (c *Client) doAuthorized(ctx context.Context, op, path string, body, out any) error {
	if err := c.Configured(); err != nil {
		return err
	}
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}
	err = c.post(ctx, op, path, token, body, out)
	if !IsUnauthorized(err) {
		return err
	}

	slog.Info("Client.doAuthorized: token rejected, logging in again", "op", op)
	c.tokens.Invalidate()
	token, err = c.Login(ctx)
	if err != nil {
		return err
	}
	return c.post(ctx, op, path, token, body, out)
}

// post sends body as JSON and decodes a 2xx response into out.
func (c *Client) post(ctx context.Context, op, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classifyTransport(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(op, resp.StatusCode, fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(raw))))
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apiError(op, 0, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// MeterInfoParams identifies the meter to look up.
type MeterInfoParams struct {
	RequestID     string           `json:"requestId"`
	PhoneNumber   string           `json:"phoneNumber"`
	MeterNumber   string           `json:"meterNumber"`
	AccountNumber string           `json:"accountNumber,omitempty"`
	MeterType     models.MeterType `json:"meterType"`
}

// MeterInfoResponse is the meter-info lookup result. Meter is nil when the
// backend omitted the sub-object.
type MeterInfoResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message,omitempty"`
	Meter   *models.MeterInfo `json:"meter"`
}

// GetMeterInfo looks up a meter. The phone number is stripped to its digits and
// an optional leading '+' before sending.
func (c *Client) GetMeterInfo(ctx context.Context, p MeterInfoParams) (resp *MeterInfoResponse, err error) {
	start := time.Now()
	defer func() { metrics.ObserveBackend("meter_info", start, err) }()

	p.PhoneNumber = util.SanitizePhone(p.PhoneNumber)
	var out MeterInfoResponse
	if err := c.doAuthorized(ctx, "meter_info", MeterInfoPath, p, &out); err != nil {
		slog.Warn("Client.GetMeterInfo: request failed", "requestID", p.RequestID, "error", err)
		return nil, err
	}
	slog.Debug("Client.GetMeterInfo: succeeded", "requestID", p.RequestID, "meter_present", out.Meter != nil)
	return &out, nil
}

// EnquiryParams describes an account enquiry.
type EnquiryParams struct {
	RequestID        string           `json:"requestId"`
	MeterNumber      string           `json:"meterNumber"`
	AccountNumber    string           `json:"accountNumber,omitempty"`
	PhoneNumber      string           `json:"phoneNumber"`
	MeterType        models.MeterType `json:"meterType"`
	MachineSignature string           `json:"machineSignature"`
}

// EnquiryResponse is the enquiry result.
type EnquiryResponse struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	RequestID string                 `json:"requestId"`
	Records   []models.EnquiryRecord `json:"records"`

	// MachineSignature is the signature sent with the request.
	MachineSignature string `json:"-"`
}

// Enquiry runs an account enquiry. Without a machine signature one is requested
// from the signature provider; if that fails the enquiry goes ahead with an
// empty signature.
func (c *Client) Enquiry(ctx context.Context, p EnquiryParams) (resp *EnquiryResponse, err error) {
	start := time.Now()
	defer func() { metrics.ObserveBackend("enquiry", start, err) }()

	if p.MachineSignature == "" && c.signer != nil {
		sig, sigErr := c.signer.MachineSignature(ctx)
		if sigErr != nil {
			slog.Warn("Client.Enquiry: machine signature unavailable, continuing without", "requestID", p.RequestID, "error", sigErr)
		} else {
			p.MachineSignature = sig
		}
	}
	p.PhoneNumber = util.SanitizePhone(p.PhoneNumber)

	var out EnquiryResponse
	if err := c.doAuthorized(ctx, "enquiry", EnquiryPath, p, &out); err != nil {
		slog.Warn("Client.Enquiry: request failed", "requestID", p.RequestID, "error", err)
		return nil, err
	}
	out.MachineSignature = p.MachineSignature
	slog.Debug("Client.Enquiry: succeeded", "requestID", p.RequestID, "records", len(out.Records))
	return &out, nil
}

// IsNotConfigured reports whether err comes from a missing backend configuration.
func IsNotConfigured(err error) bool {
	return errors.Is(err, ErrNotConfigured)
}
