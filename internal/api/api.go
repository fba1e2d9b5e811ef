// Package api exposes the WhatAppBot HTTP surface: the Twilio WhatsApp
// webhook, a JSON chat endpoint for the web client, session lookup, health
// and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Nimako/WhatAppBot/internal/flow"
	"github.com/Nimako/WhatAppBot/internal/messaging"
	"github.com/Nimako/WhatAppBot/internal/models"
	"github.com/Nimako/WhatAppBot/internal/store"
	"github.com/Nimako/WhatAppBot/internal/util"
)

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// maxBodyBytes caps JSON and form request bodies.
	maxBodyBytes = 64 << 10
	// ProviderWeb marks messages posted by the web client.
	ProviderWeb = "web"
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr              string
	TwilioAuthToken   string
	PublicURL         string // externally visible base URL, used for signature checks
	ValidateSignature bool
	Gatherer          prometheus.Gatherer
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioSignature enables X-Twilio-Signature validation on the webhook.
// publicURL is the base URL Twilio calls; when empty the URL is rebuilt from
// the request.
func WithTwilioSignature(authToken, publicURL string) Option {
	return func(o *Opts) {
		o.ValidateSignature = true
		o.TwilioAuthToken = authToken
		o.PublicURL = strings.TrimRight(publicURL, "/")
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = g }
}

// Server serves the HTTP API.
type Server struct {
	opts     Opts
	handler  *messaging.ResponseHandler
	sessions store.SessionStore
	router   chi.Router
	srv      *http.Server
}

// NewServer builds the router. handler runs inbound messages through the
// conversation engine; sessions backs the session lookup endpoint.
func NewServer(handler *messaging.ResponseHandler, sessions store.SessionStore, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, Gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{opts: cfg, handler: handler, sessions: sessions}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/webhook/twilio", s.twilioWebhookHandler)
	r.Route("/api", func(r chi.Router) {
		r.Post("/messages", s.chatMessageHandler)
		r.Get("/sessions/{id}", s.sessionHandler)
	})
	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	s.router = r
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	slog.Info("API server listening", "addr", s.opts.Addr, "signature_validation", s.opts.ValidateSignature)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("API server shutting down")
	return s.srv.Shutdown(ctx)
}

func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	if s.opts.ValidateSignature {
		if !messaging.ValidateTwilioSignature(r, s.opts.TwilioAuthToken, s.webhookURL(r)) {
			slog.Warn("Server.twilioWebhookHandler: invalid signature", "remote", r.RemoteAddr)
			writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid signature"))
			return
		}
	}

	msg, err := messaging.ParseTwilioWebhook(r)
	if err != nil {
		slog.Warn("Server.twilioWebhookHandler: bad webhook", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid webhook payload"))
		return
	}
	slog.Debug("Server.twilioWebhookHandler: inbound message", "messageID", msg.ID, "phone", msg.From)

	// Failures are logged only; Twilio just needs the acknowledgement.
	if err := s.handler.ProcessResponse(r.Context(), msg); err != nil {
		slog.Error("Server.twilioWebhookHandler: failed to process message", "error", err, "messageID", msg.ID, "phone", msg.From)
	}
	writeTwiML(w)
}

// webhookURL is the URL Twilio signed: the configured public URL plus the
// request path, or the URL as received.
func (s *Server) webhookURL(r *http.Request) string {
	if s.opts.PublicURL != "" {
		return s.opts.PublicURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (s *Server) chatMessageHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	var req models.ChatMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.chatMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.chatMessageHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if req.MessageID == "" {
		req.MessageID = util.GenerateWebMessageID()
	}

	outcome, err := s.handler.Handle(r.Context(), models.InboundMessage{
		ID:       req.MessageID,
		From:     req.Phone,
		Body:     req.Message,
		Time:     time.Now().Unix(),
		Provider: ProviderWeb,
	})
	if errors.Is(err, flow.ErrInvalidPhone) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid phone number"))
		return
	}
	if err != nil {
		slog.Error("Server.chatMessageHandler: failed to handle message", "error", err, "phone", req.Phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to handle message"))
		return
	}
	if outcome.Duplicate {
		writeJSONResponse(w, http.StatusOK, models.Duplicate())
		return
	}

	writeJSONResponse(w, http.StatusOK, models.ChatMessageResponse{
		Reply:     outcome.Reply.Text,
		SessionID: outcome.Reply.SessionID,
		State:     outcome.Reply.State,
	})
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("Server.sessionHandler: failed to load session", "error", err, "sessionID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if sess == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}
