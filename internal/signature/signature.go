// Package signature obtains the machine signature from the local signing
// service. Each request opens a WebSocket, sends one request and reads exactly
// one reply.
package signature

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultTimeout bounds one signature round trip, dial included.
const DefaultTimeout = 5 * time.Second

// MethodGetMachineSignature is the request method understood by the signing service.
const MethodGetMachineSignature = "GetMachineSignature"

// SignatureKey is the reply entry holding the signature.
const SignatureKey = "machineSignature"

var (
	// ErrNotConfigured is returned when no signing service URL is set.
	ErrNotConfigured = errors.New("signature service URL not set")
	// ErrMalformedReply is returned when the reply is not a result envelope.
	ErrMalformedReply = errors.New("malformed signature reply")
	// ErrSignatureMissing is returned when the reply lacks a machineSignature entry.
	ErrSignatureMissing = errors.New("machine signature missing from reply")
)

// Opts holds configuration for the signature provider.
type Opts struct {
	URL      string
	VendorID string
	Timeout  time.Duration
	Dialer   *websocket.Dialer
}

// Option defines a configuration option for the signature provider.
type Option func(*Opts)

// WithURL sets the ws:// URL of the signing service.
func WithURL(u string) Option {
	return func(o *Opts) { o.URL = u }
}

// WithVendorID sets the vendor identifier sent with every request.
func WithVendorID(id string) Option {
	return func(o *Opts) { o.VendorID = id }
}

// WithTimeout overrides the round trip timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *Opts) { o.Dialer = d }
}

// Provider requests machine signatures from the signing service.
type Provider struct {
	url      string
	vendorID string
	timeout  time.Duration
	dialer   *websocket.Dialer
}

// NewProvider creates a provider. URL and vendor ID fall back to
// SIGNATURE_URL and SIGNATURE_VENDOR_ID.
func NewProvider(opts ...Option) *Provider {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.URL == "" {
		cfg.URL = os.Getenv("SIGNATURE_URL")
	}
	if cfg.VendorID == "" {
		cfg.VendorID = os.Getenv("SIGNATURE_VENDOR_ID")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Provider{
		url:      cfg.URL,
		vendorID: cfg.VendorID,
		timeout:  cfg.Timeout,
		dialer:   cfg.Dialer,
	}
}

type request struct {
	Method   string `json:"method"`
	VendorID string `json:"vendorId"`
}

type keyValue struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

type reply struct {
	Result *struct {
		Values []keyValue `json:"values"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// MachineSignature performs one request/reply exchange with the signing service.
// The connection is closed before returning, whatever the outcome.
func (p *Provider) MachineSignature(ctx context.Context) (string, error) {
	if p.url == "" {
		return "", ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to connect to signature service: %w", err)
	}
	defer conn.Close()
	// Unblocks a pending read if the caller cancels before the deadline.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)

	if err := conn.WriteJSON(request{Method: MethodGetMachineSignature, VendorID: p.vendorID}); err != nil {
		return "", p.wrap(ctx, "send signature request", err)
	}

	var rep reply
	if err := conn.ReadJSON(&rep); err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return "", p.wrap(ctx, "read signature reply", err)
		}
		return "", fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if rep.Error != nil {
		return "", fmt.Errorf("signature service error %d: %s", rep.Error.Code, rep.Error.Message)
	}
	if rep.Result == nil {
		return "", ErrMalformedReply
	}
	for _, kv := range rep.Result.Values {
		if kv.Key == SignatureKey && kv.Value != "" {
			slog.Debug("Provider.MachineSignature: signature received")
			return kv.Value, nil
		}
	}
	return "", ErrSignatureMissing
}

func (p *Provider) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() == context.DeadlineExceeded || isTimeout(err) {
		return fmt.Errorf("%s: timed out after %s: %w", op, p.timeout, context.DeadlineExceeded)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
