package signature

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// signingServer answers each connection with reply, after an optional delay,
// and counts open connections.
type signingServer struct {
	reply  string
	delay  time.Duration
	open   int32
	closed chan struct{}
	gotReq atomic.Value
}

func (s *signingServer) start(t *testing.T) string {
	t.Helper()
	s.closed = make(chan struct{}, 8)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt32(&s.open, 1)
		defer func() {
			conn.Close()
			atomic.AddInt32(&s.open, -1)
			s.closed <- struct{}{}
		}()
		var req map[string]string
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		s.gotReq.Store(req)
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		conn.WriteMessage(websocket.TextMessage, []byte(s.reply))
		// Wait for the client to hang up.
		conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (s *signingServer) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not close the connection")
	}
}

func TestMachineSignatureSuccess(t *testing.T) {
	s := &signingServer{reply: `{"result":{"values":[{"Key":"other","Value":"x"},{"Key":"machineSignature","Value":"SIG-123"}]}}`}
	url := s.start(t)
	p := NewProvider(WithURL(url), WithVendorID("vendor-7"))

	sig, err := p.MachineSignature(context.Background())
	if err != nil {
		t.Fatalf("MachineSignature() error = %v", err)
	}
	if sig != "SIG-123" {
		t.Errorf("signature = %q", sig)
	}
	req := s.gotReq.Load().(map[string]string)
	if req["method"] != MethodGetMachineSignature || req["vendorId"] != "vendor-7" {
		t.Errorf("request = %v", req)
	}
	s.waitClosed(t)
}

func TestMachineSignatureMissingKey(t *testing.T) {
	s := &signingServer{reply: `{"result":{"values":[{"Key":"other","Value":"x"}]}}`}
	p := NewProvider(WithURL(s.start(t)))

	_, err := p.MachineSignature(context.Background())
	if !errors.Is(err, ErrSignatureMissing) {
		t.Fatalf("error = %v, want ErrSignatureMissing", err)
	}
	s.waitClosed(t)
}

func TestMachineSignatureMalformedReply(t *testing.T) {
	s := &signingServer{reply: `not-json`}
	p := NewProvider(WithURL(s.start(t)))

	_, err := p.MachineSignature(context.Background())
	if !errors.Is(err, ErrMalformedReply) {
		t.Fatalf("error = %v, want ErrMalformedReply", err)
	}
	s.waitClosed(t)
}

func TestMachineSignatureNoResult(t *testing.T) {
	s := &signingServer{reply: `{"id":1}`}
	p := NewProvider(WithURL(s.start(t)))

	_, err := p.MachineSignature(context.Background())
	if !errors.Is(err, ErrMalformedReply) {
		t.Fatalf("error = %v, want ErrMalformedReply", err)
	}
}

func TestMachineSignatureTimeout(t *testing.T) {
	s := &signingServer{reply: `{"result":{"values":[]}}`, delay: 500 * time.Millisecond}
	p := NewProvider(WithURL(s.start(t)), WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := p.MachineSignature(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("timeout took %s", elapsed)
	}
	s.waitClosed(t)
}

func TestMachineSignatureNotConfigured(t *testing.T) {
	t.Setenv("SIGNATURE_URL", "")
	p := NewProvider()
	if _, err := p.MachineSignature(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("error = %v, want ErrNotConfigured", err)
	}
}

func TestMachineSignatureDialFailure(t *testing.T) {
	p := NewProvider(WithURL("ws://127.0.0.1:1/"), WithTimeout(200*time.Millisecond))
	if _, err := p.MachineSignature(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}
