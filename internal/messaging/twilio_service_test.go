package messaging

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/Nimako/WhatAppBot/internal/models"
	"github.com/Nimako/WhatAppBot/internal/twiliowhatsapp"
)

func TestTwilioService_ImplementsService(t *testing.T) {
	var _ Service = (*TwilioService)(nil)
}

func TestTwilioService_SendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	if err := svc.SendMessage(context.Background(), "whatsapp:+233244274699", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "+233244274699" || sent[0].Body != "hello" {
		t.Fatalf("unexpected sent messages: %+v", sent)
	}
	select {
	case r := <-svc.Receipts():
		if r.Status != models.MessageStatusSent {
			t.Errorf("receipt status = %s", r.Status)
		}
	default:
		t.Fatal("expected sent receipt")
	}
}

func TestTwilioService_ValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+233244274699", "+233244274699", false},
		{"233-244-274-699", "+233244274699", false},
		{"whatsapp:+15551234567", "+15551234567", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := svc.ValidateAndCanonicalizeRecipient(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTwilioService_SendError(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	mock.Err = errors.New("twilio down")
	svc := NewTwilioService(mock)
	if err := svc.SendMessage(context.Background(), "+233244274699", "x"); err == nil {
		t.Fatal("expected error from failing client")
	}
}

func TestTwilioService_StopIsIdempotent(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := svc.SendMessage(context.Background(), "+233244274699", "x"); err != ErrServiceStopped {
		t.Errorf("SendMessage after Stop = %v, want ErrServiceStopped", err)
	}
}

func webhookRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestParseTwilioWebhook(t *testing.T) {
	req := webhookRequest(url.Values{
		"From":       {"whatsapp:+233244274699"},
		"Body":       {"1"},
		"MessageSid": {"SM123"},
	})
	msg, err := ParseTwilioWebhook(req)
	if err != nil {
		t.Fatalf("ParseTwilioWebhook() error = %v", err)
	}
	if msg.From != "+233244274699" || msg.Body != "1" || msg.ID != "SM123" || msg.Provider != "twilio" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestParseTwilioWebhook_MissingFields(t *testing.T) {
	for _, form := range []url.Values{
		{"Body": {"1"}},
		{"From": {"whatsapp:+233244274699"}},
	} {
		if _, err := ParseTwilioWebhook(webhookRequest(form)); !errors.Is(err, ErrInvalidWebhook) {
			t.Errorf("ParseTwilioWebhook(%v) error = %v, want ErrInvalidWebhook", form, err)
		}
	}
}

// sign computes a Twilio request signature: HMAC-SHA1 over the URL followed
// by the sorted key/value pairs.
func sign(token, u string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(u)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidateTwilioSignature(t *testing.T) {
	const token = "secret-token"
	const publicURL = "https://bot.example.com/webhook/twilio"
	form := url.Values{"From": {"whatsapp:+233244274699"}, "Body": {"hi"}, "MessageSid": {"SM1"}}

	req := webhookRequest(form)
	req.Header.Set(TwilioSignatureHeader, sign(token, publicURL, form))
	if !ValidateTwilioSignature(req, token, publicURL) {
		t.Error("valid signature rejected")
	}

	bad := webhookRequest(form)
	bad.Header.Set(TwilioSignatureHeader, sign("other-token", publicURL, form))
	if ValidateTwilioSignature(bad, token, publicURL) {
		t.Error("signature with wrong token accepted")
	}

	missing := webhookRequest(form)
	if ValidateTwilioSignature(missing, token, publicURL) {
		t.Error("request without signature accepted")
	}
}
