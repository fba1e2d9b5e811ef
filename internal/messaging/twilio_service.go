package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Nimako/WhatAppBot/internal/models"
	"github.com/Nimako/WhatAppBot/internal/twiliowhatsapp"
	"github.com/Nimako/WhatAppBot/internal/util"
	twilioclient "github.com/twilio/twilio-go/client"
)

// TwilioSignatureHeader carries the request signature on Twilio webhooks.
const TwilioSignatureHeader = "X-Twilio-Signature"

// ErrInvalidWebhook is returned when a Twilio webhook lacks From or Body.
var ErrInvalidWebhook = errors.New("twilio webhook missing required fields")

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	client   twiliowhatsapp.Sender // Could be real Twilio client or MockClient
	receipts chan models.Receipt
	mu       sync.RWMutex
	stopped  bool
}

// NewTwilioService creates a new TwilioService around a Twilio sender.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:   client,
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
	}
}

// Name implements Service.
func (s *TwilioService) Name() string {
	return "twilio"
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone("TwilioService", recipient)
}

// Start is a no-op for Twilio; inbound messages arrive through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the receipts channel and stops the service
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}

	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}

	s.safeEmitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel for sent message receipts
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

func (s *TwilioService) safeEmitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}

	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService receipts channel blocked, dropping receipt", "to", receipt.To)
	}
}

// ParseTwilioWebhook reads an inbound Twilio WhatsApp webhook form into an
// InboundMessage. The sender is canonicalized to "+<digits>".
func ParseTwilioWebhook(r *http.Request) (models.InboundMessage, error) {
	if err := r.ParseForm(); err != nil {
		return models.InboundMessage{}, fmt.Errorf("failed to parse twilio webhook form: %w", err)
	}

	from := util.NormalizePhone(util.StripWhatsAppPrefix(r.PostFormValue("From")))
	body := r.PostFormValue("Body")
	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from_set", from != "", "body_set", body != "")
		return models.InboundMessage{}, ErrInvalidWebhook
	}

	return models.InboundMessage{
		ID:       r.PostFormValue("MessageSid"),
		From:     from,
		Body:     body,
		Time:     time.Now().Unix(),
		Provider: "twilio",
	}, nil
}

// ValidateTwilioSignature checks the X-Twilio-Signature header of a parsed
// webhook request against publicURL, the URL Twilio was configured to call.
func ValidateTwilioSignature(r *http.Request, authToken, publicURL string) bool {
	signature := r.Header.Get(TwilioSignatureHeader)
	if signature == "" || authToken == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}

	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	validator := twilioclient.NewRequestValidator(authToken)
	return validator.Validate(publicURL, params, signature)
}
