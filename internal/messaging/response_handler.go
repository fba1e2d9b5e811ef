package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Nimako/WhatAppBot/internal/metrics"
	"github.com/Nimako/WhatAppBot/internal/models"
	"github.com/Nimako/WhatAppBot/internal/store"
)

// ResponseAction answers one inbound message from a user. The conversation
// engine's HandleMessage satisfies it.
type ResponseAction func(ctx context.Context, from, text string) (models.Reply, error)

// Outcome is the result of handling one inbound message.
type Outcome struct {
	Reply     models.Reply
	Duplicate bool
}

// ResponseHandler drops duplicate deliveries, runs the response action and
// pushes its reply back to the user.
type ResponseHandler struct {
	action   ResponseAction
	dedup    store.DedupRepo // optional
	notifier Notifier
}

// NewResponseHandler creates a new ResponseHandler. dedup may be nil, in
// which case every message is handled.
func NewResponseHandler(action ResponseAction, dedup store.DedupRepo, notifier Notifier) *ResponseHandler {
	return &ResponseHandler{
		action:   action,
		dedup:    dedup,
		notifier: notifier,
	}
}

// Handle runs the action for msg unless msg.ID was already seen. The reply is
// returned, not sent.
func (rh *ResponseHandler) Handle(ctx context.Context, msg models.InboundMessage) (Outcome, error) {
	channel := msg.Provider
	if channel == "" {
		channel = "unknown"
	}

	if rh.dedup != nil && msg.ID != "" {
		fresh, err := rh.dedup.RecordInbound(ctx, msg.ID, msg.From)
		if err != nil {
			// A broken dedup table must not silence the bot.
			slog.Error("ResponseHandler.Handle: dedup check failed", "error", err, "messageID", msg.ID)
		} else if !fresh {
			slog.Info("ResponseHandler.Handle: duplicate delivery dropped", "messageID", msg.ID, "from", msg.From)
			metrics.InboundMessages.WithLabelValues(channel, "duplicate").Inc()
			return Outcome{Duplicate: true}, nil
		}
	}

	reply, err := rh.action(ctx, msg.From, msg.Body)
	if err != nil {
		metrics.InboundMessages.WithLabelValues(channel, metrics.ResultError).Inc()
		return Outcome{}, fmt.Errorf("failed to handle message from %s: %w", msg.From, err)
	}
	metrics.InboundMessages.WithLabelValues(channel, metrics.ResultSuccess).Inc()

	if rh.dedup != nil && msg.ID != "" {
		if err := rh.dedup.MarkProcessed(ctx, msg.ID); err != nil {
			slog.Warn("ResponseHandler.Handle: failed to mark message processed", "error", err, "messageID", msg.ID)
		}
	}
	return Outcome{Reply: reply}, nil
}

// ProcessResponse handles msg and sends the reply through the notifier.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, msg models.InboundMessage) error {
	outcome, err := rh.Handle(ctx, msg)
	if err != nil {
		return err
	}
	if outcome.Duplicate || outcome.Reply.Text == "" {
		return nil
	}
	if !rh.notifier.Send(ctx, msg.From, outcome.Reply.Text) {
		return fmt.Errorf("failed to deliver reply to %s", msg.From)
	}
	return nil
}

// Start processes messages pushed by src until the context is cancelled or
// the source closes its channel. Receipts are drained and logged.
func (rh *ResponseHandler) Start(ctx context.Context, src InboundSource) {
	slog.Info("ResponseHandler starting response processing", "provider", src.Name())
	rh.TrackReceipts(ctx, src)

	go func() {
		defer slog.Info("ResponseHandler stopped response processing", "provider", src.Name())

		for {
			select {
			case msg, ok := <-src.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				if err := rh.ProcessResponse(ctx, msg); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", msg.From)
				}
			case <-ctx.Done():
				slog.Debug("ResponseHandler stopping due to context cancellation")
				return
			}
		}
	}()
}

// TrackReceipts drains and logs the delivery receipts of svc until the
// context is cancelled or svc is stopped.
func (rh *ResponseHandler) TrackReceipts(ctx context.Context, svc Service) {
	go func() {
		for {
			select {
			case r, ok := <-svc.Receipts():
				if !ok {
					return
				}
				slog.Debug("ResponseHandler receipt", "provider", svc.Name(), "to", r.To, "status", r.Status)
			case <-ctx.Done():
				return
			}
		}
	}()
}
