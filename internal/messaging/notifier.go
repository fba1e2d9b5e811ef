package messaging

import (
	"context"
	"log/slog"

	"github.com/Nimako/WhatAppBot/internal/metrics"
)

// Notifier pushes a text to a user outside the request/response cycle. It
// reports whether any provider accepted the message and never returns errors.
type Notifier interface {
	Send(ctx context.Context, to, text string) bool
}

// FallbackNotifier sends through a primary service and, when that fails,
// through a secondary one. Either service may be nil.
type FallbackNotifier struct {
	primary   Service
	secondary Service
}

// NewFallbackNotifier creates a FallbackNotifier.
func NewFallbackNotifier(primary, secondary Service) *FallbackNotifier {
	return &FallbackNotifier{primary: primary, secondary: secondary}
}

// Send implements Notifier.
func (n *FallbackNotifier) Send(ctx context.Context, to, text string) bool {
	for _, svc := range []Service{n.primary, n.secondary} {
		if svc == nil {
			continue
		}
		if err := svc.SendMessage(ctx, to, text); err != nil {
			metrics.NotifierSends.WithLabelValues(svc.Name(), metrics.ResultError).Inc()
			slog.Warn("FallbackNotifier.Send: provider failed", "provider", svc.Name(), "to", to, "error", err)
			continue
		}
		metrics.NotifierSends.WithLabelValues(svc.Name(), metrics.ResultSuccess).Inc()
		return true
	}
	slog.Error("FallbackNotifier.Send: all providers failed", "to", to)
	return false
}
