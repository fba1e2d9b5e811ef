package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Nimako/WhatAppBot/internal/backend"
	"github.com/Nimako/WhatAppBot/internal/metrics"
	"github.com/Nimako/WhatAppBot/internal/models"
	"github.com/Nimako/WhatAppBot/internal/store"
)

var (
	errMeterInfoMissing = errors.New("meter info response has no meter")
	errNoRecords        = errors.New("enquiry returned no records")
)

// Pipeline performs the meter lookup and account enquiry for one purchase
// attempt and pushes progress to the user.
type Pipeline struct {
	store    store.SessionStore
	api      BackendAPI
	notifier Notifier
}

// NewPipeline creates a Pipeline.
func NewPipeline(st store.SessionStore, api BackendAPI, notifier Notifier) *Pipeline {
	return &Pipeline{store: st, api: api, notifier: notifier}
}

// attempt identifies the purchase attempt a run belongs to.
type attempt struct {
	sessionID string
	requestID string
	phone     string
	state     models.State
}

// Run executes the pipeline for sessionID. Before every write or notification
// it checks that the session still exists and still belongs to this attempt;
// once it does not, the run stops without further effects.
func (p *Pipeline) Run(ctx context.Context, sessionID string) {
	var a attempt
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Pipeline.Run: panic", "sessionID", sessionID, "panic", r)
			if a.sessionID != "" {
				p.fail(ctx, a, fmt.Errorf("pipeline panic: %v", r))
			}
		}
	}()

	sess, err := p.store.GetByID(ctx, sessionID)
	if err != nil {
		slog.Error("Pipeline.Run: failed to load session", "sessionID", sessionID, "error", err)
		return
	}
	if sess == nil {
		slog.Debug("Pipeline.Run: session gone before start", "sessionID", sessionID)
		p.abandon(sessionID)
		return
	}
	a = attempt{sessionID: sess.ID, requestID: sess.Data.RequestID, phone: sess.PhoneNumber, state: sess.State}
	data := sess.Data

	if !p.notify(ctx, a, retrievingText) {
		return
	}

	info, err := p.api.GetMeterInfo(ctx, backend.MeterInfoParams{
		RequestID:     a.requestID,
		PhoneNumber:   data.PhoneNumber,
		MeterNumber:   data.MeterNumber,
		AccountNumber: data.AccountNumber,
		MeterType:     data.MeterType,
	})
	if err != nil {
		p.fail(ctx, a, err)
		return
	}
	if info == nil || info.Meter == nil {
		p.fail(ctx, a, errMeterInfoMissing)
		return
	}
	if _, ok := p.write(ctx, a, "", &models.SessionData{MeterInfo: info.Meter}); !ok {
		return
	}

	if !p.notify(ctx, a, enquiringText) {
		return
	}

	meterNumber := firstNonEmpty(info.Meter.MeterNumber, data.MeterNumber)
	accountNumber := firstNonEmpty(info.Meter.AccountNumber, data.AccountNumber)
	enq, err := p.api.Enquiry(ctx, backend.EnquiryParams{
		RequestID:        a.requestID,
		MeterNumber:      meterNumber,
		AccountNumber:    accountNumber,
		PhoneNumber:      data.PhoneNumber,
		MeterType:        data.MeterType,
		MachineSignature: data.MachineSignature,
	})
	if err != nil {
		p.fail(ctx, a, err)
		return
	}
	if enq == nil || len(enq.Records) == 0 {
		p.fail(ctx, a, errNoRecords)
		return
	}

	result := &models.EnquiryResult{RequestID: a.requestID, Records: enq.Records}
	updated, ok := p.write(ctx, a, models.StateConfirmCharge, &models.SessionData{
		Enquiry:          result,
		MachineSignature: enq.MachineSignature,
	})
	if !ok {
		return
	}
	slog.Info("Pipeline.Run: enquiry complete", "sessionID", updated.ID, "requestID", a.requestID, "records", len(result.Records))
	metrics.PipelineRuns.WithLabelValues(metrics.ResultSuccess).Inc()
	p.notifier.Send(ctx, a.phone, formatEnquiry(result))
}

// current reloads the session and reports whether this attempt still owns it.
func (p *Pipeline) current(ctx context.Context, a attempt) bool {
	sess, err := p.store.GetByID(ctx, a.sessionID)
	if err != nil {
		slog.Error("Pipeline.current: failed to reload session", "sessionID", a.sessionID, "error", err)
		return false
	}
	if sess == nil || sess.State != a.state || sess.Data.RequestID != a.requestID {
		p.abandon(a.sessionID)
		return false
	}
	return true
}

func (p *Pipeline) notify(ctx context.Context, a attempt, text string) bool {
	if !p.current(ctx, a) {
		return false
	}
	p.notifier.Send(ctx, a.phone, text)
	return true
}

// write applies a patch if the attempt still owns the session. An empty
// state keeps the current one.
func (p *Pipeline) write(ctx context.Context, a attempt, state models.State, patch *models.SessionData) (*models.Session, bool) {
	if !p.current(ctx, a) {
		return nil, false
	}
	updated, err := p.store.Update(ctx, a.sessionID, state, patch)
	if errors.Is(err, store.ErrSessionNotFound) {
		p.abandon(a.sessionID)
		return nil, false
	}
	if err != nil {
		p.fail(ctx, a, fmt.Errorf("failed to update session: %w", err))
		return nil, false
	}
	return updated, true
}

// fail resets the session, if this attempt still owns it, and tells the user.
func (p *Pipeline) fail(ctx context.Context, a attempt, err error) {
	slog.Warn("Pipeline.fail: enquiry failed", "sessionID", a.sessionID, "requestID", a.requestID, "kind", backend.KindOf(err), "error", err)
	if !p.current(ctx, a) {
		return
	}
	if _, rerr := p.store.Reset(ctx, a.sessionID); rerr != nil {
		slog.Error("Pipeline.fail: failed to reset session", "sessionID", a.sessionID, "error", rerr)
	}
	metrics.PipelineRuns.WithLabelValues(metrics.ResultError).Inc()
	p.notifier.Send(ctx, a.phone, errorNotice(err))
}

func (p *Pipeline) abandon(sessionID string) {
	slog.Info("Pipeline: session cancelled or superseded, stopping", "sessionID", sessionID)
	metrics.PipelineRuns.WithLabelValues("abandoned").Inc()
}

// errorNotice picks the user-facing text for a pipeline failure.
func errorNotice(err error) string {
	if backend.IsNotConfigured(err) {
		return serviceUnavailableText
	}
	switch backend.KindOf(err) {
	case backend.KindTimeout:
		return timeoutErrorText
	case backend.KindConnection:
		return connectionErrorText
	default:
		return genericErrorText
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
