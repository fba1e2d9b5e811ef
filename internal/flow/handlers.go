package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Nimako/WhatAppBot/internal/models"
	"github.com/Nimako/WhatAppBot/internal/util"
)

func (e *Engine) handleMenu(ctx context.Context, sess *models.Session, command string) (models.Reply, error) {
	var meterType models.MeterType
	var next models.State
	switch command {
	case "1":
		meterType, next = models.MeterTypePrepaid, models.StatePrepaidMeterInfo
	case "2":
		meterType, next = models.MeterTypePostpaid, models.StatePostpaidMeterInfo
	case "3":
		return e.menuReply(sess.ID, featureStubText), nil
	default:
		return e.menuReply(sess.ID, ""), nil
	}

	updated, err := e.store.Update(ctx, sess.ID, next, &models.SessionData{
		MeterType:         meterType,
		CurrentFieldIndex: models.IntPtr(0),
	})
	if err != nil {
		return models.Reply{}, fmt.Errorf("failed to start meter collection: %w", err)
	}
	return models.Reply{Text: fieldPrompt(meterType, 0), SessionID: updated.ID, State: updated.State}, nil
}

// handleMeterInfo stores one field value and advances the cursor. Once every
// field is collected the session moves to the enquiry state and the pipeline
// is started.
func (e *Engine) handleMeterInfo(ctx context.Context, sess *models.Session, text string) (models.Reply, error) {
	meterType := sess.Data.MeterType
	if meterType == "" {
		meterType = meterTypeFor(sess.State)
	}

	idx := sess.Data.FieldIndex()
	patch := &models.SessionData{}
	if idx < len(meterFields) {
		field := meterFields[idx]
		input := strings.TrimSpace(text)
		switch {
		case field.Optional && strings.EqualFold(input, "SKIP"):
			slog.Debug("Engine.handleMeterInfo: optional field skipped", "sessionID", sess.ID, "field", field.Key)
		case input == "":
			return models.Reply{Text: fieldRequiredText + " " + fieldPrompt(meterType, idx), SessionID: sess.ID, State: sess.State}, nil
		default:
			field.set(patch, input)
		}
		idx++
		patch.CurrentFieldIndex = models.IntPtr(idx)
	}

	if idx < len(meterFields) {
		updated, err := e.store.Update(ctx, sess.ID, sess.State, patch)
		if err != nil {
			return models.Reply{}, fmt.Errorf("failed to store meter field: %w", err)
		}
		return models.Reply{Text: fieldPrompt(meterType, idx), SessionID: updated.ID, State: updated.State}, nil
	}

	if err := e.api.Configured(); err != nil {
		return models.Reply{}, err
	}

	patch.RequestID = util.NewCorrelationID()
	patch.MeterType = meterType
	updated, err := e.store.Update(ctx, sess.ID, meterType.EnquiryState(), patch)
	if err != nil {
		return models.Reply{}, fmt.Errorf("failed to start enquiry: %w", err)
	}
	slog.Info("Engine.handleMeterInfo: collection complete, starting enquiry", "sessionID", updated.ID, "requestID", updated.Data.RequestID)
	e.launch(ctx, updated.ID)
	return models.Reply{Text: processingText, SessionID: updated.ID, State: updated.State}, nil
}

// handleEnquiry only reads: the pipeline owns the session while it runs.
func (e *Engine) handleEnquiry(ctx context.Context, sess *models.Session) (models.Reply, error) {
	current, err := e.store.GetByID(ctx, sess.ID)
	if err != nil {
		return models.Reply{}, fmt.Errorf("failed to reload session: %w", err)
	}
	if current == nil {
		current = sess
	}
	if current.State == models.StateConfirmCharge && current.Data.Enquiry != nil {
		return models.Reply{Text: formatEnquiry(current.Data.Enquiry), SessionID: current.ID, State: current.State}, nil
	}
	return models.Reply{Text: stillProcessingText, SessionID: current.ID, State: current.State}, nil
}

func (e *Engine) handleConfirm(ctx context.Context, sess *models.Session, command string) (models.Reply, error) {
	var outcome string
	switch {
	case confirmKeywords[command]:
		outcome = purchaseSuccessText
	case declineKeywords[command]:
		outcome = purchaseDeclineText
	default:
		return models.Reply{Text: confirmPromptText, SessionID: sess.ID, State: sess.State}, nil
	}

	slog.Info("Engine.handleConfirm: purchase decided", "sessionID", sess.ID, "requestID", sess.Data.RequestID, "confirmed", outcome == purchaseSuccessText)
	return e.reset(ctx, sess, outcome)
}

func meterTypeFor(state models.State) models.MeterType {
	if state == models.StatePostpaidMeterInfo || state == models.StatePostpaidEnquiry {
		return models.MeterTypePostpaid
	}
	return models.MeterTypePrepaid
}
