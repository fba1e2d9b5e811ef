// Package flow implements the purchase conversation: the state machine that
// answers each inbound message and the background enquiry pipeline it starts.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Nimako/WhatAppBot/internal/backend"
	"github.com/Nimako/WhatAppBot/internal/models"
	"github.com/Nimako/WhatAppBot/internal/store"
	"github.com/Nimako/WhatAppBot/internal/util"
)

// DefaultPipelineTimeout bounds one enquiry pipeline run: two backend calls
// plus a signature round trip.
const DefaultPipelineTimeout = 2 * time.Minute

// ErrInvalidPhone is returned by HandleMessage for a sender without digits.
var ErrInvalidPhone = errors.New("phone number has no digits")

var (
	cancelKeywords  = map[string]bool{"CANCEL": true, "STOP": true, "END": true, "QUIT": true, "EXIT": true, "ABORT": true}
	resetKeywords   = map[string]bool{"MENU": true, "RESET": true}
	confirmKeywords = map[string]bool{"YES": true, "Y": true, "CONFIRM": true}
	declineKeywords = map[string]bool{"NO": true, "N": true}
)

// BackendAPI is the part of the backend client the conversation uses.
type BackendAPI interface {
	Configured() error
	GetMeterInfo(ctx context.Context, p backend.MeterInfoParams) (*backend.MeterInfoResponse, error)
	Enquiry(ctx context.Context, p backend.EnquiryParams) (*backend.EnquiryResponse, error)
}

// Notifier pushes a text to a user outside the request/response cycle.
type Notifier interface {
	Send(ctx context.Context, to, text string) bool
}

// Opts holds configuration options for the Engine.
type Opts struct {
	WebBaseURL      string
	PipelineTimeout time.Duration
}

// Option defines a configuration option for the Engine.
type Option func(*Opts)

// WithWebBaseURL sets the base URL of the web chat; the menu links to
// {url}/chat/{sessionID}.
func WithWebBaseURL(url string) Option {
	return func(o *Opts) { o.WebBaseURL = strings.TrimRight(url, "/") }
}

// WithPipelineTimeout bounds each background enquiry run.
func WithPipelineTimeout(d time.Duration) Option {
	return func(o *Opts) { o.PipelineTimeout = d }
}

// Engine is the conversation state machine.
type Engine struct {
	store           store.SessionStore
	pipeline        *Pipeline
	api             BackendAPI
	webBaseURL      string
	pipelineTimeout time.Duration
	wg              sync.WaitGroup
}

// NewEngine creates an Engine. The notifier is used by the background
// pipeline only; immediate replies are returned from HandleMessage.
func NewEngine(st store.SessionStore, api BackendAPI, notifier Notifier, opts ...Option) *Engine {
	cfg := Opts{PipelineTimeout: DefaultPipelineTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = DefaultPipelineTimeout
	}
	return &Engine{
		store:           st,
		pipeline:        NewPipeline(st, api, notifier),
		api:             api,
		webBaseURL:      cfg.WebBaseURL,
		pipelineTimeout: cfg.PipelineTimeout,
	}
}

// HandleMessage answers one inbound message from phone. Failures inside the
// conversation become a reply that points the user back to MENU; an error is
// returned only for an unusable sender.
func (e *Engine) HandleMessage(ctx context.Context, phone, text string) (models.Reply, error) {
	phone = util.NormalizePhone(phone)
	if phone == "" {
		return models.Reply{}, ErrInvalidPhone
	}

	reply, err := e.route(ctx, phone, text)
	if err == nil {
		return reply, nil
	}

	if backend.IsNotConfigured(err) {
		slog.Error("Engine.HandleMessage: backend not configured", "phone", phone, "error", err)
		reply.Text = serviceUnavailableText
	} else {
		slog.Error("Engine.HandleMessage: failed to handle message", "phone", phone, "sessionID", reply.SessionID, "error", err)
		reply.Text = genericErrorText
	}
	if reply.SessionID != "" {
		if _, rerr := e.store.Reset(ctx, reply.SessionID); rerr != nil {
			slog.Warn("Engine.HandleMessage: reset after failure failed", "sessionID", reply.SessionID, "error", rerr)
		}
		reply.State = models.StateMenu
	}
	return reply, nil
}

// route applies the global commands and then dispatches on the session state.
// On error the returned Reply carries the session ID, if one was loaded.
func (e *Engine) route(ctx context.Context, phone, text string) (models.Reply, error) {
	command := strings.ToUpper(strings.TrimSpace(text))

	sess, err := e.store.CreateOrGet(ctx, phone)
	if err != nil {
		return models.Reply{}, fmt.Errorf("failed to load session: %w", err)
	}

	switch {
	case cancelKeywords[command]:
		return e.cancel(ctx, sess)
	case resetKeywords[command]:
		return e.reset(ctx, sess, "")
	}

	slog.Debug("Engine.route: dispatching", "sessionID", sess.ID, "state", sess.State)
	var reply models.Reply
	switch {
	case sess.State == models.StateMenu:
		reply, err = e.handleMenu(ctx, sess, command)
	case sess.State.IsMeterInfo():
		reply, err = e.handleMeterInfo(ctx, sess, text)
	case sess.State.IsEnquiry():
		reply, err = e.handleEnquiry(ctx, sess)
	case sess.State == models.StateConfirmCharge:
		reply, err = e.handleConfirm(ctx, sess, command)
	default:
		slog.Warn("Engine.route: unknown state, resetting", "sessionID", sess.ID, "state", sess.State)
		return e.reset(ctx, sess, "")
	}
	if err != nil {
		return models.Reply{SessionID: sess.ID}, err
	}
	return reply, nil
}

// cancel replaces the session with a brand-new one, orphaning any pipeline
// still holding the old ID.
func (e *Engine) cancel(ctx context.Context, sess *models.Session) (models.Reply, error) {
	if err := e.store.Delete(ctx, sess.ID); err != nil {
		return models.Reply{SessionID: sess.ID}, fmt.Errorf("failed to delete session: %w", err)
	}
	fresh, err := e.store.Create(ctx, sess.PhoneNumber)
	if err != nil {
		return models.Reply{}, fmt.Errorf("failed to create session: %w", err)
	}
	slog.Info("Engine.cancel: session replaced", "oldSessionID", sess.ID, "sessionID", fresh.ID)
	return models.Reply{
		Text:      cancelledText + "\n\n" + e.menuText(fresh.ID),
		SessionID: fresh.ID,
		State:     fresh.State,
	}, nil
}

// reset returns the session to MENU, or starts a new one when it has been
// deleted meanwhile. prefix goes above the menu text.
func (e *Engine) reset(ctx context.Context, sess *models.Session, prefix string) (models.Reply, error) {
	reset, err := e.store.Reset(ctx, sess.ID)
	if err != nil {
		return models.Reply{SessionID: sess.ID}, fmt.Errorf("failed to reset session: %w", err)
	}
	if reset == nil {
		slog.Info("Engine.reset: session vanished, creating a new one", "sessionID", sess.ID)
		if reset, err = e.store.Create(ctx, sess.PhoneNumber); err != nil {
			return models.Reply{}, fmt.Errorf("failed to create session: %w", err)
		}
	}
	return e.menuReply(reset.ID, prefix), nil
}

func (e *Engine) menuReply(sessionID, prefix string) models.Reply {
	text := e.menuText(sessionID)
	if prefix != "" {
		text = prefix + "\n\n" + text
	}
	return models.Reply{Text: text, SessionID: sessionID, State: models.StateMenu}
}

// launch starts the enquiry pipeline detached from the request context.
func (e *Engine) launch(ctx context.Context, sessionID string) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.pipelineTimeout)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.pipeline.Run(runCtx, sessionID)
	}()
}

// Wait blocks until every pipeline started so far has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}
