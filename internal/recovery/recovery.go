// Package recovery repairs conversation state left behind by a restart.
//
// Enquiry pipelines run in memory only. A session persisted in an enquiry
// state when the process stopped has no pipeline attached any more and would
// answer "still processing" forever; recovery puts such sessions back to MENU
// and tells the user.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Nimako/WhatAppBot/internal/models"
	"github.com/Nimako/WhatAppBot/internal/store"
)

// InterruptedNotice is pushed to users whose enquiry was cut off by a restart.
const InterruptedNotice = "Your account enquiry was interrupted by a service restart. Send MENU to start over."

// Notifier pushes a text to a user.
type Notifier interface {
	Send(ctx context.Context, to, text string) bool
}

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	store    store.SessionStore
	notifier Notifier
}

// NewRecoveryRegistry creates a new recovery registry
func NewRecoveryRegistry(st store.SessionStore, notifier Notifier) *RecoveryRegistry {
	return &RecoveryRegistry{store: st, notifier: notifier}
}

// GetStore provides access to the store for recovery operations
func (r *RecoveryRegistry) GetStore() store.SessionStore {
	return r.store
}

// Notify sends text to phone if a notifier is configured.
func (r *RecoveryRegistry) Notify(ctx context.Context, phone, text string) bool {
	if r.notifier == nil {
		return false
	}
	return r.notifier.Send(ctx, phone, text)
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(st store.SessionStore, notifier Notifier) *RecoveryManager {
	return &RecoveryManager{
		registry:     NewRecoveryRegistry(st, notifier),
		recoverables: make([]Recoverable, 0),
	}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll performs recovery of all registered components
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		if err := recoverable.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", fmt.Sprintf("%T", recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}

	return nil
}

// GetRegistry provides access to the recovery registry for infrastructure setup
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}

// InterruptedEnquiries resets sessions stuck in an enquiry state.
type InterruptedEnquiries struct{}

// RecoverState implements Recoverable.
func (InterruptedEnquiries) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	sessions, err := registry.GetStore().ListByStates(ctx, models.StatePrepaidEnquiry, models.StatePostpaidEnquiry)
	if err != nil {
		return fmt.Errorf("failed to list interrupted enquiries: %w", err)
	}

	failed := 0
	for _, sess := range sessions {
		reset, err := registry.GetStore().Reset(ctx, sess.ID)
		if err != nil {
			slog.Error("InterruptedEnquiries.RecoverState: reset failed", "sessionID", sess.ID, "error", err)
			failed++
			continue
		}
		if reset == nil {
			continue
		}
		slog.Info("InterruptedEnquiries.RecoverState: session reset", "sessionID", sess.ID, "requestID", sess.Data.RequestID)
		registry.Notify(ctx, sess.PhoneNumber, InterruptedNotice)
	}

	if failed > 0 {
		return fmt.Errorf("failed to reset %d of %d interrupted sessions", failed, len(sessions))
	}
	return nil
}
