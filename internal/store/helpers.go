package store

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Nimako/WhatAppBot/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// encodeData serialises session data for storage. Empty data is stored as "{}".
func encodeData(d models.SessionData) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session data: %w", err)
	}
	return raw, nil
}

// decodeData parses stored session data. NULL or empty columns yield empty data.
func decodeData(raw []byte) (models.SessionData, error) {
	var d models.SessionData
	if len(raw) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("failed to decode session data: %w", err)
	}
	return d, nil
}

// checkState rejects transitions to unknown states. The empty state keeps the
// session where it is.
func checkState(state models.State) error {
	if state != "" && !models.IsValidState(state) {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	return nil
}

// repairState returns a session holding an unknown stored state to MENU with
// empty data, so the user can start over instead of hitting an error forever.
func repairState(sess *models.Session) *models.Session {
	if models.IsValidState(sess.State) {
		return sess
	}
	slog.Warn("store: unknown stored state, returning session to menu", "sessionID", sess.ID, "state", sess.State)
	sess.State = models.StateMenu
	sess.Data = models.SessionData{}
	return sess
}

// stateStrings converts states to plain strings for query arguments.
func stateStrings(states []models.State) []any {
	out := make([]any, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func copySession(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	cp := *s
	// SessionData holds pointers; a JSON round trip gives an independent copy.
	if raw, err := json.Marshal(s.Data); err == nil {
		var d models.SessionData
		if json.Unmarshal(raw, &d) == nil {
			cp.Data = d
		}
	}
	return &cp
}
