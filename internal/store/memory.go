package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Nimako/WhatAppBot/internal/models"
	"github.com/Nimako/WhatAppBot/internal/util"
)

// InMemoryStore keeps sessions and dedup records in process memory.
// Data is lost on restart; intended for development and tests.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	seen     map[string]*DedupRecord
	dedupTTL time.Duration
	now      func() time.Time
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := applyOptions(opts)
	return &InMemoryStore{
		sessions: make(map[string]*models.Session),
		seen:     make(map[string]*DedupRecord),
		dedupTTL: cfg.DedupTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// latestLocked returns the most recently updated session for phone. Caller holds mu.
func (s *InMemoryStore) latestLocked(phone string) *models.Session {
	var latest *models.Session
	for _, sess := range s.sessions {
		if sess.PhoneNumber != phone {
			continue
		}
		if latest == nil || sess.UpdatedAt.After(latest.UpdatedAt) ||
			(sess.UpdatedAt.Equal(latest.UpdatedAt) && sess.CreatedAt.After(latest.CreatedAt)) {
			latest = sess
		}
	}
	return latest
}

func (s *InMemoryStore) createLocked(phone string) *models.Session {
	sess := models.NewSession(util.NewSessionID(), phone, s.now())
	s.sessions[sess.ID] = sess
	return sess
}

func (s *InMemoryStore) CreateOrGet(ctx context.Context, phone string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.latestLocked(phone); sess != nil {
		return copySession(sess), nil
	}
	sess := s.createLocked(phone)
	slog.Debug("InMemoryStore.CreateOrGet: created session", "sessionID", sess.ID, "phone", phone)
	return copySession(sess), nil
}

func (s *InMemoryStore) Create(ctx context.Context, phone string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySession(s.createLocked(phone)), nil
}

func (s *InMemoryStore) GetByID(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySession(s.sessions[id]), nil
}

func (s *InMemoryStore) Update(ctx context.Context, id string, state models.State, patch *models.SessionData) (*models.Session, error) {
	if err := checkState(state); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	merged, err := models.MergeSessionData(sess.Data, patch)
	if err != nil {
		return nil, err
	}
	if state != "" {
		sess.State = state
	}
	sess.Data = merged
	sess.UpdatedAt = s.now()
	return copySession(sess), nil
}

func (s *InMemoryStore) Reset(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	sess.State = models.StateMenu
	sess.Data = models.SessionData{}
	sess.UpdatedAt = s.now()
	return copySession(sess), nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *InMemoryStore) ListByStates(ctx context.Context, states ...models.State) ([]models.Session, error) {
	want := make(map[models.State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if want[sess.State] {
			out = append(out, *copySession(sess))
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// pruneLocked drops dedup records older than the TTL. Caller holds mu.
func (s *InMemoryStore) pruneLocked(now time.Time) {
	if s.dedupTTL <= 0 {
		return
	}
	for id, rec := range s.seen {
		if now.Sub(rec.ReceivedAt) >= s.dedupTTL {
			delete(s.seen, id)
		}
	}
}

// RecordInbound checks and marks the message ID in one step.
func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.pruneLocked(now)
	if _, ok := s.seen[messageID]; ok {
		return false, nil
	}
	s.seen[messageID] = &DedupRecord{MessageID: messageID, PhoneNumber: phone, ReceivedAt: now}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.seen[messageID]; ok {
		now := s.now()
		rec.ProcessedAt = &now
	}
	return nil
}
