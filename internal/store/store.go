// Package store provides storage backends for WhatAppBot.
//
// Sessions and inbound dedup records can be kept in memory, SQLite,
// PostgreSQL or Redis. New picks the backend from the configured DSN.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Nimako/WhatAppBot/internal/models"
)

// ErrSessionNotFound is returned by Update when the session no longer exists.
var ErrSessionNotFound = errors.New("session not found")

// ErrInvalidState is returned by Update for a state outside the conversation.
var ErrInvalidState = errors.New("invalid session state")

// SessionStore persists conversation sessions. The most recently updated
// session of a phone number is its active session.
type SessionStore interface {
	// CreateOrGet returns the active session for phone, creating a MENU session if none exists.
	CreateOrGet(ctx context.Context, phone string) (*models.Session, error)
	// Create always starts a new MENU session for phone with a fresh ID.
	Create(ctx context.Context, phone string) (*models.Session, error)
	// GetByID returns nil, nil when the session does not exist.
	GetByID(ctx context.Context, id string) (*models.Session, error)
	// Update moves the session to state (unchanged when empty) and merges patch
	// into its data. Returns ErrSessionNotFound when the session is gone.
	Update(ctx context.Context, id string, state models.State, patch *models.SessionData) (*models.Session, error)
	// Reset puts the session back to MENU with empty data, keeping its ID.
	// Returns nil, nil when the session does not exist.
	Reset(ctx context.Context, id string) (*models.Session, error)
	// Delete removes the session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error
	// ListByStates returns every session currently in one of states.
	ListByStates(ctx context.Context, states ...models.State) ([]models.Session, error)
	Close() error
}

// Store is a session store that also deduplicates inbound messages.
type Store interface {
	SessionStore
	DedupRepo
}

// DSN types understood by DetectDSNType.
const (
	DSNTypeMemory   = "memory"
	DSNTypeSQLite   = "sqlite3"
	DSNTypePostgres = "postgres"
	DSNTypeRedis    = "redis"
)

// Default values for store options.
const (
	DefaultRedisPrefix = "whatappbot:"
	DefaultDedupTTL    = 24 * time.Hour
)

// Opts holds configuration options for the store backends.
type Opts struct {
	DSN         string        // database connection string or file path
	RedisPrefix string        // key prefix for the Redis backend
	SessionTTL  time.Duration // Redis session key expiry, 0 keeps sessions forever
	DedupTTL    time.Duration // how long inbound message IDs are remembered by Redis and memory backends
}

// Option defines a configuration option for the store backends.
type Option func(*Opts)

// WithDSN sets the connection string used to select and open the backend.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithRedisPrefix sets the key prefix for the Redis backend.
func WithRedisPrefix(prefix string) Option {
	return func(o *Opts) {
		o.RedisPrefix = prefix
	}
}

// WithSessionTTL sets the expiry of session keys in Redis.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.SessionTTL = ttl
	}
}

// WithDedupTTL sets how long inbound message IDs are remembered.
func WithDedupTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.DedupTTL = ttl
	}
}

func applyOptions(opts []Option) Opts {
	cfg := Opts{
		RedisPrefix: DefaultRedisPrefix,
		DedupTTL:    DefaultDedupTTL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// DetectDSNType determines the backend for a connection string.
// An empty DSN selects the in-memory store; anything that is not a
// PostgreSQL or Redis connection string is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	lower := strings.ToLower(d)
	switch {
	case d == "":
		return DSNTypeMemory
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DSNTypePostgres
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname="):
		return DSNTypePostgres
	case strings.HasPrefix(lower, "redis://"), strings.HasPrefix(lower, "rediss://"):
		return DSNTypeRedis
	default:
		return DSNTypeSQLite
	}
}

// New opens the backend selected by the DSN option.
func New(opts ...Option) (Store, error) {
	cfg := applyOptions(opts)
	kind := DetectDSNType(cfg.DSN)
	slog.Debug("store.New: selecting backend", "type", kind)

	switch kind {
	case DSNTypeMemory:
		return NewInMemoryStore(opts...), nil
	case DSNTypePostgres:
		return NewPostgresStore(opts...)
	case DSNTypeRedis:
		return NewRedisStore(opts...)
	case DSNTypeSQLite:
		return NewSQLiteStore(opts...)
	default:
		return nil, fmt.Errorf("unsupported store type %q", kind)
	}
}
