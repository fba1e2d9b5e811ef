// Package store provides storage backends for WhatAppBot.
//
// This file implements a PostgreSQL-backed session store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "embed"

	"github.com/Nimako/WhatAppBot/internal/models"
	"github.com/Nimako/WhatAppBot/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

const postgresSessionColumns = `id, phone_number, state, data, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := applyOptions(opts)
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func scanPostgresSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var state string
	var data []byte
	if err := row.Scan(&sess.ID, &sess.PhoneNumber, &state, &data, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	d, err := decodeData(data)
	if err != nil {
		return nil, err
	}
	sess.State = models.State(state)
	sess.Data = d
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	return repairState(&sess), nil
}

func (s *PostgresStore) insertSession(ctx context.Context, phone string) (*models.Session, error) {
	sess := models.NewSession(util.NewSessionID(), phone, time.Now().UTC())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+postgresSessionColumns+`) VALUES ($1, $2, $3, '{}'::jsonb, $4, $5)`,
		sess.ID, sess.PhoneNumber, string(sess.State), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore insertSession failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) CreateOrGet(ctx context.Context, phone string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postgresSessionColumns+` FROM sessions WHERE phone_number = $1
		 ORDER BY updated_at DESC, created_at DESC LIMIT 1`, phone)
	sess, err := scanPostgresSession(row)
	if err == nil {
		return sess, nil
	}
	if err != sql.ErrNoRows {
		slog.Error("PostgresStore CreateOrGet query failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to load session for %s: %w", phone, err)
	}
	return s.insertSession(ctx, phone)
}

func (s *PostgresStore) Create(ctx context.Context, phone string) (*models.Session, error) {
	return s.insertSession(ctx, phone)
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postgresSessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanPostgresSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetByID failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return sess, nil
}

// Update merges the patch with the jsonb concatenation operator, so the
// read-modify-write happens in a single statement.
func (s *PostgresStore) Update(ctx context.Context, id string, state models.State, patch *models.SessionData) (*models.Session, error) {
	if err := checkState(state); err != nil {
		return nil, err
	}
	patchJSON := []byte("{}")
	if patch != nil {
		raw, err := encodeData(*patch)
		if err != nil {
			return nil, err
		}
		patchJSON = raw
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE sessions
		 SET state = COALESCE(NULLIF($2::text, ''), state),
		     data = data || $3::jsonb,
		     updated_at = $4
		 WHERE id = $1
		 RETURNING `+postgresSessionColumns,
		id, string(state), string(patchJSON), time.Now().UTC())
	sess, err := scanPostgresSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		slog.Error("PostgresStore Update failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to update session %s: %w", id, err)
	}
	return sess, nil
}

func (s *PostgresStore) Reset(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE sessions SET state = $2, data = '{}'::jsonb, updated_at = $3
		 WHERE id = $1 RETURNING `+postgresSessionColumns,
		id, string(models.StateMenu), time.Now().UTC())
	sess, err := scanPostgresSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore Reset failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to reset session %s: %w", id, err)
	}
	return sess, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		slog.Error("PostgresStore Delete failed", "error", err, "sessionID", id)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ListByStates(ctx context.Context, states ...models.State) ([]models.Session, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(states))
	for i := range states {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postgresSessionColumns+` FROM sessions WHERE state IN (`+strings.Join(placeholders, ", ")+`)`,
		stateStrings(states)...)
	if err != nil {
		slog.Error("PostgresStore ListByStates query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanPostgresSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return out, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
