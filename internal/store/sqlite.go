// Package store provides storage backends for WhatAppBot.
//
// This file implements an SQLite-backed session store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/Nimako/WhatAppBot/internal/models"
	"github.com/Nimako/WhatAppBot/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

const sqliteSessionColumns = `id, phone_number, state, data, created_at, updated_at`

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOptions(opts)
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := strings.TrimPrefix(cfg.DSN, "file:")
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(strings.SplitN(dsn, "?", 2)[0])
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serialises writers and keeps transactions from
	// failing with "database is locked".
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func scanSQLiteSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var state, data string
	var createdAt, updatedAt int64
	if err := row.Scan(&sess.ID, &sess.PhoneNumber, &state, &data, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d, err := decodeData([]byte(data))
	if err != nil {
		return nil, err
	}
	sess.State = models.State(state)
	sess.Data = d
	sess.CreatedAt = time.Unix(0, createdAt).UTC()
	sess.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return repairState(&sess), nil
}

func (s *SQLiteStore) insertSession(ctx context.Context, phone string) (*models.Session, error) {
	sess := models.NewSession(util.NewSessionID(), phone, time.Now().UTC())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sqliteSessionColumns+`) VALUES (?, ?, ?, '{}', ?, ?)`,
		sess.ID, sess.PhoneNumber, string(sess.State), sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano())
	if err != nil {
		slog.Error("SQLiteStore insertSession failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	slog.Debug("SQLiteStore insertSession succeeded", "sessionID", sess.ID, "phone", phone)
	return sess, nil
}

func (s *SQLiteStore) CreateOrGet(ctx context.Context, phone string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM sessions WHERE phone_number = ?
		 ORDER BY updated_at DESC, created_at DESC LIMIT 1`, phone)
	sess, err := scanSQLiteSession(row)
	if err == nil {
		return sess, nil
	}
	if err != sql.ErrNoRows {
		slog.Error("SQLiteStore CreateOrGet query failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to load session for %s: %w", phone, err)
	}
	return s.insertSession(ctx, phone)
}

func (s *SQLiteStore) Create(ctx context.Context, phone string) (*models.Session, error) {
	return s.insertSession(ctx, phone)
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSQLiteSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetByID failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return sess, nil
}

// Update reads, merges and writes the session inside one transaction.
func (s *SQLiteStore) Update(ctx context.Context, id string, state models.State, patch *models.SessionData) (*models.Session, error) {
	if err := checkState(state); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSQLiteSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore Update read failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	merged, err := models.MergeSessionData(sess.Data, patch)
	if err != nil {
		return nil, err
	}
	raw, err := encodeData(merged)
	if err != nil {
		return nil, err
	}
	if state != "" {
		sess.State = state
	}
	sess.Data = merged
	sess.UpdatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET state = ?, data = ?, updated_at = ? WHERE id = ?`,
		string(sess.State), string(raw), sess.UpdatedAt.UnixNano(), id); err != nil {
		slog.Error("SQLiteStore Update write failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to update session %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session update: %w", err)
	}
	slog.Debug("SQLiteStore Update succeeded", "sessionID", id, "state", sess.State)
	return sess, nil
}

func (s *SQLiteStore) Reset(ctx context.Context, id string) (*models.Session, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, data = '{}', updated_at = ? WHERE id = ?`,
		string(models.StateMenu), now.UnixNano(), id)
	if err != nil {
		slog.Error("SQLiteStore Reset failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to reset session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetByID(ctx, id)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		slog.Error("SQLiteStore Delete failed", "error", err, "sessionID", id)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	slog.Debug("SQLiteStore Delete succeeded", "sessionID", id)
	return nil
}

func (s *SQLiteStore) ListByStates(ctx context.Context, states ...models.State) ([]models.Session, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM sessions WHERE state IN (`+placeholders+`)`,
		stateStrings(states)...)
	if err != nil {
		slog.Error("SQLiteStore ListByStates query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanSQLiteSession(rows)
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

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
