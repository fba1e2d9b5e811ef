// Package lockfile keeps two WhatAppBot processes from sharing one state
// directory, and with it one SQLite session database and one whatsmeow device.
//
// The lock is an flock on a file in the state directory, so the kernel drops
// it when the process exits, even on a crash.
package lockfile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "whatappbot.lock"

// Owner describes the process holding the lock. It is written to the lock
// file as JSON.
type Owner struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Addr      string    `json:"addr,omitempty"`  // HTTP listen address
	Store     string    `json:"store,omitempty"` // session store kind
}

// Option sets an Owner field recorded in the lock file.
type Option func(*Owner)

// WithAddr records the HTTP listen address of this process.
func WithAddr(addr string) Option {
	return func(o *Owner) { o.Addr = addr }
}

// WithStore records the session store kind used by this process.
func WithStore(kind string) Option {
	return func(o *Owner) { o.Store = kind }
}

// Lock represents an active directory lock
type Lock struct {
	file  *os.File
	path  string
	owner Owner
}

// AcquireLock takes an exclusive, non-blocking lock on stateDir, creating the
// directory if needed. When another process holds it, the error is a
// *LockError describing that process.
func AcquireLock(stateDir string, opts ...Option) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	owner := Owner{PID: os.Getpid(), StartedAt: time.Now().UTC()}
	for _, opt := range opts {
		opt(&owner)
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// No O_TRUNC: the current holder's record must survive a failed attempt.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := readOwner(lockPath)
		slog.Error("Failed to acquire lock - another WhatAppBot instance is running",
			"error", err, "lock_path", lockPath, "holder_pid", holder.PID)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	if err := writeOwner(file, owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Acquired state directory lock", "lock_path", lockPath, "pid", owner.PID)
	return &Lock{file: file, path: lockPath, owner: owner}, nil
}

// Owner returns the record written for this process.
func (l *Lock) Owner() Owner {
	return l.owner
}

// Release releases the lock and removes the lock file. It is safe to call
// more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Failed to release flock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil

	slog.Info("Released state directory lock", "lock_path", l.path)
	if err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}
	return nil
}

func writeOwner(file *os.File, owner Owner) error {
	raw, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt(append(raw, '\n'), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Failed to sync lock file", "error", err)
	}
	return nil
}

// readOwner returns the holder recorded in lockPath, or a zero Owner when the
// file is unreadable.
func readOwner(lockPath string) Owner {
	var owner Owner
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return owner
	}
	if err := json.Unmarshal(data, &owner); err != nil {
		slog.Debug("Lock file holds no owner record", "lock_path", lockPath, "error", err)
	}
	return owner
}

// LockError represents an error when failing to acquire a lock due to another process
type LockError struct {
	LockPath string
	Holder   Owner
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another WhatAppBot instance is already using this state directory (lock file %s)", e.LockPath)
	if e.Holder.PID > 0 {
		status := "not running, stale lock"
		if isProcessRunning(e.Holder.PID) {
			status = "running"
		}
		msg += fmt.Sprintf("; holder PID %d (%s), started %s", e.Holder.PID, status, e.Holder.StartedAt.Format(time.RFC3339))
		if e.Holder.Addr != "" {
			msg += ", listening on " + e.Holder.Addr
		}
	}
	return msg + fmt.Sprintf("; remove %s only if no other instance is running", e.LockPath)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// isProcessRunning sends signal 0 to pid.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
