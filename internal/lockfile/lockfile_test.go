package lockfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestLockAcquisition(t *testing.T) {
	tempDir := t.TempDir()

	lock, err := AcquireLock(tempDir, WithAddr(":8080"), WithStore("sqlite3"))
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	content, err := os.ReadFile(filepath.Join(tempDir, LockFileName))
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	var owner Owner
	if err := json.Unmarshal(content, &owner); err != nil {
		t.Fatalf("Lock file is not an owner record: %q", content)
	}
	if owner.PID != os.Getpid() || owner.Addr != ":8080" || owner.Store != "sqlite3" {
		t.Errorf("unexpected owner record: %+v", owner)
	}
	if owner.StartedAt.IsZero() {
		t.Error("StartedAt not recorded")
	}
	if got := lock.Owner(); got.PID != owner.PID || !got.StartedAt.Equal(owner.StartedAt) {
		t.Errorf("Owner() = %+v, want %+v", got, owner)
	}
}

func TestLockConflict(t *testing.T) {
	tempDir := t.TempDir()

	lock1, err := AcquireLock(tempDir, WithAddr(":9090"))
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(tempDir)
	if err == nil {
		lock2.Release()
		t.Fatalf("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("holder PID = %d, want %d", lockErr.Holder.PID, os.Getpid())
	}

	msg := err.Error()
	for _, want := range []string{"another WhatAppBot instance", tempDir, strconv.Itoa(os.Getpid()) + " (running)", ":9090"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q should contain %q", msg, want)
		}
	}
}

func TestFailedAttemptKeepsHolderRecord(t *testing.T) {
	tempDir := t.TempDir()
	lock1, err := AcquireLock(tempDir, WithAddr(":1111"))
	if err != nil {
		t.Fatal(err)
	}
	defer lock1.Release()

	if _, err := AcquireLock(tempDir, WithAddr(":2222")); err == nil {
		t.Fatal("second lock acquisition should have failed")
	}
	if got := readOwner(filepath.Join(tempDir, LockFileName)); got.Addr != ":1111" {
		t.Errorf("holder record overwritten: %+v", got)
	}
}

func TestLockRelease(t *testing.T) {
	tempDir := t.TempDir()

	lock, err := AcquireLock(tempDir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	lockPath := filepath.Join(tempDir, LockFileName)

	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release: %s", lockPath)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}
}

func TestLockReacquisition(t *testing.T) {
	tempDir := t.TempDir()

	lock1, err := AcquireLock(tempDir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	lock1.Release()

	lock2, err := AcquireLock(tempDir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	defer lock2.Release()
}

func TestReadOwnerGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFileName)
	if err := os.WriteFile(path, []byte("pid=12345\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := readOwner(path); got.PID != 0 {
		t.Errorf("readOwner() on a foreign file = %+v", got)
	}
	if got := readOwner(filepath.Join(t.TempDir(), "missing")); got.PID != 0 {
		t.Errorf("readOwner() on a missing file = %+v", got)
	}
}

func TestStaleHolderMessage(t *testing.T) {
	err := &LockError{LockPath: "/x/whatappbot.lock", Holder: Owner{PID: 999999}}
	if !isProcessRunning(999999) && !strings.Contains(err.Error(), "stale lock") {
		t.Errorf("message does not flag a stale lock: %s", err.Error())
	}
}

func TestNonExistentDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Should be able to create directory and acquire lock: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Errorf("Directory should have been created: %s", dir)
	}
}
