package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Nimako/WhatAppBot/internal/models"
)

// runStoreContract exercises the behaviour every Store backend must share.
func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateOrGet creates then reuses", func(t *testing.T) {
		first, err := s.CreateOrGet(ctx, "+100")
		if err != nil {
			t.Fatalf("CreateOrGet: %v", err)
		}
		if first.ID == "" || first.State != models.StateMenu || !first.Data.IsEmpty() {
			t.Fatalf("unexpected new session: %+v", first)
		}
		again, err := s.CreateOrGet(ctx, "+100")
		if err != nil {
			t.Fatalf("CreateOrGet again: %v", err)
		}
		if again.ID != first.ID {
			t.Errorf("CreateOrGet returned %s, want existing %s", again.ID, first.ID)
		}
	})

	t.Run("Update merges patch and changes state", func(t *testing.T) {
		sess, _ := s.CreateOrGet(ctx, "+200")
		_, err := s.Update(ctx, sess.ID, models.StatePrepaidMeterInfo, &models.SessionData{
			MeterType:         models.MeterTypePrepaid,
			CurrentFieldIndex: models.IntPtr(0),
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		updated, err := s.Update(ctx, sess.ID, "", &models.SessionData{PhoneNumber: "+233", CurrentFieldIndex: models.IntPtr(1)})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if updated.State != models.StatePrepaidMeterInfo {
			t.Errorf("empty state changed the state to %s", updated.State)
		}
		got, err := s.GetByID(ctx, sess.ID)
		if err != nil || got == nil {
			t.Fatalf("GetByID: %v %v", got, err)
		}
		if got.Data.MeterType != models.MeterTypePrepaid || got.Data.PhoneNumber != "+233" || got.Data.FieldIndex() != 1 {
			t.Errorf("merged data = %+v", got.Data)
		}
		if !got.UpdatedAt.After(sess.UpdatedAt) && !got.UpdatedAt.Equal(sess.UpdatedAt) {
			t.Errorf("UpdatedAt went backwards")
		}
	})

	t.Run("Update of missing session", func(t *testing.T) {
		_, err := s.Update(ctx, "does-not-exist", models.StateMenu, nil)
		if !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("Update missing = %v, want ErrSessionNotFound", err)
		}
	})

	t.Run("Update rejects unknown state", func(t *testing.T) {
		sess, _ := s.CreateOrGet(ctx, "+250")
		_, err := s.Update(ctx, sess.ID, models.State("BOGUS"), nil)
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("Update bogus state = %v, want ErrInvalidState", err)
		}
		got, _ := s.GetByID(ctx, sess.ID)
		if got == nil || got.State != models.StateMenu {
			t.Errorf("rejected update changed the session: %+v", got)
		}
	})

	t.Run("Reset keeps ID and clears data", func(t *testing.T) {
		sess, _ := s.CreateOrGet(ctx, "+300")
		if _, err := s.Update(ctx, sess.ID, models.StateConfirmCharge, &models.SessionData{MeterNumber: "M1"}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		reset, err := s.Reset(ctx, sess.ID)
		if err != nil || reset == nil {
			t.Fatalf("Reset: %v %v", reset, err)
		}
		if reset.ID != sess.ID || reset.State != models.StateMenu || !reset.Data.IsEmpty() {
			t.Errorf("Reset result = %+v", reset)
		}
		missing, err := s.Reset(ctx, "does-not-exist")
		if err != nil || missing != nil {
			t.Errorf("Reset missing = %v, %v; want nil, nil", missing, err)
		}
	})

	t.Run("Delete then CreateOrGet yields new ID", func(t *testing.T) {
		sess, _ := s.CreateOrGet(ctx, "+400")
		if err := s.Delete(ctx, sess.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		got, err := s.GetByID(ctx, sess.ID)
		if err != nil || got != nil {
			t.Errorf("GetByID after delete = %v, %v", got, err)
		}
		if err := s.Delete(ctx, sess.ID); err != nil {
			t.Errorf("second Delete: %v", err)
		}
		fresh, err := s.CreateOrGet(ctx, "+400")
		if err != nil {
			t.Fatalf("CreateOrGet: %v", err)
		}
		if fresh.ID == sess.ID {
			t.Error("expected a new session ID after delete")
		}
	})

	t.Run("Create becomes the active session", func(t *testing.T) {
		old, _ := s.CreateOrGet(ctx, "+500")
		time.Sleep(2 * time.Millisecond)
		created, err := s.Create(ctx, "+500")
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if created.ID == old.ID {
			t.Fatal("Create reused an ID")
		}
		active, _ := s.CreateOrGet(ctx, "+500")
		if active.ID != created.ID {
			t.Errorf("active session = %s, want newest %s", active.ID, created.ID)
		}
	})

	t.Run("ListByStates", func(t *testing.T) {
		sess, _ := s.CreateOrGet(ctx, "+600")
		if _, err := s.Update(ctx, sess.ID, models.StatePostpaidEnquiry, nil); err != nil {
			t.Fatalf("Update: %v", err)
		}
		list, err := s.ListByStates(ctx, models.StatePrepaidEnquiry, models.StatePostpaidEnquiry)
		if err != nil {
			t.Fatalf("ListByStates: %v", err)
		}
		found := false
		for _, l := range list {
			if l.ID == sess.ID {
				found = true
			}
			if !l.State.IsEnquiry() {
				t.Errorf("ListByStates returned session in %s", l.State)
			}
		}
		if !found {
			t.Errorf("ListByStates did not return %s", sess.ID)
		}
	})

	t.Run("Dedup", func(t *testing.T) {
		fresh, err := s.RecordInbound(ctx, "SM123", "+700")
		if err != nil || !fresh {
			t.Fatalf("RecordInbound first = %v, %v", fresh, err)
		}
		fresh, err = s.RecordInbound(ctx, "SM123", "+700")
		if err != nil || fresh {
			t.Errorf("RecordInbound duplicate = %v, %v", fresh, err)
		}
		fresh, err = s.RecordInbound(ctx, "SM999", "+700")
		if err != nil || !fresh {
			t.Errorf("RecordInbound unrelated ID = %v, %v", fresh, err)
		}
		if err := s.MarkProcessed(ctx, "SM123"); err != nil {
			t.Errorf("MarkProcessed: %v", err)
		}
	})
}
