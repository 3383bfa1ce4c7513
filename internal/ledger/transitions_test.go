package ledger

import (
	"errors"
	"testing"
)

func TestMarkBatchedConsumesPendingExactlyOnce(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db, nil)
	seedRecord(t, db, "record-1", true)

	event := mustCreateEvent(t, service, CreateEventRequest{
		RecordID:  "record-1",
		EventType: "diagnosis",
		Data:      "ciphertext",
		Action:    ActionCreate,
		ActorID:   "doctor-1",
	})

	if err := MarkBatched(db, event.EventID, "batch-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var stored MedicalEvent
	if err := db.Where("event_id = ?", event.EventID).Take(&stored).Error; err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if stored.Status != StatusBatched {
		t.Fatalf("expected status %s, got %s", StatusBatched, stored.Status)
	}
	if stored.BatchID == nil || *stored.BatchID != "batch-1" {
		t.Fatalf("expected batch id batch-1, got %v", stored.BatchID)
	}

	if err := MarkBatched(db, event.EventID, "batch-2"); !errors.Is(err, ErrAlreadyBatched) {
		t.Fatalf("expected ErrAlreadyBatched, got %v", err)
	}
	if err := MarkBatched(db, "event-nope", "batch-1"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestSetStatusEnforcesTheStateMachine(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db, nil)
	seedRecord(t, db, "record-1", true)

	event := mustCreateEvent(t, service, CreateEventRequest{
		RecordID:  "record-1",
		EventType: "diagnosis",
		Data:      "ciphertext",
		Action:    ActionCreate,
		ActorID:   "doctor-1",
	})

	if err := SetStatus(db, event.EventID, StatusVerified); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Pending -> Verified must be rejected, got %v", err)
	}
	if err := SetStatus(db, event.EventID, EventStatus("Bogus")); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if err := SetStatus(db, "event-nope", StatusVerified); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}

	if err := MarkBatched(db, event.EventID, "batch-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := SetStatus(db, event.EventID, StatusFailed); err != nil {
		t.Fatalf("Batched -> Failed must be permitted, got %v", err)
	}
	if err := SetStatus(db, event.EventID, StatusPending); err != nil {
		t.Fatalf("Failed -> Pending must be permitted, got %v", err)
	}

	var stored MedicalEvent
	if err := db.Where("event_id = ?", event.EventID).Take(&stored).Error; err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if stored.Status != StatusPending {
		t.Fatalf("expected status %s, got %s", StatusPending, stored.Status)
	}
	if stored.BatchID != nil {
		t.Fatalf("reverting to Pending must clear the batch id, got %v", *stored.BatchID)
	}
}

func TestSetStatusVerifiedIsTerminal(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db, nil)
	seedRecord(t, db, "record-1", true)

	event := mustCreateEvent(t, service, CreateEventRequest{
		RecordID:  "record-1",
		EventType: "diagnosis",
		Data:      "ciphertext",
		Action:    ActionCreate,
		ActorID:   "doctor-1",
	})
	if err := MarkBatched(db, event.EventID, "batch-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := SetStatus(db, event.EventID, StatusVerified); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, to := range []EventStatus{StatusPending, StatusBatched, StatusFailed} {
		if err := SetStatus(db, event.EventID, to); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("Verified -> %s must be rejected, got %v", to, err)
		}
	}
}

func TestCascadeBatchMovesEveryMemberEvent(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db, nil)
	seedRecord(t, db, "record-1", true)

	var ids []string
	for index := 0; index < 3; index++ {
		event := mustCreateEvent(t, service, CreateEventRequest{
			RecordID:  "record-1",
			EventType: "diagnosis",
			Data:      "ciphertext",
			Action:    ActionCreate,
			ActorID:   "doctor-1",
		})
		ids = append(ids, event.EventID)
	}
	for _, id := range ids[:2] {
		if err := MarkBatched(db, id, "batch-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if err := CascadeBatch(db, "batch-1", StatusPending, StatusVerified); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := CascadeBatch(db, "batch-1", StatusBatched, StatusPending); err != nil {
		t.Fatalf("unexpected cascade error: %v", err)
	}

	var pending int64
	if err := db.Model(&MedicalEvent{}).
		Where("status = ? AND batch_id IS NULL", StatusPending).
		Count(&pending).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if pending != 3 {
		t.Fatalf("expected all 3 events back to Pending without a batch, got %d", pending)
	}
}
