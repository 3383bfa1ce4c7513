package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/medledger/backend/internal/hashing"
	"github.com/medledger/backend/internal/records"
	"gorm.io/gorm"
)

// registerHeadMover installs an update hook that advances the record's stored
// chain head inside the admission transaction, right before the
// compare-and-swap runs. Each move leaves the swap with zero affected rows,
// the same shape a writer from another process produces.
func registerHeadMover(t *testing.T, db *gorm.DB, recordID string, maxMoves int) *int {
	t.Helper()
	moves := 0
	err := db.Callback().Update().Before("gorm:update").Register("test:move_chain_head", func(tx *gorm.DB) {
		if tx.Statement.Table != "medical_records" || moves >= maxMoves {
			return
		}
		moves++
		moveErr := tx.Session(&gorm.Session{NewDB: true}).Exec(
			"UPDATE medical_records SET current_snapshot_hash = ? WHERE record_id = ?",
			fmt.Sprintf("moved-%d", moves), recordID).Error
		if moveErr != nil {
			t.Errorf("failed to move the chain head: %v", moveErr)
		}
	})
	if err != nil {
		t.Fatalf("failed to register the head mover: %v", err)
	}
	return &moves
}

func TestCreateEventRetriesWhenTheHeadMoves(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db, nil)
	seedRecord(t, db, "record-1", true)
	moves := registerHeadMover(t, db, "record-1", 1)

	event := mustCreateEvent(t, service, CreateEventRequest{
		RecordID:  "record-1",
		EventType: "diagnosis",
		Data:      "ciphertext-1",
		Action:    ActionCreate,
		ActorID:   "doctor-1",
	})

	if *moves != 1 {
		t.Fatalf("the first attempt must have lost the swap, moves = %d", *moves)
	}
	// The conflicted transaction rolled back, so the retry chains from the
	// untouched head.
	if event.PreviousHash != hashing.GenesisHash {
		t.Fatalf("the retry must re-read the head, got %s", event.PreviousHash)
	}
	intact, err := service.VerifyChain(context.Background(), "record-1")
	if err != nil {
		t.Fatalf("unexpected verify error: %v", err)
	}
	if !intact {
		t.Fatalf("a chain admitted after a retry must verify")
	}
}

func TestCreateEventSurfacesConflictWhenTheHeadKeepsMoving(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db, nil)
	seedRecord(t, db, "record-1", true)
	moves := registerHeadMover(t, db, "record-1", headConflictRetries)

	_, err := service.CreateEvent(context.Background(), CreateEventRequest{
		RecordID:  "record-1",
		EventType: "diagnosis",
		Data:      "ciphertext-1",
		Action:    ActionCreate,
		ActorID:   "doctor-1",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict after exhausted retries, got %v", err)
	}
	if *moves != headConflictRetries {
		t.Fatalf("every attempt must have lost the swap, moves = %d", *moves)
	}

	var count int64
	if err := db.Model(&MedicalEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count events: %v", err)
	}
	if count != 0 {
		t.Fatalf("a conflicted admission must leave no event behind, got %d", count)
	}
	var record records.MedicalRecord
	if err := db.Where("record_id = ?", "record-1").Take(&record).Error; err != nil {
		t.Fatalf("failed to load record: %v", err)
	}
	if record.CurrentSnapshotHash != hashing.GenesisHash {
		t.Fatalf("the stored head must be untouched, got %s", record.CurrentSnapshotHash)
	}
}

// trackingStore counts puts and deletes and remembers which blobs are live.
type trackingStore struct {
	mu      sync.Mutex
	next    int
	live    map[string]bool
	deletes int
}

func newTrackingStore() *trackingStore {
	return &trackingStore{live: make(map[string]bool)}
}

func (s *trackingStore) Put(_ context.Context, _, _ string, _ []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	fileID := fmt.Sprintf("file-%d", s.next)
	s.live[fileID] = true
	return fileID, nil
}

func (s *trackingStore) Get(_ context.Context, fileID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live[fileID] {
		return nil, fmt.Errorf("blob %s not found", fileID)
	}
	return nil, nil
}

func (s *trackingStore) Delete(_ context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live[fileID] {
		return fmt.Errorf("blob %s not found", fileID)
	}
	delete(s.live, fileID)
	s.deletes++
	return nil
}

func TestFailedAdmissionDiscardsStoredAttachments(t *testing.T) {
	db := openTestDB(t)
	store := newTrackingStore()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: &sequentialIDGenerator{prefix: "event"},
		Authorizer: allowAllAuthorizer{},
		Blobs:      store,
	})
	if err != nil {
		t.Fatalf("failed to construct ledger service: %v", err)
	}

	_, err = service.CreateEvent(context.Background(), CreateEventRequest{
		RecordID:  "record-missing",
		EventType: "imaging_study",
		Data:      "ciphertext",
		Action:    ActionCreate,
		Attachments: []AttachmentUpload{
			{FileName: "scan.bin", FileType: "application/octet-stream", Ciphertext: []byte("encrypted")},
		},
		ActorID: "doctor-1",
	})
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}

	if len(store.live) != 0 {
		t.Fatalf("a failed admission must not leave ciphertext behind, %d blobs live", len(store.live))
	}
	if store.deletes != 1 {
		t.Fatalf("expected the stored blob to be discarded once, got %d deletes", store.deletes)
	}
}
