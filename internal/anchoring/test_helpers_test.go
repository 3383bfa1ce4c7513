package anchoring

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/medledger/backend/internal/hashing"
	"github.com/medledger/backend/internal/ledger"
	"gorm.io/gorm"
)

type sequentialIDGenerator struct {
	prefix string
	next   int
}

func (g *sequentialIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

// scriptedAnchor lets each test choose the anchor's next answer. Zero value
// submits successfully and confirms immediately.
type scriptedAnchor struct {
	submitErr    error
	confirmation Confirmation
	confirmErr   error
	submits      int
	confirms     int
	lastRoot     string
}

func (a *scriptedAnchor) Submit(_ context.Context, merkleRoot string) (string, error) {
	a.submits++
	a.lastRoot = merkleRoot
	if a.submitErr != nil {
		return "", a.submitErr
	}
	return fmt.Sprintf("tx-%d", a.submits), nil
}

func (a *scriptedAnchor) Confirm(context.Context, string) (Confirmation, error) {
	a.confirms++
	if a.confirmErr != nil {
		return "", a.confirmErr
	}
	if a.confirmation == "" {
		return ConfirmationConfirmed, nil
	}
	return a.confirmation, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:anchoring_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ledger.MedicalEvent{}, &BatchRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestEngine(t *testing.T, db *gorm.DB, anchor Anchor) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700001000, 0).UTC() },
		IDProvider: &sequentialIDGenerator{prefix: "batch"},
		Anchor:     anchor,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return engine
}

// seedPendingEvent inserts one already-admitted event. The hash content is
// irrelevant to batching; it only has to be stable per event.
func seedPendingEvent(t *testing.T, db *gorm.DB, eventID string, timestamp int64) ledger.MedicalEvent {
	t.Helper()
	event := ledger.MedicalEvent{
		EventID:       eventID,
		RecordID:      "record-1",
		Position:      timestamp,
		EventType:     "diagnosis",
		Action:        ledger.ActionCreate,
		Data:          "ciphertext-" + eventID,
		CreatedByID:   "doctor-1",
		TimestampSecs: timestamp,
		EventHash:     hashing.Content([]byte(eventID)),
		PreviousHash:  hashing.GenesisHash,
		Status:        ledger.StatusPending,
	}
	if err := db.Create(&event).Error; err != nil {
		t.Fatalf("failed to seed event: %v", err)
	}
	return event
}

func mustEventStatus(t *testing.T, db *gorm.DB, eventID string) ledger.MedicalEvent {
	t.Helper()
	var event ledger.MedicalEvent
	if err := db.Where("event_id = ?", eventID).Take(&event).Error; err != nil {
		t.Fatalf("failed to load event %s: %v", eventID, err)
	}
	return event
}

func mustBatchStatus(t *testing.T, engine *Engine, batchID string) *BatchRecord {
	t.Helper()
	batch, err := engine.GetBatch(context.Background(), batchID)
	if err != nil {
		t.Fatalf("failed to load batch %s: %v", batchID, err)
	}
	return batch
}
