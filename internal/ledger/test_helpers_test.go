package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/medledger/backend/internal/hashing"
	"github.com/medledger/backend/internal/records"
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

// allowAllAuthorizer accepts every write; policy itself is covered by the
// access package tests.
type allowAllAuthorizer struct{}

func (allowAllAuthorizer) AuthorizeWrite(context.Context, string, string, string, Action) error {
	return nil
}

type denyAllAuthorizer struct{}

func (denyAllAuthorizer) AuthorizeWrite(context.Context, string, string, string, Action) error {
	return fmt.Errorf("denied by policy")
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&records.MedicalRecord{}, &MedicalEvent{}, &FileAttachment{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, authorizer Authorizer) *Service {
	t.Helper()
	if authorizer == nil {
		authorizer = allowAllAuthorizer{}
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: &sequentialIDGenerator{prefix: "event"},
		Authorizer: authorizer,
	})
	if err != nil {
		t.Fatalf("failed to construct ledger service: %v", err)
	}
	return service
}

func seedRecord(t *testing.T, db *gorm.DB, recordID string, active bool) records.MedicalRecord {
	t.Helper()
	record := records.MedicalRecord{
		RecordID:            recordID,
		PatientID:           "patient-1",
		ClinicID:            "clinic-1",
		IsActive:            active,
		CreatedAtSecs:       1700000000,
		LastUpdatedSecs:     1700000000,
		CurrentSnapshotHash: hashing.GenesisHash,
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}
	// gorm substitutes the column's default:true for a zero-value bool on
	// insert, so an inactive seed must be demoted with an explicit update.
	if !active {
		err := db.Model(&records.MedicalRecord{}).
			Where("record_id = ?", recordID).
			Update("is_active", false).Error
		if err != nil {
			t.Fatalf("failed to deactivate seeded record: %v", err)
		}
	}
	return record
}

func mustCreateEvent(t *testing.T, service *Service, req CreateEventRequest) *MedicalEvent {
	t.Helper()
	event, err := service.CreateEvent(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected create event error: %v", err)
	}
	return event
}

func strPtr(value string) *string {
	return &value
}
