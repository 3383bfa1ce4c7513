package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medledger/backend/internal/blob"
	"github.com/medledger/backend/internal/hashing"
	"github.com/medledger/backend/internal/identifier"
	"github.com/medledger/backend/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrRecordNotFound indicates the owning record does not exist.
	ErrRecordNotFound = errors.New("ledger: record not found")
	// ErrRecordInactive indicates the owning record is deactivated.
	ErrRecordInactive = errors.New("ledger: record inactive")
	// ErrEventNotFound indicates the referenced event does not exist.
	ErrEventNotFound = errors.New("ledger: event not found")
	// ErrUnauthorized indicates the actor may not write to the record.
	ErrUnauthorized = errors.New("ledger: actor not authorized for record")
	// ErrInvalidReference indicates a reference event that is missing or
	// belongs to a different record.
	ErrInvalidReference = errors.New("ledger: invalid reference event")
	// ErrConflict indicates a concurrent chain-head mutation was detected.
	ErrConflict = errors.New("ledger: chain head moved concurrently")
)

// headConflictRetries bounds internal retries before ErrConflict surfaces.
const headConflictRetries = 3

// Authorizer gates event creation on the record-assignment relation.
type Authorizer interface {
	AuthorizeWrite(ctx context.Context, userID, recordID, eventType string, action Action) error
}

// ServiceError carries a structured operation code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "ledger.service.new"
	opCreateEvent = "ledger.create_event"
	opVerifyChain = "ledger.verify_chain"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies of the event ledger.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider identifier.Provider
	Authorizer Authorizer
	Blobs      blob.Store
	Logger     *zap.Logger
}

// Service appends events to per-record chains and serves read projections.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	ids    identifier.Provider
	authz  Authorizer
	blobs  blob.Store
	logger *zap.Logger
	heads  recordLocks
}

// NewService constructs the event ledger.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errors.New("database handle is required"))
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errors.New("id provider is required"))
	}
	if cfg.Authorizer == nil {
		return nil, newServiceError(opServiceNew, "missing_authorizer", errors.New("authorizer is required"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	blobs := cfg.Blobs
	if blobs == nil {
		blobs = blob.NewMemoryStore()
	}
	return &Service{
		db:     cfg.Database,
		clock:  clock,
		ids:    cfg.IDProvider,
		authz:  cfg.Authorizer,
		blobs:  blobs,
		logger: logger,
	}, nil
}

// AttachmentUpload carries one attachment's metadata and ciphertext.
type AttachmentUpload struct {
	FileName   string
	FileType   string
	Ciphertext []byte
}

// CreateEventRequest carries the inputs for admitting one event.
type CreateEventRequest struct {
	RecordID         string
	EventType        string
	Data             string
	Action           Action
	ReferenceEventID *string
	Attachments      []AttachmentUpload
	ActorID          string
}

// CreateEvent admits a new event onto the record's chain. Creation for a
// given record is serialized: the chain head is read and advanced under a
// per-record lock, and the record row carries the head hash so a concurrent
// writer from another process fails the compare-and-swap and is retried.
func (s *Service) CreateEvent(ctx context.Context, req CreateEventRequest) (*MedicalEvent, error) {
	recordID := strings.TrimSpace(req.RecordID)
	if recordID == "" {
		return nil, newServiceError(opCreateEvent, "record_not_found", ErrRecordNotFound)
	}
	if _, err := ParseAction(string(req.Action)); err != nil {
		return nil, newServiceError(opCreateEvent, "invalid_action", err)
	}
	if req.Action.RequiresReference() {
		if req.ReferenceEventID == nil || strings.TrimSpace(*req.ReferenceEventID) == "" {
			return nil, newServiceError(opCreateEvent, "missing_reference",
				fmt.Errorf("%w: action %s requires a reference event", ErrInvalidAction, req.Action))
		}
	} else if req.ReferenceEventID != nil {
		return nil, newServiceError(opCreateEvent, "unexpected_reference",
			fmt.Errorf("%w: action %s must not reference an event", ErrInvalidAction, req.Action))
	}

	if err := s.authz.AuthorizeWrite(ctx, req.ActorID, recordID, req.EventType, req.Action); err != nil {
		s.logError(opCreateEvent, "unauthorized", err,
			zap.String("record_id", recordID), zap.String("actor_id", req.ActorID))
		return nil, newServiceError(opCreateEvent, "unauthorized", fmt.Errorf("%w: %v", ErrUnauthorized, err))
	}

	eventID, err := s.ids.NewID()
	if err != nil {
		return nil, newServiceError(opCreateEvent, "id_generation_failed", err)
	}

	attachments, err := s.storeAttachments(ctx, eventID, req.Attachments)
	if err != nil {
		s.logError(opCreateEvent, "attachment_store_failed", err, zap.String("record_id", recordID))
		return nil, newServiceError(opCreateEvent, "attachment_store_failed", err)
	}

	mu := s.heads.acquire(recordID)
	defer mu.Unlock()

	var event *MedicalEvent
	for attempt := 0; attempt < headConflictRetries; attempt++ {
		event, err = s.admit(ctx, eventID, recordID, req, attachments)
		if errors.Is(err, ErrConflict) {
			continue
		}
		break
	}
	if err != nil {
		// The transaction rolled back, so the attachment rows are gone;
		// reclaim the ciphertext they pointed at.
		s.discardAttachments(ctx, attachments)
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		s.logError(opCreateEvent, "head_conflict", err, zap.String("record_id", recordID))
		return nil, newServiceError(opCreateEvent, "head_conflict", err)
	}

	s.logger.Info("event admitted",
		zap.String("event_id", event.EventID),
		zap.String("record_id", recordID),
		zap.String("action", string(event.Action)),
		zap.String("event_hash", event.EventHash))
	return event, nil
}

func (s *Service) admit(ctx context.Context, eventID, recordID string, req CreateEventRequest, attachments []FileAttachment) (*MedicalEvent, error) {
	var event MedicalEvent
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record records.MedicalRecord
		err := tx.Where("record_id = ?", recordID).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opCreateEvent, "record_not_found", ErrRecordNotFound)
		}
		if err != nil {
			return newServiceError(opCreateEvent, "record_select_failed", err)
		}
		if !record.IsActive {
			return newServiceError(opCreateEvent, "record_inactive", ErrRecordInactive)
		}

		if req.ReferenceEventID != nil {
			var reference MedicalEvent
			err := tx.Where("event_id = ?", *req.ReferenceEventID).Take(&reference).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opCreateEvent, "reference_missing",
					fmt.Errorf("%w: event %s not found", ErrInvalidReference, *req.ReferenceEventID))
			}
			if err != nil {
				return newServiceError(opCreateEvent, "reference_select_failed", err)
			}
			if reference.RecordID != recordID {
				return newServiceError(opCreateEvent, "reference_foreign_record",
					fmt.Errorf("%w: event %s belongs to record %s", ErrInvalidReference, reference.EventID, reference.RecordID))
			}
		}

		headHash := record.CurrentSnapshotHash
		timestamp := s.clock().UTC().Unix()
		if timestamp < record.LastUpdatedSecs {
			timestamp = record.LastUpdatedSecs
		}

		var position int64
		if err := tx.Model(&MedicalEvent{}).Where("record_id = ?", recordID).Count(&position).Error; err != nil {
			return newServiceError(opCreateEvent, "position_count_failed", err)
		}

		reference := ""
		if req.ReferenceEventID != nil {
			reference = *req.ReferenceEventID
		}
		eventHash := hashing.Chain(hashing.EventFields{
			RecordID:         recordID,
			EventType:        req.EventType,
			Action:           string(req.Action),
			Data:             req.Data,
			ReferenceEventID: reference,
			CreatedByID:      req.ActorID,
			Timestamp:        timestamp,
		}, headHash)

		event = MedicalEvent{
			EventID:          eventID,
			RecordID:         recordID,
			Position:         position,
			EventType:        req.EventType,
			Action:           req.Action,
			ReferenceEventID: req.ReferenceEventID,
			Data:             req.Data,
			CreatedByID:      req.ActorID,
			TimestampSecs:    timestamp,
			EventHash:        eventHash,
			PreviousHash:     headHash,
			Status:           StatusPending,
		}
		if err := tx.Create(&event).Error; err != nil {
			return newServiceError(opCreateEvent, "event_insert_failed", err)
		}
		for i := range attachments {
			attachments[i].UploadDateSecs = timestamp
			if err := tx.Create(&attachments[i]).Error; err != nil {
				return newServiceError(opCreateEvent, "attachment_insert_failed", err)
			}
		}

		// Compare-and-swap on the stored chain head. A concurrent writer
		// that advanced the head first leaves zero rows affected here.
		swap := tx.Model(&records.MedicalRecord{}).
			Where("record_id = ? AND current_snapshot_hash = ?", recordID, headHash).
			Updates(map[string]interface{}{
				"current_snapshot_hash": eventHash,
				"last_updated_s":        timestamp,
			})
		if swap.Error != nil {
			return newServiceError(opCreateEvent, "head_swap_failed", swap.Error)
		}
		if swap.RowsAffected == 0 {
			return ErrConflict
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return &event, nil
}

func (s *Service) storeAttachments(ctx context.Context, eventID string, uploads []AttachmentUpload) ([]FileAttachment, error) {
	attachments := make([]FileAttachment, 0, len(uploads))
	for _, upload := range uploads {
		fileID, err := s.blobs.Put(ctx, upload.FileName, upload.FileType, upload.Ciphertext)
		if err != nil {
			s.discardAttachments(ctx, attachments)
			return nil, err
		}
		attachments = append(attachments, FileAttachment{
			FileID:   fileID,
			EventID:  eventID,
			FileName: upload.FileName,
			FileType: upload.FileType,
			FileSize: int64(len(upload.Ciphertext)),
		})
	}
	return attachments, nil
}

// discardAttachments removes ciphertext whose event was never admitted.
// Best effort: a failed delete is logged, not surfaced.
func (s *Service) discardAttachments(ctx context.Context, attachments []FileAttachment) {
	for _, attachment := range attachments {
		if err := s.blobs.Delete(ctx, attachment.FileID); err != nil {
			s.logError(opCreateEvent, "attachment_discard_failed", err,
				zap.String("file_id", attachment.FileID))
		}
	}
}

// GetEvent loads one event with its attachment metadata.
func (s *Service) GetEvent(ctx context.Context, eventID string) (*MedicalEvent, []FileAttachment, error) {
	var event MedicalEvent
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrEventNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	var attachments []FileAttachment
	if err := s.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("file_id ASC").
		Find(&attachments).Error; err != nil {
		return nil, nil, err
	}
	return &event, attachments, nil
}

// ListByRecord returns a record's events in chain (admission) order.
func (s *Service) ListByRecord(ctx context.Context, recordID string) ([]MedicalEvent, error) {
	var events []MedicalEvent
	if err := s.db.WithContext(ctx).
		Where("record_id = ?", recordID).
		Order("position ASC").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// ListByStatus returns all events currently in the given status.
func (s *Service) ListByStatus(ctx context.Context, status EventStatus) ([]MedicalEvent, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}
	var events []MedicalEvent
	if err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("timestamp_s ASC, event_id ASC").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// ListByBatch returns the events currently assigned to a batch.
func (s *Service) ListByBatch(ctx context.Context, batchID string) ([]MedicalEvent, error) {
	var events []MedicalEvent
	if err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("timestamp_s ASC, event_id ASC").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// ListByCreator returns all events a user has authored.
func (s *Service) ListByCreator(ctx context.Context, userID string) ([]MedicalEvent, error) {
	var events []MedicalEvent
	if err := s.db.WithContext(ctx).
		Where("created_by_id = ?", userID).
		Order("timestamp_s ASC, event_id ASC").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// ListPending returns Pending events oldest first, capped at limit when
// limit is positive. This is the batch engine's harvest query.
func (s *Service) ListPending(ctx context.Context, limit int) ([]MedicalEvent, error) {
	query := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("timestamp_s ASC, event_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var events []MedicalEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// VerifyChain replays a record's events in admission order, recomputing every
// chain hash from the genesis value, and reports whether the stored hashes
// and the record's snapshot hash all match.
func (s *Service) VerifyChain(ctx context.Context, recordID string) (bool, error) {
	var record records.MedicalRecord
	err := s.db.WithContext(ctx).Where("record_id = ?", recordID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, newServiceError(opVerifyChain, "record_not_found", ErrRecordNotFound)
	}
	if err != nil {
		return false, newServiceError(opVerifyChain, "record_select_failed", err)
	}

	events, err := s.ListByRecord(ctx, recordID)
	if err != nil {
		return false, newServiceError(opVerifyChain, "event_list_failed", err)
	}

	head := hashing.GenesisHash
	for _, event := range events {
		reference := ""
		if event.ReferenceEventID != nil {
			reference = *event.ReferenceEventID
		}
		recomputed := hashing.Chain(hashing.EventFields{
			RecordID:         event.RecordID,
			EventType:        event.EventType,
			Action:           string(event.Action),
			Data:             event.Data,
			ReferenceEventID: reference,
			CreatedByID:      event.CreatedByID,
			Timestamp:        event.TimestampSecs,
		}, head)
		if recomputed != event.EventHash {
			return false, nil
		}
		head = recomputed
	}
	return head == record.CurrentSnapshotHash, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("ledger service error", attrs...)
}
