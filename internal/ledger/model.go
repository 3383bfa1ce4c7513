package ledger

import (
	"errors"
	"fmt"
)

// EventStatus tracks an event's progress through batching and anchoring.
type EventStatus string

const (
	StatusPending  EventStatus = "Pending"
	StatusBatched  EventStatus = "Batched"
	StatusVerified EventStatus = "Verified"
	StatusFailed   EventStatus = "Failed"
)

// ErrInvalidStatus indicates a status value outside the known set.
var ErrInvalidStatus = errors.New("ledger: invalid event status")

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (EventStatus, error) {
	switch EventStatus(raw) {
	case StatusPending:
		return StatusPending, nil
	case StatusBatched:
		return StatusBatched, nil
	case StatusVerified:
		return StatusVerified, nil
	case StatusFailed:
		return StatusFailed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// Action classifies how an event relates to earlier events on its record.
type Action string

const (
	ActionCreate Action = "Create"
	ActionUpdate Action = "Update"
	ActionDelete Action = "Delete"
	ActionAppend Action = "Append"
)

// ErrInvalidAction indicates an action value outside the known set, or an
// action whose reference requirements are not met.
var ErrInvalidAction = errors.New("ledger: invalid action")

// ParseAction validates a raw action string.
func ParseAction(raw string) (Action, error) {
	switch Action(raw) {
	case ActionCreate:
		return ActionCreate, nil
	case ActionUpdate:
		return ActionUpdate, nil
	case ActionDelete:
		return ActionDelete, nil
	case ActionAppend:
		return ActionAppend, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, raw)
}

// RequiresReference reports whether the action must name a predecessor event.
func (a Action) RequiresReference() bool {
	switch a {
	case ActionCreate:
		return false
	case ActionUpdate, ActionDelete, ActionAppend:
		return true
	}
	return false
}

// MedicalEvent is one admitted entry in a record's append-only chain. All
// fields except Status and BatchID are immutable once the event is created.
type MedicalEvent struct {
	EventID          string      `gorm:"column:event_id;primaryKey;size:190;not null"`
	RecordID         string      `gorm:"column:record_id;size:190;not null;index:idx_events_record_position,priority:1"`
	Position         int64       `gorm:"column:position;not null;index:idx_events_record_position,priority:2"`
	EventType        string      `gorm:"column:event_type;size:190;not null"`
	Action           Action      `gorm:"column:action;size:16;not null"`
	ReferenceEventID *string     `gorm:"column:reference_event_id;size:190"`
	Data             string      `gorm:"column:data;type:text;not null"`
	CreatedByID      string      `gorm:"column:created_by_id;size:190;not null;index"`
	TimestampSecs    int64       `gorm:"column:timestamp_s;not null;index"`
	EventHash        string      `gorm:"column:event_hash;size:64;not null"`
	PreviousHash     string      `gorm:"column:previous_hash;size:64;not null"`
	Status           EventStatus `gorm:"column:status;size:16;not null;index"`
	BatchID          *string     `gorm:"column:batch_id;size:190;index"`
}

// TableName provides the explicit table binding for GORM.
func (MedicalEvent) TableName() string {
	return "medical_events"
}

// FileAttachment stores attachment metadata and a blob-store reference. The
// ciphertext bytes themselves live in the blob store, never in this table.
type FileAttachment struct {
	FileID         string `gorm:"column:file_id;primaryKey;size:190;not null"`
	EventID        string `gorm:"column:event_id;size:190;not null;index"`
	FileName       string `gorm:"column:file_name;size:512;not null"`
	FileType       string `gorm:"column:file_type;size:190;not null"`
	FileSize       int64  `gorm:"column:file_size;not null"`
	UploadDateSecs int64  `gorm:"column:upload_date_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FileAttachment) TableName() string {
	return "file_attachments"
}
