package anchoring

import (
	"errors"
	"fmt"
)

// BatchStatus tracks a batch through submission and confirmation.
type BatchStatus string

const (
	BatchCreated   BatchStatus = "Created"
	BatchSubmitted BatchStatus = "Submitted"
	BatchVerified  BatchStatus = "Verified"
	BatchFailed    BatchStatus = "Failed"
)

// ErrInvalidBatchStatus indicates a status value outside the known set.
var ErrInvalidBatchStatus = errors.New("anchoring: invalid batch status")

// ParseBatchStatus validates a raw status string.
func ParseBatchStatus(raw string) (BatchStatus, error) {
	switch BatchStatus(raw) {
	case BatchCreated:
		return BatchCreated, nil
	case BatchSubmitted:
		return BatchSubmitted, nil
	case BatchVerified:
		return BatchVerified, nil
	case BatchFailed:
		return BatchFailed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBatchStatus, raw)
}

// BatchRecord groups admitted events under one Merkle root. Batches form a
// single system-wide chain via PreviousBatchID; only the first batch ever
// created has no predecessor. EventIDs keeps the selection order the root
// was computed over, and survives even if the events are later re-batched.
type BatchRecord struct {
	BatchID         string      `gorm:"column:batch_id;primaryKey;size:190;not null"`
	Position        int64       `gorm:"column:position;not null;uniqueIndex"`
	Label           string      `gorm:"column:label;size:190;not null;default:''"`
	EventIDs        []string    `gorm:"column:event_ids;serializer:json;type:text;not null"`
	MerkleRoot      string      `gorm:"column:merkle_root;size:64;not null"`
	BatchHash       string      `gorm:"column:batch_hash;size:64;not null"`
	PreviousBatchID *string     `gorm:"column:previous_batch_id;size:190"`
	AnchorTxID      *string     `gorm:"column:hedera_tx_id;size:190"`
	Status          BatchStatus `gorm:"column:status;size:16;not null;index"`
	EventCount      int64       `gorm:"column:event_count;not null"`
	TimestampSecs   int64       `gorm:"column:timestamp_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BatchRecord) TableName() string {
	return "batch_records"
}
