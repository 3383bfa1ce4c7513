// Package anchoring converts pending ledger events into Merkle batches and
// anchors their roots on an external immutable ledger.
package anchoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/medledger/backend/internal/hashing"
	"github.com/medledger/backend/internal/identifier"
	"github.com/medledger/backend/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrBatchNotFound indicates the referenced batch does not exist.
	ErrBatchNotFound = errors.New("anchoring: batch not found")
	// ErrNothingToBatch indicates no Pending events were available. Empty
	// batches are disallowed: an empty Merkle tree has no canonical root.
	ErrNothingToBatch = errors.New("anchoring: no pending events to batch")
	// ErrInvalidBatchState indicates an operation illegal for the batch's
	// current status.
	ErrInvalidBatchState = errors.New("anchoring: invalid batch state")
	// ErrStaleChainHead indicates the caller's prior hint no longer names
	// the batch chain's head.
	ErrStaleChainHead = errors.New("anchoring: stale chain head hint")
)

// EngineConfig describes the dependencies of the batch anchoring engine.
type EngineConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider identifier.Provider
	Anchor     Anchor
	Logger     *zap.Logger
}

// Engine creates, submits, confirms, and verifies batches. Batch creation is
// system-wide single-writer: the chain mutex plus a transaction make the
// pending-event selection, Merkle computation, and chain-head advance one
// indivisible operation. Submission and confirmation never take that mutex;
// they are long-latency calls against the external anchor.
type Engine struct {
	db     *gorm.DB
	clock  func() time.Time
	ids    identifier.Provider
	anchor Anchor
	logger *zap.Logger
	chain  sync.Mutex
}

// NewEngine constructs the batch anchoring engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("anchoring: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("anchoring: id provider required")
	}
	if cfg.Anchor == nil {
		return nil, fmt.Errorf("anchoring: anchor collaborator required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     cfg.Database,
		clock:  clock,
		ids:    cfg.IDProvider,
		anchor: cfg.Anchor,
		logger: logger,
	}, nil
}

// CreateBatchFromPending selects up to limit Pending events across all
// records, oldest first, and groups them into a new batch at the head of
// the batch chain. Selected events transition to Batched atomically with
// the batch's own insertion.
func (e *Engine) CreateBatchFromPending(ctx context.Context, limit int) (*BatchRecord, error) {
	e.chain.Lock()
	defer e.chain.Unlock()

	var batch *BatchRecord
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("status = ?", ledger.StatusPending).
			Order("timestamp_s ASC, event_id ASC")
		if limit > 0 {
			query = query.Limit(limit)
		}
		var pending []ledger.MedicalEvent
		if err := query.Find(&pending).Error; err != nil {
			return err
		}
		if len(pending) == 0 {
			return ErrNothingToBatch
		}

		created, err := e.insertBatch(tx, pending, "", nil)
		if err != nil {
			return err
		}
		batch = created
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	e.logger.Info("batch created",
		zap.String("batch_id", batch.BatchID),
		zap.Int64("event_count", batch.EventCount),
		zap.String("merkle_root", batch.MerkleRoot))
	return batch, nil
}

// CreateBatchExplicit builds a batch from a caller-chosen event set. When
// priorHint is supplied it must name the current chain head, protecting the
// caller against racing another batch creation.
func (e *Engine) CreateBatchExplicit(ctx context.Context, eventIDs []string, label string, priorHint *string) (*BatchRecord, error) {
	if len(eventIDs) == 0 {
		return nil, ErrNothingToBatch
	}

	e.chain.Lock()
	defer e.chain.Unlock()

	var batch *BatchRecord
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if priorHint != nil {
			head, err := latestBatch(tx)
			if err != nil {
				return err
			}
			if head == nil || head.BatchID != *priorHint {
				return fmt.Errorf("%w: hint %s", ErrStaleChainHead, *priorHint)
			}
		}

		seen := make(map[string]struct{}, len(eventIDs))
		events := make([]ledger.MedicalEvent, 0, len(eventIDs))
		for _, eventID := range eventIDs {
			if _, dup := seen[eventID]; dup {
				return fmt.Errorf("%w: duplicate event %s", ErrInvalidBatchState, eventID)
			}
			seen[eventID] = struct{}{}

			var event ledger.MedicalEvent
			err := tx.Where("event_id = ?", eventID).Take(&event).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ledger.ErrEventNotFound, eventID)
			}
			if err != nil {
				return err
			}
			events = append(events, event)
		}

		created, err := e.insertBatch(tx, events, label, priorHint)
		if err != nil {
			return err
		}
		batch = created
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	e.logger.Info("explicit batch created",
		zap.String("batch_id", batch.BatchID),
		zap.String("label", label),
		zap.Int64("event_count", batch.EventCount))
	return batch, nil
}

// insertBatch persists the batch and marks its events Batched. Runs inside
// the caller's transaction with the chain mutex held.
func (e *Engine) insertBatch(tx *gorm.DB, events []ledger.MedicalEvent, label string, priorHint *string) (*BatchRecord, error) {
	leaves := make([]string, len(events))
	ids := make([]string, len(events))
	for i, event := range events {
		leaves[i] = event.EventHash
		ids[i] = event.EventID
	}
	merkleRoot, err := hashing.MerkleRoot(leaves)
	if err != nil {
		return nil, err
	}

	head, err := latestBatch(tx)
	if err != nil {
		return nil, err
	}
	var previousID *string
	var position int64
	previousField := ""
	if head != nil {
		headID := head.BatchID
		previousID = &headID
		previousField = headID
		position = head.Position + 1
	}

	batchID, err := e.ids.NewID()
	if err != nil {
		return nil, err
	}
	timestamp := e.clock().UTC().Unix()
	batch := BatchRecord{
		BatchID:    batchID,
		Position:   position,
		Label:      label,
		EventIDs:   ids,
		MerkleRoot: merkleRoot,
		BatchHash: hashing.BatchDigest(hashing.BatchFields{
			MerkleRoot:      merkleRoot,
			PreviousBatchID: previousField,
			Timestamp:       timestamp,
		}),
		PreviousBatchID: previousID,
		Status:          BatchCreated,
		EventCount:      int64(len(events)),
		TimestampSecs:   timestamp,
	}
	if err := tx.Create(&batch).Error; err != nil {
		return nil, err
	}

	for _, eventID := range ids {
		if err := ledger.MarkBatched(tx, eventID, batchID); err != nil {
			return nil, err
		}
	}
	return &batch, nil
}

// SubmitToAnchor hands the batch's Merkle root to the anchor collaborator.
// Transient failures leave the batch Created for a later retry; permanent
// failures fail the batch and release its events back to Pending.
func (e *Engine) SubmitToAnchor(ctx context.Context, batchID string) error {
	batch, err := e.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status != BatchCreated {
		return fmt.Errorf("%w: cannot submit batch in status %s", ErrInvalidBatchState, batch.Status)
	}

	txID, submitErr := e.anchor.Submit(ctx, batch.MerkleRoot)
	if submitErr != nil {
		if errors.Is(submitErr, ErrAnchorPermanent) {
			if failErr := e.failBatch(ctx, batchID); failErr != nil {
				return failErr
			}
			e.logger.Error("batch submission failed permanently",
				zap.String("batch_id", batchID), zap.Error(submitErr))
			return submitErr
		}
		e.logger.Warn("batch submission failed, will retry",
			zap.String("batch_id", batchID), zap.Error(submitErr))
		return submitErr
	}

	result := e.db.WithContext(ctx).Model(&BatchRecord{}).
		Where("batch_id = ? AND status = ?", batchID, BatchCreated).
		Updates(map[string]interface{}{
			"status":       BatchSubmitted,
			"hedera_tx_id": txID,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: batch %s left Created state during submission", ErrInvalidBatchState, batchID)
	}

	e.logger.Info("batch submitted to anchor",
		zap.String("batch_id", batchID), zap.String("anchor_tx_id", txID))
	return nil
}

// ConfirmAnchor polls the anchor for the batch's settlement. Confirmation
// cascades the contained events to Verified; rejection fails the batch and
// returns the events to Pending for re-batching.
func (e *Engine) ConfirmAnchor(ctx context.Context, batchID string) (Confirmation, error) {
	batch, err := e.GetBatch(ctx, batchID)
	if err != nil {
		return "", err
	}
	if batch.Status != BatchSubmitted || batch.AnchorTxID == nil {
		return "", fmt.Errorf("%w: cannot confirm batch in status %s", ErrInvalidBatchState, batch.Status)
	}

	confirmation, confirmErr := e.anchor.Confirm(ctx, *batch.AnchorTxID)
	if confirmErr != nil {
		e.logger.Warn("anchor confirmation unavailable",
			zap.String("batch_id", batchID), zap.Error(confirmErr))
		return "", confirmErr
	}

	switch confirmation {
	case ConfirmationPending:
		return ConfirmationPending, nil
	case ConfirmationConfirmed:
		txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := setBatchStatus(tx, batchID, BatchSubmitted, BatchVerified); err != nil {
				return err
			}
			return ledger.CascadeBatch(tx, batchID, ledger.StatusBatched, ledger.StatusVerified)
		})
		if txErr != nil {
			return "", txErr
		}
		e.logger.Info("batch verified by anchor", zap.String("batch_id", batchID))
		return ConfirmationConfirmed, nil
	case ConfirmationRejected:
		txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := setBatchStatus(tx, batchID, BatchSubmitted, BatchFailed); err != nil {
				return err
			}
			return ledger.CascadeBatch(tx, batchID, ledger.StatusBatched, ledger.StatusPending)
		})
		if txErr != nil {
			return "", txErr
		}
		e.logger.Error("batch rejected by anchor", zap.String("batch_id", batchID))
		return ConfirmationRejected, nil
	}
	return "", fmt.Errorf("anchoring: unknown confirmation %q", confirmation)
}

// failBatch marks a Created batch Failed and releases its events.
func (e *Engine) failBatch(ctx context.Context, batchID string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := setBatchStatus(tx, batchID, BatchCreated, BatchFailed); err != nil {
			return err
		}
		return ledger.CascadeBatch(tx, batchID, ledger.StatusBatched, ledger.StatusPending)
	})
}

func setBatchStatus(tx *gorm.DB, batchID string, from, to BatchStatus) error {
	result := tx.Model(&BatchRecord{}).
		Where("batch_id = ? AND status = ?", batchID, from).
		Update("status", to)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: batch %s is not %s", ErrInvalidBatchState, batchID, from)
	}
	return nil
}

// VerifyBatch recomputes the Merkle root from the referenced events' current
// hashes and compares it to the stored root. A mismatch means the underlying
// events were altered out of band.
func (e *Engine) VerifyBatch(ctx context.Context, batchID string) (bool, error) {
	batch, err := e.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}

	leaves := make([]string, 0, len(batch.EventIDs))
	for _, eventID := range batch.EventIDs {
		var event ledger.MedicalEvent
		err := e.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&event).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		leaves = append(leaves, event.EventHash)
	}

	recomputed, err := hashing.MerkleRoot(leaves)
	if err != nil {
		return false, err
	}
	return recomputed == batch.MerkleRoot, nil
}

// GetBatch loads one batch by identifier.
func (e *Engine) GetBatch(ctx context.Context, batchID string) (*BatchRecord, error) {
	var batch BatchRecord
	err := e.db.WithContext(ctx).Where("batch_id = ?", batchID).Take(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// LatestBatch returns the batch chain's current head, or nil before the
// first batch exists.
func (e *Engine) LatestBatch(ctx context.Context) (*BatchRecord, error) {
	return latestBatch(e.db.WithContext(ctx))
}

func latestBatch(tx *gorm.DB) (*BatchRecord, error) {
	var batch BatchRecord
	err := tx.Order("position DESC").Take(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// ListByStatus returns all batches in the given status, oldest first.
func (e *Engine) ListByStatus(ctx context.Context, status BatchStatus) ([]BatchRecord, error) {
	if _, err := ParseBatchStatus(string(status)); err != nil {
		return nil, err
	}
	var batches []BatchRecord
	if err := e.db.WithContext(ctx).
		Where("status = ?", status).
		Order("position ASC").
		Find(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}

// BatchChain walks previous-batch links from the given batch back to the
// first batch ever created, returning the path in walk order.
func (e *Engine) BatchChain(ctx context.Context, fromBatchID string) ([]BatchRecord, error) {
	chain := make([]BatchRecord, 0, 8)
	next := &fromBatchID
	for next != nil {
		batch, err := e.GetBatch(ctx, *next)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *batch)
		next = batch.PreviousBatchID
	}
	return chain, nil
}
