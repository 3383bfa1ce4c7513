package ledger

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Status transitions are driven exclusively by the batch anchoring engine.
// They operate on the engine's own transaction handle so that marking events
// and persisting the batch commit or roll back together.

var (
	// ErrAlreadyBatched indicates an attempt to batch a non-Pending event.
	ErrAlreadyBatched = errors.New("ledger: event already batched")
	// ErrInvalidTransition indicates a status change the state machine forbids.
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
)

// MarkBatched moves one Pending event into a batch. Any other starting
// status is rejected: an event is batched at most once.
func MarkBatched(tx *gorm.DB, eventID, batchID string) error {
	result := tx.Model(&MedicalEvent{}).
		Where("event_id = ? AND status = ?", eventID, StatusPending).
		Updates(map[string]interface{}{
			"status":   StatusBatched,
			"batch_id": batchID,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var event MedicalEvent
		err := tx.Where("event_id = ?", eventID).Take(&event).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: event %s is %s", ErrAlreadyBatched, eventID, event.Status)
	}
	return nil
}

// legalTransition enumerates every permitted status edge. New statuses must
// be added here explicitly; there is no permissive fallback.
func legalTransition(from, to EventStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusBatched
	case StatusBatched:
		return to == StatusVerified || to == StatusFailed || to == StatusPending
	case StatusVerified:
		return false
	case StatusFailed:
		return to == StatusPending
	}
	return false
}

// SetStatus applies one legal status transition to a single event.
func SetStatus(tx *gorm.DB, eventID string, to EventStatus) error {
	if _, err := ParseStatus(string(to)); err != nil {
		return err
	}
	var event MedicalEvent
	err := tx.Where("event_id = ?", eventID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if err != nil {
		return err
	}
	if !legalTransition(event.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, event.Status, to)
	}
	updates := map[string]interface{}{"status": to}
	if to == StatusPending {
		updates["batch_id"] = nil
	}
	return tx.Model(&MedicalEvent{}).Where("event_id = ?", eventID).Updates(updates).Error
}

// CascadeBatch moves every event of a batch from one status to another.
// Reverting to Pending detaches the events so they can be re-batched.
func CascadeBatch(tx *gorm.DB, batchID string, from, to EventStatus) error {
	if !legalTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	updates := map[string]interface{}{"status": to}
	if to == StatusPending {
		updates["batch_id"] = nil
	}
	return tx.Model(&MedicalEvent{}).
		Where("batch_id = ? AND status = ?", batchID, from).
		Updates(updates).Error
}
