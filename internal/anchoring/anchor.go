package anchoring

import (
	"context"
	"errors"
)

// Confirmation is the three-state answer the anchor network gives for a
// submitted transaction. The engine never interprets anything beyond it.
type Confirmation string

const (
	ConfirmationConfirmed Confirmation = "Confirmed"
	ConfirmationPending   Confirmation = "Pending"
	ConfirmationRejected  Confirmation = "Rejected"
)

var (
	// ErrAnchorTransient marks an anchor failure worth retrying. The batch
	// is left in its last durable state.
	ErrAnchorTransient = errors.New("anchoring: transient anchor failure")
	// ErrAnchorPermanent marks an unrecoverable anchor failure. It drives
	// the Failed cascade.
	ErrAnchorPermanent = errors.New("anchoring: permanent anchor failure")
)

// Anchor is the external immutable-ledger collaborator. Submit commits a
// Merkle root and returns the anchor-side transaction identifier; Confirm
// reports whether that transaction has settled. Implementations wrap their
// failures in ErrAnchorTransient or ErrAnchorPermanent.
type Anchor interface {
	Submit(ctx context.Context, merkleRoot string) (string, error)
	Confirm(ctx context.Context, txID string) (Confirmation, error)
}
