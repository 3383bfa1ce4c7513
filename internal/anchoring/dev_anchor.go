package anchoring

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// devAnchor is a stand-in collaborator for deployments without a live
// anchor network. It accepts every root and confirms it on first poll,
// which keeps the batch lifecycle exercisable end to end.
type devAnchor struct{}

// NewDevAnchor returns an Anchor that settles everything immediately.
func NewDevAnchor() Anchor {
	return devAnchor{}
}

func (devAnchor) Submit(_ context.Context, merkleRoot string) (string, error) {
	txID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAnchorTransient, err)
	}
	return "dev-" + txID.String() + "-" + merkleRoot[:8], nil
}

func (devAnchor) Confirm(_ context.Context, _ string) (Confirmation, error) {
	return ConfirmationConfirmed, nil
}
