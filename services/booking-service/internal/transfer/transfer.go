// Package transfer is the boundary to the external value-transfer system
// that moves the buyer's payment to the provider.
package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/slotchain/slotchain/services/booking-service/internal/model"
)

var (
	// ErrConfirmationTimeout means finality was not observed in time. The
	// transfer may still land later.
	ErrConfirmationTimeout = errors.New("transfer confirmation timed out")
	// ErrAmbiguousSubmission means the submission outcome is unknown. It must
	// not be retried blindly.
	ErrAmbiguousSubmission = errors.New("transfer submission outcome unknown")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrRejected            = errors.New("transfer rejected")
	// ErrUnavailable marks transient read failures that are safe to retry.
	ErrUnavailable = errors.New("transfer system unavailable")
)

type Handle string

type EventKind string

const (
	KindApproval EventKind = "approval"
	KindTransfer EventKind = "transfer"
	KindOther    EventKind = "other"
)

// ReceiptEvent is one event observed at confirmation. A confirmation can
// carry unrelated events next to the receipt of interest.
type ReceiptEvent struct {
	Kind         EventKind   `json:"kind"`
	Handle       Handle      `json:"handle"`
	ReferenceKey string      `json:"reference_key"`
	SlotID       string      `json:"slot_id"`
	Buyer        string      `json:"buyer"`
	Amount       model.Money `json:"amount"`
	ReceiptID    string      `json:"receipt_id"`
	ConfirmedAt  time.Time   `json:"confirmed_at"`
}

type Eligibility struct {
	Sufficient bool
	Balance    model.Money
}

// Client is a two-leg transfer: an approval (authorization) followed by the
// transfer itself. Both legs carry the same Reference.
type Client interface {
	CheckEligibility(ctx context.Context, buyer string, amount model.Money) (Eligibility, error)
	Approve(ctx context.Context, ref Reference) (Handle, error)
	SubmitTransfer(ctx context.Context, ref Reference) (Handle, error)
	AwaitConfirmation(ctx context.Context, h Handle, timeout time.Duration) ([]ReceiptEvent, error)
}

// Refunder returns a confirmed transfer to the buyer. Refunding the same
// receipt twice is a no-op.
type Refunder interface {
	Refund(ctx context.Context, ref Reference, receiptID string) error
}

// Retryable reports errors that are safe to retry for read operations.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
