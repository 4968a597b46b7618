package model

import (
	"fmt"
	"time"
)

// Money is an amount in minor units (cents) of Currency.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) String() string {
	return fmt.Sprintf("%d.%02d %s", m.Amount/100, m.Amount%100, m.Currency)
}

func (m Money) IsZero() bool { return m.Amount == 0 }

// BookingRecord is written once the transfer is confirmed and the slot is
// marked booked. It is never updated.
type BookingRecord struct {
	ID         string    `json:"id"`
	SlotID     string    `json:"slot_id"`
	ProviderID string    `json:"provider_id"`
	Buyer      string    `json:"buyer"`
	Contact    string    `json:"contact,omitempty"`
	Price      Money     `json:"price"`
	ReceiptID  string    `json:"receipt_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type AttemptState string

const (
	StateRequested          AttemptState = "requested"
	StateEligibilityChecked AttemptState = "eligibility_checked"
	StateTransferSubmitted  AttemptState = "transfer_submitted"
	StateTransferConfirmed  AttemptState = "transfer_confirmed"
	StatePersisted          AttemptState = "persisted"
	StateCompleted          AttemptState = "completed"
	StateFailed             AttemptState = "failed"
	StateRefundRequired     AttemptState = "refund_required"
	// StateReconciling marks a failed attempt claimed by one resolver. It
	// keeps the failure reason it was claimed with.
	StateReconciling AttemptState = "reconciling"
)

func (s AttemptState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateRefundRequired
}

type FailureReason string

const (
	ReasonInsufficientFunds   FailureReason = "insufficient_funds"
	ReasonSubmissionAmbiguous FailureReason = "submission_ambiguous"
	ReasonConfirmationTimeout FailureReason = "confirmation_timeout"
	ReasonReceiptNotFound     FailureReason = "receipt_not_found"
	ReasonSlotRaceLost        FailureReason = "slot_race_lost"
	ReasonPersistenceFailed   FailureReason = "persistence_failed"
	ReasonTransferRejected    FailureReason = "transfer_rejected"
	ReasonApprovalTimeout     FailureReason = "approval_timeout"
)

// Escalated reports failures where value may have moved without a booking.
func (r FailureReason) Escalated() bool {
	switch r {
	case ReasonSubmissionAmbiguous, ReasonConfirmationTimeout, ReasonReceiptNotFound, ReasonSlotRaceLost, ReasonPersistenceFailed:
		return true
	}
	return false
}

// BookingAttempt is the durable state of one reservation run.
type BookingAttempt struct {
	ID             string        `json:"id"`
	SlotID         string        `json:"slot_id"`
	ProviderID     string        `json:"provider_id"`
	Buyer          string        `json:"buyer"`
	Contact        string        `json:"contact,omitempty"`
	Price          Money         `json:"price"`
	PayoutAccount  string        `json:"-"`
	Reference      string        `json:"reference"`
	State          AttemptState  `json:"state"`
	FailureReason  FailureReason `json:"failure_reason,omitempty"`
	ApprovalHandle string        `json:"-"`
	TransferHandle string        `json:"-"`
	ReceiptID      string        `json:"receipt_id,omitempty"`
	BookingID      string        `json:"booking_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
