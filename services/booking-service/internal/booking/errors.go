package booking

import (
	"errors"
	"fmt"

	"github.com/slotchain/slotchain/services/booking-service/internal/model"
)

// ValidationError rejects a malformed intent before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var ErrPriceNotConfigured = errors.New("provider has no price configured")

// Failure is returned when an attempt ended in failed{reason}.
type Failure struct {
	Reason  model.FailureReason
	Attempt model.BookingAttempt
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("booking failed (%s): %v", f.Reason, f.Err)
	}
	return fmt.Sprintf("booking failed (%s)", f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

// Message is the user-facing text for a failure reason.
func Message(reason model.FailureReason) string {
	switch reason {
	case model.ReasonInsufficientFunds:
		return "Your balance does not cover the session price. Top up and try again."
	case model.ReasonSubmissionAmbiguous:
		return "We could not tell whether your payment went through. Do not retry; support will follow up."
	case model.ReasonConfirmationTimeout:
		return "Your payment has not been confirmed yet and may still complete. Do not pay again; we will finish or refund it."
	case model.ReasonReceiptNotFound:
		return "Your payment confirmed but could not be matched to this booking. Support has been notified."
	case model.ReasonSlotRaceLost:
		return "Someone else booked this slot first. Your payment will be refunded."
	case model.ReasonPersistenceFailed:
		return "Your payment went through but the booking could not be saved. Your payment will be refunded."
	case model.ReasonApprovalTimeout:
		return "The payment authorization was not confirmed in time. No funds were moved."
	default:
		return "The payment was rejected. No funds were moved."
	}
}
