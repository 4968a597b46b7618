package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slotchain/slotchain/services/booking-service/internal/availability"
	"github.com/slotchain/slotchain/services/booking-service/internal/model"
	"github.com/slotchain/slotchain/services/booking-service/internal/outbox"
)

var (
	ErrSlotNotFound         = errors.New("slot not found")
	ErrBookingNotFound      = errors.New("booking not found")
	ErrAttemptNotFound      = errors.New("booking attempt not found")
	ErrAvailabilityNotFound = errors.New("availability not found")
	ErrDuplicateBooking     = errors.New("booking already recorded for slot")
)

// AlreadyBookedError is returned when a slot was booked by someone else first.
type AlreadyBookedError struct {
	SlotID    string
	BookingID string
}

func (e *AlreadyBookedError) Error() string {
	return fmt.Sprintf("slot %s is already booked", e.SlotID)
}

// SlotExpiredError is returned when a slot has already ended.
type SlotExpiredError struct {
	SlotID string
	EndsAt time.Time
}

func (e *SlotExpiredError) Error() string {
	return fmt.Sprintf("slot %s ended at %s", e.SlotID, e.EndsAt.UTC().Format(time.RFC3339))
}

// SlotLockedError lists booked slots that a regeneration wanted to remove or
// retime. They were kept as they are.
type SlotLockedError struct {
	Slots []availability.Slot
}

func (e *SlotLockedError) Error() string {
	return fmt.Sprintf("%d booked slots were kept unchanged", len(e.Slots))
}

// UpsertResult summarizes an applied regeneration.
type UpsertResult struct {
	Inserted  int                 `json:"inserted"`
	Updated   int                 `json:"updated"`
	Removed   int                 `json:"removed"`
	Unchanged int                 `json:"unchanged"`
	Skipped   int                 `json:"skipped"`
	Locked    []availability.Slot `json:"locked,omitempty"`
}

type SlotStore interface {
	// UpsertWindow reconciles the provider's slots dated on or after from
	// with generated. Booked slots are never removed or retimed; when any
	// would have been, the result is returned together with *SlotLockedError.
	UpsertWindow(ctx context.Context, providerID string, from availability.Date, generated []availability.Slot) (UpsertResult, error)
	Get(ctx context.Context, slotID string) (availability.Slot, error)
	ListSlots(ctx context.Context, providerID string, from, to availability.Date) ([]availability.Slot, error)
	// MarkBooked atomically flips an unbooked, unexpired slot to booked.
	MarkBooked(ctx context.Context, slotID, bookingID string) (availability.Slot, error)
	// MarkUnbooked releases the slot only if it is held by bookingID.
	MarkUnbooked(ctx context.Context, slotID, bookingID string) error
}

// BookingStore persists booking records and attempts. Events passed along
// are recorded atomically with the write.
type BookingStore interface {
	CreateBooking(ctx context.Context, rec model.BookingRecord, events ...outbox.Event) error
	GetBooking(ctx context.Context, bookingID string) (model.BookingRecord, error)
	// ActiveBookingFor returns the buyer's booking whose slot ends after
	// after, earliest start first.
	ActiveBookingFor(ctx context.Context, buyer string, after time.Time) (model.BookingRecord, error)

	CreateAttempt(ctx context.Context, a model.BookingAttempt) error
	UpdateAttempt(ctx context.Context, a model.BookingAttempt, events ...outbox.Event) error
	GetAttempt(ctx context.Context, attemptID string) (model.BookingAttempt, error)
	ListAttempts(ctx context.Context, state model.AttemptState, reason model.FailureReason, limit int) ([]model.BookingAttempt, error)
	FindAttemptByReference(ctx context.Context, reference string) (model.BookingAttempt, error)
	// ClaimAttempt moves a failed attempt with one of reasons, or a
	// reconciling attempt last touched before staleBefore, to reconciling.
	// It reports false when the attempt is in neither condition.
	ClaimAttempt(ctx context.Context, attemptID string, reasons []model.FailureReason, staleBefore time.Time) (model.BookingAttempt, bool, error)
}

type AvailabilityStore interface {
	SaveAvailability(ctx context.Context, pa model.ProviderAvailability) error
	GetAvailability(ctx context.Context, providerID string) (model.ProviderAvailability, error)
}
