// Package booking drives one reservation from intent to a stored booking,
// coordinating the slot store, the value-transfer system and the booking
// records. Each run is a BookingAttempt that moves forward through its states
// and persists every transition.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	otelx "github.com/slotchain/slotchain/libs/otel"
	"github.com/slotchain/slotchain/services/booking-service/internal/metrics"
	"github.com/slotchain/slotchain/services/booking-service/internal/model"
	"github.com/slotchain/slotchain/services/booking-service/internal/outbox"
	"github.com/slotchain/slotchain/services/booking-service/internal/storage"
	"github.com/slotchain/slotchain/services/booking-service/internal/transfer"
)

type Intent struct {
	SlotID  string `json:"slot_id"`
	Buyer   string `json:"buyer"`
	Contact string `json:"contact"`
}

type Outcome struct {
	Attempt model.BookingAttempt `json:"attempt"`
	Booking *model.BookingRecord `json:"booking,omitempty"`
}

type Config struct {
	ConfirmationTimeout time.Duration
	EligibilityAttempts int
	RetryBackoff        time.Duration
}

const (
	// settleBudget is added to ConfirmationTimeout for the writes that follow
	// a confirmed transfer.
	settleBudget = 30 * time.Second
	// persistTimeout bounds recording a failure.
	persistTimeout = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = 2 * time.Minute
	}
	if c.EligibilityAttempts <= 0 {
		c.EligibilityAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	return c
}

type Orchestrator struct {
	slots     storage.SlotStore
	bookings  storage.BookingStore
	providers storage.AvailabilityStore
	transfers transfer.Client
	metrics   metrics.Recorder
	logger    *slog.Logger
	tracer    trace.Tracer
	cfg       Config
	now       func() time.Time
}

type Deps struct {
	Slots     storage.SlotStore
	Bookings  storage.BookingStore
	Providers storage.AvailabilityStore
	Transfers transfer.Client
	Metrics   metrics.Recorder
	Logger    *slog.Logger
	Now       func() time.Time
}

func NewOrchestrator(d Deps, cfg Config) *Orchestrator {
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Orchestrator{
		slots:     d.Slots,
		bookings:  d.Bookings,
		providers: d.Providers,
		transfers: d.Transfers,
		metrics:   d.Metrics,
		logger:    d.Logger,
		tracer:    otelx.Tracer("booking-service/booking"),
		cfg:       cfg.withDefaults(),
		now:       d.Now,
	}
}

// Reserve runs the whole reservation. Errors before an attempt exists are
// validation or slot availability errors (storage.ErrSlotNotFound,
// *storage.AlreadyBookedError, *storage.SlotExpiredError) and nothing was
// sent to the transfer system. Once an attempt exists, failures are
// returned as *Failure together with the attempt.
//
// Cancelling ctx stops the reservation only until the transfer leg is
// submitted. After that the attempt runs to a recorded outcome on its own
// deadline of ConfirmationTimeout plus a short settle budget.
func (o *Orchestrator) Reserve(ctx context.Context, in Intent) (Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "booking.reserve", trace.WithAttributes(
		attribute.String("slot_id", in.SlotID),
	))
	defer span.End()

	out, err := o.reserve(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (o *Orchestrator) reserve(ctx context.Context, in Intent) (Outcome, error) {
	in.Buyer = strings.TrimSpace(in.Buyer)
	in.Contact = strings.TrimSpace(in.Contact)
	if in.SlotID == "" {
		return Outcome{}, &ValidationError{Field: "slot_id", Reason: "required"}
	}
	if in.Buyer == "" {
		return Outcome{}, &ValidationError{Field: "buyer", Reason: "required"}
	}

	slot, err := o.slots.Get(ctx, in.SlotID)
	if err != nil {
		return Outcome{}, err
	}
	if slot.Booked {
		return Outcome{}, &storage.AlreadyBookedError{SlotID: slot.ID, BookingID: slot.BookingID}
	}
	if !slot.StartsAt.After(o.now()) {
		return Outcome{}, &storage.SlotExpiredError{SlotID: slot.ID, EndsAt: slot.EndsAt}
	}
	settings, err := o.providers.GetAvailability(ctx, slot.ProviderID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load provider %s: %w", slot.ProviderID, err)
	}
	if settings.Price.Amount <= 0 {
		return Outcome{}, ErrPriceNotConfigured
	}

	attemptID := uuid.NewString()
	ref := transfer.Reference{SlotID: slot.ID, Buyer: in.Buyer, Amount: settings.Price, Payee: settings.PayoutAccount, AttemptID: attemptID}
	now := o.now()
	a := model.BookingAttempt{
		ID:            attemptID,
		SlotID:        slot.ID,
		ProviderID:    slot.ProviderID,
		Buyer:         in.Buyer,
		Contact:       in.Contact,
		Price:         settings.Price,
		PayoutAccount: settings.PayoutAccount,
		Reference:     ref.Key(),
		State:         model.StateRequested,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.bookings.CreateAttempt(ctx, a); err != nil {
		return Outcome{}, fmt.Errorf("create attempt: %w", err)
	}
	log := o.logger.With("attempt_id", a.ID, "slot_id", a.SlotID, "buyer", a.Buyer, "amount", a.Price.String())
	log.Info("booking attempt started")

	// eligibility
	el, err := o.checkEligibility(ctx, in.Buyer, settings.Price)
	if err != nil {
		return o.fail(ctx, log, a, model.ReasonTransferRejected, err)
	}
	if !el.Sufficient {
		return o.fail(ctx, log, a, model.ReasonInsufficientFunds,
			fmt.Errorf("balance %s is below price %s", el.Balance, settings.Price))
	}
	if a, err = o.advance(ctx, a, model.StateEligibilityChecked); err != nil {
		return Outcome{Attempt: a}, err
	}

	// approval leg
	apv, err := o.transfers.Approve(ctx, ref)
	if err != nil {
		return o.fail(ctx, log, a, submitReason(err), err)
	}
	a.ApprovalHandle = string(apv)
	if _, err := o.transfers.AwaitConfirmation(ctx, apv, o.cfg.ConfirmationTimeout); err != nil {
		if errors.Is(err, transfer.ErrConfirmationTimeout) || ctx.Err() != nil {
			return o.fail(ctx, log, a, model.ReasonApprovalTimeout, err)
		}
		return o.fail(ctx, log, a, model.ReasonTransferRejected, err)
	}
	if err := ctx.Err(); err != nil {
		return o.fail(ctx, log, a, model.ReasonApprovalTimeout, err)
	}

	// transfer leg: value can move from here on, so the caller going away no
	// longer ends the attempt
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ConfirmationTimeout+settleBudget)
	defer cancel()

	submittedAt := o.now()
	h, err := o.transfers.SubmitTransfer(ctx, ref)
	a.TransferHandle = string(h)
	if err != nil {
		return o.fail(ctx, log, a, transferSubmitReason(err), err)
	}
	if a, err = o.advance(ctx, a, model.StateTransferSubmitted); err != nil {
		log.Error("transfer submitted but attempt state not updated", "handle", h, "err", err)
	}

	events, err := o.awaitTransfer(ctx, h)
	if err != nil {
		if errors.Is(err, transfer.ErrRejected) {
			return o.fail(ctx, log, a, model.ReasonTransferRejected, err)
		}
		// anything short of a rejection leaves the outcome open
		log.Warn("transfer not confirmed in time; it may still land", "handle", h, "err", err)
		return o.fail(ctx, log, a, model.ReasonConfirmationTimeout, err)
	}
	o.metrics.RecordConfirmationLatency(o.now().Sub(submittedAt))

	receipt, ok := transfer.MatchReceipt(events, ref)
	if !ok {
		return o.fail(ctx, log, a, model.ReasonReceiptNotFound,
			fmt.Errorf("no transfer receipt among %d events", len(events)))
	}
	a.ReceiptID = receipt.ReceiptID
	if a, err = o.advance(ctx, a, model.StateTransferConfirmed); err != nil {
		return Outcome{Attempt: a}, err
	}

	return o.Finalize(ctx, a)
}

// Finalize books the slot and writes the record for an attempt whose
// transfer is confirmed. Reconciliation calls it for late confirmations.
func (o *Orchestrator) Finalize(ctx context.Context, a model.BookingAttempt) (Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "booking.finalize")
	defer span.End()
	log := o.logger.With("attempt_id", a.ID, "slot_id", a.SlotID, "buyer", a.Buyer,
		"amount", a.Price.String(), "receipt_id", a.ReceiptID)

	bookingID := uuid.NewString()
	slot, err := o.slots.MarkBooked(ctx, a.SlotID, bookingID)
	if err != nil {
		var already *storage.AlreadyBookedError
		var expired *storage.SlotExpiredError
		if errors.As(err, &already) || errors.As(err, &expired) {
			return o.fail(ctx, log, a, model.ReasonSlotRaceLost, err)
		}
		// the update may have committed before the error surfaced
		held, herr := o.slots.Get(ctx, a.SlotID)
		if herr != nil || !held.Booked || held.BookingID != bookingID {
			o.releaseSlot(ctx, log, a.SlotID, bookingID)
			return o.fail(ctx, log, a, model.ReasonPersistenceFailed, err)
		}
		log.Warn("slot booked despite store error", "booking_id", bookingID, "err", err)
		slot = held
	}

	rec := model.BookingRecord{
		ID:         bookingID,
		SlotID:     slot.ID,
		ProviderID: slot.ProviderID,
		Buyer:      a.Buyer,
		Contact:    a.Contact,
		Price:      a.Price,
		ReceiptID:  a.ReceiptID,
		CreatedAt:  o.now(),
	}
	booked, err := outbox.NewEvent(outbox.AggregateSlot, slot.ID, outbox.EventSlotBooked, bookedPayload{
		BookingID:  rec.ID,
		SlotID:     slot.ID,
		ProviderID: slot.ProviderID,
		Buyer:      rec.Buyer,
		Contact:    rec.Contact,
		StartsAt:   slot.StartsAt,
		EndsAt:     slot.EndsAt,
		Price:      rec.Price,
		ReceiptID:  rec.ReceiptID,
	})
	if err == nil {
		err = o.bookings.CreateBooking(ctx, rec, booked)
	}
	if err != nil {
		o.releaseSlot(ctx, log, slot.ID, bookingID)
		return o.fail(ctx, log, a, model.ReasonPersistenceFailed, err)
	}

	a.BookingID = rec.ID
	if a, err = o.advance(ctx, a, model.StatePersisted); err != nil {
		log.Error("booking stored but attempt state not updated", "booking_id", rec.ID, "err", err)
	}
	a.State = model.StateCompleted
	if err := o.bookings.UpdateAttempt(ctx, a); err != nil {
		log.Error("booking stored but attempt state not updated", "booking_id", rec.ID, "err", err)
	}
	o.metrics.RecordBookingOutcome(string(model.StateCompleted), "")
	log.Info("booking completed", "booking_id", rec.ID)
	return Outcome{Attempt: a, Booking: &rec}, nil
}

// releaseSlot undoes a MarkBooked by bookingID. A slot not held by bookingID
// is left alone.
func (o *Orchestrator) releaseSlot(ctx context.Context, log *slog.Logger, slotID, bookingID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	err := o.slots.MarkUnbooked(ctx, slotID, bookingID)
	var other *storage.AlreadyBookedError
	if err != nil && !errors.As(err, &other) {
		log.Error("could not release slot after failed booking write", "booking_id", bookingID, "err", err)
	}
}

func (o *Orchestrator) advance(ctx context.Context, a model.BookingAttempt, next model.AttemptState) (model.BookingAttempt, error) {
	prev := a.State
	a.State = next
	if err := o.bookings.UpdateAttempt(ctx, a); err != nil {
		a.State = prev
		return a, fmt.Errorf("attempt %s -> %s: %w", prev, next, err)
	}
	trace.SpanFromContext(ctx).AddEvent(string(next))
	return a, nil
}

// fail records the failure even when ctx is already done.
func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, a model.BookingAttempt, reason model.FailureReason, cause error) (Outcome, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	a.State = model.StateFailed
	a.FailureReason = reason

	var events []outbox.Event
	payload := failedPayload{
		AttemptID:  a.ID,
		SlotID:     a.SlotID,
		ProviderID: a.ProviderID,
		Buyer:      a.Buyer,
		Price:      a.Price,
		Reason:     reason,
		ReceiptID:  a.ReceiptID,
		Handle:     a.TransferHandle,
	}
	if evt, err := outbox.NewEvent(outbox.AggregateBookingAttempt, a.ID, outbox.EventAttemptFailed, payload); err == nil {
		events = append(events, evt)
	}
	if needsRefund(reason) {
		if evt, err := outbox.NewEvent(outbox.AggregateBookingAttempt, a.ID, outbox.EventRefundRequested, payload); err == nil {
			events = append(events, evt)
		}
	}
	if err := o.bookings.UpdateAttempt(ctx, a, events...); err != nil {
		log.Error("could not record failed attempt", "reason", reason, "err", err)
	}

	if reason.Escalated() {
		log.Error("booking attempt escalated", "reason", reason, "handle", a.TransferHandle, "err", cause)
	} else {
		log.Warn("booking attempt failed", "reason", reason, "err", cause)
	}
	o.metrics.RecordBookingOutcome(string(model.StateFailed), string(reason))
	return Outcome{Attempt: a}, &Failure{Reason: reason, Attempt: a, Err: cause}
}

func (o *Orchestrator) checkEligibility(ctx context.Context, buyer string, price model.Money) (transfer.Eligibility, error) {
	var lastErr error
	for i := 0; i < o.cfg.EligibilityAttempts; i++ {
		el, err := o.transfers.CheckEligibility(ctx, buyer, price)
		if err == nil {
			return el, nil
		}
		lastErr = err
		if !transfer.Retryable(err) {
			break
		}
		if err := sleep(ctx, o.cfg.RetryBackoff*time.Duration(1<<i)); err != nil {
			return transfer.Eligibility{}, err
		}
	}
	return transfer.Eligibility{}, lastErr
}

// awaitTransfer retries the confirmation read on transient errors only,
// within the overall confirmation timeout.
func (o *Orchestrator) awaitTransfer(ctx context.Context, h transfer.Handle) ([]transfer.ReceiptEvent, error) {
	deadline := o.now().Add(o.cfg.ConfirmationTimeout)
	for attempt := 0; ; attempt++ {
		remaining := deadline.Sub(o.now())
		if remaining <= 0 {
			return nil, transfer.ErrConfirmationTimeout
		}
		events, err := o.transfers.AwaitConfirmation(ctx, h, remaining)
		if err == nil || !transfer.Retryable(err) {
			return events, err
		}
		if err := sleep(ctx, o.cfg.RetryBackoff*time.Duration(1<<min(attempt, 5))); err != nil {
			return nil, err
		}
	}
}

func submitReason(err error) model.FailureReason {
	switch {
	case errors.Is(err, transfer.ErrAmbiguousSubmission):
		return model.ReasonSubmissionAmbiguous
	case errors.Is(err, transfer.ErrInsufficientFunds):
		return model.ReasonInsufficientFunds
	default:
		return model.ReasonTransferRejected
	}
}

// transferSubmitReason treats every error that does not clearly say the
// transfer was refused as an unknown outcome.
func transferSubmitReason(err error) model.FailureReason {
	switch {
	case errors.Is(err, transfer.ErrInsufficientFunds):
		return model.ReasonInsufficientFunds
	case errors.Is(err, transfer.ErrRejected):
		return model.ReasonTransferRejected
	default:
		return model.ReasonSubmissionAmbiguous
	}
}

func needsRefund(reason model.FailureReason) bool {
	return reason == model.ReasonSlotRaceLost || reason == model.ReasonPersistenceFailed
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type bookedPayload struct {
	BookingID  string      `json:"booking_id"`
	SlotID     string      `json:"slot_id"`
	ProviderID string      `json:"provider_id"`
	Buyer      string      `json:"buyer"`
	Contact    string      `json:"contact,omitempty"`
	StartsAt   time.Time   `json:"starts_at"`
	EndsAt     time.Time   `json:"ends_at"`
	Price      model.Money `json:"price"`
	ReceiptID  string      `json:"receipt_id"`
}

type failedPayload struct {
	AttemptID  string              `json:"attempt_id"`
	SlotID     string              `json:"slot_id"`
	ProviderID string              `json:"provider_id"`
	Buyer      string              `json:"buyer"`
	Price      model.Money         `json:"price"`
	Reason     model.FailureReason `json:"reason"`
	ReceiptID  string              `json:"receipt_id,omitempty"`
	Handle     string              `json:"handle,omitempty"`
}

