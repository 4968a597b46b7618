// Package reconcile resolves attempts whose transfer outcome was unknown when
// the orchestrator gave up on them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/slotchain/slotchain/libs/db"
	"github.com/slotchain/slotchain/services/booking-service/internal/booking"
	"github.com/slotchain/slotchain/services/booking-service/internal/metrics"
	"github.com/slotchain/slotchain/services/booking-service/internal/model"
	"github.com/slotchain/slotchain/services/booking-service/internal/outbox"
	"github.com/slotchain/slotchain/services/booking-service/internal/storage"
	"github.com/slotchain/slotchain/services/booking-service/internal/transfer"
)

// Finalizer books the slot for an attempt whose transfer is confirmed.
type Finalizer interface {
	Finalize(ctx context.Context, a model.BookingAttempt) (booking.Outcome, error)
}

// Leader gates sweeps so one replica polls at a time.
type Leader interface {
	TryLead(ctx context.Context) (bool, func(), error)
}

type pgLeader struct {
	pool *db.Pool
	key  int64
}

// NewAdvisoryLeader elects through a Postgres session advisory lock.
func NewAdvisoryLeader(pool *db.Pool, key int64) Leader {
	return &pgLeader{pool: pool, key: key}
}

func (l *pgLeader) TryLead(ctx context.Context) (bool, func(), error) {
	return l.pool.TryAdvisoryLock(ctx, l.key)
}

type Config struct {
	PollTimeout time.Duration
	BatchSize   int
	// ClaimTTL is how long a claim holds before another resolver may take
	// the attempt over.
	ClaimTTL time.Duration
}

var unresolvedReasons = []model.FailureReason{model.ReasonConfirmationTimeout, model.ReasonSubmissionAmbiguous}

type Reconciler struct {
	bookings  storage.BookingStore
	slots     storage.SlotStore
	transfers transfer.Client
	finalizer Finalizer
	leader    Leader
	metrics   metrics.Recorder
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

func New(bookings storage.BookingStore, slots storage.SlotStore, transfers transfer.Client, finalizer Finalizer, rec metrics.Recorder, logger *slog.Logger, cfg Config) *Reconciler {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		bookings:  bookings,
		slots:     slots,
		transfers: transfers,
		finalizer: finalizer,
		metrics:   rec,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (r *Reconciler) WithLeader(l Leader) *Reconciler {
	r.leader = l
	return r
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.tick(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("reconcile sweep failed", "err", err)
			}
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) error {
	if r.leader != nil {
		ok, release, err := r.leader.TryLead(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		defer release()
	}
	_, err := r.Sweep(ctx)
	return err
}

// Sweep polls the transfer system for every unresolved attempt once and
// returns how many were resolved.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	var pending []model.BookingAttempt
	for _, reason := range unresolvedReasons {
		batch, err := r.bookings.ListAttempts(ctx, model.StateFailed, reason, r.cfg.BatchSize)
		if err != nil {
			return 0, fmt.Errorf("list %s attempts: %w", reason, err)
		}
		pending = append(pending, batch...)
	}
	abandoned, err := r.bookings.ListAttempts(ctx, model.StateReconciling, "", r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list reconciling attempts: %w", err)
	}
	for _, a := range abandoned {
		if a.UpdatedAt.Before(r.staleBefore()) {
			pending = append(pending, a)
		}
	}

	resolved := 0
	for _, a := range pending {
		if a.TransferHandle == "" {
			continue
		}
		events, err := r.transfers.AwaitConfirmation(ctx, transfer.Handle(a.TransferHandle), r.cfg.PollTimeout)
		if errors.Is(err, transfer.ErrConfirmationTimeout) || transfer.Retryable(err) {
			r.metrics.RecordReconciliation("pending")
			continue
		}
		if err != nil {
			r.logger.Warn("confirmation poll failed", "attempt_id", a.ID, "err", err)
			r.metrics.RecordReconciliation("error")
			continue
		}
		receipt, ok := transfer.MatchReceipt(events, referenceOf(a))
		if !ok {
			r.metrics.RecordReconciliation("unmatched")
			continue
		}
		ok, err = r.claimAndResolve(ctx, a.ID, receipt)
		if err != nil {
			r.logger.Error("reconcile attempt failed", "attempt_id", a.ID, "err", err)
			continue
		}
		if ok {
			resolved++
		}
	}
	return resolved, nil
}

// HandleReceipt resolves the attempt a late confirmation belongs to. Receipts
// for unknown or already resolved attempts are ignored.
func (r *Reconciler) HandleReceipt(ctx context.Context, e transfer.ReceiptEvent) error {
	if e.Kind != transfer.KindTransfer || e.ReceiptID == "" {
		return nil
	}
	a, err := r.bookings.FindAttemptByReference(ctx, e.ReferenceKey)
	if errors.Is(err, storage.ErrAttemptNotFound) {
		r.metrics.RecordReconciliation("unmatched")
		return nil
	}
	if err != nil {
		return err
	}
	if !r.reconcilable(a) {
		return nil
	}
	if _, ok := transfer.MatchReceipt([]transfer.ReceiptEvent{e}, referenceOf(a)); !ok {
		r.logger.Error("receipt does not match attempt", "attempt_id", a.ID, "receipt_id", e.ReceiptID)
		r.metrics.RecordReconciliation("unmatched")
		return nil
	}
	_, err = r.claimAndResolve(ctx, a.ID, e)
	return err
}

// claimAndResolve resolves the attempt only if this call wins the claim on
// it. Another resolver holding the claim makes it a no-op.
func (r *Reconciler) claimAndResolve(ctx context.Context, attemptID string, receipt transfer.ReceiptEvent) (bool, error) {
	a, ok, err := r.bookings.ClaimAttempt(ctx, attemptID, unresolvedReasons, r.staleBefore())
	if err != nil {
		return false, fmt.Errorf("claim attempt: %w", err)
	}
	if !ok {
		r.metrics.RecordReconciliation("claimed_elsewhere")
		return false, nil
	}
	reason := a.FailureReason
	if err := r.resolve(ctx, a, receipt); err != nil {
		r.release(ctx, a, reason)
		return false, err
	}
	return true, nil
}

// release hands a claimed attempt back to the sweep after a transient error.
func (r *Reconciler) release(ctx context.Context, a model.BookingAttempt, reason model.FailureReason) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	a.State = model.StateFailed
	a.FailureReason = reason
	if err := r.bookings.UpdateAttempt(ctx, a); err != nil {
		r.logger.Warn("could not release claim; it expires on its own", "attempt_id", a.ID, "err", err)
	}
}

func (r *Reconciler) staleBefore() time.Time {
	return r.now().Add(-r.cfg.ClaimTTL)
}

// resolve completes the booking when the slot is still free and has not
// ended. Otherwise the payment is marked for refund.
func (r *Reconciler) resolve(ctx context.Context, a model.BookingAttempt, receipt transfer.ReceiptEvent) error {
	a.ReceiptID = receipt.ReceiptID
	if receipt.Handle != "" {
		a.TransferHandle = string(receipt.Handle)
	}
	log := r.logger.With("attempt_id", a.ID, "slot_id", a.SlotID, "buyer", a.Buyer,
		"amount", a.Price.String(), "receipt_id", a.ReceiptID)

	slot, err := r.slots.Get(ctx, a.SlotID)
	if err != nil && !errors.Is(err, storage.ErrSlotNotFound) {
		return err
	}
	if err == nil && !slot.Booked && slot.EndsAt.After(r.now()) {
		a.State = model.StateTransferConfirmed
		a.FailureReason = ""
		out, ferr := r.finalizer.Finalize(ctx, a)
		if ferr == nil {
			log.Info("late confirmation completed booking", "booking_id", out.Booking.ID)
			r.metrics.RecordReconciliation("completed")
			return nil
		}
		var failure *booking.Failure
		if errors.As(ferr, &failure) {
			// Finalize already recorded the failure and requested a refund.
			r.metrics.RecordReconciliation("refund_required")
			return nil
		}
		return ferr
	}

	a.State = model.StateRefundRequired
	evt, err := outbox.NewEvent(outbox.AggregateBookingAttempt, a.ID, outbox.EventRefundRequested, refundPayload{
		AttemptID: a.ID,
		SlotID:    a.SlotID,
		Buyer:     a.Buyer,
		Price:     a.Price,
		ReceiptID: a.ReceiptID,
		Reason:    a.FailureReason,
	})
	if err != nil {
		return err
	}
	if err := r.bookings.UpdateAttempt(ctx, a, evt); err != nil {
		return fmt.Errorf("mark refund required: %w", err)
	}
	log.Error("late confirmation for unavailable slot; refund required", "reason", a.FailureReason)
	r.metrics.RecordReconciliation("refund_required")
	return nil
}

func (r *Reconciler) reconcilable(a model.BookingAttempt) bool {
	if a.State == model.StateReconciling {
		return a.UpdatedAt.Before(r.staleBefore())
	}
	return a.State == model.StateFailed && slices.Contains(unresolvedReasons, a.FailureReason)
}

func referenceOf(a model.BookingAttempt) transfer.Reference {
	return transfer.Reference{SlotID: a.SlotID, Buyer: a.Buyer, Amount: a.Price, Payee: a.PayoutAccount, AttemptID: a.ID}
}

type refundPayload struct {
	AttemptID string              `json:"attempt_id"`
	SlotID    string              `json:"slot_id"`
	Buyer     string              `json:"buyer"`
	Price     model.Money         `json:"price"`
	ReceiptID string              `json:"receipt_id"`
	Reason    model.FailureReason `json:"reason"`
}
