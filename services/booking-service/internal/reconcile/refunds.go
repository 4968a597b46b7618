package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/slotchain/slotchain/services/booking-service/internal/metrics"
	"github.com/slotchain/slotchain/services/booking-service/internal/model"
	"github.com/slotchain/slotchain/services/booking-service/internal/outbox"
	"github.com/slotchain/slotchain/services/booking-service/internal/storage"
	"github.com/slotchain/slotchain/services/booking-service/internal/transfer"
)

// RefundRequest is the part of a refund-requested event needed to act on it.
type RefundRequest struct {
	AttemptID string `json:"attempt_id"`
	ReceiptID string `json:"receipt_id"`
}

// Refunds returns confirmed payments for attempts that ended without a
// booking. It consumes the refund-requested events written next to those
// attempts.
type Refunds struct {
	bookings storage.BookingStore
	refunder transfer.Refunder
	metrics  metrics.Recorder
	logger   *slog.Logger
}

func NewRefunds(bookings storage.BookingStore, refunder transfer.Refunder, rec metrics.Recorder, logger *slog.Logger) *Refunds {
	if rec == nil {
		rec = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refunds{bookings: bookings, refunder: refunder, metrics: rec, logger: logger}
}

// HandleRequest refunds the receipt of the attempt named in req. Requests for
// unknown attempts, attempts that hold a booking, or attempts without a
// receipt are dropped.
func (r *Refunds) HandleRequest(ctx context.Context, req RefundRequest) error {
	a, err := r.bookings.GetAttempt(ctx, req.AttemptID)
	if errors.Is(err, storage.ErrAttemptNotFound) {
		r.logger.Warn("refund requested for unknown attempt", "attempt_id", req.AttemptID)
		return nil
	}
	if err != nil {
		return err
	}
	log := r.logger.With("attempt_id", a.ID, "buyer", a.Buyer, "amount", a.Price.String(), "receipt_id", a.ReceiptID)
	if a.BookingID != "" || a.State == model.StateCompleted {
		log.Error("refund requested for a booked attempt; ignored", "booking_id", a.BookingID)
		r.metrics.RecordReconciliation("refund_skipped")
		return nil
	}
	if a.ReceiptID == "" || (req.ReceiptID != "" && req.ReceiptID != a.ReceiptID) {
		log.Error("refund request does not match the recorded receipt", "requested_receipt_id", req.ReceiptID)
		r.metrics.RecordReconciliation("refund_skipped")
		return nil
	}

	ref := referenceOf(a)
	if err := r.refunder.Refund(ctx, ref, a.ReceiptID); err != nil {
		if transfer.Retryable(err) {
			return fmt.Errorf("refund %s: %w", a.ReceiptID, err)
		}
		log.Error("refund refused; manual action required", "err", err)
		r.metrics.RecordReconciliation("refund_failed")
		return nil
	}
	log.Info("payment refunded", "reason", a.FailureReason)
	r.metrics.RecordReconciliation("refunded")
	return nil
}

// HandleEvent adapts HandleRequest to the in-process outbox.
func (r *Refunds) HandleEvent(ctx context.Context, e outbox.Event) {
	var req RefundRequest
	if err := json.Unmarshal(e.Payload, &req); err != nil {
		r.logger.Warn("dropping malformed refund request", "aggregate_id", e.AggregateID, "err", err)
		return
	}
	if err := r.HandleRequest(ctx, req); err != nil {
		r.logger.Error("refund failed; left for redelivery", "attempt_id", req.AttemptID, "err", err)
	}
}
