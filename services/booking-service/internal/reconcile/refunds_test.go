package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/slotchain/slotchain/services/booking-service/internal/model"
	"github.com/slotchain/slotchain/services/booking-service/internal/outbox"
	"github.com/slotchain/slotchain/services/booking-service/internal/transfer"
)

func TestRefundRequestedEventReturnsPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	refunds := NewRefunds(h.store, h.ledger, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.events.Subscribe(outbox.EventRefundRequested, refunds.HandleEvent)

	attempt := h.timedOut(t)
	if _, err := h.store.MarkBooked(ctx, h.slot.ID, "someone-else"); err != nil {
		t.Fatalf("MarkBooked: %v", err)
	}
	if _, err := h.rec.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got, _ := h.store.GetAttempt(ctx, attempt.ID)
	if got.State != model.StateRefundRequired {
		t.Fatalf("attempt = %+v", got)
	}
	if bal := h.ledger.Balance("alice", "EUR"); bal.Amount != 5000 {
		t.Fatalf("alice balance after refund = %v, want 5000", bal)
	}
	if bal := h.ledger.Balance("acct_p", "EUR"); bal.Amount != 0 {
		t.Fatalf("payee balance after refund = %v, want 0", bal)
	}

	// redelivery of the same request must not pay twice
	if err := refunds.HandleRequest(ctx, RefundRequest{AttemptID: attempt.ID, ReceiptID: got.ReceiptID}); err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if bal := h.ledger.Balance("alice", "EUR"); bal.Amount != 5000 {
		t.Fatalf("alice balance after redelivery = %v", bal)
	}
}

type recordingRefunder struct{ calls int }

func (r *recordingRefunder) Refund(context.Context, transfer.Reference, string) error {
	r.calls++
	return nil
}

func TestRefundRequestsThatAreDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	attempt := h.timedOut(t)
	if _, err := h.rec.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	booked, _ := h.store.GetAttempt(ctx, attempt.ID)
	if booked.State != model.StateCompleted {
		t.Fatalf("attempt = %+v", booked)
	}

	refunder := &recordingRefunder{}
	refunds := NewRefunds(h.store, refunder, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tests := []struct {
		name string
		req  RefundRequest
	}{
		{"unknown attempt", RefundRequest{AttemptID: "nope"}},
		{"booked attempt", RefundRequest{AttemptID: attempt.ID, ReceiptID: booked.ReceiptID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := refunds.HandleRequest(ctx, tt.req); err != nil {
				t.Fatalf("HandleRequest: %v", err)
			}
		})
	}
	refunds.HandleEvent(ctx, outbox.Event{EventType: outbox.EventRefundRequested, Payload: []byte("{")})
	if refunder.calls != 0 {
		t.Fatalf("refunded %d times", refunder.calls)
	}
}
