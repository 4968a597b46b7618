package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/slotchain/slotchain/services/booking-service/internal/availability"
	"github.com/slotchain/slotchain/services/booking-service/internal/booking"
	"github.com/slotchain/slotchain/services/booking-service/internal/model"
	"github.com/slotchain/slotchain/services/booking-service/internal/outbox"
	"github.com/slotchain/slotchain/services/booking-service/internal/storage"
	"github.com/slotchain/slotchain/services/booking-service/internal/transfer"
)

var (
	day   = availability.Date{Year: 2026, Month: time.March, Day: 2}
	clock = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	price = model.Money{Amount: 1500, Currency: "EUR"}
)

type harness struct {
	store  *storage.Memory
	events *outbox.Memory
	ledger *transfer.Ledger
	orch   *booking.Orchestrator
	rec    *Reconciler
	slot   availability.Slot
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	now := func() time.Time { return clock }
	events := outbox.NewMemory()
	store := storage.NewMemory(now, events)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	slot := availability.Slot{
		ID:         availability.SlotID("p", day, 540),
		ProviderID: "p",
		Date:       day,
		Start:      540,
		End:        600,
		StartsAt:   day.In(time.UTC, 540),
		EndsAt:     day.In(time.UTC, 600),
	}
	if _, err := store.UpsertWindow(ctx, "p", day, []availability.Slot{slot}); err != nil {
		t.Fatalf("UpsertWindow: %v", err)
	}
	if err := store.SaveAvailability(ctx, model.ProviderAvailability{ProviderID: "p", Price: price, PayoutAccount: "acct_p"}); err != nil {
		t.Fatalf("SaveAvailability: %v", err)
	}

	ledger := transfer.NewLedger(transfer.LedgerOptions{ConfirmAfter: 80 * time.Millisecond})
	ledger.Fund("alice", model.Money{Amount: 5000, Currency: "EUR"})
	orch := booking.NewOrchestrator(booking.Deps{
		Slots:     store,
		Bookings:  store,
		Providers: store,
		Transfers: ledger,
		Logger:    logger,
		Now:       now,
	}, booking.Config{ConfirmationTimeout: 10 * time.Millisecond})
	rec := New(store, store, ledger, orch, nil, logger, Config{PollTimeout: time.Second}).WithClock(now)
	return &harness{store: store, events: events, ledger: ledger, orch: orch, rec: rec, slot: slot}
}

func (h *harness) timedOut(t *testing.T) model.BookingAttempt {
	t.Helper()
	_, err := h.orch.Reserve(context.Background(), booking.Intent{SlotID: h.slot.ID, Buyer: "alice"})
	var failure *booking.Failure
	if !errors.As(err, &failure) || failure.Reason != model.ReasonConfirmationTimeout {
		t.Fatalf("expected confirmation_timeout, got %v", err)
	}
	return failure.Attempt
}

func TestSweepCompletesLateConfirmation(t *testing.T) {
	h := newHarness(t)
	attempt := h.timedOut(t)

	n, err := h.rec.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	got, err := h.store.GetAttempt(context.Background(), attempt.ID)
	if err != nil || got.State != model.StateCompleted || got.BookingID == "" {
		t.Fatalf("attempt not completed: %+v, %v", got, err)
	}
	slot, _ := h.store.Get(context.Background(), h.slot.ID)
	if !slot.Booked || slot.BookingID != got.BookingID {
		t.Fatalf("slot not booked by reconciled attempt: %+v", slot)
	}

	if n, _ := h.rec.Sweep(context.Background()); n != 0 {
		t.Fatalf("second sweep resolved %d attempts", n)
	}
}

func TestSweepRefundsWhenSlotTaken(t *testing.T) {
	h := newHarness(t)
	attempt := h.timedOut(t)
	if _, err := h.store.MarkBooked(context.Background(), h.slot.ID, "someone-else"); err != nil {
		t.Fatalf("MarkBooked: %v", err)
	}

	if _, err := h.rec.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got, _ := h.store.GetAttempt(context.Background(), attempt.ID)
	if got.State != model.StateRefundRequired || got.ReceiptID == "" {
		t.Fatalf("expected refund_required with receipt, got %+v", got)
	}
	if n := len(h.events.OfType(outbox.EventRefundRequested)); n != 1 {
		t.Fatalf("expected refund event, got %d", n)
	}
}

func TestHandleReceipt(t *testing.T) {
	h := newHarness(t)
	attempt := h.timedOut(t)
	ctx := context.Background()

	events, err := h.ledger.AwaitConfirmation(ctx, transfer.Handle(attempt.TransferHandle), time.Second)
	if err != nil {
		t.Fatalf("AwaitConfirmation: %v", err)
	}
	receipt, ok := transfer.MatchReceipt(events, transfer.Reference{SlotID: h.slot.ID, Buyer: "alice", Amount: price})
	if !ok {
		t.Fatal("no receipt from ledger")
	}

	if err := h.rec.HandleReceipt(ctx, transfer.ReceiptEvent{Kind: transfer.KindTransfer, ReferenceKey: "unknown", ReceiptID: "r"}); err != nil {
		t.Fatalf("unknown reference should be ignored: %v", err)
	}
	if err := h.rec.HandleReceipt(ctx, receipt); err != nil {
		t.Fatalf("HandleReceipt: %v", err)
	}
	if err := h.rec.HandleReceipt(ctx, receipt); err != nil {
		t.Fatalf("duplicate receipt: %v", err)
	}
	got, _ := h.store.GetAttempt(ctx, attempt.ID)
	if got.State != model.StateCompleted || got.ReceiptID != receipt.ReceiptID {
		t.Fatalf("attempt = %+v", got)
	}
	if n := len(h.events.OfType(outbox.EventSlotBooked)); n != 1 {
		t.Fatalf("expected one booking, got %d", n)
	}
}

type slowSlots struct {
	storage.SlotStore
	delay time.Duration
}

func (s slowSlots) Get(ctx context.Context, slotID string) (availability.Slot, error) {
	time.Sleep(s.delay)
	return s.SlotStore.Get(ctx, slotID)
}

func TestSweepAndReceiptResolveAttemptOnce(t *testing.T) {
	for i := 0; i < 10; i++ {
		h := newHarness(t)
		attempt := h.timedOut(t)
		ctx := context.Background()

		events, err := h.ledger.AwaitConfirmation(ctx, transfer.Handle(attempt.TransferHandle), time.Second)
		if err != nil {
			t.Fatalf("AwaitConfirmation: %v", err)
		}
		receipt, ok := transfer.MatchReceipt(events, transfer.Reference{SlotID: h.slot.ID, Buyer: "alice", Amount: price})
		if !ok {
			t.Fatal("no receipt from ledger")
		}

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		rec := New(h.store, slowSlots{SlotStore: h.store, delay: 20 * time.Millisecond}, h.ledger, h.orch, nil, logger,
			Config{PollTimeout: time.Second}).WithClock(func() time.Time { return clock })

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := rec.Sweep(ctx); err != nil {
				t.Errorf("Sweep: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := rec.HandleReceipt(ctx, receipt); err != nil {
				t.Errorf("HandleReceipt: %v", err)
			}
		}()
		wg.Wait()

		if n := len(h.events.OfType(outbox.EventSlotBooked)); n != 1 {
			t.Fatalf("run %d: expected one booking, got %d", i, n)
		}
		if n := len(h.events.OfType(outbox.EventRefundRequested)); n != 0 {
			t.Fatalf("run %d: booked attempt also requested %d refunds", i, n)
		}
		got, _ := h.store.GetAttempt(ctx, attempt.ID)
		if got.State != model.StateCompleted || got.BookingID == "" {
			t.Fatalf("run %d: attempt = %+v", i, got)
		}
	}
}

type failingSlotReads struct {
	storage.SlotStore
	fail bool
}

func (s *failingSlotReads) Get(ctx context.Context, slotID string) (availability.Slot, error) {
	if s.fail {
		return availability.Slot{}, errors.New("connection refused")
	}
	return s.SlotStore.Get(ctx, slotID)
}

func TestClaimReleasedOnTransientError(t *testing.T) {
	h := newHarness(t)
	attempt := h.timedOut(t)
	ctx := context.Background()
	slots := &failingSlotReads{SlotStore: h.store, fail: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := New(h.store, slots, h.ledger, h.orch, nil, logger, Config{PollTimeout: time.Second}).
		WithClock(func() time.Time { return clock })

	if n, err := rec.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	got, _ := h.store.GetAttempt(ctx, attempt.ID)
	if got.State != model.StateFailed || got.FailureReason != model.ReasonConfirmationTimeout {
		t.Fatalf("claim not released: %+v", got)
	}

	slots.fail = false
	if n, err := rec.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("retry Sweep = %d, %v", n, err)
	}
}

func TestSweepTakesOverStaleClaim(t *testing.T) {
	h := newHarness(t)
	attempt := h.timedOut(t)
	ctx := context.Background()
	if _, ok, err := h.store.ClaimAttempt(ctx, attempt.ID, unresolvedReasons, clock); err != nil || !ok {
		t.Fatalf("ClaimAttempt = %v, %v", ok, err)
	}

	if n, _ := h.rec.Sweep(ctx); n != 0 {
		t.Fatalf("fresh claim was taken over")
	}
	later := clock.Add(10 * time.Minute)
	h.rec.WithClock(func() time.Time { return later })
	if n, err := h.rec.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("Sweep after claim expiry = %d, %v", n, err)
	}
	got, _ := h.store.GetAttempt(ctx, attempt.ID)
	if got.State != model.StateCompleted {
		t.Fatalf("attempt = %+v", got)
	}
}

type fakeLeader struct{ lead bool }

func (f fakeLeader) TryLead(context.Context) (bool, func(), error) {
	return f.lead, func() {}, nil
}

func TestTickSkipsWhenNotLeader(t *testing.T) {
	h := newHarness(t)
	attempt := h.timedOut(t)

	if err := h.rec.WithLeader(fakeLeader{lead: false}).tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := h.store.GetAttempt(context.Background(), attempt.ID)
	if got.State != model.StateFailed {
		t.Fatalf("follower must not reconcile, got %s", got.State)
	}

	if err := h.rec.WithLeader(fakeLeader{lead: true}).tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ = h.store.GetAttempt(context.Background(), attempt.ID)
	if got.State != model.StateCompleted {
		t.Fatalf("leader should reconcile, got %s", got.State)
	}
}
