package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/slotchain/slotchain/services/booking-service/internal/inbox"
	"github.com/slotchain/slotchain/services/booking-service/internal/model"
	"github.com/slotchain/slotchain/services/booking-service/internal/transfer"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	done      context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		r.done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func receiptMessage(t *testing.T, offset int64, eventID string, e transfer.ReceiptEvent) kafka.Message {
	t.Helper()
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{
		Topic:   TopicTransferConfirmed,
		Offset:  offset,
		Value:   b,
		Headers: []kafka.Header{{Key: "event_id", Value: []byte(eventID)}},
	}
}

func TestConsumerDedupesAndCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	receipt := transfer.ReceiptEvent{
		Kind:      transfer.KindTransfer,
		SlotID:    "s1",
		Buyer:     "alice",
		Amount:    model.Money{Amount: 100, Currency: "USD"},
		ReceiptID: "rcpt-1",
	}
	failing := receipt
	failing.ReceiptID = "rcpt-fail"

	reader := &fakeReader{done: cancel, msgs: []kafka.Message{
		receiptMessage(t, 1, "evt-1", receipt),
		receiptMessage(t, 2, "evt-1", receipt),
		{Topic: TopicTransferConfirmed, Offset: 3, Value: []byte("{not json"), Headers: []kafka.Header{{Key: "event_id", Value: []byte("evt-2")}}},
		receiptMessage(t, 4, "evt-3", failing),
	}}

	var handled []string
	handler := ReceiptHandler(func(_ context.Context, e transfer.ReceiptEvent) error {
		if e.ReceiptID == "rcpt-fail" {
			return errors.New("store down")
		}
		handled = append(handled, e.ReceiptID)
		return nil
	})
	store := inbox.NewMemory()
	c := NewWithReader(slog.New(slog.NewTextHandler(io.Discard, nil)), store, reader, handler)
	c.backoff = time.Millisecond
	c.maxAttempts = 3
	c.Run(ctx)

	if len(handled) != 1 || handled[0] != "rcpt-1" {
		t.Fatalf("handled = %v", handled)
	}
	// offset 4 is committed only after its attempts are exhausted
	if len(reader.committed) != 4 || reader.committed[2] != 3 || reader.committed[3] != 4 {
		t.Fatalf("committed offsets = %v", reader.committed)
	}
	if ok, _ := store.Record(context.Background(), "evt-3", "x"); !ok {
		t.Fatal("failed event should be forgotten so a later delivery is processed")
	}
}

func TestConsumerRetriesFailedMessageBeforeMovingOn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := transfer.ReceiptEvent{Kind: transfer.KindTransfer, ReceiptID: "rcpt-1"}
	second := transfer.ReceiptEvent{Kind: transfer.KindTransfer, ReceiptID: "rcpt-2"}
	reader := &fakeReader{done: cancel, msgs: []kafka.Message{
		receiptMessage(t, 1, "evt-1", first),
		receiptMessage(t, 2, "evt-2", second),
	}}

	failures := 2
	var handled []string
	handler := ReceiptHandler(func(_ context.Context, e transfer.ReceiptEvent) error {
		if e.ReceiptID == "rcpt-1" && failures > 0 {
			failures--
			return errors.New("store down")
		}
		handled = append(handled, e.ReceiptID)
		return nil
	})
	c := NewWithReader(slog.New(slog.NewTextHandler(io.Discard, nil)), inbox.NewMemory(), reader, handler)
	c.backoff = time.Millisecond
	c.Run(ctx)

	if len(handled) != 2 || handled[0] != "rcpt-1" || handled[1] != "rcpt-2" {
		t.Fatalf("handled = %v, want rcpt-1 then rcpt-2", handled)
	}
	if len(reader.committed) != 2 || reader.committed[0] != 1 || reader.committed[1] != 2 {
		t.Fatalf("committed offsets = %v", reader.committed)
	}
}

func TestConsumerStopsWithoutCommitWhenCancelledMidRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{done: cancel, msgs: []kafka.Message{
		receiptMessage(t, 1, "evt-1", transfer.ReceiptEvent{Kind: transfer.KindTransfer, ReceiptID: "rcpt-1"}),
	}}
	handler := ReceiptHandler(func(context.Context, transfer.ReceiptEvent) error {
		cancel()
		return errors.New("store down")
	})
	c := NewWithReader(slog.New(slog.NewTextHandler(io.Discard, nil)), inbox.NewMemory(), reader, handler)
	c.backoff = time.Hour
	c.Run(ctx)

	if len(reader.committed) != 0 {
		t.Fatalf("nothing should be committed, got %v", reader.committed)
	}
}
