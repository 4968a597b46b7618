package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/slotchain/slotchain/libs/kafkax"
)

func TestNewEventEncodesPayload(t *testing.T) {
	evt, err := NewEvent(AggregateSlot, "slot-1", EventSlotBooked, map[string]string{"booking_id": "b-1"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Payload, &payload); err != nil || payload["booking_id"] != "b-1" {
		t.Fatalf("unexpected payload %s (%v)", evt.Payload, err)
	}
	if _, err := NewEvent(AggregateSlot, "x", EventSlotBooked, func() {}); err == nil {
		t.Fatal("expected error for unencodable payload")
	}
}

func TestMemoryEmitter(t *testing.T) {
	m := NewMemory()
	_ = m.Emit(context.Background(),
		Event{EventType: EventSlotBooked, AggregateID: "a"},
		Event{EventType: EventRefundRequested, AggregateID: "b"},
	)
	if len(m.Events()) != 2 {
		t.Fatalf("expected 2 events, got %d", len(m.Events()))
	}
	if got := m.OfType(EventRefundRequested); len(got) != 1 || got[0].AggregateID != "b" {
		t.Fatalf("unexpected filtered events %+v", got)
	}
}

func TestMemorySubscribeDispatchesAfterEmit(t *testing.T) {
	m := NewMemory()
	var got []string
	m.Subscribe(EventRefundRequested, func(_ context.Context, e Event) {
		// handlers may read back what was just emitted
		got = append(got, e.AggregateID)
		if len(m.OfType(EventRefundRequested)) == 0 {
			t.Error("event not recorded before dispatch")
		}
	})
	_ = m.Emit(context.Background(),
		Event{EventType: EventSlotBooked, AggregateID: "a"},
		Event{EventType: EventRefundRequested, AggregateID: "b"},
		Event{EventType: EventRefundRequested, AggregateID: "c"},
	)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("dispatched %v, want [b c]", got)
	}
}

func TestRecordMessage(t *testing.T) {
	r := Record{ID: 7, EventID: "evt-7", AggregateID: "slot-1", EventType: EventSlotBooked, Payload: []byte(`{}`), CreatedAt: time.Now()}
	msg := recordMessage(context.Background(), r)
	if msg.Topic != EventSlotBooked || string(msg.Key) != "slot-1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if kafkax.HeaderValue(msg.Headers, "event_id") != "evt-7" {
		t.Fatal("missing event_id header")
	}
}
