package outbox

import (
	"context"
	"encoding/json"
)

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	EventSlotBooked        = "booking.slot.booked.v1"
	EventAttemptFailed     = "booking.attempt.failed.v1"
	EventRefundRequested   = "booking.refund.requested.v1"
	EventWindowRegenerated = "availability.window.regenerated.v1"
	EventTransferConfirmed = "transfer.confirmed.v1"

	AggregateSlot           = "slot"
	AggregateBookingAttempt = "booking_attempt"
	AggregateProvider       = "provider"
)

func NewEvent(aggregateType, aggregateID, eventType string, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{AggregateType: aggregateType, AggregateID: aggregateID, EventType: eventType, Payload: b}, nil
}

// Emitter records events outside of a storage transaction.
type Emitter interface {
	Emit(ctx context.Context, events ...Event) error
}
