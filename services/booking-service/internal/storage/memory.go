package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/slotchain/slotchain/services/booking-service/internal/availability"
	"github.com/slotchain/slotchain/services/booking-service/internal/model"
	"github.com/slotchain/slotchain/services/booking-service/internal/outbox"
)

// Memory implements every store in process. MarkBooked holds the map read
// lock and the slot's own mutex, so bookings of different slots proceed in
// parallel while UpsertWindow excludes them all.
type Memory struct {
	now    func() time.Time
	events outbox.Emitter

	mu           sync.RWMutex
	slots        map[string]*memSlot
	byProvider   map[string]map[string]struct{}
	bookings     map[string]model.BookingRecord
	slotBookings map[string]string
	attempts     map[string]model.BookingAttempt
	availability map[string]model.ProviderAvailability
}

type memSlot struct {
	mu   sync.Mutex
	slot availability.Slot
}

func NewMemory(now func() time.Time, events outbox.Emitter) *Memory {
	if now == nil {
		now = time.Now
	}
	if events == nil {
		events = outbox.NewMemory()
	}
	return &Memory{
		now:          now,
		events:       events,
		slots:        map[string]*memSlot{},
		byProvider:   map[string]map[string]struct{}{},
		bookings:     map[string]model.BookingRecord{},
		slotBookings: map[string]string{},
		attempts:     map[string]model.BookingAttempt{},
		availability: map[string]model.ProviderAvailability{},
	}
}

func (m *Memory) UpsertWindow(_ context.Context, providerID string, from availability.Date, generated []availability.Slot) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing []availability.Slot
	for id := range m.byProvider[providerID] {
		s := m.slots[id].slot
		if !s.Date.Before(from) {
			existing = append(existing, s)
		}
	}
	plan := PlanWindow(existing, generated)

	ids := m.byProvider[providerID]
	if ids == nil {
		ids = map[string]struct{}{}
		m.byProvider[providerID] = ids
	}
	for _, s := range plan.Delete {
		delete(m.slots, s.ID)
		delete(ids, s.ID)
	}
	for _, s := range plan.Update {
		m.slots[s.ID].slot = s
	}
	for _, s := range plan.Insert {
		s.Booked, s.BookingID = false, ""
		m.slots[s.ID] = &memSlot{slot: s}
		ids[s.ID] = struct{}{}
	}
	return plan.Result(), plan.LockedErr()
}

func (m *Memory) Get(_ context.Context, slotID string) (availability.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.slots[slotID]
	if !ok {
		return availability.Slot{}, ErrSlotNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.slot, nil
}

func (m *Memory) ListSlots(_ context.Context, providerID string, from, to availability.Date) ([]availability.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []availability.Slot
	for id := range m.byProvider[providerID] {
		ms := m.slots[id]
		ms.mu.Lock()
		s := ms.slot
		ms.mu.Unlock()
		if s.Date.Before(from) || s.Date.After(to) {
			continue
		}
		out = append(out, s)
	}
	availability.SortSlots(out)
	return out, nil
}

func (m *Memory) MarkBooked(_ context.Context, slotID, bookingID string) (availability.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.slots[slotID]
	if !ok {
		return availability.Slot{}, ErrSlotNotFound
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.slot.Booked {
		return availability.Slot{}, &AlreadyBookedError{SlotID: slotID, BookingID: ms.slot.BookingID}
	}
	if !ms.slot.EndsAt.After(m.now()) {
		return availability.Slot{}, &SlotExpiredError{SlotID: slotID, EndsAt: ms.slot.EndsAt}
	}
	ms.slot.Booked = true
	ms.slot.BookingID = bookingID
	return ms.slot, nil
}

func (m *Memory) MarkUnbooked(_ context.Context, slotID, bookingID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.slots[slotID]
	if !ok {
		return ErrSlotNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if !ms.slot.Booked {
		return nil
	}
	if ms.slot.BookingID != bookingID {
		return &AlreadyBookedError{SlotID: slotID, BookingID: ms.slot.BookingID}
	}
	ms.slot.Booked = false
	ms.slot.BookingID = ""
	return nil
}

func (m *Memory) CreateBooking(ctx context.Context, rec model.BookingRecord, events ...outbox.Event) error {
	m.mu.Lock()
	if _, ok := m.slotBookings[rec.SlotID]; ok {
		m.mu.Unlock()
		return ErrDuplicateBooking
	}
	m.bookings[rec.ID] = rec
	m.slotBookings[rec.SlotID] = rec.ID
	m.mu.Unlock()
	return m.events.Emit(ctx, events...)
}

func (m *Memory) GetBooking(_ context.Context, bookingID string) (model.BookingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.bookings[bookingID]
	if !ok {
		return model.BookingRecord{}, ErrBookingNotFound
	}
	return rec, nil
}

func (m *Memory) ActiveBookingFor(_ context.Context, buyer string, after time.Time) (model.BookingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		found   model.BookingRecord
		startAt time.Time
		ok      bool
	)
	for _, rec := range m.bookings {
		if rec.Buyer != buyer {
			continue
		}
		ms, exists := m.slots[rec.SlotID]
		if !exists {
			continue
		}
		ms.mu.Lock()
		s := ms.slot
		ms.mu.Unlock()
		if !s.EndsAt.After(after) {
			continue
		}
		if !ok || s.StartsAt.Before(startAt) {
			found, startAt, ok = rec, s.StartsAt, true
		}
	}
	if !ok {
		return model.BookingRecord{}, ErrBookingNotFound
	}
	return found, nil
}

func (m *Memory) CreateAttempt(_ context.Context, a model.BookingAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.ID] = a
	return nil
}

func (m *Memory) UpdateAttempt(ctx context.Context, a model.BookingAttempt, events ...outbox.Event) error {
	m.mu.Lock()
	if _, ok := m.attempts[a.ID]; !ok {
		m.mu.Unlock()
		return ErrAttemptNotFound
	}
	a.UpdatedAt = m.now()
	m.attempts[a.ID] = a
	m.mu.Unlock()
	return m.events.Emit(ctx, events...)
}

func (m *Memory) GetAttempt(_ context.Context, attemptID string) (model.BookingAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[attemptID]
	if !ok {
		return model.BookingAttempt{}, ErrAttemptNotFound
	}
	return a, nil
}

func (m *Memory) ListAttempts(_ context.Context, state model.AttemptState, reason model.FailureReason, limit int) ([]model.BookingAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.BookingAttempt
	for _, a := range m.attempts {
		if a.State != state || (reason != "" && a.FailureReason != reason) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) FindAttemptByReference(_ context.Context, reference string) (model.BookingAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *model.BookingAttempt
	for _, a := range m.attempts {
		if a.Reference != reference {
			continue
		}
		if found == nil || a.CreatedAt.After(found.CreatedAt) {
			a := a
			found = &a
		}
	}
	if found == nil {
		return model.BookingAttempt{}, ErrAttemptNotFound
	}
	return *found, nil
}

func (m *Memory) ClaimAttempt(_ context.Context, attemptID string, reasons []model.FailureReason, staleBefore time.Time) (model.BookingAttempt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok {
		return model.BookingAttempt{}, false, ErrAttemptNotFound
	}
	claimable := a.State == model.StateReconciling && a.UpdatedAt.Before(staleBefore)
	if a.State == model.StateFailed && slices.Contains(reasons, a.FailureReason) {
		claimable = true
	}
	if !claimable {
		return a, false, nil
	}
	a.State = model.StateReconciling
	a.UpdatedAt = m.now()
	m.attempts[a.ID] = a
	return a, true, nil
}

func (m *Memory) SaveAvailability(_ context.Context, pa model.ProviderAvailability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa.UpdatedAt = m.now()
	m.availability[pa.ProviderID] = pa
	return nil
}

func (m *Memory) GetAvailability(_ context.Context, providerID string) (model.ProviderAvailability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pa, ok := m.availability[providerID]
	if !ok {
		return model.ProviderAvailability{}, ErrAvailabilityNotFound
	}
	return pa, nil
}

var (
	_ SlotStore         = (*Memory)(nil)
	_ BookingStore      = (*Memory)(nil)
	_ AvailabilityStore = (*Memory)(nil)
)
