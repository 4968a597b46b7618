// Package scheduling owns provider availability: it validates and stores
// the weekly pattern, regenerates the provider's slots from it and serves
// the bookable slots to buyers.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slotchain/slotchain/services/booking-service/internal/availability"
	"github.com/slotchain/slotchain/services/booking-service/internal/metrics"
	"github.com/slotchain/slotchain/services/booking-service/internal/model"
	"github.com/slotchain/slotchain/services/booking-service/internal/outbox"
	"github.com/slotchain/slotchain/services/booking-service/internal/storage"
)

type SaveInput struct {
	ProviderID      string
	Timezone        string
	IntervalMinutes int
	Pattern         availability.WeeklyPattern
	Exclusions      availability.DateRangeSet
	WindowStart     availability.Date
	WindowEnd       availability.Date
	OpenEnded       bool
	Price           model.Money
	PayoutAccount   string
}

type SaveResult struct {
	Availability model.ProviderAvailability `json:"availability"`
	Slots        storage.UpsertResult       `json:"slots"`
	Warnings     []string                   `json:"warnings,omitempty"`
}

type Service struct {
	slots     storage.SlotStore
	providers storage.AvailabilityStore
	locker    ProviderLocker
	events    outbox.Emitter
	metrics   metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
	maxDays   int
}

type Options struct {
	Locker  ProviderLocker
	Events  outbox.Emitter
	Metrics metrics.Recorder
	Logger  *slog.Logger
	Now     func() time.Time
	MaxDays int
}

func NewService(slots storage.SlotStore, providers storage.AvailabilityStore, opts Options) *Service {
	if opts.Locker == nil {
		opts.Locker = NewKeyedMutex()
	}
	if opts.Events == nil {
		opts.Events = outbox.NewMemory()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxDays <= 0 {
		opts.MaxDays = availability.DefaultMaxDays
	}
	return &Service{
		slots:     slots,
		providers: providers,
		locker:    opts.Locker,
		events:    opts.Events,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
		maxDays:   opts.MaxDays,
	}
}

// SaveAvailability stores the settings and regenerates the provider's slots
// from today onward. A *storage.SlotLockedError is returned together with the
// result when booked slots no longer match the new pattern.
func (s *Service) SaveAvailability(ctx context.Context, in SaveInput) (SaveResult, error) {
	pa, loc, warnings, err := s.validate(in)
	if err != nil {
		return SaveResult{}, err
	}

	unlock, err := s.locker.Lock(ctx, pa.ProviderID)
	if err != nil {
		return SaveResult{}, fmt.Errorf("lock provider %s: %w", pa.ProviderID, err)
	}
	defer unlock()

	pa.UpdatedAt = s.now()
	if err := s.providers.SaveAvailability(ctx, pa); err != nil {
		return SaveResult{}, fmt.Errorf("save availability: %w", err)
	}

	from := availability.Today(s.now(), loc)
	if from.Before(pa.WindowStart) {
		from = pa.WindowStart
	}
	out := SaveResult{Availability: pa, Warnings: warnings}
	var generated []availability.Slot
	if !from.After(pa.WindowEnd) {
		generated, err = availability.Expand(availability.ExpandInput{
			ProviderID:      pa.ProviderID,
			Pattern:         pa.Pattern,
			Exclusions:      pa.Exclusions,
			WindowStart:     from,
			WindowEnd:       pa.WindowEnd,
			Location:        loc,
			IntervalMinutes: pa.IntervalMinutes,
			MaxDays:         s.maxDays,
		})
		if err != nil {
			return SaveResult{}, err
		}
	}

	res, upsertErr := s.slots.UpsertWindow(ctx, pa.ProviderID, from, generated)
	var locked *storage.SlotLockedError
	if upsertErr != nil && !errors.As(upsertErr, &locked) {
		return SaveResult{}, fmt.Errorf("upsert slots: %w", upsertErr)
	}
	out.Slots = res
	s.metrics.RecordSlotsGenerated(res.Inserted, res.Removed, len(res.Locked))

	evt, err := outbox.NewEvent(outbox.AggregateProvider, pa.ProviderID, outbox.EventWindowRegenerated, windowPayload{
		ProviderID: pa.ProviderID,
		From:       from,
		To:         pa.WindowEnd,
		Inserted:   res.Inserted,
		Updated:    res.Updated,
		Removed:    res.Removed,
		Locked:     len(res.Locked),
	})
	if err == nil {
		err = s.events.Emit(ctx, evt)
	}
	if err != nil {
		s.logger.Warn("window regenerated event not recorded", "provider_id", pa.ProviderID, "err", err)
	}

	s.logger.Info("availability saved",
		"provider_id", pa.ProviderID,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"removed", res.Removed,
		"locked", len(res.Locked),
	)
	if locked != nil {
		return out, locked
	}
	return out, nil
}

func (s *Service) validate(in SaveInput) (model.ProviderAvailability, *time.Location, []string, error) {
	var problems []string
	providerID := strings.TrimSpace(in.ProviderID)
	if providerID == "" {
		problems = append(problems, "provider_id is required")
	}
	tz := strings.TrimSpace(in.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		problems = append(problems, fmt.Sprintf("unknown timezone %q", in.Timezone))
	}
	if in.Price.Amount < 0 {
		problems = append(problems, "price must not be negative")
	}
	if in.Price.Amount > 0 && len(in.Price.Currency) != 3 {
		problems = append(problems, "currency must be a 3-letter code")
	}
	if len(problems) > 0 {
		return model.ProviderAvailability{}, nil, nil, &availability.ValidationError{Problems: problems}
	}
	if in.IntervalMinutes <= 0 {
		return model.ProviderAvailability{}, nil, nil, &availability.InvalidIntervalError{Minutes: in.IntervalMinutes}
	}
	warnings, err := in.Pattern.Validate()
	if err != nil {
		return model.ProviderAvailability{}, nil, nil, err
	}

	start := in.WindowStart
	if start.IsZero() {
		start = availability.Today(s.now(), loc)
	}
	end := in.WindowEnd
	if in.OpenEnded {
		end = availability.OpenEndedWindow(start)
	} else if end.IsZero() {
		return model.ProviderAvailability{}, nil, nil, &availability.ValidationError{Problems: []string{"window end is required unless the window is open-ended"}}
	}
	if start.After(end) {
		return model.ProviderAvailability{}, nil, nil, &availability.InvalidRangeError{Start: start, End: end}
	}

	return model.ProviderAvailability{
		ProviderID:      providerID,
		Timezone:        tz,
		IntervalMinutes: in.IntervalMinutes,
		Pattern:         in.Pattern,
		Exclusions:      in.Exclusions,
		WindowStart:     start,
		WindowEnd:       end,
		OpenEnded:       in.OpenEnded,
		Price:           in.Price,
		PayoutAccount:   strings.TrimSpace(in.PayoutAccount),
	}, loc, warnings, nil
}

func (s *Service) GetAvailability(ctx context.Context, providerID string) (model.ProviderAvailability, error) {
	return s.providers.GetAvailability(ctx, providerID)
}

// Today is the current date in the provider's timezone. Providers without
// saved availability fall back to UTC.
func (s *Service) Today(ctx context.Context, providerID string) (availability.Date, error) {
	pa, err := s.providers.GetAvailability(ctx, providerID)
	if errors.Is(err, storage.ErrAvailabilityNotFound) {
		return availability.Today(s.now(), time.UTC), nil
	}
	if err != nil {
		return availability.Date{}, err
	}
	loc, err := time.LoadLocation(pa.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return availability.Today(s.now(), loc), nil
}

// BookableSlots returns unbooked slots that have not started yet, sorted.
func (s *Service) BookableSlots(ctx context.Context, providerID string, from, to availability.Date) ([]availability.Slot, error) {
	if from.After(to) {
		return nil, &availability.InvalidRangeError{Start: from, End: to}
	}
	all, err := s.slots.ListSlots(ctx, providerID, from, to)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := all[:0]
	for _, slot := range all {
		if slot.Booked || !slot.StartsAt.After(now) {
			continue
		}
		out = append(out, slot)
	}
	return out, nil
}

type DaySlots struct {
	Date  availability.Date   `json:"date"`
	Slots []availability.Slot `json:"slots"`
}

// GroupByDate groups sorted slots by calendar date. Days without slots are
// not listed.
func GroupByDate(slots []availability.Slot) []DaySlots {
	var out []DaySlots
	for _, s := range slots {
		if n := len(out); n > 0 && out[n-1].Date == s.Date {
			out[n-1].Slots = append(out[n-1].Slots, s)
			continue
		}
		out = append(out, DaySlots{Date: s.Date, Slots: []availability.Slot{s}})
	}
	return out
}

type windowPayload struct {
	ProviderID string            `json:"provider_id"`
	From       availability.Date `json:"from"`
	To         availability.Date `json:"to"`
	Inserted   int               `json:"inserted"`
	Updated    int               `json:"updated"`
	Removed    int               `json:"removed"`
	Locked     int               `json:"locked"`
}
