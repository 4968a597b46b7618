package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/slotchain/slotchain/libs/db"
	"github.com/slotchain/slotchain/services/booking-service/internal/availability"
	"github.com/slotchain/slotchain/services/booking-service/internal/model"
)

type AvailabilityRepository struct {
	pool *db.Pool
}

func NewAvailabilityRepository(pool *db.Pool) *AvailabilityRepository {
	return &AvailabilityRepository{pool: pool}
}

// SaveAvailability replaces the provider's settings; the last write wins.
func (r *AvailabilityRepository) SaveAvailability(ctx context.Context, pa model.ProviderAvailability) error {
	pattern, err := json.Marshal(pa.Pattern)
	if err != nil {
		return err
	}
	exclusions, err := json.Marshal(pa.Exclusions)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO provider_availability
			(provider_id, timezone, interval_minutes, weekly_pattern, exclusions, window_start, window_end, open_ended,
			 price_amount, price_currency, payout_account)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (provider_id)
		DO UPDATE SET timezone = EXCLUDED.timezone,
		              interval_minutes = EXCLUDED.interval_minutes,
		              weekly_pattern = EXCLUDED.weekly_pattern,
		              exclusions = EXCLUDED.exclusions,
		              window_start = EXCLUDED.window_start,
		              window_end = EXCLUDED.window_end,
		              open_ended = EXCLUDED.open_ended,
		              price_amount = EXCLUDED.price_amount,
		              price_currency = EXCLUDED.price_currency,
		              payout_account = EXCLUDED.payout_account,
		              updated_at = now()
	`, pa.ProviderID, pa.Timezone, pa.IntervalMinutes, pattern, exclusions, dateValue(pa.WindowStart), dateValue(pa.WindowEnd),
		pa.OpenEnded, pa.Price.Amount, pa.Price.Currency, pa.PayoutAccount)
	return err
}

func (r *AvailabilityRepository) GetAvailability(ctx context.Context, providerID string) (model.ProviderAvailability, error) {
	var (
		pa                     model.ProviderAvailability
		pattern, exclusions    []byte
		windowStart, windowEnd time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT provider_id, timezone, interval_minutes, weekly_pattern, exclusions, window_start, window_end, open_ended,
			price_amount, price_currency, payout_account, updated_at
		FROM provider_availability
		WHERE provider_id = $1
	`, providerID).Scan(
		&pa.ProviderID,
		&pa.Timezone,
		&pa.IntervalMinutes,
		&pattern,
		&exclusions,
		&windowStart,
		&windowEnd,
		&pa.OpenEnded,
		&pa.Price.Amount,
		&pa.Price.Currency,
		&pa.PayoutAccount,
		&pa.UpdatedAt,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return model.ProviderAvailability{}, ErrAvailabilityNotFound
		}
		return model.ProviderAvailability{}, err
	}
	if err := json.Unmarshal(pattern, &pa.Pattern); err != nil {
		return model.ProviderAvailability{}, err
	}
	if err := json.Unmarshal(exclusions, &pa.Exclusions); err != nil {
		return model.ProviderAvailability{}, err
	}
	pa.WindowStart = availability.DateOf(windowStart)
	pa.WindowEnd = availability.DateOf(windowEnd)
	return pa, nil
}

var _ AvailabilityStore = (*AvailabilityRepository)(nil)
