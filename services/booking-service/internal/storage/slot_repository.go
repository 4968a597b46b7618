package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/slotchain/slotchain/libs/db"
	"github.com/slotchain/slotchain/services/booking-service/internal/availability"
)

type SlotRepository struct {
	pool *db.Pool
	now  func() time.Time
}

func NewSlotRepository(pool *db.Pool, now func() time.Time) *SlotRepository {
	if now == nil {
		now = time.Now
	}
	return &SlotRepository{pool: pool, now: now}
}

const slotColumns = `id::text, provider_id, slot_date, start_minute, end_minute, starts_at, ends_at, booked, COALESCE(booking_id, '')`

func (r *SlotRepository) UpsertWindow(ctx context.Context, providerID string, from availability.Date, generated []availability.Slot) (UpsertResult, error) {
	var plan WindowPlan
	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		if err := db.AdvisoryXactLock(ctx, tx, "slots:"+providerID); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			SELECT `+slotColumns+`
			FROM slots
			WHERE provider_id = $1 AND slot_date >= $2
			FOR UPDATE
		`, providerID, dateValue(from))
		if err != nil {
			return err
		}
		existing, err := collectSlots(rows)
		if err != nil {
			return err
		}
		plan = PlanWindow(existing, generated)

		batch := &pgx.Batch{}
		for _, s := range plan.Delete {
			batch.Queue(`DELETE FROM slots WHERE id = $1 AND booked = false`, s.ID)
		}
		for _, s := range plan.Update {
			batch.Queue(`
				UPDATE slots
				SET end_minute = $2, starts_at = $3, ends_at = $4, updated_at = now()
				WHERE id = $1 AND booked = false
			`, s.ID, int(s.End), s.StartsAt, s.EndsAt)
		}
		for _, s := range plan.Insert {
			batch.Queue(`
				INSERT INTO slots (id, provider_id, slot_date, start_minute, end_minute, starts_at, ends_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (provider_id, slot_date, start_minute) DO NOTHING
			`, s.ID, providerID, dateValue(s.Date), int(s.Start), int(s.End), s.StartsAt, s.EndsAt)
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return plan.Result(), plan.LockedErr()
}

func (r *SlotRepository) Get(ctx context.Context, slotID string) (availability.Slot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, slotID)
	if err != nil {
		return availability.Slot{}, mapSlotErr(err)
	}
	slots, err := collectSlots(rows)
	if err != nil {
		return availability.Slot{}, err
	}
	if len(slots) == 0 {
		return availability.Slot{}, ErrSlotNotFound
	}
	return slots[0], nil
}

func (r *SlotRepository) ListSlots(ctx context.Context, providerID string, from, to availability.Date) ([]availability.Slot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE provider_id = $1 AND slot_date BETWEEN $2 AND $3
		ORDER BY slot_date, start_minute
	`, providerID, dateValue(from), dateValue(to))
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}

// MarkBooked is a single conditional UPDATE; the row lock makes concurrent
// callers for the same slot serialize and all but one see zero rows.
func (r *SlotRepository) MarkBooked(ctx context.Context, slotID, bookingID string) (availability.Slot, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE slots
		SET booked = true, booking_id = $2, updated_at = now()
		WHERE id = $1 AND booked = false AND ends_at > $3
		RETURNING `+slotColumns, slotID, bookingID, r.now())
	if err != nil {
		return availability.Slot{}, mapSlotErr(err)
	}
	slots, err := collectSlots(rows)
	if err != nil {
		return availability.Slot{}, err
	}
	if len(slots) == 1 {
		return slots[0], nil
	}

	current, err := r.Get(ctx, slotID)
	if err != nil {
		return availability.Slot{}, err
	}
	if current.Booked {
		return availability.Slot{}, &AlreadyBookedError{SlotID: slotID, BookingID: current.BookingID}
	}
	return availability.Slot{}, &SlotExpiredError{SlotID: slotID, EndsAt: current.EndsAt}
}

func (r *SlotRepository) MarkUnbooked(ctx context.Context, slotID, bookingID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE slots
		SET booked = false, booking_id = NULL, updated_at = now()
		WHERE id = $1 AND booking_id = $2
	`, slotID, bookingID)
	if err != nil {
		return mapSlotErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := r.Get(ctx, slotID)
	if err != nil {
		return err
	}
	if current.Booked {
		return &AlreadyBookedError{SlotID: slotID, BookingID: current.BookingID}
	}
	return nil
}

func collectSlots(rows pgx.Rows) ([]availability.Slot, error) {
	defer rows.Close()
	var out []availability.Slot
	for rows.Next() {
		var (
			s          availability.Slot
			date       time.Time
			start, end int
		)
		if err := rows.Scan(&s.ID, &s.ProviderID, &date, &start, &end, &s.StartsAt, &s.EndsAt, &s.Booked, &s.BookingID); err != nil {
			return nil, err
		}
		s.Date = availability.DateOf(date)
		s.Start = availability.TimeOfDay(start)
		s.End = availability.TimeOfDay(end)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, mapSlotErr(err)
	}
	return out, nil
}

// dateValue encodes a calendar date for a DATE column.
func dateValue(d availability.Date) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// mapSlotErr maps malformed ids (22P02) to not found.
func mapSlotErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return ErrSlotNotFound
	}
	return err
}

var _ SlotStore = (*SlotRepository)(nil)
