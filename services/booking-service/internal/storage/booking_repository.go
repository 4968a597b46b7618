package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/slotchain/slotchain/libs/db"
	"github.com/slotchain/slotchain/services/booking-service/internal/model"
	"github.com/slotchain/slotchain/services/booking-service/internal/outbox"
)

type BookingRepository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewBookingRepository(pool *db.Pool, ob *outbox.Repository) *BookingRepository {
	return &BookingRepository{pool: pool, outbox: ob}
}

func (r *BookingRepository) CreateBooking(ctx context.Context, rec model.BookingRecord, events ...outbox.Event) error {
	return r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO bookings (id, slot_id, provider_id, buyer, contact, price_amount, price_currency, receipt_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, rec.ID, rec.SlotID, rec.ProviderID, rec.Buyer, rec.Contact, rec.Price.Amount, rec.Price.Currency, rec.ReceiptID, rec.CreatedAt)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return ErrDuplicateBooking
			}
			return err
		}
		return r.insertEvents(ctx, tx, events)
	})
}

func (r *BookingRepository) GetBooking(ctx context.Context, bookingID string) (model.BookingRecord, error) {
	var rec model.BookingRecord
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, slot_id::text, provider_id, buyer, contact, price_amount, price_currency, receipt_id, created_at
		FROM bookings
		WHERE id::text = $1
	`, bookingID).Scan(
		&rec.ID,
		&rec.SlotID,
		&rec.ProviderID,
		&rec.Buyer,
		&rec.Contact,
		&rec.Price.Amount,
		&rec.Price.Currency,
		&rec.ReceiptID,
		&rec.CreatedAt,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return model.BookingRecord{}, ErrBookingNotFound
		}
		return model.BookingRecord{}, err
	}
	return rec, nil
}

func (r *BookingRepository) ActiveBookingFor(ctx context.Context, buyer string, after time.Time) (model.BookingRecord, error) {
	var rec model.BookingRecord
	err := r.pool.QueryRow(ctx, `
		SELECT b.id::text, b.slot_id::text, b.provider_id, b.buyer, b.contact, b.price_amount, b.price_currency, b.receipt_id, b.created_at
		FROM bookings b
		JOIN slots s ON s.id = b.slot_id
		WHERE b.buyer = $1 AND s.ends_at > $2
		ORDER BY s.starts_at
		LIMIT 1
	`, buyer, after).Scan(
		&rec.ID,
		&rec.SlotID,
		&rec.ProviderID,
		&rec.Buyer,
		&rec.Contact,
		&rec.Price.Amount,
		&rec.Price.Currency,
		&rec.ReceiptID,
		&rec.CreatedAt,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return model.BookingRecord{}, ErrBookingNotFound
		}
		return model.BookingRecord{}, err
	}
	return rec, nil
}

func (r *BookingRepository) CreateAttempt(ctx context.Context, a model.BookingAttempt) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO booking_attempts
			(id, slot_id, provider_id, buyer, contact, price_amount, price_currency, payout_account, reference, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, a.ID, a.SlotID, a.ProviderID, a.Buyer, a.Contact, a.Price.Amount, a.Price.Currency, a.PayoutAccount, a.Reference, string(a.State), a.CreatedAt)
	return err
}

func (r *BookingRepository) UpdateAttempt(ctx context.Context, a model.BookingAttempt, events ...outbox.Event) error {
	return r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE booking_attempts
			SET state = $2,
				failure_reason = $3,
				approval_handle = $4,
				transfer_handle = $5,
				receipt_id = $6,
				booking_id = $7,
				updated_at = now()
			WHERE id = $1
		`, a.ID, string(a.State), string(a.FailureReason), a.ApprovalHandle, a.TransferHandle, a.ReceiptID, a.BookingID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrAttemptNotFound
		}
		return r.insertEvents(ctx, tx, events)
	})
}

const attemptColumns = `id::text, slot_id::text, provider_id, buyer, contact, price_amount, price_currency, payout_account,
	reference, state, failure_reason, approval_handle, transfer_handle, receipt_id, booking_id, created_at, updated_at`

func (r *BookingRepository) GetAttempt(ctx context.Context, attemptID string) (model.BookingAttempt, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+attemptColumns+` FROM booking_attempts WHERE id::text = $1`, attemptID)
	if err != nil {
		return model.BookingAttempt{}, err
	}
	attempts, err := collectAttempts(rows)
	if err != nil {
		return model.BookingAttempt{}, err
	}
	if len(attempts) == 0 {
		return model.BookingAttempt{}, ErrAttemptNotFound
	}
	return attempts[0], nil
}

func (r *BookingRepository) ListAttempts(ctx context.Context, state model.AttemptState, reason model.FailureReason, limit int) ([]model.BookingAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM booking_attempts
		WHERE state = $1 AND ($2 = '' OR failure_reason = $2)
		ORDER BY created_at
		LIMIT $3
	`, string(state), string(reason), limit)
	if err != nil {
		return nil, err
	}
	return collectAttempts(rows)
}

func (r *BookingRepository) FindAttemptByReference(ctx context.Context, reference string) (model.BookingAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM booking_attempts
		WHERE reference = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, reference)
	if err != nil {
		return model.BookingAttempt{}, err
	}
	attempts, err := collectAttempts(rows)
	if err != nil {
		return model.BookingAttempt{}, err
	}
	if len(attempts) == 0 {
		return model.BookingAttempt{}, ErrAttemptNotFound
	}
	return attempts[0], nil
}

// ClaimAttempt is a single conditional UPDATE, so concurrent claimers
// serialize on the row and at most one sees it returned.
func (r *BookingRepository) ClaimAttempt(ctx context.Context, attemptID string, reasons []model.FailureReason, staleBefore time.Time) (model.BookingAttempt, bool, error) {
	rs := make([]string, len(reasons))
	for i, reason := range reasons {
		rs[i] = string(reason)
	}
	rows, err := r.pool.Query(ctx, `
		UPDATE booking_attempts
		SET state = $4, updated_at = now()
		WHERE id::text = $1
		  AND ((state = $5 AND failure_reason = ANY($2)) OR (state = $4 AND updated_at < $3))
		RETURNING `+attemptColumns,
		attemptID, rs, staleBefore, string(model.StateReconciling), string(model.StateFailed))
	if err != nil {
		return model.BookingAttempt{}, false, err
	}
	claimed, err := collectAttempts(rows)
	if err != nil {
		return model.BookingAttempt{}, false, err
	}
	if len(claimed) == 1 {
		return claimed[0], true, nil
	}
	current, err := r.GetAttempt(ctx, attemptID)
	return current, false, err
}

func (r *BookingRepository) insertEvents(ctx context.Context, tx pgx.Tx, events []outbox.Event) error {
	for _, evt := range events {
		if err := r.outbox.Insert(ctx, tx, evt); err != nil {
			return err
		}
	}
	return nil
}

func collectAttempts(rows pgx.Rows) ([]model.BookingAttempt, error) {
	defer rows.Close()
	var out []model.BookingAttempt
	for rows.Next() {
		var (
			a             model.BookingAttempt
			state, reason string
			created, upd  time.Time
		)
		if err := rows.Scan(
			&a.ID,
			&a.SlotID,
			&a.ProviderID,
			&a.Buyer,
			&a.Contact,
			&a.Price.Amount,
			&a.Price.Currency,
			&a.PayoutAccount,
			&a.Reference,
			&state,
			&reason,
			&a.ApprovalHandle,
			&a.TransferHandle,
			&a.ReceiptID,
			&a.BookingID,
			&created,
			&upd,
		); err != nil {
			return nil, err
		}
		a.State = model.AttemptState(state)
		a.FailureReason = model.FailureReason(reason)
		a.CreatedAt, a.UpdatedAt = created, upd
		out = append(out, a)
	}
	return out, rows.Err()
}

var _ BookingStore = (*BookingRepository)(nil)
