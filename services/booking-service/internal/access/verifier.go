// Package access decides whether a holder may join the session of a booking
// and issues the short-lived capability that grants it.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slotchain/slotchain/libs/auth"
	"github.com/slotchain/slotchain/services/booking-service/internal/metrics"
	"github.com/slotchain/slotchain/services/booking-service/internal/model"
	"github.com/slotchain/slotchain/services/booking-service/internal/storage"
)

var (
	ErrNotFound        = errors.New("booking not found")
	ErrHolderMismatch  = errors.New("holder does not own this booking")
	ErrExpired         = errors.New("session has ended")
	ErrNotYetOpen      = errors.New("session has not opened yet")
	ErrChallengeFailed = errors.New("challenge failed")
)

// Message is the user-visible text for a denial.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "No booking exists for this link."
	case errors.Is(err, ErrHolderMismatch):
		return "This booking belongs to someone else."
	case errors.Is(err, ErrExpired):
		return "This session has already ended."
	case errors.Is(err, ErrNotYetOpen):
		return "This session has not started yet. Come back a few minutes before the start time."
	case errors.Is(err, ErrChallengeFailed):
		return "The sign-in challenge is invalid or was already used. Request a new one."
	default:
		return "Access could not be verified right now."
	}
}

// Request asks for access on behalf of Holder. Without a BookingID the
// holder's current or next booking is used.
type Request struct {
	Holder    string `json:"holder"`
	BookingID string `json:"booking_id,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
}

type Capability struct {
	Token     string    `json:"token"`
	JoinURL   string    `json:"join_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Config struct {
	Secret      string
	JoinBaseURL string
	Grace       time.Duration
	NonceTTL    time.Duration
}

type Verifier struct {
	bookings storage.BookingStore
	slots    storage.SlotStore
	nonces   NonceStore
	metrics  metrics.Recorder
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewVerifier builds a verifier. With a nil nonce store no challenge is
// required.
func NewVerifier(bookings storage.BookingStore, slots storage.SlotStore, nonces NonceStore, rec metrics.Recorder, logger *slog.Logger, cfg Config) *Verifier {
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = 2 * time.Minute
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		bookings: bookings,
		slots:    slots,
		nonces:   nonces,
		metrics:  rec,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// IssueNonce stores a one-time challenge bound to holder and booking. An
// empty bookingID binds it to requests that also omit the booking.
func (v *Verifier) IssueNonce(ctx context.Context, holder, bookingID string) (string, error) {
	if v.nonces == nil {
		return "", errors.New("challenges are not enabled")
	}
	holder = strings.TrimSpace(holder)
	bookingID = strings.TrimSpace(bookingID)
	if holder == "" {
		return "", fmt.Errorf("holder is required")
	}
	nonce := uuid.NewString()
	if err := v.nonces.Put(ctx, nonce, nonceValue(holder, bookingID), v.cfg.NonceTTL); err != nil {
		return "", fmt.Errorf("store nonce: %w", err)
	}
	return nonce, nil
}

func (v *Verifier) Verify(ctx context.Context, req Request) (Capability, error) {
	capability, err := v.verify(ctx, req)
	result := "granted"
	if err != nil {
		result = decision(err)
		v.logger.Info("access denied", "booking_id", req.BookingID, "holder", req.Holder, "result", result)
	}
	v.metrics.RecordAccessDecision(result)
	return capability, err
}

func (v *Verifier) verify(ctx context.Context, req Request) (Capability, error) {
	holder := strings.TrimSpace(req.Holder)
	bookingID := strings.TrimSpace(req.BookingID)
	if v.nonces != nil {
		value, ok, err := v.nonces.Take(ctx, req.Nonce)
		if err != nil {
			return Capability{}, fmt.Errorf("consume nonce: %w", err)
		}
		if !ok || value != nonceValue(holder, bookingID) {
			return Capability{}, ErrChallengeFailed
		}
	}

	var (
		rec model.BookingRecord
		err error
	)
	if bookingID == "" {
		if holder == "" {
			return Capability{}, ErrNotFound
		}
		// sessions stay joinable for Grace after they end
		rec, err = v.bookings.ActiveBookingFor(ctx, holder, v.now().Add(-v.cfg.Grace))
	} else {
		rec, err = v.bookings.GetBooking(ctx, bookingID)
	}
	if errors.Is(err, storage.ErrBookingNotFound) {
		return Capability{}, ErrNotFound
	}
	if err != nil {
		return Capability{}, err
	}
	if rec.Buyer != holder {
		return Capability{}, ErrHolderMismatch
	}
	slot, err := v.slots.Get(ctx, rec.SlotID)
	if errors.Is(err, storage.ErrSlotNotFound) {
		return Capability{}, ErrNotFound
	}
	if err != nil {
		return Capability{}, err
	}

	now := v.now()
	opens := slot.StartsAt.Add(-v.cfg.Grace)
	closes := slot.EndsAt.Add(v.cfg.Grace)
	if now.Before(opens) {
		return Capability{}, ErrNotYetOpen
	}
	if now.After(closes) {
		return Capability{}, ErrExpired
	}

	token, err := auth.SignHS256(auth.Claims{
		Sub:       holder,
		BookingID: rec.ID,
		SlotID:    slot.ID,
		Exp:       closes.Unix(),
		Iat:       now.Unix(),
	}, v.cfg.Secret)
	if err != nil {
		return Capability{}, err
	}
	return Capability{
		Token:     token,
		JoinURL:   joinURL(v.cfg.JoinBaseURL, rec.ID, token),
		ExpiresAt: closes,
	}, nil
}

func joinURL(base, bookingID, token string) string {
	base = strings.TrimRight(base, "/")
	if base == "" {
		base = "/join"
	}
	return base + "/" + url.PathEscape(bookingID) + "?token=" + url.QueryEscape(token)
}

func nonceValue(holder, bookingID string) string {
	return holder + "|" + bookingID
}

func decision(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrHolderMismatch):
		return "holder_mismatch"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotYetOpen):
		return "not_yet_open"
	case errors.Is(err, ErrChallengeFailed):
		return "challenge_failed"
	default:
		return "error"
	}
}
