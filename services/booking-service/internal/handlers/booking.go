package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slotchain/slotchain/services/booking-service/internal/availability"
	"github.com/slotchain/slotchain/services/booking-service/internal/booking"
	"github.com/slotchain/slotchain/services/booking-service/internal/model"
	"github.com/slotchain/slotchain/services/booking-service/internal/scheduling"
	"github.com/slotchain/slotchain/services/booking-service/internal/storage"
)

// BookingHandler serves the public slot listing and reservation endpoints.
type BookingHandler struct {
	scheduling *scheduling.Service
	orch       *booking.Orchestrator
	logger     *slog.Logger
	maxDays    int
}

func NewBookingHandler(svc *scheduling.Service, orch *booking.Orchestrator, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{scheduling: svc, orch: orch, logger: logger, maxDays: 62}
}

type slotItem struct {
	ID       string `json:"id"`
	Start    string `json:"start"`
	End      string `json:"end"`
	StartsAt string `json:"starts_at"`
	EndsAt   string `json:"ends_at"`
}

type dayItem struct {
	Date  string     `json:"date"`
	Slots []slotItem `json:"slots"`
}

type slotsResponse struct {
	ProviderID string    `json:"provider_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Days       []dayItem `json:"days"`
}

// Slots lists bookable slots grouped by day. from defaults to today in the
// provider's timezone and to defaults to from + 6 days.
func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	providerID := strings.TrimSpace(q.Get("provider_id"))
	if providerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "provider_id is required")
		return
	}

	var from availability.Date
	if v := strings.TrimSpace(q.Get("from")); v != "" {
		d, err := availability.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		from = d
	} else {
		today, err := h.scheduling.Today(r.Context(), providerID)
		if err != nil {
			h.logger.Error("load provider timezone failed", "provider_id", providerID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal", "could not list slots")
			return
		}
		from = today
	}
	to := from.AddDays(6)
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		d, err := availability.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		to = d
	}
	if from.DaysUntil(to) >= h.maxDays {
		writeError(w, http.StatusBadRequest, "invalid_request", "date range is too long")
		return
	}

	slots, err := h.scheduling.BookableSlots(r.Context(), providerID, from, to)
	if err != nil {
		var rangeErr *availability.InvalidRangeError
		if errors.As(err, &rangeErr) {
			writeError(w, http.StatusBadRequest, "invalid_range", err.Error())
			return
		}
		h.logger.Error("list slots failed", "provider_id", providerID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not list slots")
		return
	}

	resp := slotsResponse{ProviderID: providerID, From: from.String(), To: to.String(), Days: []dayItem{}}
	for _, day := range scheduling.GroupByDate(slots) {
		item := dayItem{Date: day.Date.String()}
		for _, s := range day.Slots {
			item.Slots = append(item.Slots, slotItem{
				ID:       s.ID,
				Start:    s.Start.String(),
				End:      s.End.String(),
				StartsAt: s.StartsAt.UTC().Format(time.RFC3339),
				EndsAt:   s.EndsAt.UTC().Format(time.RFC3339),
			})
		}
		resp.Days = append(resp.Days, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

type reserveResponse struct {
	Booking   *model.BookingRecord `json:"booking"`
	AttemptID string               `json:"attempt_id"`
}

type reserveFailure struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	AttemptID string `json:"attempt_id,omitempty"`
	ReceiptID string `json:"receipt_id,omitempty"`
}

func (h *BookingHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req booking.Intent
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}

	out, err := h.orch.Reserve(r.Context(), req)
	if err == nil {
		writeJSON(w, http.StatusCreated, reserveResponse{Booking: out.Booking, AttemptID: out.Attempt.ID})
		return
	}

	var (
		verr    *booking.ValidationError
		already *storage.AlreadyBookedError
		expired *storage.SlotExpiredError
		failure *booking.Failure
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", verr.Error())
	case errors.Is(err, storage.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", "This slot does not exist.")
	case errors.As(err, &already):
		writeError(w, http.StatusConflict, "slot_already_booked", "This slot has already been booked.")
	case errors.As(err, &expired):
		writeError(w, http.StatusConflict, "slot_expired", "This slot is no longer available.")
	case errors.Is(err, booking.ErrPriceNotConfigured), errors.Is(err, storage.ErrAvailabilityNotFound):
		writeError(w, http.StatusUnprocessableEntity, "provider_not_bookable", "This provider is not accepting bookings.")
	case errors.As(err, &failure):
		writeJSON(w, failureStatus(failure.Reason), reserveFailure{
			Error:     string(failure.Reason),
			Message:   booking.Message(failure.Reason),
			AttemptID: failure.Attempt.ID,
			ReceiptID: failure.Attempt.ReceiptID,
		})
	default:
		h.logger.Error("reserve failed", "slot_id", req.SlotID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not complete the booking")
	}
}

func failureStatus(reason model.FailureReason) int {
	switch reason {
	case model.ReasonInsufficientFunds:
		return http.StatusPaymentRequired
	case model.ReasonSlotRaceLost:
		return http.StatusConflict
	case model.ReasonConfirmationTimeout, model.ReasonApprovalTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
