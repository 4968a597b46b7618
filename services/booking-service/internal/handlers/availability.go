package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/slotchain/slotchain/services/booking-service/internal/availability"
	"github.com/slotchain/slotchain/services/booking-service/internal/model"
	"github.com/slotchain/slotchain/services/booking-service/internal/scheduling"
	"github.com/slotchain/slotchain/services/booking-service/internal/storage"
)

type AvailabilityHandler struct {
	svc    *scheduling.Service
	logger *slog.Logger
}

func NewAvailabilityHandler(svc *scheduling.Service, logger *slog.Logger) *AvailabilityHandler {
	return &AvailabilityHandler{svc: svc, logger: logger}
}

type windowRequest struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Infinite bool   `json:"infinite"`
}

type saveAvailabilityRequest struct {
	ProviderID        string                     `json:"provider_id"`
	Timezone          string                     `json:"timezone"`
	Interval          int                        `json:"interval"`
	Weekly            availability.WeeklyPattern `json:"weekly"`
	UnavailableRanges []availability.DateRange   `json:"unavailable_ranges"`
	Range             windowRequest              `json:"range"`
	Price             int64                      `json:"price"`
	Currency          string                     `json:"currency"`
	PayoutAccount     string                     `json:"payout_account"`
}

type saveAvailabilityResponse struct {
	Availability model.ProviderAvailability `json:"availability"`
	Inserted     int                        `json:"inserted"`
	Updated      int                        `json:"updated"`
	Removed      int                        `json:"removed"`
	Unchanged    int                        `json:"unchanged"`
	Skipped      int                        `json:"skipped"`
	Locked       []availability.Slot        `json:"locked"`
	Warnings     []string                   `json:"warnings"`
}

// Handle serves GET (read settings) and POST (save and regenerate).
func (h *AvailabilityHandler) Handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.get(w, r)
	case http.MethodPost:
		h.save(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *AvailabilityHandler) get(w http.ResponseWriter, r *http.Request) {
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	if providerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "provider_id is required")
		return
	}
	pa, err := h.svc.GetAvailability(r.Context(), providerID)
	if errors.Is(err, storage.ErrAvailabilityNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no availability saved for this provider")
		return
	}
	if err != nil {
		h.logger.Error("get availability failed", "provider_id", providerID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not load availability")
		return
	}
	writeJSON(w, http.StatusOK, pa)
}

func (h *AvailabilityHandler) save(w http.ResponseWriter, r *http.Request) {
	var req saveAvailabilityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json body: "+err.Error())
		return
	}

	in := scheduling.SaveInput{
		ProviderID:      req.ProviderID,
		Timezone:        req.Timezone,
		IntervalMinutes: req.Interval,
		Pattern:         req.Weekly,
		OpenEnded:       req.Range.Infinite,
		Price:           model.Money{Amount: req.Price, Currency: strings.ToUpper(strings.TrimSpace(req.Currency))},
		PayoutAccount:   req.PayoutAccount,
	}
	var err error
	if in.Exclusions, err = availability.NewDateRangeSet(req.UnavailableRanges...); err != nil {
		writeValidation(w, err)
		return
	}
	if v := strings.TrimSpace(req.Range.Start); v != "" {
		if in.WindowStart, err = availability.ParseDate(v); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
			return
		}
	}
	if v := strings.TrimSpace(req.Range.End); v != "" && !req.Range.Infinite {
		if in.WindowEnd, err = availability.ParseDate(v); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
			return
		}
	}

	res, err := h.svc.SaveAvailability(r.Context(), in)
	var locked *storage.SlotLockedError
	if err != nil && !errors.As(err, &locked) {
		if writeValidation(w, err) {
			return
		}
		h.logger.Error("save availability failed", "provider_id", req.ProviderID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not save availability")
		return
	}

	resp := saveAvailabilityResponse{
		Availability: res.Availability,
		Inserted:     res.Slots.Inserted,
		Updated:      res.Slots.Updated,
		Removed:      res.Slots.Removed,
		Unchanged:    res.Slots.Unchanged,
		Skipped:      res.Slots.Skipped,
		Locked:       res.Slots.Locked,
		Warnings:     res.Warnings,
	}
	if resp.Locked == nil {
		resp.Locked = []availability.Slot{}
	}
	if locked != nil {
		resp.Warnings = append(resp.Warnings, locked.Error())
	}
	if resp.Warnings == nil {
		resp.Warnings = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeValidation writes a 422 for availability validation errors and
// reports whether it did.
func writeValidation(w http.ResponseWriter, err error) bool {
	var (
		verr     *availability.ValidationError
		rangeErr *availability.InvalidRangeError
		ivErr    *availability.InvalidIntervalError
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "availability is invalid", verr.Problems...)
	case errors.As(err, &rangeErr):
		writeError(w, http.StatusUnprocessableEntity, "invalid_range", rangeErr.Error())
	case errors.As(err, &ivErr):
		writeError(w, http.StatusUnprocessableEntity, "invalid_interval", ivErr.Error())
	default:
		return false
	}
	return true
}
