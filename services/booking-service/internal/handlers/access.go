package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/slotchain/slotchain/services/booking-service/internal/access"
)

type AccessHandler struct {
	verifier *access.Verifier
	logger   *slog.Logger
}

func NewAccessHandler(v *access.Verifier, logger *slog.Logger) *AccessHandler {
	return &AccessHandler{verifier: v, logger: logger}
}

type nonceRequest struct {
	Holder    string `json:"holder"`
	BookingID string `json:"booking_id"`
}

func (h *AccessHandler) Nonce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req nonceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	if strings.TrimSpace(req.Holder) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "holder is required")
		return
	}
	nonce, err := h.verifier.IssueNonce(r.Context(), req.Holder, req.BookingID)
	if err != nil {
		h.logger.Error("issue nonce failed", "booking_id", req.BookingID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "could not issue a challenge")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"nonce": nonce})
}

func (h *AccessHandler) Verify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req access.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	capability, err := h.verifier.Verify(r.Context(), req)
	if err == nil {
		writeJSON(w, http.StatusOK, capability)
		return
	}

	status, code := denial(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("access check failed", "booking_id", req.BookingID, "err", err)
	}
	writeError(w, status, code, access.Message(err))
}

func denial(err error) (int, string) {
	switch {
	case errors.Is(err, access.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, access.ErrHolderMismatch):
		return http.StatusForbidden, "holder_mismatch"
	case errors.Is(err, access.ErrExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, access.ErrNotYetOpen):
		return http.StatusTooEarly, "not_yet_open"
	case errors.Is(err, access.ErrChallengeFailed):
		return http.StatusUnauthorized, "challenge_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
