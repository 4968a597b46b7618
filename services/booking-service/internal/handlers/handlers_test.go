package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/slotchain/slotchain/services/booking-service/internal/access"
	"github.com/slotchain/slotchain/services/booking-service/internal/booking"
	"github.com/slotchain/slotchain/services/booking-service/internal/model"
	"github.com/slotchain/slotchain/services/booking-service/internal/scheduling"
	"github.com/slotchain/slotchain/services/booking-service/internal/storage"
	"github.com/slotchain/slotchain/services/booking-service/internal/transfer"
)

type testAPI struct {
	mux   *http.ServeMux
	clock *time.Time
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	clock := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	api := &testAPI{mux: http.NewServeMux(), clock: &clock}
	now := func() time.Time { return *api.clock }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := storage.NewMemory(now, nil)
	ledger := transfer.NewLedger(transfer.LedgerOptions{})
	ledger.Fund("alice", model.Money{Amount: 10000, Currency: "USD"})
	ledger.Fund("bob", model.Money{Amount: 10000, Currency: "USD"})

	svc := scheduling.NewService(store, store, scheduling.Options{Logger: logger, Now: now})
	orch := booking.NewOrchestrator(booking.Deps{
		Slots:     store,
		Bookings:  store,
		Providers: store,
		Transfers: ledger,
		Logger:    logger,
		Now:       now,
	}, booking.Config{ConfirmationTimeout: time.Second})
	verifier := access.NewVerifier(store, store, nil, nil, logger, access.Config{Secret: "s", Grace: 5 * time.Minute}).WithClock(now)

	bh := NewBookingHandler(svc, orch, logger)
	ah := NewAvailabilityHandler(svc, logger)
	xh := NewAccessHandler(verifier, logger)
	api.mux.HandleFunc("/api/v1/public/slots", bh.Slots)
	api.mux.HandleFunc("/api/v1/public/reserve", bh.Reserve)
	api.mux.HandleFunc("/api/v1/availability", ah.Handle)
	api.mux.HandleFunc("/api/v1/access", xh.Verify)
	api.mux.HandleFunc("/api/v1/access/nonce", xh.Nonce)
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	rw := httptest.NewRecorder()
	a.mux.ServeHTTP(rw, httptest.NewRequest(method, path, r))
	if out != nil && rw.Body.Len() > 0 {
		if err := json.Unmarshal(rw.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rw.Body.String())
		}
	}
	return rw.Code
}

var mondayAvailability = map[string]any{
	"provider_id": "prov-1",
	"timezone":    "UTC",
	"interval":    30,
	"weekly": map[string]any{
		"monday": map[string]any{"enabled": true, "slots": []map[string]string{{"start": "09:00", "end": "11:00"}}},
	},
	"unavailable_ranges": []map[string]string{{"start": "2026-03-09", "end": "2026-03-09"}},
	"range":              map[string]any{"start": "2026-03-02", "end": "2026-03-15"},
	"price":              4000,
	"currency":           "usd",
	"payout_account":     "acct_prov",
}

func TestAvailabilityAndSlots(t *testing.T) {
	api := newTestAPI(t)

	var saved saveAvailabilityResponse
	if code := api.do(t, http.MethodPost, "/api/v1/availability", mondayAvailability, &saved); code != http.StatusOK {
		t.Fatalf("save: status %d", code)
	}
	// Monday the 9th is excluded, so only the 2nd has slots.
	if saved.Inserted != 4 || saved.Availability.Price.Currency != "USD" {
		t.Fatalf("unexpected save response %+v", saved)
	}

	var got model.ProviderAvailability
	if code := api.do(t, http.MethodGet, "/api/v1/availability?provider_id=prov-1", nil, &got); code != http.StatusOK || got.IntervalMinutes != 30 {
		t.Fatalf("get: status %d, %+v", code, got)
	}
	if code := api.do(t, http.MethodGet, "/api/v1/availability?provider_id=nobody", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown provider: status %d", code)
	}

	var slots slotsResponse
	if code := api.do(t, http.MethodGet, "/api/v1/public/slots?provider_id=prov-1&from=2026-03-01&to=2026-03-14", nil, &slots); code != http.StatusOK {
		t.Fatalf("slots: status %d", code)
	}
	if len(slots.Days) != 1 || slots.Days[0].Date != "2026-03-02" || len(slots.Days[0].Slots) != 4 {
		t.Fatalf("unexpected slots %+v", slots)
	}
	if s := slots.Days[0].Slots[0]; s.Start != "09:00" || s.End != "09:30" || s.StartsAt != "2026-03-02T09:00:00Z" {
		t.Fatalf("first slot %+v", s)
	}

	if code := api.do(t, http.MethodGet, "/api/v1/public/slots?provider_id=prov-1&from=2026-03-10&to=2026-03-01", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("reversed range: status %d", code)
	}
}

func TestSlotsDefaultToProviderToday(t *testing.T) {
	api := newTestAPI(t)
	body := map[string]any{}
	for k, v := range mondayAvailability {
		body[k] = v
	}
	// the test clock reads Sunday 12:00 UTC, already Monday in Tonga
	body["timezone"] = "Pacific/Tongatapu"
	if code := api.do(t, http.MethodPost, "/api/v1/availability", body, nil); code != http.StatusOK {
		t.Fatalf("save: status %d", code)
	}

	var slots slotsResponse
	if code := api.do(t, http.MethodGet, "/api/v1/public/slots?provider_id=prov-1", nil, &slots); code != http.StatusOK {
		t.Fatalf("slots: status %d", code)
	}
	if slots.From != "2026-03-02" || slots.To != "2026-03-08" {
		t.Fatalf("default range %s..%s, want 2026-03-02..2026-03-08", slots.From, slots.To)
	}
	if len(slots.Days) != 1 || slots.Days[0].Date != "2026-03-02" {
		t.Fatalf("unexpected days %+v", slots.Days)
	}
}

func TestAvailabilityValidation(t *testing.T) {
	api := newTestAPI(t)
	tests := []struct {
		name  string
		patch map[string]any
		code  int
	}{
		{"interval", map[string]any{"interval": 0}, http.StatusUnprocessableEntity},
		{"timezone", map[string]any{"timezone": "Nowhere/City"}, http.StatusUnprocessableEntity},
		{"window", map[string]any{"range": map[string]any{"start": "2026-03-10", "end": "2026-03-01"}}, http.StatusUnprocessableEntity},
		{"exclusion", map[string]any{"unavailable_ranges": []map[string]string{{"start": "2026-03-10", "end": "2026-03-01"}}}, http.StatusUnprocessableEntity},
		{"overlap", map[string]any{"weekly": map[string]any{
			"monday": map[string]any{"enabled": true, "slots": []map[string]string{{"start": "09:00", "end": "11:00"}, {"start": "10:00", "end": "12:00"}}},
		}}, http.StatusUnprocessableEntity},
		{"bad time", map[string]any{"weekly": map[string]any{
			"monday": map[string]any{"enabled": true, "slots": []map[string]string{{"start": "9am", "end": "11:00"}}},
		}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := map[string]any{}
			for k, v := range mondayAvailability {
				body[k] = v
			}
			for k, v := range tt.patch {
				body[k] = v
			}
			var resp errorResponse
			if code := api.do(t, http.MethodPost, "/api/v1/availability", body, &resp); code != tt.code {
				t.Fatalf("status %d, want %d (%+v)", code, tt.code, resp)
			}
		})
	}
}

func TestReserveFlow(t *testing.T) {
	api := newTestAPI(t)
	if code := api.do(t, http.MethodPost, "/api/v1/availability", mondayAvailability, nil); code != http.StatusOK {
		t.Fatalf("save: status %d", code)
	}
	var slots slotsResponse
	api.do(t, http.MethodGet, "/api/v1/public/slots?provider_id=prov-1&from=2026-03-02&to=2026-03-02", nil, &slots)
	first := slots.Days[0].Slots[0].ID

	var ok reserveResponse
	if code := api.do(t, http.MethodPost, "/api/v1/public/reserve", map[string]string{"slot_id": first, "buyer": "alice", "contact": "a@example.com"}, &ok); code != http.StatusCreated {
		t.Fatalf("reserve: status %d", code)
	}
	if ok.Booking == nil || ok.Booking.SlotID != first || ok.Booking.ReceiptID == "" {
		t.Fatalf("unexpected booking %+v", ok)
	}

	var conflict errorResponse
	if code := api.do(t, http.MethodPost, "/api/v1/public/reserve", map[string]string{"slot_id": first, "buyer": "bob"}, &conflict); code != http.StatusConflict || conflict.Error != "slot_already_booked" {
		t.Fatalf("double booking: status %d, %+v", code, conflict)
	}

	var poor reserveFailure
	second := slots.Days[0].Slots[1].ID
	if code := api.do(t, http.MethodPost, "/api/v1/public/reserve", map[string]string{"slot_id": second, "buyer": "carol"}, &poor); code != http.StatusPaymentRequired {
		t.Fatalf("unfunded buyer: status %d", code)
	}
	if poor.Error != string(model.ReasonInsufficientFunds) || poor.Message == "" || poor.AttemptID == "" {
		t.Fatalf("unexpected failure body %+v", poor)
	}

	if code := api.do(t, http.MethodPost, "/api/v1/public/reserve", map[string]string{"slot_id": "nope", "buyer": "bob"}, nil); code != http.StatusNotFound {
		t.Fatalf("unknown slot: status %d", code)
	}
	if code := api.do(t, http.MethodPost, "/api/v1/public/reserve", map[string]string{"slot_id": second}, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("missing buyer: status %d", code)
	}

	var after slotsResponse
	api.do(t, http.MethodGet, "/api/v1/public/slots?provider_id=prov-1&from=2026-03-02&to=2026-03-02", nil, &after)
	if len(after.Days[0].Slots) != 3 {
		t.Fatalf("booked slot still listed: %+v", after.Days[0].Slots)
	}

	// access
	req := map[string]string{"holder": "alice", "booking_id": ok.Booking.ID}
	var denied errorResponse
	if code := api.do(t, http.MethodPost, "/api/v1/access", req, &denied); code != http.StatusTooEarly || denied.Error != "not_yet_open" {
		t.Fatalf("early access: status %d, %+v", code, denied)
	}
	*api.clock = time.Date(2026, time.March, 2, 9, 10, 0, 0, time.UTC)
	var capability access.Capability
	if code := api.do(t, http.MethodPost, "/api/v1/access", req, &capability); code != http.StatusOK || capability.Token == "" || capability.JoinURL == "" {
		t.Fatalf("access: status %d, %+v", code, capability)
	}
	if code := api.do(t, http.MethodPost, "/api/v1/access", map[string]string{"holder": "bob", "booking_id": ok.Booking.ID}, nil); code != http.StatusForbidden {
		t.Fatalf("wrong holder: status %d", code)
	}
	var resolved access.Capability
	if code := api.do(t, http.MethodPost, "/api/v1/access", map[string]string{"holder": "alice"}, &resolved); code != http.StatusOK || !strings.Contains(resolved.JoinURL, ok.Booking.ID) {
		t.Fatalf("access without booking id: status %d, %+v", code, resolved)
	}
	if code := api.do(t, http.MethodPost, "/api/v1/access", map[string]string{"holder": "bob"}, nil); code != http.StatusNotFound {
		t.Fatalf("holder without bookings: status %d", code)
	}
	*api.clock = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	if code := api.do(t, http.MethodPost, "/api/v1/access", req, nil); code != http.StatusGone {
		t.Fatalf("late access: status %d", code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/api/v1/public/reserve", "/api/v1/access", "/api/v1/access/nonce"} {
		if code := api.do(t, http.MethodGet, path, nil, nil); code != http.StatusMethodNotAllowed {
			t.Fatalf("%s: status %d", path, code)
		}
	}
	if code := api.do(t, http.MethodDelete, "/api/v1/availability", nil, nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("availability DELETE: status %d", code)
	}
}
