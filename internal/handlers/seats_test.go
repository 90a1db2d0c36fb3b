package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/leavehub/backend/internal/models"
	"github.com/PortNumber53/leavehub/backend/internal/seats"
)

type stubSeatManager struct {
	lastID       string
	lastQuantity int
	lastOp       string
	result       *seats.Result
	proration    *seats.ProrationResult
	err          error
}

func (s *stubSeatManager) AddSeats(_ context.Context, id string, q int) (*seats.Result, error) {
	s.lastID, s.lastQuantity, s.lastOp = id, q, "add"
	return s.result, s.err
}

func (s *stubSeatManager) RemoveSeats(_ context.Context, id string, q int) (*seats.Result, error) {
	s.lastID, s.lastQuantity, s.lastOp = id, q, "remove"
	return s.result, s.err
}

func (s *stubSeatManager) CalculateProration(_ context.Context, id string, q int) (*seats.ProrationResult, error) {
	s.lastID, s.lastQuantity, s.lastOp = id, q, "proration"
	return s.proration, s.err
}

type stubHistory struct {
	lastLimit int
	changes   []models.SeatChange
	err       error
}

func (s *stubHistory) ListSeatChanges(_ context.Context, _ string, limit int) ([]models.SeatChange, error) {
	s.lastLimit = limit
	return s.changes, s.err
}

func newSeatRouter(manager SeatManager, history SeatHistory) http.Handler {
	r := chi.NewRouter()
	NewSeatHandler(manager, history).RegisterRoutes(r)
	return r
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestAddSeatsHandler(t *testing.T) {
	amount := decimal.NewFromInt(2 * 1200 * 183).Div(decimal.NewFromInt(365))
	manager := &stubSeatManager{result: &seats.Result{
		Success:         true,
		BillingType:     models.BillingTypeQuantityBased,
		ChargedAt:       models.ChargedImmediately,
		CurrentSeats:    8,
		Message:         "Seats updated to 8.",
		ProrationAmount: &amount,
	}}

	rr := serve(t, newSeatRouter(manager, &stubHistory{}), http.MethodPost, "/api/subscriptions/sub-1/seats/add", `{"quantity":8}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	assert.Equal(t, "add", manager.lastOp)
	assert.Equal(t, "sub-1", manager.lastID)
	assert.Equal(t, 8, manager.lastQuantity)

	body := decodeJSON(t, rr)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "quantity_based", body["billing_type"])
	assert.Equal(t, "immediately", body["charged_at"])
	assert.EqualValues(t, 8, body["current_seats"])
	assert.InDelta(t, 1203.29, body["proration_amount"], 0.0001)
}

func TestRemoveSeatsHandlerOmitsProrationForUsage(t *testing.T) {
	manager := &stubSeatManager{result: &seats.Result{
		Success:      true,
		BillingType:  models.BillingTypeUsageBased,
		ChargedAt:    models.ChargedAtEndOfPeriod,
		CurrentSeats: 4,
	}}

	rr := serve(t, newSeatRouter(manager, &stubHistory{}), http.MethodPost, "/api/subscriptions/sub-2/seats/remove", `{"quantity":4}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "remove", manager.lastOp)

	body := decodeJSON(t, rr)
	_, ok := body["proration_amount"]
	assert.False(t, ok)
	assert.Equal(t, "end_of_period", body["charged_at"])
}

func TestSeatChangeValidation(t *testing.T) {
	manager := &stubSeatManager{}
	router := newSeatRouter(manager, &stubHistory{})

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"quantity":`},
		{"missing quantity", `{}`},
		{"zero quantity", `{"quantity":0}`},
		{"negative quantity", `{"quantity":-2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(t, router, http.MethodPost, "/api/subscriptions/sub-1/seats/add", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Empty(t, manager.lastOp)
		})
	}

	rr := serve(t, router, http.MethodPost, "/api/subscriptions/sub-1/seats/add", `{"quantity":0}`)
	body := decodeJSON(t, rr)
	fields := body["fields"].([]any)
	require.Len(t, fields, 1)
	assert.Equal(t, "quantity", fields[0].(map[string]any)["field"])
}

func TestSeatErrorMapping(t *testing.T) {
	tests := []struct {
		kind   seats.Kind
		status int
	}{
		{seats.KindNotFound, http.StatusNotFound},
		{seats.KindNoOp, http.StatusBadRequest},
		{seats.KindConfiguration, http.StatusInternalServerError},
		{seats.KindUnknownBillingType, http.StatusUnprocessableEntity},
		{seats.KindConflict, http.StatusConflict},
		{seats.KindBillingAPI, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			manager := &stubSeatManager{err: &seats.Error{Kind: tt.kind, Message: "boom message"}}

			rr := serve(t, newSeatRouter(manager, &stubHistory{}), http.MethodPost, "/api/subscriptions/sub-1/seats/add", `{"quantity":3}`)
			assert.Equal(t, tt.status, rr.Code)

			body := decodeJSON(t, rr)
			assert.Equal(t, "boom message", body["error"])
			assert.Equal(t, string(tt.kind), body["kind"])
		})
	}
}

func TestSeatUntypedErrorIsInternal(t *testing.T) {
	manager := &stubSeatManager{err: errors.New("seats: save confirmed seat count: db down")}

	rr := serve(t, newSeatRouter(manager, &stubHistory{}), http.MethodPost, "/api/subscriptions/sub-1/seats/add", `{"quantity":3}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "db down")
}

func TestProrationHandler(t *testing.T) {
	manager := &stubSeatManager{proration: &seats.ProrationResult{
		Amount:        decimal.RequireFromString("240.004"),
		SeatsAdded:    1,
		DaysRemaining: 73,
		Message:       "Prorated charge",
	}}

	rr := serve(t, newSeatRouter(manager, &stubHistory{}), http.MethodGet, "/api/subscriptions/sub-1/seats/proration?quantity=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "proration", manager.lastOp)
	assert.Equal(t, 5, manager.lastQuantity)

	body := decodeJSON(t, rr)
	assert.InDelta(t, 240.0, body["amount"], 0.0001)
	assert.EqualValues(t, 1, body["seats_added"])
	assert.EqualValues(t, 73, body["days_remaining"])
}

func TestProrationHandlerRejectsBadQuantity(t *testing.T) {
	manager := &stubSeatManager{}
	router := newSeatRouter(manager, &stubHistory{})

	for _, target := range []string{
		"/api/subscriptions/sub-1/seats/proration",
		"/api/subscriptions/sub-1/seats/proration?quantity=abc",
		"/api/subscriptions/sub-1/seats/proration?quantity=0",
	} {
		rr := serve(t, router, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code, target)
	}
	assert.Empty(t, manager.lastOp)
}

func TestHistoryHandler(t *testing.T) {
	history := &stubHistory{changes: []models.SeatChange{
		{
			ID:              "c-1",
			BillingType:     models.BillingTypeQuantityBased,
			PreviousSeats:   6,
			NewSeats:        8,
			ChargedAt:       models.ChargedImmediately,
			ProrationAmount: decimal.NewNullDecimal(decimal.RequireFromString("1203.2876")),
			CreatedAt:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			ID:            "c-0",
			BillingType:   models.BillingTypeUsageBased,
			PreviousSeats: 5,
			NewSeats:      6,
			ChargedAt:     models.ChargedAtEndOfPeriod,
		},
	}}

	rr := serve(t, newSeatRouter(&stubSeatManager{}, history), http.MethodGet, "/api/subscriptions/sub-1/seats/history?limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, history.lastLimit)

	entries := decodeJSON(t, rr)["seat_changes"].([]any)
	require.Len(t, entries, 2)
	first := entries[0].(map[string]any)
	assert.InDelta(t, 1203.29, first["proration_amount"], 0.0001)
	_, ok := entries[1].(map[string]any)["proration_amount"]
	assert.False(t, ok)
}

func TestHistoryHandlerDefaultsLimit(t *testing.T) {
	history := &stubHistory{}

	rr := serve(t, newSeatRouter(&stubSeatManager{}, history), http.MethodGet, "/api/subscriptions/sub-1/seats/history?limit=nope", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, defaultHistoryPageSize, history.lastLimit)
	assert.JSONEq(t, `{"seat_changes":[]}`, rr.Body.String())
}

func TestHistoryHandlerStoreError(t *testing.T) {
	history := &stubHistory{err: errors.New("boom")}

	rr := serve(t, newSeatRouter(&stubSeatManager{}, history), http.MethodGet, "/api/subscriptions/sub-1/seats/history", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
