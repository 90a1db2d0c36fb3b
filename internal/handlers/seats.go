package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/PortNumber53/leavehub/backend/internal/models"
	"github.com/PortNumber53/leavehub/backend/internal/seats"
)

const defaultHistoryPageSize = 50

// SeatManager is the seat routing behaviour the handlers depend on.
type SeatManager interface {
	AddSeats(ctx context.Context, subscriptionID string, newQuantity int) (*seats.Result, error)
	RemoveSeats(ctx context.Context, subscriptionID string, newQuantity int) (*seats.Result, error)
	CalculateProration(ctx context.Context, subscriptionID string, newQuantity int) (*seats.ProrationResult, error)
}

// SeatHistory lists recorded seat changes.
type SeatHistory interface {
	ListSeatChanges(ctx context.Context, subscriptionID string, limit int) ([]models.SeatChange, error)
}

// SeatHandler serves the seat management API for one subscription.
type SeatHandler struct {
	Manager   SeatManager
	History   SeatHistory
	validator *requestValidator
}

// NewSeatHandler creates a SeatHandler.
func NewSeatHandler(manager SeatManager, history SeatHistory) *SeatHandler {
	return &SeatHandler{
		Manager:   manager,
		History:   history,
		validator: newRequestValidator(),
	}
}

// RegisterRoutes registers the seat routes.
func (h *SeatHandler) RegisterRoutes(router chi.Router) {
	router.Route("/api/subscriptions/{subscriptionID}/seats", func(r chi.Router) {
		r.Post("/add", h.AddSeats())
		r.Post("/remove", h.RemoveSeats())
		r.Get("/proration", h.Proration())
		r.Get("/history", h.ListHistory())
	})
}

type seatChangeRequest struct {
	Quantity *int `json:"quantity" validate:"required,gte=1"`
}

type seatChangeResponse struct {
	Success         bool     `json:"success"`
	BillingType     string   `json:"billing_type"`
	ChargedAt       string   `json:"charged_at"`
	CurrentSeats    int      `json:"current_seats"`
	Message         string   `json:"message"`
	ProrationAmount *float64 `json:"proration_amount,omitempty"`
}

type prorationResponse struct {
	Amount        float64 `json:"amount"`
	SeatsAdded    int     `json:"seats_added"`
	DaysRemaining int     `json:"days_remaining"`
	Message       string  `json:"message"`
}

type seatChangeEntry struct {
	ID              string    `json:"id"`
	BillingType     string    `json:"billing_type"`
	PreviousSeats   int       `json:"previous_seats"`
	NewSeats        int       `json:"new_seats"`
	ChargedAt       string    `json:"charged_at"`
	ProrationAmount *float64  `json:"proration_amount,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type seatChangeFunc func(ctx context.Context, subscriptionID string, newQuantity int) (*seats.Result, error)

// AddSeats handles POST .../seats/add.
func (h *SeatHandler) AddSeats() http.HandlerFunc {
	return h.changeSeats(h.Manager.AddSeats)
}

// RemoveSeats handles POST .../seats/remove.
func (h *SeatHandler) RemoveSeats() http.HandlerFunc {
	return h.changeSeats(h.Manager.RemoveSeats)
}

func (h *SeatHandler) changeSeats(change seatChangeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subscriptionID := chi.URLParam(r, "subscriptionID")

		var req seatChangeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload", "")
			return
		}
		if errs := h.validator.Validate(req); len(errs) > 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: errs})
			return
		}

		result, err := change(r.Context(), subscriptionID, *req.Quantity)
		if err != nil {
			writeSeatError(w, r, err)
			return
		}

		resp := seatChangeResponse{
			Success:      result.Success,
			BillingType:  string(result.BillingType),
			ChargedAt:    string(result.ChargedAt),
			CurrentSeats: result.CurrentSeats,
			Message:      result.Message,
		}
		if result.ProrationAmount != nil {
			amount := result.ProrationAmount.Round(2).InexactFloat64()
			resp.ProrationAmount = &amount
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// Proration handles GET .../seats/proration?quantity=N.
func (h *SeatHandler) Proration() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subscriptionID := chi.URLParam(r, "subscriptionID")

		raw := r.URL.Query().Get("quantity")
		if raw == "" {
			writeError(w, http.StatusBadRequest, "quantity query parameter is required", "")
			return
		}
		quantity, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "quantity must be an integer", "")
			return
		}
		if errs := h.validator.Validate(seatChangeRequest{Quantity: &quantity}); len(errs) > 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: errs})
			return
		}

		res, err := h.Manager.CalculateProration(r.Context(), subscriptionID, quantity)
		if err != nil {
			writeSeatError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, prorationResponse{
			Amount:        res.Amount.Round(2).InexactFloat64(),
			SeatsAdded:    res.SeatsAdded,
			DaysRemaining: res.DaysRemaining,
			Message:       res.Message,
		})
	}
}

// ListHistory handles GET .../seats/history?limit=N.
func (h *SeatHandler) ListHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subscriptionID := chi.URLParam(r, "subscriptionID")

		limit := defaultHistoryPageSize
		if override := r.URL.Query().Get("limit"); override != "" {
			if parsed, err := strconv.Atoi(override); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		changes, err := h.History.ListSeatChanges(r.Context(), subscriptionID, limit)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("subscription_id", subscriptionID).Msg("list seat changes")
			writeError(w, http.StatusInternalServerError, "failed to load seat history", "")
			return
		}

		entries := make([]seatChangeEntry, 0, len(changes))
		for _, c := range changes {
			entry := seatChangeEntry{
				ID:            c.ID,
				BillingType:   string(c.BillingType),
				PreviousSeats: c.PreviousSeats,
				NewSeats:      c.NewSeats,
				ChargedAt:     string(c.ChargedAt),
				CreatedAt:     c.CreatedAt,
			}
			if c.ProrationAmount.Valid {
				amount := c.ProrationAmount.Decimal.Round(2).InexactFloat64()
				entry.ProrationAmount = &amount
			}
			entries = append(entries, entry)
		}

		writeJSON(w, http.StatusOK, map[string]any{"seat_changes": entries})
	}
}

func seatErrorStatus(kind seats.Kind) int {
	switch kind {
	case seats.KindNotFound:
		return http.StatusNotFound
	case seats.KindNoOp:
		return http.StatusBadRequest
	case seats.KindUnknownBillingType:
		return http.StatusUnprocessableEntity
	case seats.KindConflict:
		return http.StatusConflict
	case seats.KindBillingAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeSeatError(w http.ResponseWriter, r *http.Request, err error) {
	logger := hlog.FromRequest(r)
	subscriptionID := chi.URLParam(r, "subscriptionID")

	var seatErr *seats.Error
	if !errors.As(err, &seatErr) {
		logger.Error().Err(err).Str("subscription_id", subscriptionID).Msg("seat request failed")
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}

	status := seatErrorStatus(seatErr.Kind)
	event := logger.Warn()
	if status >= http.StatusInternalServerError && seatErr.Kind != seats.KindBillingAPI {
		event = logger.Error()
	}
	event.Err(err).
		Str("subscription_id", subscriptionID).
		Str("kind", string(seatErr.Kind)).
		Int("upstream_status", seatErr.Status).
		Msg("seat request rejected")

	writeError(w, status, seatErr.Message, string(seatErr.Kind))
}
