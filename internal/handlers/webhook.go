package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/PortNumber53/leavehub/backend/internal/lemonsqueezy"
	"github.com/PortNumber53/leavehub/backend/internal/store"
)

const maxWebhookBody = 1 << 20

// SubscriptionSyncer mirrors vendor subscription state onto local records.
type SubscriptionSyncer interface {
	SyncSubscription(ctx context.Context, lemonSqueezySubscriptionID, status string, renewsAt *time.Time) error
}

// LemonSqueezyWebhook verifies and applies LemonSqueezy subscription events.
// Events that are not about a subscription are acknowledged and ignored.
func LemonSqueezyWebhook(syncer SubscriptionSyncer, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := hlog.FromRequest(r)

		if secret == "" {
			logger.Error().Msg("lemonsqueezy webhook received but no signing secret is configured")
			writeError(w, http.StatusServiceUnavailable, "webhook not configured", "")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read body", "")
			return
		}

		if err := lemonsqueezy.VerifySignature(secret, body, r.Header.Get(lemonsqueezy.SignatureHeader)); err != nil {
			logger.Warn().Err(err).Msg("lemonsqueezy webhook signature rejected")
			writeError(w, http.StatusUnauthorized, "invalid signature", "")
			return
		}

		evt, err := lemonsqueezy.ParseWebhookEvent(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid webhook payload", "")
			return
		}

		if !evt.IsSubscriptionEvent() || evt.SubscriptionID == "" {
			logger.Debug().Str("event", evt.Name).Msg("lemonsqueezy webhook ignored")
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": true})
			return
		}

		err = syncer.SyncSubscription(r.Context(), evt.SubscriptionID, evt.Status, evt.RenewsAt)
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			logger.Warn().Str("event", evt.Name).Str("lemonsqueezy_subscription_id", evt.SubscriptionID).
				Msg("lemonsqueezy webhook for unknown subscription")
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": true})
			return
		}
		if err != nil {
			logger.Error().Err(err).Str("event", evt.Name).Msg("sync subscription from webhook")
			writeError(w, http.StatusInternalServerError, "failed to sync subscription", "")
			return
		}

		logger.Info().
			Str("event", evt.Name).
			Str("lemonsqueezy_subscription_id", evt.SubscriptionID).
			Str("status", evt.Status).
			Msg("subscription synced from webhook")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}
