package lemonsqueezy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Signature"

// ErrInvalidSignature is returned when a webhook body does not match its signature.
var ErrInvalidSignature = errors.New("lemonsqueezy: invalid webhook signature")

// VerifySignature checks signature against the HMAC-SHA256 of body keyed with secret.
func VerifySignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return errors.New("lemonsqueezy: webhook secret not configured")
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the signature LemonSqueezy would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookEvent is a parsed subscription webhook.
type WebhookEvent struct {
	Name           string
	SubscriptionID string
	Status         string
	RenewsAt       *time.Time
}

// IsSubscriptionEvent reports whether the event concerns a subscription resource.
func (e WebhookEvent) IsSubscriptionEvent() bool {
	return strings.HasPrefix(e.Name, "subscription_") && !strings.HasPrefix(e.Name, "subscription_payment_")
}

// ParseWebhookEvent decodes a webhook body.
func ParseWebhookEvent(body []byte) (WebhookEvent, error) {
	var payload struct {
		Meta struct {
			EventName string `json:"event_name"`
		} `json:"meta"`
		Data struct {
			Type       string `json:"type"`
			ID         string `json:"id"`
			Attributes struct {
				Status   string     `json:"status"`
				RenewsAt *time.Time `json:"renews_at"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookEvent{}, fmt.Errorf("parse webhook event: %w", err)
	}
	if payload.Meta.EventName == "" {
		return WebhookEvent{}, errors.New("parse webhook event: missing meta.event_name")
	}

	return WebhookEvent{
		Name:           payload.Meta.EventName,
		SubscriptionID: payload.Data.ID,
		Status:         payload.Data.Attributes.Status,
		RenewsAt:       payload.Data.Attributes.RenewsAt,
	}, nil
}
