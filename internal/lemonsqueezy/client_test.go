package lemonsqueezy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-key", WithBaseURL(srv.URL), WithRateLimit(6000))
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

func TestGetSubscription(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/subscriptions/sub-123", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, jsonAPIContentType, r.Header.Get("Accept"))

		w.Header().Set("Content-Type", jsonAPIContentType)
		_, _ = io.WriteString(w, `{"data":{"type":"subscriptions","id":"sub-123","attributes":{"status":"active","renews_at":"2026-04-19T12:00:00.000000Z","ends_at":null}}}`)
	})

	sub, err := client.GetSubscription(context.Background(), "sub-123")
	require.NoError(t, err)
	assert.Equal(t, "sub-123", sub.ID)
	assert.Equal(t, "active", sub.Status)
	assert.True(t, sub.RenewsAt.Equal(time.Date(2026, 4, 19, 12, 0, 0, 0, time.UTC)))
}

func TestCreateUsageRecordSendsSetAction(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/usage-records", r.URL.Path)
		assert.Equal(t, jsonAPIContentType, r.Header.Get("Content-Type"))

		body := decodeBody(t, r)
		data := body["data"].(map[string]any)
		assert.Equal(t, "usage-records", data["type"])
		attrs := data["attributes"].(map[string]any)
		assert.EqualValues(t, 8, attrs["quantity"])
		assert.Equal(t, "set", attrs["action"])
		rel := data["relationships"].(map[string]any)["subscription-item"].(map[string]any)["data"].(map[string]any)
		assert.Equal(t, "subscription-items", rel["type"])
		assert.Equal(t, "item-456", rel["id"])

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"data":{"type":"usage-records","id":"ur-1","attributes":{"quantity":8,"action":"set"}}}`)
	})

	rec, err := client.CreateUsageRecord(context.Background(), "item-456", 8, UsageActionSet)
	require.NoError(t, err)
	assert.Equal(t, "ur-1", rec.ID)
	assert.Equal(t, 8, rec.Quantity)
	assert.Equal(t, UsageActionSet, rec.Action)
}

func TestUpdateSubscriptionItemInvoicesImmediately(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/subscription-items/item-789", r.URL.Path)

		data := decodeBody(t, r)["data"].(map[string]any)
		assert.Equal(t, "subscription-items", data["type"])
		assert.Equal(t, "item-789", data["id"])
		attrs := data["attributes"].(map[string]any)
		assert.EqualValues(t, 12, attrs["quantity"])
		assert.Equal(t, true, attrs["invoice_immediately"])

		_, _ = io.WriteString(w, `{"data":{"type":"subscription-items","id":"item-789","attributes":{"quantity":12}}}`)
	})

	item, err := client.UpdateSubscriptionItem(context.Background(), "item-789", 12, true)
	require.NoError(t, err)
	assert.Equal(t, "item-789", item.ID)
	assert.Equal(t, 12, item.Quantity)
}

func TestAPIErrorCarriesStatusAndDetail(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"errors":[{"status":"422","title":"Unprocessable Entity","detail":"The quantity field must be at least 1."}]}`)
	})

	_, err := client.UpdateSubscriptionItem(context.Background(), "item-1", 0, true)
	require.Error(t, err)

	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "The quantity field must be at least 1.", apiErr.Detail)
	assert.Contains(t, apiErr.Body, "quantity field")
	assert.Contains(t, err.Error(), "lemonsqueezy API error (422)")
}

func TestAPIErrorWithoutJSONBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream unavailable")
	})

	_, err := client.GetSubscription(context.Background(), "sub-1")
	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, "Bad Gateway", apiErr.Detail)
	assert.Equal(t, "upstream unavailable", apiErr.Body)
}

func TestTransportErrorIsNotAPIError(t *testing.T) {
	client := NewClient("k", WithBaseURL("http://127.0.0.1:1"), WithHTTPClient(&http.Client{Timeout: time.Second}))

	_, err := client.GetSubscription(context.Background(), "sub-1")
	require.Error(t, err)
	_, ok := AsAPIError(err)
	assert.False(t, ok)
}

func TestCancelledContextStopsBeforeRequest(t *testing.T) {
	called := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.GetSubscription(ctx, "sub-1")
	require.Error(t, err)
	assert.False(t, called)
}
