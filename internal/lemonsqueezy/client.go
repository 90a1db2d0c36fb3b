package lemonsqueezy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public LemonSqueezy API endpoint.
const DefaultBaseURL = "https://api.lemonsqueezy.com/v1"

const (
	jsonAPIContentType = "application/vnd.api+json"
	defaultRatePerMin  = 300
)

var requestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lemonsqueezy",
		Name:      "requests_total",
		Help:      "LemonSqueezy API requests by operation and response status.",
	},
	[]string{"operation", "status"},
)

// UsageAction controls how a usage record quantity is applied.
type UsageAction string

const (
	// UsageActionSet replaces the period's usage with the given quantity.
	UsageActionSet UsageAction = "set"
)

// Subscription is the subset of a LemonSqueezy subscription the backend reads.
type Subscription struct {
	ID       string
	Status   string
	RenewsAt time.Time
}

// UsageRecord is a usage record created on a subscription item.
type UsageRecord struct {
	ID       string
	Quantity int
	Action   UsageAction
}

// SubscriptionItem is a priced line item within a subscription.
type SubscriptionItem struct {
	ID       string
	Quantity int
}

// APIError is returned for any non-2xx API response.
type APIError struct {
	StatusCode int
	Detail     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lemonsqueezy API error (%d): %s", e.StatusCode, e.Detail)
}

// Client wraps LemonSqueezy API calls using the JSON:API REST interface directly (no SDK dependency)
type Client struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API root.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRateLimit caps outbound requests per minute.
func WithRateLimit(perMinute int) Option {
	return func(c *Client) {
		if perMinute > 0 {
			c.limiter = newLimiter(perMinute)
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new LemonSqueezy API client
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    DefaultBaseURL,
		limiter:    newLimiter(defaultRatePerMin),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newLimiter(perMinute int) *rate.Limiter {
	burst := perMinute / 60
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
}

// JSON:API envelopes

type document struct {
	Data resource `json:"data"`
}

type resource struct {
	Type          string                  `json:"type"`
	ID            string                  `json:"id,omitempty"`
	Attributes    json.RawMessage         `json:"attributes,omitempty"`
	Relationships map[string]relationship `json:"relationships,omitempty"`
}

type relationship struct {
	Data resourceIdentifier `json:"data"`
}

type resourceIdentifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type errorDocument struct {
	Errors []struct {
		Status string `json:"status"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
	Message string `json:"message"`
}

// GetSubscription fetches a subscription by its LemonSqueezy id.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var doc document
	if err := c.do(ctx, "get_subscription", http.MethodGet, "/subscriptions/"+subscriptionID, nil, &doc); err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	var attrs struct {
		Status   string    `json:"status"`
		RenewsAt time.Time `json:"renews_at"`
	}
	if err := json.Unmarshal(doc.Data.Attributes, &attrs); err != nil {
		return nil, fmt.Errorf("get subscription: parse attributes: %w", err)
	}

	return &Subscription{
		ID:       doc.Data.ID,
		Status:   attrs.Status,
		RenewsAt: attrs.RenewsAt,
	}, nil
}

// CreateUsageRecord reports usage for a usage-based subscription item.
func (c *Client) CreateUsageRecord(ctx context.Context, subscriptionItemID string, quantity int, action UsageAction) (*UsageRecord, error) {
	attrs, err := json.Marshal(map[string]any{
		"quantity": quantity,
		"action":   action,
	})
	if err != nil {
		return nil, fmt.Errorf("create usage record: %w", err)
	}

	body := document{Data: resource{
		Type:       "usage-records",
		Attributes: attrs,
		Relationships: map[string]relationship{
			"subscription-item": {Data: resourceIdentifier{Type: "subscription-items", ID: subscriptionItemID}},
		},
	}}

	var doc document
	if err := c.do(ctx, "create_usage_record", http.MethodPost, "/usage-records", body, &doc); err != nil {
		return nil, fmt.Errorf("create usage record: %w", err)
	}

	var out struct {
		Quantity int         `json:"quantity"`
		Action   UsageAction `json:"action"`
	}
	if err := json.Unmarshal(doc.Data.Attributes, &out); err != nil {
		return nil, fmt.Errorf("create usage record: parse attributes: %w", err)
	}

	return &UsageRecord{ID: doc.Data.ID, Quantity: out.Quantity, Action: out.Action}, nil
}

// UpdateSubscriptionItem changes a subscription item's quantity. With
// invoiceImmediately set, LemonSqueezy charges the prorated difference now
// instead of at renewal.
func (c *Client) UpdateSubscriptionItem(ctx context.Context, subscriptionItemID string, quantity int, invoiceImmediately bool) (*SubscriptionItem, error) {
	attrs, err := json.Marshal(map[string]any{
		"quantity":            quantity,
		"invoice_immediately": invoiceImmediately,
	})
	if err != nil {
		return nil, fmt.Errorf("update subscription item: %w", err)
	}

	body := document{Data: resource{
		Type:       "subscription-items",
		ID:         subscriptionItemID,
		Attributes: attrs,
	}}

	var doc document
	if err := c.do(ctx, "update_subscription_item", http.MethodPatch, "/subscription-items/"+subscriptionItemID, body, &doc); err != nil {
		return nil, fmt.Errorf("update subscription item: %w", err)
	}

	var out struct {
		Quantity int `json:"quantity"`
	}
	if err := json.Unmarshal(doc.Data.Attributes, &out); err != nil {
		return nil, fmt.Errorf("update subscription item: parse attributes: %w", err)
	}

	return &SubscriptionItem{ID: doc.Data.ID, Quantity: out.Quantity}, nil
}

// HTTP helpers

func (c *Client) do(ctx context.Context, operation, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var reqBody io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", jsonAPIContentType)
	if in != nil {
		req.Header.Set("Content-Type", jsonAPIContentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(operation, "error").Inc()
		return fmt.Errorf("lemonsqueezy request failed: %w", err)
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("lemonsqueezy request")

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return fmt.Errorf("read lemonsqueezy response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp.StatusCode, buf.Bytes())
	}

	if out == nil || buf.Len() == 0 {
		return nil
	}
	if err := json.Unmarshal(buf.Bytes(), out); err != nil {
		return fmt.Errorf("parse lemonsqueezy response: %w", err)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body), Detail: http.StatusText(status)}

	var doc errorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return apiErr
	}
	switch {
	case len(doc.Errors) > 0 && doc.Errors[0].Detail != "":
		apiErr.Detail = doc.Errors[0].Detail
	case len(doc.Errors) > 0 && doc.Errors[0].Title != "":
		apiErr.Detail = doc.Errors[0].Title
	case doc.Message != "":
		apiErr.Detail = doc.Message
	}
	return apiErr
}

// AsAPIError unwraps err into an *APIError when the failure came from an API response.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
