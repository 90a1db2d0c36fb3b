package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/leavehub/backend/internal/models"
)

const defaultPageSize = 200

// ErrSubscriptionNotFound is returned when no subscription matches the lookup.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Store provides database-backed accessors for subscriptions and their seat history.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// GetSubscription loads a subscription by its local id.
func (s *Store) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	query := `
SELECT
	id, organization_id, billing_type, current_seats,
	lemonsqueezy_subscription_id, lemonsqueezy_subscription_item_id,
	status, renews_at, created_at, updated_at
FROM subscriptions
WHERE id = $1
	`

	var (
		sub         models.Subscription
		billingType string
		externalID  sql.NullString
		itemID      sql.NullString
		renewsAt    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sub.ID,
		&sub.OrganizationID,
		&billingType,
		&sub.CurrentSeats,
		&externalID,
		&itemID,
		&sub.Status,
		&renewsAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get subscription: %w", err)
	}

	sub.BillingType = models.BillingType(billingType)
	sub.LemonSqueezySubscriptionID = nullStringPtr(externalID)
	sub.LemonSqueezySubscriptionItemID = nullStringPtr(itemID)
	if renewsAt.Valid {
		t := renewsAt.Time
		sub.RenewsAt = &t
	}

	return &sub, nil
}

// UpdateSeats stores the seat count confirmed by the billing provider.
func (s *Store) UpdateSeats(ctx context.Context, id string, seats int) error {
	query := `
UPDATE subscriptions
SET current_seats = $1,
	updated_at = now()
WHERE id = $2
	`

	res, err := s.db.ExecContext(ctx, query, seats, id)
	if err != nil {
		return fmt.Errorf("store: update seats: %w", err)
	}
	return requireAffected(res, "update seats")
}

// RecordSeatChange appends an audit entry. ID and CreatedAt are filled in
// when empty.
func (s *Store) RecordSeatChange(ctx context.Context, change *models.SeatChange) error {
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now().UTC()
	}

	query := `
INSERT INTO seat_changes (
	id, subscription_id, organization_id, billing_type,
	previous_seats, new_seats, charged_at, proration_amount, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.ExecContext(ctx, query,
		change.ID,
		change.SubscriptionID,
		change.OrganizationID,
		string(change.BillingType),
		change.PreviousSeats,
		change.NewSeats,
		string(change.ChargedAt),
		change.ProrationAmount,
		change.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: record seat change: %w", err)
	}

	return nil
}

// ListSeatChanges returns up to `limit` seat changes for a subscription,
// newest first.
func (s *Store) ListSeatChanges(ctx context.Context, subscriptionID string, limit int) ([]models.SeatChange, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	query := `
SELECT
	id, subscription_id, organization_id, billing_type,
	previous_seats, new_seats, charged_at, proration_amount, created_at
FROM seat_changes
WHERE subscription_id = $1
ORDER BY created_at DESC
LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list seat changes: %w", err)
	}
	defer rows.Close()

	changes := make([]models.SeatChange, 0)
	for rows.Next() {
		var (
			c           models.SeatChange
			billingType string
			chargedAt   string
		)
		if err := rows.Scan(
			&c.ID,
			&c.SubscriptionID,
			&c.OrganizationID,
			&billingType,
			&c.PreviousSeats,
			&c.NewSeats,
			&chargedAt,
			&c.ProrationAmount,
			&c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan seat change: %w", err)
		}
		c.BillingType = models.BillingType(billingType)
		c.ChargedAt = models.ChargeTiming(chargedAt)
		changes = append(changes, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate seat changes: %w", err)
	}

	return changes, nil
}

// SyncSubscription mirrors the vendor's status and renewal date onto the
// subscription with the given LemonSqueezy id. Seat counts are left alone.
func (s *Store) SyncSubscription(ctx context.Context, lemonSqueezySubscriptionID, status string, renewsAt *time.Time) error {
	query := `
UPDATE subscriptions
SET status = $1,
	renews_at = $2,
	updated_at = now()
WHERE lemonsqueezy_subscription_id = $3
	`

	var renews sql.NullTime
	if renewsAt != nil {
		renews = sql.NullTime{Time: renewsAt.UTC(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, query, status, renews, lemonSqueezySubscriptionID)
	if err != nil {
		return fmt.Errorf("store: sync subscription: %w", err)
	}
	return requireAffected(res, "sync subscription")
}

func requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}
