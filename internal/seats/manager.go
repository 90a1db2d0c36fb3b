package seats

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/PortNumber53/leavehub/backend/internal/lemonsqueezy"
	"github.com/PortNumber53/leavehub/backend/internal/models"
)

// SubscriptionStore reads subscription records and persists confirmed seat counts.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	UpdateSeats(ctx context.Context, id string, seats int) error
}

// BillingClient is the subset of the LemonSqueezy API the manager calls.
type BillingClient interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*lemonsqueezy.Subscription, error)
	CreateUsageRecord(ctx context.Context, subscriptionItemID string, quantity int, action lemonsqueezy.UsageAction) (*lemonsqueezy.UsageRecord, error)
	UpdateSubscriptionItem(ctx context.Context, subscriptionItemID string, quantity int, invoiceImmediately bool) (*lemonsqueezy.SubscriptionItem, error)
}

// ChangeRecorder stores an audit entry for each confirmed seat change.
type ChangeRecorder interface {
	RecordSeatChange(ctx context.Context, change *models.SeatChange) error
}

// Config holds pricing inputs for proration.
type Config struct {
	AnnualSeatPrice decimal.Decimal
}

// Result is returned by AddSeats and RemoveSeats.
type Result struct {
	Success         bool
	BillingType     models.BillingType
	ChargedAt       models.ChargeTiming
	CurrentSeats    int
	Message         string
	ProrationAmount *decimal.Decimal
}

// Manager routes seat changes to the billing mechanism of each subscription
// and keeps the local seat count in sync with LemonSqueezy.
type Manager struct {
	store    SubscriptionStore
	billing  BillingClient
	cfg      Config
	clock    clockwork.Clock
	locker   Locker
	recorder ChangeRecorder
	logger   zerolog.Logger
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock sets the clock used for proration.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLocker replaces the default in-process locker.
func WithLocker(locker Locker) Option {
	return func(m *Manager) { m.locker = locker }
}

// WithRecorder enables the seat change audit trail.
func WithRecorder(recorder ChangeRecorder) Option {
	return func(m *Manager) { m.recorder = recorder }
}

// WithLogger sets the manager's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a Manager.
func NewManager(store SubscriptionStore, billing BillingClient, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		billing: billing,
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		locker:  NewLocalLocker(),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddSeats sets the subscription's seat count to newQuantity.
func (m *Manager) AddSeats(ctx context.Context, subscriptionID string, newQuantity int) (*Result, error) {
	return m.changeSeats(ctx, subscriptionID, newQuantity)
}

// RemoveSeats sets the subscription's seat count to newQuantity. It is the
// same operation as AddSeats; direction is not enforced.
func (m *Manager) RemoveSeats(ctx context.Context, subscriptionID string, newQuantity int) (*Result, error) {
	return m.changeSeats(ctx, subscriptionID, newQuantity)
}

// CalculateProration previews the immediate charge for moving to newQuantity.
func (m *Manager) CalculateProration(ctx context.Context, subscriptionID string, newQuantity int) (*ProrationResult, error) {
	sub, err := m.load(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return m.prorate(ctx, sub, newQuantity)
}

func (m *Manager) changeSeats(ctx context.Context, subscriptionID string, newQuantity int) (result *Result, err error) {
	logger := m.logger.With().Str("subscription_id", subscriptionID).Int("new_quantity", newQuantity).Logger()
	defer func() {
		if err != nil {
			observeFailure(err)
			logger.Warn().Err(err).Str("kind", string(KindOf(err))).Msg("seat change failed")
		}
	}()

	lease, err := m.locker.TryLock(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return nil, conflictError(err)
		}
		return nil, err
	}
	defer func() {
		if releaseErr := lease.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			logger.Warn().Err(releaseErr).Msg("release seat lock")
		}
	}()

	// Vendor calls must finish while the lease is still ours.
	billingCtx := ctx
	if ttl := lease.TTL(); ttl > 0 {
		var cancel context.CancelFunc
		billingCtx, cancel = context.WithTimeout(ctx, ttl)
		defer cancel()
	}

	sub, err := m.load(billingCtx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.SubscriptionItemID() == "" {
		logger.Error().Str("organization_id", sub.OrganizationID).Msg("subscription has no lemonsqueezy subscription item id")
		return nil, configurationError("Missing subscription_item_id")
	}
	if newQuantity == sub.CurrentSeats {
		return nil, noOpError()
	}
	if !sub.BillingType.Known() {
		logger.Error().Str("billing_type", string(sub.BillingType)).Msg("subscription has an unknown billing type")
		return nil, unknownBillingTypeError(sub.BillingType)
	}

	if sub.BillingType == models.BillingTypeQuantityBased {
		result, err = m.addSeatsQuantityBased(billingCtx, sub, newQuantity)
	} else {
		result, err = m.addSeatsUsageBased(billingCtx, sub, newQuantity)
	}
	if err != nil {
		return nil, err
	}

	// A lapsed lease means another change may have reached LemonSqueezy after
	// ours, so our count must not overwrite the local record.
	if err := lease.Refresh(ctx); err != nil {
		logger.Error().Err(err).
			Int("confirmed_seats", result.CurrentSeats).
			Msg("seat lock lost before the confirmed seat count was saved")
		return nil, lockLostError(err)
	}
	if err := m.persistSeats(ctx, sub, result.CurrentSeats); err != nil {
		return nil, err
	}

	if result.ProrationAmount != nil && result.ProrationAmount.IsPositive() {
		prorationAmount.Observe(result.ProrationAmount.InexactFloat64())
	}
	seatChangesTotal.WithLabelValues(string(result.BillingType), string(result.ChargedAt)).Inc()
	logger.Info().
		Str("billing_type", string(result.BillingType)).
		Str("charged_at", string(result.ChargedAt)).
		Int("previous_seats", sub.CurrentSeats).
		Int("current_seats", result.CurrentSeats).
		Msg("seat change applied")

	m.record(ctx, sub, result)
	return result, nil
}

// addSeatsUsageBased reports the absolute seat count as usage. "set" makes
// repeated calls with the same count idempotent.
func (m *Manager) addSeatsUsageBased(ctx context.Context, sub *models.Subscription, newQuantity int) (*Result, error) {
	record, err := m.billing.CreateUsageRecord(ctx, sub.SubscriptionItemID(), newQuantity, lemonsqueezy.UsageActionSet)
	if err != nil {
		return nil, billingAPIError("Failed to create usage record", err)
	}

	return &Result{
		Success:      true,
		BillingType:  models.BillingTypeUsageBased,
		ChargedAt:    models.ChargedAtEndOfPeriod,
		CurrentSeats: record.Quantity,
		Message:      fmt.Sprintf("Seats updated to %d. Usage will be billed at the end of the billing period.", record.Quantity),
	}, nil
}

// addSeatsQuantityBased changes the line-item quantity and asks LemonSqueezy
// to invoice the difference now.
func (m *Manager) addSeatsQuantityBased(ctx context.Context, sub *models.Subscription, newQuantity int) (*Result, error) {
	proration, err := m.prorate(ctx, sub, newQuantity)
	if err != nil {
		return nil, err
	}

	item, err := m.billing.UpdateSubscriptionItem(ctx, sub.SubscriptionItemID(), newQuantity, true)
	if err != nil {
		return nil, billingAPIError("Failed to update subscription quantity", err)
	}

	amount := proration.Amount

	message := fmt.Sprintf("Seats updated to %d. Credit will be applied at next renewal.", item.Quantity)
	if proration.SeatsAdded > 0 {
		message = fmt.Sprintf("Seats updated to %d. Prorated charge of %s for %d added seat(s) invoiced immediately.",
			item.Quantity, amount.StringFixed(2), proration.SeatsAdded)
	}

	return &Result{
		Success:         true,
		BillingType:     models.BillingTypeQuantityBased,
		ChargedAt:       models.ChargedImmediately,
		CurrentSeats:    item.Quantity,
		Message:         message,
		ProrationAmount: &amount,
	}, nil
}

func (m *Manager) prorate(ctx context.Context, sub *models.Subscription, newQuantity int) (*ProrationResult, error) {
	if sub.BillingType != models.BillingTypeQuantityBased {
		return &ProrationResult{
			Amount:  decimal.Zero,
			Message: "Proration not applicable for usage-based billing. Seats are billed at the end of the billing period.",
		}, nil
	}
	if newQuantity <= sub.CurrentSeats {
		return &ProrationResult{
			Amount:     decimal.Zero,
			SeatsAdded: 0,
			Message:    "Credit will be applied at next renewal",
		}, nil
	}

	externalID := sub.ExternalSubscriptionID()
	if externalID == "" {
		m.logger.Error().Str("subscription_id", sub.ID).Msg("subscription has no lemonsqueezy subscription id")
		return nil, configurationError("Missing subscription_id")
	}

	remote, err := m.billing.GetSubscription(ctx, externalID)
	if err != nil {
		return nil, billingAPIError("Failed to fetch subscription from LemonSqueezy", err)
	}
	if remote.RenewsAt.IsZero() {
		m.logger.Warn().Str("subscription_id", sub.ID).Msg("lemonsqueezy subscription has no renewal date")
	}

	days := DaysRemaining(m.clock.Now(), remote.RenewsAt)
	seatsAdded := newQuantity - sub.CurrentSeats
	amount := ProratedAmount(seatsAdded, m.cfg.AnnualSeatPrice, days)

	return &ProrationResult{
		Amount:        amount,
		SeatsAdded:    seatsAdded,
		DaysRemaining: days,
		Message: fmt.Sprintf("Prorated charge of %s for %d seat(s) over %d remaining day(s)",
			amount.StringFixed(2), seatsAdded, days),
	}, nil
}

func (m *Manager) load(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	sub, err := m.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, notFoundError(err)
	}
	if sub == nil {
		return nil, notFoundError(nil)
	}
	return sub, nil
}

func (m *Manager) persistSeats(ctx context.Context, sub *models.Subscription, seats int) error {
	if err := m.store.UpdateSeats(ctx, sub.ID, seats); err != nil {
		m.logger.Error().Err(err).
			Str("subscription_id", sub.ID).
			Int("confirmed_seats", seats).
			Msg("billing provider updated but local seat count was not saved")
		return fmt.Errorf("seats: save confirmed seat count: %w", err)
	}
	return nil
}

func (m *Manager) record(ctx context.Context, sub *models.Subscription, result *Result) {
	if m.recorder == nil {
		return
	}

	change := &models.SeatChange{
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
		BillingType:    result.BillingType,
		PreviousSeats:  sub.CurrentSeats,
		NewSeats:       result.CurrentSeats,
		ChargedAt:      result.ChargedAt,
		CreatedAt:      m.clock.Now().UTC(),
	}
	if result.ProrationAmount != nil {
		change.ProrationAmount = decimal.NewNullDecimal(*result.ProrationAmount)
	}

	if err := m.recorder.RecordSeatChange(ctx, change); err != nil {
		m.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("record seat change")
	}
}
