package seats

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const daysPerYear = 365

// ProrationResult describes the immediate charge for a seat change on a
// quantity-based subscription. Amount is kept at full precision; round it
// when presenting.
type ProrationResult struct {
	Amount        decimal.Decimal
	SeatsAdded    int
	DaysRemaining int
	Message       string
}

// DaysRemaining returns the whole number of days from now until renewsAt,
// rounded to the nearest day. Renewals in the past yield 0.
func DaysRemaining(now, renewsAt time.Time) int {
	if !renewsAt.After(now) {
		return 0
	}
	return int(math.Round(renewsAt.Sub(now).Hours() / 24))
}

// ProratedAmount charges only the added seats for the remaining fraction of
// the contract year: seatsAdded * annualSeatPrice * daysRemaining / 365.
func ProratedAmount(seatsAdded int, annualSeatPrice decimal.Decimal, daysRemaining int) decimal.Decimal {
	if seatsAdded <= 0 || daysRemaining <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(seatsAdded)).
		Mul(annualSeatPrice).
		Mul(decimal.NewFromInt(int64(daysRemaining))).
		Div(decimal.NewFromInt(daysPerYear))
}
