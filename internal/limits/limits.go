// Package limits enforces stake-size bounds on incoming bets.
//
// Bounds are checked before any store access, so a rejected amount never
// causes a round write.
package limits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrBelowMinimum is returned when a stake is under the configured
	// minimum bet.
	ErrBelowMinimum = errors.New("limits: bet below minimum")

	// ErrAboveMaximum is returned when a stake is over the configured
	// maximum bet.
	ErrAboveMaximum = errors.New("limits: bet above maximum")

	// ErrNotPositive is returned for zero or negative stakes.
	ErrNotPositive = errors.New("limits: bet must be positive")
)

// BetLimits holds the inclusive [Min, Max] stake bounds for a single bet.
type BetLimits struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// New creates bet limits with the given inclusive bounds.
func New(min, max decimal.Decimal) *BetLimits {
	return &BetLimits{Min: min, Max: max}
}

// Check validates a stake against the bounds. Error messages carry the
// configured bound so callers can surface it directly to the bettor.
func (l *BetLimits) Check(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrNotPositive, amount)
	}
	if amount.LessThan(l.Min) {
		return fmt.Errorf("%w: minimum bet is %s", ErrBelowMinimum, l.Min)
	}
	if amount.GreaterThan(l.Max) {
		return fmt.Errorf("%w: maximum bet is %s", ErrAboveMaximum, l.Max)
	}
	return nil
}
