// Package pricing computes seat-proration and subscription-extension costs.
//
// All amounts are int64 minor units (cents). Functions are pure and take the
// clock as an argument so they can be tested without a store or a real clock.
package pricing

import (
	"errors"
	"time"
)

var (
	ErrInvalidDuration = errors.New("pricing: duration must be 1, 3, 6 or 12 months")
	ErrInvalidQuantity = errors.New("pricing: quantity must be positive")
)

// FreshPeriodDays is the period charged when a subscription is expired or
// absent: seat purchases start a new 30-day cycle that the caller must also
// reactivate.
const FreshPeriodDays = 30

// extensionDiscounts maps allowed durations to their discount percentage.
var extensionDiscounts = map[int]int64{
	1:  0,
	3:  10,
	6:  20,
	12: 40,
}

// SeatQuote is the result of a seat proration calculation. The stores
// decide the resulting expiry themselves; the quote only prices the charge.
type SeatQuote struct {
	Cost        int64
	DaysCharged int
	Reactivate  bool // subscription was expired and restarts a fresh period
}

// SeatProrationCost charges for the remaining fraction of the current billing
// period. daysRemaining = ceil(validUntil - now), clamped to zero; an expired
// or missing subscription is charged a fresh 30-day period instead.
//
//	cost = ceil(pricePerSeat / 30 * daysRemaining * quantity)
func SeatProrationCost(pricePerSeat int64, validUntil time.Time, quantity int, now time.Time) (SeatQuote, error) {
	if quantity <= 0 {
		return SeatQuote{}, ErrInvalidQuantity
	}

	days := ceilDays(validUntil.Sub(now))
	if days < 0 {
		days = 0
	}

	q := SeatQuote{DaysCharged: days}
	if days == 0 {
		q.DaysCharged = FreshPeriodDays
		q.Reactivate = true
	}

	q.Cost = ceilDiv(pricePerSeat*int64(q.DaysCharged)*int64(quantity), FreshPeriodDays)
	return q, nil
}

// ExtensionCost computes the price of extending a subscription by the given
// number of months across all current seats, applying the tier discount:
// 1 month 0%, 3 months 10%, 6 months 20%, 12 months 40%.
func ExtensionCost(pricePerSeat int64, totalSeats, months int) (int64, error) {
	discount, ok := extensionDiscounts[months]
	if !ok {
		return 0, ErrInvalidDuration
	}
	if totalSeats <= 0 {
		return 0, ErrInvalidQuantity
	}

	gross := int64(totalSeats) * pricePerSeat * int64(months)
	return ceilDiv(gross*(100-discount), 100), nil
}

// ExtensionExpiry returns the new expiry after extending: the extension is
// appended to whichever is later, the current expiry or now.
func ExtensionExpiry(currentValidUntil, now time.Time, months int) time.Time {
	base := currentValidUntil
	if now.After(base) {
		base = now
	}
	return base.AddDate(0, months, 0)
}

// ValidDuration reports whether months is an allowed extension duration.
func ValidDuration(months int) bool {
	_, ok := extensionDiscounts[months]
	return ok
}

// ExtensionDiscount returns the discount percentage for a duration, zero for
// durations outside the tier table.
func ExtensionDiscount(months int) int64 {
	return extensionDiscounts[months]
}

// ceilDays converts a duration to whole days, rounding any partial day up.
func ceilDays(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	const day = 24 * time.Hour
	days := d / day
	if d%day != 0 {
		days++
	}
	return int(days)
}

// ceilDiv divides non-negative integers, rounding up.
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
