package shift

import (
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// NUMERIC PARSING
// =============================================================================

const (
	// maxNumberLen bounds the raw text of any numeric input.
	maxNumberLen = 32
	// maxExponent bounds the decimal exponent, so "1e-30000000" is refused
	// before anything renders it.
	maxExponent = 24
)

// parseDecimal parses raw as a finite decimal. decimal.NewFromString already
// refuses NaN/Inf spellings, so anything it accepts is finite.
func parseDecimal(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, invalid(field, CodeNotNumeric, "value is required")
	}
	if len(raw) > maxNumberLen {
		return decimal.Zero, invalid(field, CodeNotNumeric, "value is longer than %d characters", maxNumberLen)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, invalid(field, CodeNotNumeric, "%q is not a number", raw)
	}
	if exp := d.Exponent(); exp < -maxExponent || exp > maxExponent {
		return decimal.Zero, invalid(field, CodeOutOfRange, "%q is outside the supported range", raw)
	}
	return d, nil
}

// decimalPlaces counts significant fractional digits, so "10.50" has 1.
func decimalPlaces(d decimal.Decimal) int32 {
	if d.Exponent() >= 0 {
		return 0
	}
	// Strip trailing zeros by round-tripping through the canonical string.
	s := d.String()
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return int32(len(s) - i - 1)
}

// =============================================================================
// METER READING VALIDATOR
// =============================================================================

// maxReadingPlaces is the finest meter resolution accepted.
const maxReadingPlaces = 3

// ReadingValidator checks dispenser meter readings.
type ReadingValidator struct {
	// Ceiling rejects fat-finger entries. Zero means no ceiling.
	Ceiling decimal.Decimal
}

// Validate parses raw and checks it against range and, when previous is
// supplied, monotonicity. It has no side effects.
func (v ReadingValidator) Validate(field, raw string, previous *decimal.Decimal) (decimal.Decimal, error) {
	reading, err := parseDecimal(field, raw)
	if err != nil {
		return decimal.Zero, err
	}
	if reading.IsNegative() {
		return decimal.Zero, invalid(field, CodeNegative, "reading %s is negative", reading)
	}
	if v.Ceiling.IsPositive() && reading.GreaterThan(v.Ceiling) {
		return decimal.Zero, invalid(field, CodeOutOfRange, "reading %s exceeds maximum %s", reading, v.Ceiling)
	}
	if decimalPlaces(reading) > maxReadingPlaces {
		return decimal.Zero, invalid(field, CodeTooManyDecimals, "reading %s has more than %d decimal places", reading, maxReadingPlaces)
	}
	if previous != nil && reading.LessThan(*previous) {
		return decimal.Zero, invalid(field, CodeNotMonotonic, "reading %s is below previous reading %s", reading, *previous)
	}
	return reading, nil
}

// =============================================================================
// CASH VALIDATOR
// =============================================================================

// maxCashPlaces is the currency's minor-unit precision.
const maxCashPlaces = 2

// CashValidator checks money amounts: actual cash, each digital sub-total and
// cash used all go through the same rules.
type CashValidator struct {
	// Ceiling is the largest accepted amount. Zero means no ceiling.
	Ceiling decimal.Decimal
}

func (v CashValidator) Validate(field, raw string, allowZero bool) (decimal.Decimal, error) {
	amount, err := parseDecimal(field, raw)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.IsNegative() {
		return decimal.Zero, invalid(field, CodeNegative, "amount %s is negative", amount)
	}
	if v.Ceiling.IsPositive() && amount.GreaterThan(v.Ceiling) {
		return decimal.Zero, invalid(field, CodeTooHigh, "amount %s exceeds maximum %s", amount, v.Ceiling)
	}
	if !allowZero && amount.IsZero() {
		return decimal.Zero, invalid(field, CodeZeroNotAllowed, "amount must be greater than zero")
	}
	if decimalPlaces(amount) > maxCashPlaces {
		return decimal.Zero, invalid(field, CodeTooManyDecimals, "amount %s has more than %d decimal places", amount, maxCashPlaces)
	}
	return amount, nil
}

// =============================================================================
// PRICE
// =============================================================================

const maxPricePlaces = 4

// ValidatePrice checks a dispenser unit price. Prices may carry more precision
// than cash since they are per-unit.
//
// A zero price is refused with ZeroNotAllowed even though the data model
// admits price >= 0: a zero-priced dispenser makes every shift's expected
// cash zero, so any cash handed in reads as a surplus.
func ValidatePrice(field, raw string) (decimal.Decimal, error) {
	price, err := parseDecimal(field, raw)
	if err != nil {
		return decimal.Zero, err
	}
	if price.IsNegative() {
		return decimal.Zero, invalid(field, CodeNegative, "price %s is negative", price)
	}
	if price.IsZero() {
		return decimal.Zero, invalid(field, CodeZeroNotAllowed, "price must be greater than zero")
	}
	if decimalPlaces(price) > maxPricePlaces {
		return decimal.Zero, invalid(field, CodeTooManyDecimals, "price %s has more than %d decimal places", price, maxPricePlaces)
	}
	return price, nil
}
