package shift_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fuel-shift-engine/shift"
)

func codeOf(t *testing.T, err error) shift.Code {
	t.Helper()
	var ve *shift.ValidationError
	require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
	return ve.Code
}

// =============================================================================
// READING VALIDATOR
// =============================================================================

func TestReadingValidator(t *testing.T) {
	v := shift.ReadingValidator{Ceiling: dec("999999")}
	prev := dec("1000")

	tests := []struct {
		name     string
		raw      string
		previous bool
		code     shift.Code
	}{
		{"empty", "", false, shift.CodeNotNumeric},
		{"garbage", "12a", false, shift.CodeNotNumeric},
		{"nan", "NaN", false, shift.CodeNotNumeric},
		{"infinity", "Inf", false, shift.CodeNotNumeric},
		{"negative", "-1", false, shift.CodeNegative},
		{"above ceiling", "1000000", false, shift.CodeOutOfRange},
		{"below previous", "999.9", true, shift.CodeNotMonotonic},
		{"four decimals", "1000.1234", false, shift.CodeTooManyDecimals},
		{"tiny exponent", "1e-30000000", false, shift.CodeOutOfRange},
		{"too long", "1000.000000000000000000000000000001", false, shift.CodeNotNumeric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p *decimal.Decimal
			if tt.previous {
				p = &prev
			}
			_, err := v.Validate("reading", tt.raw, p)
			assert.ErrorIs(t, err, shift.ErrValidation)
			assert.Equal(t, tt.code, codeOf(t, err))
		})
	}

	t.Run("equal to previous is allowed", func(t *testing.T) {
		got, err := v.Validate("reading", "1000.0", &prev)
		require.NoError(t, err)
		assert.True(t, got.Equal(prev))
	})

	t.Run("zero without previous is allowed", func(t *testing.T) {
		got, err := v.Validate("reading", "  0 ", nil)
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	})

	t.Run("no ceiling when zero", func(t *testing.T) {
		_, err := shift.ReadingValidator{}.Validate("reading", "123456789", nil)
		assert.NoError(t, err)
	})

	t.Run("exponent is bounded without a ceiling", func(t *testing.T) {
		_, err := shift.ReadingValidator{}.Validate("reading", "1e30000000", nil)
		assert.Equal(t, shift.CodeOutOfRange, codeOf(t, err))

		got, err := shift.ReadingValidator{}.Validate("reading", "1.5e3", nil)
		require.NoError(t, err)
		assert.Equal(t, "1500", got.String())
	})
}

func TestReadingValidator_FieldName(t *testing.T) {
	_, err := shift.ReadingValidator{}.Validate("closing_reading", "abc", nil)
	var ve *shift.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "closing_reading", ve.Field)
}

// =============================================================================
// CASH VALIDATOR
// =============================================================================

func TestCashValidator(t *testing.T) {
	v := shift.CashValidator{Ceiling: dec("1000000")}

	tests := []struct {
		name      string
		raw       string
		allowZero bool
		code      shift.Code
	}{
		{"not numeric", "ten", true, shift.CodeNotNumeric},
		{"negative", "-0.01", true, shift.CodeNegative},
		{"too high", "1000000.01", true, shift.CodeTooHigh},
		{"zero not allowed", "0", false, shift.CodeZeroNotAllowed},
		{"three decimals", "10.005", true, shift.CodeTooManyDecimals},
		{"tiny exponent", "1e-30000000", true, shift.CodeOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate("actual_cash", tt.raw, tt.allowZero)
			assert.Equal(t, tt.code, codeOf(t, err))
		})
	}

	valid := []struct {
		raw       string
		allowZero bool
	}{
		{"0", true},
		{"0.00", true},
		{"10.50", true},
		{"10.500", true}, // trailing zeros are not significant
		{"1000000", false},
	}
	for _, tt := range valid {
		_, err := v.Validate("actual_cash", tt.raw, tt.allowZero)
		assert.NoError(t, err, tt.raw)
	}
}

func TestValidatePrice(t *testing.T) {
	p, err := shift.ValidatePrice("unit_price", "1.2345")
	require.NoError(t, err)
	assert.Equal(t, "1.2345", p.String())

	_, err = shift.ValidatePrice("unit_price", "1.23456")
	assert.Equal(t, shift.CodeTooManyDecimals, codeOf(t, err))

	_, err = shift.ValidatePrice("unit_price", "-1")
	assert.Equal(t, shift.CodeNegative, codeOf(t, err))

	_, err = shift.ValidatePrice("unit_price", "0")
	assert.Equal(t, shift.CodeZeroNotAllowed, codeOf(t, err))
}
