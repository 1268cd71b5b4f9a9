package shift_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fuel-shift-engine/shift"
)

func TestEvaluate(t *testing.T) {
	tol := dec("1.0")

	tests := []struct {
		amount   string
		status   shift.Status
		category shift.Category
	}{
		{"0", shift.StatusCompleted, ""},
		{"1.0", shift.StatusCompleted, ""},
		{"-1.0", shift.StatusCompleted, ""},
		{"1.01", shift.StatusFlagged, shift.CategoryExcess},
		{"-1.01", shift.StatusFlagged, shift.CategoryShortage},
		{"-500", shift.StatusFlagged, shift.CategoryShortage},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got := shift.Evaluate(dec(tt.amount), tol)
			assert.Equal(t, tt.status, got.Status)
			if tt.status == shift.StatusCompleted {
				assert.Nil(t, got.Record)
				return
			}
			require.NotNil(t, got.Record)
			assert.Equal(t, tt.category, got.Record.Category)
			assert.True(t, got.Record.Amount.Equal(dec(tt.amount)))
			assert.False(t, got.Record.Resolved)
		})
	}
}

func TestEvaluate_ZeroTolerance(t *testing.T) {
	assert.Equal(t, shift.StatusCompleted, shift.Evaluate(decimal.Zero, decimal.Zero).Status)
	assert.Equal(t, shift.StatusFlagged, shift.Evaluate(dec("0.01"), decimal.Zero).Status)
}

func TestReconcile(t *testing.T) {
	// GIVEN: 150 units at 100, 14000 cash, 450.50 card, 50 used on supplies
	// WHEN: Reconciling
	// THEN: Each step is exact and follows from the previous ones

	r := shift.Reconcile(dec("1000.0"), dec("1150.0"), dec("100"), dec("14000"), dec("50"),
		map[string]decimal.Decimal{"card": dec("450.50"), "wallet": dec("200")})

	assert.Equal(t, "150", r.FuelSold.String())
	assert.Equal(t, "15000", r.ExpectedCash.String())
	assert.Equal(t, "650.5", r.TotalDigital.String())
	assert.Equal(t, "14650.5", r.TotalReceived.String())
	assert.Equal(t, "14950", r.NetExpected.String())
	assert.Equal(t, "-299.5", r.DiscrepancyAmount.String())
}

func TestReconcile_NoFloatDrift(t *testing.T) {
	// 0.1 * 3 is 0.30000000000000004 in float64
	r := shift.Reconcile(dec("0"), dec("0.3"), dec("0.1"), dec("0.03"), decimal.Zero, nil)

	assert.Equal(t, "0.03", r.ExpectedCash.String())
	assert.True(t, r.DiscrepancyAmount.IsZero())
	assert.True(t, r.TotalDigital.IsZero())
}
