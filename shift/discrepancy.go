package shift

import "github.com/shopspring/decimal"

// Evaluation is the evaluator's verdict for a closed shift.
type Evaluation struct {
	Status Status
	Record *DiscrepancyRecord // nil when Status is COMPLETED
}

// Evaluate decides whether a discrepancy amount is within tolerance.
//
// |amount| <= tolerance completes the shift with no record. Anything larger
// flags it: positive amounts are an excess, negative a shortage. Tolerance is
// supplied by the caller's station policy. Pure, no I/O.
func Evaluate(amount, tolerance decimal.Decimal) Evaluation {
	if amount.Abs().LessThanOrEqual(tolerance) {
		return Evaluation{Status: StatusCompleted}
	}

	category := CategoryShortage
	if amount.IsPositive() {
		category = CategoryExcess
	}
	return Evaluation{
		Status: StatusFlagged,
		Record: &DiscrepancyRecord{
			Amount:   amount,
			Category: category,
			Resolved: false,
		},
	}
}

// Reconciliation holds the close-time arithmetic, in the order it is computed.
type Reconciliation struct {
	FuelSold          decimal.Decimal
	ExpectedCash      decimal.Decimal
	TotalDigital      decimal.Decimal
	TotalReceived     decimal.Decimal
	NetExpected       decimal.Decimal
	DiscrepancyAmount decimal.Decimal
}

// Reconcile runs the close computation. Each step uses only the inputs and
// earlier steps; decimal arithmetic keeps it exact.
func Reconcile(opening, closing, unitPrice, actualCash, cashUsed decimal.Decimal, digital map[string]decimal.Decimal) Reconciliation {
	var r Reconciliation
	r.FuelSold = closing.Sub(opening)
	r.ExpectedCash = r.FuelSold.Mul(unitPrice)
	r.TotalDigital = decimal.Zero
	for _, v := range digital {
		r.TotalDigital = r.TotalDigital.Add(v)
	}
	r.TotalReceived = actualCash.Add(r.TotalDigital)
	r.NetExpected = r.ExpectedCash.Sub(cashUsed)
	r.DiscrepancyAmount = r.TotalReceived.Sub(r.NetExpected)
	return r
}
