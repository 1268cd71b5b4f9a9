/*
policy.go - Station reconciliation policy and its process-wide cache

PURPOSE:
  The discrepancy tolerance and validator ceilings are configuration, not
  constants. A process default comes from config; a station may override it.

CACHING:
  Policies are read on every open/close but change rarely, so PolicyCache
  keeps resolved policies in memory. It is never on the concurrency-sensitive
  path: a stale read at worst applies the previous tolerance to one close.
  Admin updates go through Machine.SetStationPolicy, which saves and then
  invalidates the station's entry.
*/
package shift

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// Policy is the per-station reconciliation configuration.
type Policy struct {
	Tolerance         decimal.Decimal `json:"tolerance"`
	ReadingCeiling    decimal.Decimal `json:"reading_ceiling"`
	CashCeiling       decimal.Decimal `json:"cash_ceiling"`
	MinUsageReasonLen int             `json:"min_usage_reason_len"`
}

// DefaultPolicy absorbs rounding within one currency unit.
func DefaultPolicy() Policy {
	return Policy{
		Tolerance:         decimal.NewFromInt(1),
		ReadingCeiling:    decimal.NewFromInt(999_999),
		CashCeiling:       decimal.NewFromInt(1_000_000),
		MinUsageReasonLen: 5,
	}
}

// Validate rejects policies that would make the validators meaningless.
func (p Policy) Validate() error {
	if p.Tolerance.IsNegative() {
		return invalid("tolerance", CodeNegative, "tolerance %s is negative", p.Tolerance)
	}
	if !p.ReadingCeiling.IsPositive() {
		return invalid("reading_ceiling", CodeInvalidValue, "reading ceiling must be positive")
	}
	if !p.CashCeiling.IsPositive() {
		return invalid("cash_ceiling", CodeInvalidValue, "cash ceiling must be positive")
	}
	if p.MinUsageReasonLen < 1 {
		return invalid("min_usage_reason_len", CodeInvalidValue, "minimum usage reason length must be at least 1")
	}
	return nil
}

func (p Policy) readings() ReadingValidator { return ReadingValidator{Ceiling: p.ReadingCeiling} }
func (p Policy) cash() CashValidator        { return CashValidator{Ceiling: p.CashCeiling} }

// =============================================================================
// POLICY CACHE
// =============================================================================

type PolicyCache struct {
	store    PolicyStore
	fallback Policy

	mu      sync.RWMutex
	entries map[StationID]Policy
	// gen is bumped by Invalidate; a load only caches if it is unchanged.
	gen map[StationID]uint64
}

func NewPolicyCache(store PolicyStore, fallback Policy) *PolicyCache {
	return &PolicyCache{
		store:    store,
		fallback: fallback,
		entries:  make(map[StationID]Policy),
		gen:      make(map[StationID]uint64),
	}
}

// For returns the station's policy, loading it on first use.
func (c *PolicyCache) For(ctx context.Context, stationID StationID) (Policy, error) {
	c.mu.RLock()
	p, ok := c.entries[stationID]
	gen := c.gen[stationID]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, found, err := c.store.GetStationPolicy(ctx, stationID)
	if err != nil {
		return Policy{}, persistence("load station policy", err)
	}
	if !found {
		p = c.fallback
	}

	c.mu.Lock()
	if c.gen[stationID] == gen {
		c.entries[stationID] = p
	}
	c.mu.Unlock()
	return p, nil
}

// Invalidate drops a station's cached policy. A load already in flight when
// Invalidate runs returns its value but does not cache it.
func (c *PolicyCache) Invalidate(stationID StationID) {
	c.mu.Lock()
	delete(c.entries, stationID)
	c.gen[stationID]++
	c.mu.Unlock()
}

// Default returns the process-wide fallback.
func (c *PolicyCache) Default() Policy {
	return c.fallback
}
