// Package yield tracks per-deposit accrued yield and the vault's weighted APY.
package yield

import (
	"sync"
	"time"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// accrualDenominator is WAD * seconds per year
var accrualDenominator = fixedpoint.MulUint64(fixedpoint.Wad(), fixedpoint.SecondsPerYear)

// Tracker holds the current strategy rates and computes accrual against them.
//
// Accrual is piecewise: every allocation or rate change must be preceded by a
// Checkpoint so the elapsed period is credited at the rates that applied to it.
type Tracker struct {
	mu          sync.RWMutex
	rates       map[string]uint256.Int
	allocations map[string]uint256.Int
	apy         uint256.Int
	log         zerolog.Logger
}

// NewTracker creates a tracker with no known rates
func NewTracker(log zerolog.Logger) *Tracker {
	return &Tracker{
		rates:       make(map[string]uint256.Int),
		allocations: make(map[string]uint256.Int),
		log:         log.With().Str("service", "yield").Logger(),
	}
}

// Sync refreshes rates and strategy allocations and recomputes the APY
func (t *Tracker) Sync(list []domain.Strategy) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rates = make(map[string]uint256.Int, len(list))
	t.allocations = make(map[string]uint256.Int, len(list))
	for _, s := range list {
		t.rates[s.ID] = s.RateWad
		t.allocations[s.ID] = s.Allocated
	}
	t.recompute()
}

// SetRate records a pushed rate and recomputes the APY
func (t *Tracker) SetRate(strategyID string, rate uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rates[strategyID] = rate
	t.recompute()

	t.log.Debug().
		Str("strategy_id", strategyID).
		Str("rate_pct", fixedpoint.FormatRatePercent(rate)).
		Str("apy_pct", fixedpoint.FormatRatePercent(t.apy)).
		Msg("Rate updated")
}

// Rate returns the last known rate of a strategy
func (t *Tracker) Rate(strategyID string) uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rates[strategyID]
}

// recompute sets apy to floor(sum(alloc_i * rate_i) / sum(alloc_i))
func (t *Tracker) recompute() {
	weighted := fixedpoint.Zero()
	total := fixedpoint.Zero()
	for id, alloc := range t.allocations {
		if alloc.IsZero() {
			continue
		}
		weighted = fixedpoint.Add(weighted, fixedpoint.Mul(alloc, t.rates[id]))
		total = fixedpoint.Add(total, alloc)
	}
	t.apy = fixedpoint.MulDiv(weighted, fixedpoint.FromUint64(1), total)
}

// CurrentAPY returns the allocation-weighted average rate, WAD scaled
func (t *Tracker) CurrentAPY() uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.apy
}

// Pending returns the yield earned since the deposit's last checkpoint:
// floor(sum(alloc_i * rate_i * elapsed) / (WAD * year)).
func (t *Tracker) Pending(d domain.Deposit, now time.Time) uint256.Int {
	if d.Accrual.Frozen || !d.Status.Invested() || d.Accrual.LastCheckpoint.IsZero() {
		return fixedpoint.Zero()
	}
	elapsed := now.Sub(d.Accrual.LastCheckpoint)
	if elapsed <= 0 {
		return fixedpoint.Zero()
	}
	seconds := uint64(elapsed / time.Second)

	t.mu.RLock()
	defer t.mu.RUnlock()

	numerator := fixedpoint.Zero()
	for id, alloc := range d.Allocation {
		rate := t.rates[id]
		if rate.IsZero() || alloc.IsZero() {
			continue
		}
		numerator = fixedpoint.Add(numerator, fixedpoint.MulUint64(fixedpoint.Mul(alloc, rate), seconds))
	}
	return fixedpoint.MulDiv(numerator, fixedpoint.FromUint64(1), accrualDenominator)
}

// Accrued returns the total yield a deposit would show at now, without
// moving its checkpoint
func (t *Tracker) Accrued(d domain.Deposit, now time.Time) uint256.Int {
	return fixedpoint.Add(d.Accrual.Accrued, t.Pending(d, now))
}

// Checkpoint credits the pending yield and moves the checkpoint to now.
// Frozen accruals are returned unchanged.
func (t *Tracker) Checkpoint(d domain.Deposit, now time.Time) domain.Accrual {
	a := d.Accrual
	if a.Frozen {
		return a
	}
	a.Accrued = t.Accrued(d, now)
	if now.After(a.LastCheckpoint) {
		// advance by whole seconds; the sub-second remainder carries over
		elapsed := now.Sub(a.LastCheckpoint).Truncate(time.Second)
		if a.LastCheckpoint.IsZero() {
			a.LastCheckpoint = now
		} else {
			a.LastCheckpoint = a.LastCheckpoint.Add(elapsed)
		}
	}
	return a
}

// Start begins accrual for a freshly invested deposit
func (t *Tracker) Start(now time.Time) domain.Accrual {
	return domain.Accrual{LastCheckpoint: now}
}

// Freeze takes a final checkpoint and stops further accrual. Later rate
// changes no longer affect the deposit.
func (t *Tracker) Freeze(d domain.Deposit, now time.Time) domain.Accrual {
	a := t.Checkpoint(d, now)
	a.Frozen = true
	return a
}
