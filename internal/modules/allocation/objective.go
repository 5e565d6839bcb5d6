package allocation

import (
	"fmt"
	"sort"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/internal/modules/strategies"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/holiman/uint256"
)

// Objective computes rebalance targets.
//
// eligible is ordered by allocation preference and already truncated to the
// strategy limit. The returned targets cover eligible strategies only and must
// sum exactly to total; anything not listed is drained to zero.
type Objective interface {
	Name() string
	Targets(eligible []domain.Strategy, total uint256.Int) (map[string]uint256.Int, error)
}

// ObjectiveByName resolves a configured objective
func ObjectiveByName(name string) (Objective, error) {
	switch name {
	case "", EqualizeUtilization{}.Name():
		return EqualizeUtilization{}, nil
	case MaximizeYield{}.Name():
		return MaximizeYield{}, nil
	default:
		return nil, fmt.Errorf("unknown rebalance objective %q", name)
	}
}

// EqualizeUtilization minimizes the highest allocated/cap ratio by giving
// every strategy the same share of its effective cap.
type EqualizeUtilization struct{}

// Name implements Objective
func (EqualizeUtilization) Name() string { return "equalize_utilization" }

// Targets implements Objective
func (EqualizeUtilization) Targets(eligible []domain.Strategy, total uint256.Int) (map[string]uint256.Int, error) {
	caps := make([]uint256.Int, len(eligible))
	capSum := fixedpoint.Zero()
	for i, s := range eligible {
		caps[i] = strategies.EffectiveCap(s, total)
		capSum = fixedpoint.Add(capSum, caps[i])
	}
	if total.Gt(&capSum) {
		return nil, fmt.Errorf("%w: need %s, eligible caps hold %s",
			domain.ErrInsufficientCapacity, total.Dec(), capSum.Dec())
	}

	targets := make(map[string]uint256.Int, len(eligible))
	assigned := fixedpoint.Zero()
	for i, s := range eligible {
		t := fixedpoint.MulDiv(total, caps[i], capSum)
		targets[s.ID] = t
		assigned = fixedpoint.Add(assigned, t)
	}

	// floor leaves fewer units than strategies; hand them out in preference order
	remainder := fixedpoint.Sub(total, assigned)
	one := fixedpoint.FromUint64(1)
	for !remainder.IsZero() {
		progressed := false
		for i, s := range eligible {
			if remainder.IsZero() {
				break
			}
			t := targets[s.ID]
			if !t.Lt(&caps[i]) {
				continue
			}
			targets[s.ID] = fixedpoint.Add(t, one)
			remainder = fixedpoint.Sub(remainder, one)
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("%w: %s units left unplaced", domain.ErrInsufficientCapacity, remainder.Dec())
		}
	}
	return targets, nil
}

// MaximizeYield fills the highest-rate strategies first, up to their caps
type MaximizeYield struct{}

// Name implements Objective
func (MaximizeYield) Name() string { return "maximize_yield" }

// Targets implements Objective
func (MaximizeYield) Targets(eligible []domain.Strategy, total uint256.Int) (map[string]uint256.Int, error) {
	ranked := append([]domain.Strategy(nil), eligible...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if c := ranked[i].RateWad.Cmp(&ranked[j].RateWad); c != 0 {
			return c > 0
		}
		return false
	})

	targets := make(map[string]uint256.Int, len(ranked))
	remaining := total
	for _, s := range ranked {
		take := fixedpoint.Min(strategies.EffectiveCap(s, total), remaining)
		targets[s.ID] = take
		remaining = fixedpoint.Sub(remaining, take)
	}
	if !remaining.IsZero() {
		return nil, fmt.Errorf("%w: %s units left unplaced", domain.ErrInsufficientCapacity, remaining.Dec())
	}
	return targets, nil
}
