package allocation

import (
	"fmt"
	"sort"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/holiman/uint256"
)

type freed struct {
	depositID string
	amount    uint256.Int
}

// Reassign moves per-deposit allocation records to follow a rebalance plan.
// Outflows are taken from deposits in id order; the freed amounts then fill
// the inflows in the same order. Only the changed deposits are returned, as
// clones, so every record still sums to its principal.
func Reassign(deposits []domain.Deposit, deltas []domain.Delta) ([]domain.Deposit, error) {
	sorted := make([]domain.Deposit, len(deposits))
	copy(sorted, deposits)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	staged := make(map[string]domain.Deposit)
	get := func(d domain.Deposit) domain.Deposit {
		if s, ok := staged[d.ID]; ok {
			return s
		}
		return d.Clone()
	}

	var pool []freed
	outTotal, inTotal := fixedpoint.Zero(), fixedpoint.Zero()

	for _, delta := range deltas {
		if !delta.Outflow {
			inTotal = fixedpoint.Add(inTotal, delta.Amount)
			continue
		}
		outTotal = fixedpoint.Add(outTotal, delta.Amount)

		need := delta.Amount
		for _, d := range sorted {
			if need.IsZero() {
				break
			}
			if !d.Status.Invested() {
				continue
			}
			dep := get(d)
			held := dep.Allocation[delta.StrategyID]
			if held.IsZero() {
				continue
			}
			take := fixedpoint.Min(held, need)
			if rest := fixedpoint.Sub(held, take); rest.IsZero() {
				delete(dep.Allocation, delta.StrategyID)
			} else {
				dep.Allocation[delta.StrategyID] = rest
			}
			staged[dep.ID] = dep
			pool = append(pool, freed{depositID: dep.ID, amount: take})
			need = fixedpoint.Sub(need, take)
		}
		if !need.IsZero() {
			return nil, fmt.Errorf("%w: deposits hold %s less than the outflow from %s",
				domain.ErrPlanConflict, need.Dec(), delta.StrategyID)
		}
	}

	if !outTotal.Eq(&inTotal) {
		return nil, fmt.Errorf("%w: outflows %s do not match inflows %s",
			domain.ErrPlanConflict, outTotal.Dec(), inTotal.Dec())
	}

	for _, delta := range deltas {
		if delta.Outflow {
			continue
		}
		need := delta.Amount
		for !need.IsZero() {
			head := &pool[0]
			take := fixedpoint.Min(head.amount, need)
			dep := staged[head.depositID]
			dep.Allocation[delta.StrategyID] = fixedpoint.Add(dep.Allocation[delta.StrategyID], take)
			head.amount = fixedpoint.Sub(head.amount, take)
			need = fixedpoint.Sub(need, take)
			if head.amount.IsZero() {
				pool = pool[1:]
			}
		}
	}

	out := make([]domain.Deposit, 0, len(staged))
	for _, d := range sorted {
		if dep, ok := staged[d.ID]; ok {
			out = append(out, dep)
		}
	}
	return out, nil
}
