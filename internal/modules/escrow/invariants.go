package escrow

import (
	"fmt"
	"sort"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/hashicorp/go-multierror"
)

// CheckInvariants verifies the ledger's accounting against one consistent
// snapshot and returns every violation found, or nil:
//
//   - strategy allocations sum to the principal of invested deposits
//   - no strategy holds more than its absolute cap
//   - every invested deposit's allocation sums to its principal, and no other
//     deposit holds an allocation
//   - released deposits carry a split that sums to their frozen accrual
func (l *Ledger) CheckInvariants() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result *multierror.Error

	strategyTotal := fixedpoint.Zero()
	for _, s := range l.registry.List() {
		strategyTotal = fixedpoint.Add(strategyTotal, s.Allocated)
		if s.Allocated.Gt(&s.CapAbsolute) {
			result = multierror.Append(result, fmt.Errorf("strategy %s allocated %s over cap %s",
				s.ID, s.Allocated.Dec(), s.CapAbsolute.Dec()))
		}
	}

	ids := make([]string, 0, len(l.deposits))
	for id := range l.deposits {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	investedTotal := fixedpoint.Zero()
	for _, id := range ids {
		d := l.deposits[id]
		allocated := fixedpoint.Zero()
		for _, amount := range d.Allocation {
			allocated = fixedpoint.Add(allocated, amount)
		}

		if d.Status.Invested() {
			investedTotal = fixedpoint.Add(investedTotal, d.Principal)
			if !allocated.Eq(&d.Principal) {
				result = multierror.Append(result, fmt.Errorf("deposit %s allocation %s does not match principal %s",
					id, allocated.Dec(), d.Principal.Dec()))
			}
		} else if !allocated.IsZero() {
			result = multierror.Append(result, fmt.Errorf("deposit %s is %s but still allocates %s",
				id, d.Status, allocated.Dec()))
		}

		if d.Status.PastRelease() && !d.Emergency {
			if err := checkSplit(d); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	if !strategyTotal.Eq(&investedTotal) {
		result = multierror.Append(result, fmt.Errorf("strategies hold %s but invested deposits total %s",
			strategyTotal.Dec(), investedTotal.Dec()))
	}
	return result.ErrorOrNil()
}

func checkSplit(d domain.Deposit) error {
	if d.Split == nil {
		return fmt.Errorf("deposit %s is %s without a recorded split", d.ID, d.Status)
	}
	paid := fixedpoint.Sum(d.Split.Depositor, d.Split.Merchant, d.Split.Protocol)
	if !paid.Eq(&d.Split.Yield) {
		return fmt.Errorf("deposit %s split sums to %s, yield was %s", d.ID, paid.Dec(), d.Split.Yield.Dec())
	}
	if d.Split.Yield.Gt(&d.Accrual.Accrued) || !d.Accrual.Frozen {
		return fmt.Errorf("deposit %s split yield %s exceeds frozen accrual %s", d.ID, d.Split.Yield.Dec(), d.Accrual.Accrued.Dec())
	}
	return nil
}
