package yield

import (
	"testing"
	"time"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const year = 365 * 24 * time.Hour

func units(v uint64) uint256.Int { return fixedpoint.FromUint64(v) }

func rate(t *testing.T, pct string) uint256.Int {
	t.Helper()
	r, err := fixedpoint.ParseRatePercent(pct)
	require.NoError(t, err)
	return r
}

func activeDeposit(alloc map[string]uint256.Int) domain.Deposit {
	return domain.Deposit{
		ID:         "d1",
		Status:     domain.DepositActive,
		Allocation: alloc,
		Accrual:    domain.Accrual{LastCheckpoint: epoch},
	}
}

func TestAccrued_OneYearAtFivePercent(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	tr.SetRate("s", rate(t, "5"))

	d := activeDeposit(map[string]uint256.Int{"s": units(1000)})
	assert.Equal(t, units(50), tr.Accrued(d, epoch.Add(year)))
}

func TestAccrued_BaseUnits(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	tr.SetRate("s", rate(t, "5"))

	principal := fixedpoint.MustParseUnits("1000", 6)
	d := activeDeposit(map[string]uint256.Int{"s": principal})
	assert.Equal(t, fixedpoint.MustParseUnits("50", 6), tr.Accrued(d, epoch.Add(year)))
	assert.Equal(t, fixedpoint.MustParseUnits("25", 6), tr.Accrued(d, epoch.Add(year/2)))
}

func TestAccrued_FloorsFractions(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	tr.SetRate("s", rate(t, "5"))

	// 1000 * 5% * 1 day = 0.1369... units
	d := activeDeposit(map[string]uint256.Int{"s": units(1000)})
	assert.Equal(t, fixedpoint.Zero(), tr.Accrued(d, epoch.Add(24*time.Hour)))
}

func TestAccrued_MultipleStrategies(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	tr.SetRate("a", rate(t, "4"))
	tr.SetRate("b", rate(t, "10"))

	d := activeDeposit(map[string]uint256.Int{"a": units(500), "b": units(500)})
	assert.Equal(t, units(70), tr.Accrued(d, epoch.Add(year)))
}

func TestCheckpoint_PiecewiseRates(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	tr.SetRate("s", rate(t, "10"))

	d := activeDeposit(map[string]uint256.Int{"s": units(1000)})
	d.Accrual = tr.Checkpoint(d, epoch.Add(year/2))
	assert.Equal(t, units(50), d.Accrual.Accrued)
	assert.Equal(t, epoch.Add(year/2), d.Accrual.LastCheckpoint)

	tr.SetRate("s", rate(t, "2"))
	assert.Equal(t, units(60), tr.Accrued(d, epoch.Add(year)))
}

func TestCheckpoint_KeepsSubSecondRemainder(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	d := activeDeposit(map[string]uint256.Int{"s": units(1)})

	a := tr.Checkpoint(d, epoch.Add(1500*time.Millisecond))
	assert.Equal(t, epoch.Add(time.Second), a.LastCheckpoint)
}

func TestFreeze_IgnoresLaterRates(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	tr.SetRate("s", rate(t, "5"))

	d := activeDeposit(map[string]uint256.Int{"s": units(1000)})
	d.Accrual = tr.Freeze(d, epoch.Add(year))
	assert.True(t, d.Accrual.Frozen)
	assert.Equal(t, units(50), d.Accrual.Accrued)

	tr.SetRate("s", rate(t, "50"))
	assert.Equal(t, units(50), tr.Accrued(d, epoch.Add(2*year)))
	assert.Equal(t, d.Accrual, tr.Checkpoint(d, epoch.Add(2*year)))
}

func TestPending_UninvestedDeposits(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	tr.SetRate("s", rate(t, "5"))

	d := activeDeposit(map[string]uint256.Int{"s": units(1000)})
	d.Status = domain.DepositPending
	assert.Equal(t, fixedpoint.Zero(), tr.Pending(d, epoch.Add(year)))

	d.Status = domain.DepositActive
	assert.Equal(t, fixedpoint.Zero(), tr.Pending(d, epoch.Add(-time.Hour)))
}

func TestCurrentAPY_AllocationWeighted(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	assert.Equal(t, fixedpoint.Zero(), tr.CurrentAPY())

	tr.Sync([]domain.Strategy{
		{ID: "a", Allocated: units(300), RateWad: rate(t, "4")},
		{ID: "b", Allocated: units(100), RateWad: rate(t, "8")},
		{ID: "idle", RateWad: rate(t, "90")},
	})
	assert.Equal(t, rate(t, "5"), tr.CurrentAPY())

	tr.SetRate("b", rate(t, "12"))
	assert.Equal(t, rate(t, "6"), tr.CurrentAPY())
	assert.Equal(t, rate(t, "12"), tr.Rate("b"))
}
