package allocation

import (
	"testing"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strategy(id string, capacity uint64, ratePct string) domain.Strategy {
	s := domain.Strategy{ID: id, CapAbsolute: units(capacity)}
	if ratePct != "" {
		rate, err := fixedpoint.ParseRatePercent(ratePct)
		if err != nil {
			panic(err)
		}
		s.RateWad = rate
	}
	return s
}

func sumTargets(targets map[string]uint256.Int) uint256.Int {
	total := fixedpoint.Zero()
	for _, v := range targets {
		total = fixedpoint.Add(total, v)
	}
	return total
}

func TestEqualizeUtilization_RemainderInPreferenceOrder(t *testing.T) {
	eligible := []domain.Strategy{strategy("x", 10, ""), strategy("y", 10, ""), strategy("z", 10, "")}

	targets, err := EqualizeUtilization{}.Targets(eligible, units(11))
	require.NoError(t, err)
	assert.Equal(t, map[string]uint256.Int{"x": units(4), "y": units(4), "z": units(3)}, targets)
	assert.Equal(t, units(11), sumTargets(targets))
}

func TestEqualizeUtilization_FullCapacity(t *testing.T) {
	eligible := []domain.Strategy{strategy("x", 7, ""), strategy("y", 3, "")}

	targets, err := EqualizeUtilization{}.Targets(eligible, units(10))
	require.NoError(t, err)
	assert.Equal(t, map[string]uint256.Int{"x": units(7), "y": units(3)}, targets)

	_, err = EqualizeUtilization{}.Targets(eligible, units(11))
	assert.ErrorIs(t, err, domain.ErrInsufficientCapacity)
}

func TestEqualizeUtilization_Empty(t *testing.T) {
	targets, err := EqualizeUtilization{}.Targets(nil, units(0))
	require.NoError(t, err)
	assert.Empty(t, targets)

	_, err = EqualizeUtilization{}.Targets(nil, units(1))
	assert.ErrorIs(t, err, domain.ErrInsufficientCapacity)
}

func TestMaximizeYield(t *testing.T) {
	eligible := []domain.Strategy{
		strategy("low", 100, "2"),
		strategy("high", 60, "8"),
		strategy("tie", 100, "2"),
	}

	targets, err := MaximizeYield{}.Targets(eligible, units(100))
	require.NoError(t, err)
	assert.Equal(t, map[string]uint256.Int{"high": units(60), "low": units(40), "tie": units(0)}, targets)

	_, err = MaximizeYield{}.Targets(eligible, units(261))
	assert.ErrorIs(t, err, domain.ErrInsufficientCapacity)
}

func TestObjectiveByName(t *testing.T) {
	o, err := ObjectiveByName("")
	require.NoError(t, err)
	assert.Equal(t, "equalize_utilization", o.Name())

	o, err = ObjectiveByName("maximize_yield")
	require.NoError(t, err)
	assert.Equal(t, "maximize_yield", o.Name())

	_, err = ObjectiveByName("yolo")
	assert.Error(t, err)
}
