package allocation

import (
	"sort"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Report summarizes strategy utilization (allocated / absolute cap). Values
// are floats for logs and metrics only.
type Report struct {
	Utilization map[string]float64
	Mean        float64
	StdDev      float64
	Max         float64
	Allocated   float64
}

// Summarize builds a utilization report over strategies that hold funds or
// may receive them
func Summarize(list []domain.Strategy) Report {
	r := Report{Utilization: make(map[string]float64, len(list))}

	ids := make([]string, 0, len(list))
	byID := make(map[string]domain.Strategy, len(list))
	for _, s := range list {
		if s.Deprecated && s.Allocated.IsZero() {
			continue
		}
		ids = append(ids, s.ID)
		byID[s.ID] = s
	}
	if len(ids) == 0 {
		return r
	}
	sort.Strings(ids)

	values := make([]float64, len(ids))
	amounts := make([]float64, len(ids))
	for i, id := range ids {
		s := byID[id]
		u := 1.0
		if !s.CapAbsolute.IsZero() {
			u = fixedpoint.Ratio(s.Allocated, s.CapAbsolute)
		}
		values[i] = u
		amounts[i] = fixedpoint.ToFloat(s.Allocated)
		r.Utilization[id] = u
	}

	r.Mean, r.StdDev = stat.MeanStdDev(values, nil)
	if len(values) == 1 {
		r.StdDev = 0
	}
	r.Max = floats.Max(values)
	r.Allocated = floats.Sum(amounts)
	return r
}
