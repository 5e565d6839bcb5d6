// Package strategies provides the catalog of yield strategies with their risk
// and allocation metadata.
package strategies

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// MaxRiskScore is the highest accepted risk score
const MaxRiskScore = 100

// MaxRateWad bounds pushed rates at 1000% APY; anything above is a feed error
var MaxRateWad = fixedpoint.MulUint64(fixedpoint.Wad(), 10)

// Params describes a strategy to register
type Params struct {
	ID          string
	Name        string
	RiskScore   int
	CapAbsolute uint256.Int
	CapBps      uint64
	RateWad     uint256.Int
	Adapter     Adapter
}

// Registry is the catalog of strategies.
//
// Allocated amounts change only through ApplyDeltas, which validates every
// delta before committing any of them.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]domain.Strategy
	adapters   map[string]Adapter
	nowFn      func() time.Time
	log        zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		strategies: make(map[string]domain.Strategy),
		adapters:   make(map[string]Adapter),
		nowFn:      time.Now,
		log:        log.With().Str("service", "strategies").Logger(),
	}
}

// SetClock overrides the time source (tests and replay)
func (r *Registry) SetClock(nowFn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nowFn = nowFn
}

// Restore loads persisted strategies, replacing the current catalog
func (r *Registry) Restore(list []domain.Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.strategies = make(map[string]domain.Strategy, len(list))
	for _, s := range list {
		r.strategies[s.ID] = s
	}
}

func (r *Registry) checkRegister(params Params) error {
	if params.ID == "" {
		return domain.ErrInvalidStrategyID
	}
	if params.RiskScore < 0 || params.RiskScore > MaxRiskScore {
		return fmt.Errorf("%w: %d", domain.ErrInvalidRiskScore, params.RiskScore)
	}
	if params.CapBps > fixedpoint.BpsDenominator {
		return fmt.Errorf("%w: %d", domain.ErrInvalidCap, params.CapBps)
	}
	if params.RateWad.Gt(&MaxRateWad) {
		return fmt.Errorf("%w: %s", domain.ErrInvalidRate, params.RateWad.Dec())
	}
	if _, exists := r.strategies[params.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateStrategy, params.ID)
	}
	return nil
}

// Prepare validates params and builds the record Register would store
func (r *Registry) Prepare(params Params) (domain.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkRegister(params); err != nil {
		return domain.Strategy{}, err
	}
	now := r.nowFn()
	return domain.Strategy{
		ID:            params.ID,
		Name:          params.Name,
		RiskScore:     params.RiskScore,
		CapAbsolute:   params.CapAbsolute,
		CapBps:        params.CapBps,
		RateWad:       params.RateWad,
		RateUpdatedAt: now,
		CreatedAt:     now,
	}, nil
}

// Add stores a record built by Prepare
func (r *Registry) Add(s domain.Strategy, adapter Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[s.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateStrategy, s.ID)
	}
	r.strategies[s.ID] = s
	if adapter != nil {
		r.adapters[s.ID] = adapter
	}

	r.log.Info().
		Str("strategy_id", s.ID).
		Int("risk_score", s.RiskScore).
		Str("cap", s.CapAbsolute.Dec()).
		Uint64("cap_bps", s.CapBps).
		Msg("Strategy registered")
	return nil
}

// Register adds a strategy to the catalog
func (r *Registry) Register(params Params) (domain.Strategy, error) {
	s, err := r.Prepare(params)
	if err != nil {
		return domain.Strategy{}, err
	}
	if err := r.Add(s, params.Adapter); err != nil {
		return domain.Strategy{}, err
	}
	return s, nil
}

// Get returns a strategy by id
func (r *Registry) Get(id string) (domain.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[id]
	if !ok {
		return domain.Strategy{}, fmt.Errorf("%w: %s", domain.ErrStrategyNotFound, id)
	}
	return s, nil
}

// List returns every strategy ordered by id
func (r *Registry) List() []domain.Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Adapter returns the execution handle for a strategy
func (r *Registry) Adapter(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// SetAdapter attaches an execution handle to a registered strategy
func (r *Registry) SetAdapter(id string, adapter Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.strategies[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrStrategyNotFound, id)
	}
	r.adapters[id] = adapter
	return nil
}

// ProjectCap validates a cap change and returns the updated record without
// applying it
func (r *Registry) ProjectCap(id string, capAbsolute uint256.Int, capBps uint64) (domain.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.projectCap(id, capAbsolute, capBps)
}

func (r *Registry) projectCap(id string, capAbsolute uint256.Int, capBps uint64) (domain.Strategy, error) {
	s, ok := r.strategies[id]
	if !ok {
		return domain.Strategy{}, fmt.Errorf("%w: %s", domain.ErrStrategyNotFound, id)
	}
	if capBps > fixedpoint.BpsDenominator {
		return domain.Strategy{}, fmt.Errorf("%w: %d", domain.ErrInvalidCap, capBps)
	}
	if capAbsolute.Lt(&s.Allocated) {
		return domain.Strategy{}, fmt.Errorf("%w: %s cap %s < allocated %s",
			domain.ErrCapBelowCurrentAllocation, id, capAbsolute.Dec(), s.Allocated.Dec())
	}
	s.CapAbsolute = capAbsolute
	s.CapBps = capBps
	return s, nil
}

// SetCap changes a strategy's caps. Role checks happen in the ledger.
func (r *Registry) SetCap(id string, capAbsolute uint256.Int, capBps uint64) (domain.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.projectCap(id, capAbsolute, capBps)
	if err != nil {
		return domain.Strategy{}, err
	}
	r.strategies[id] = s

	r.log.Info().
		Str("strategy_id", id).
		Str("cap", capAbsolute.Dec()).
		Uint64("cap_bps", capBps).
		Msg("Strategy cap updated")
	return s, nil
}

// Deprecate marks a strategy ineligible for new allocation. Its existing
// allocation stays until a rebalance drains it.
func (r *Registry) Deprecate(id string) (domain.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.strategies[id]
	if !ok {
		return domain.Strategy{}, fmt.Errorf("%w: %s", domain.ErrStrategyNotFound, id)
	}
	if !s.Deprecated {
		s.Deprecated = true
		r.strategies[id] = s
		r.log.Warn().
			Str("strategy_id", id).
			Str("allocated", s.Allocated.Dec()).
			Msg("Strategy deprecated")
	}
	return s, nil
}

// CheckRate validates a rate update without applying it
func (r *Registry) CheckRate(id string, rate uint256.Int) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.strategies[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrStrategyNotFound, id)
	}
	if rate.Gt(&MaxRateWad) {
		return fmt.Errorf("%w: %s", domain.ErrInvalidRate, rate.Dec())
	}
	return nil
}

// SetRate records the strategy's reported rate
func (r *Registry) SetRate(id string, rate uint256.Int, at time.Time) (domain.Strategy, error) {
	if err := r.CheckRate(id, rate); err != nil {
		return domain.Strategy{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.strategies[id]
	s.RateWad = rate
	s.RateUpdatedAt = at
	r.strategies[id] = s
	return s, nil
}

// SetExternalCapacity records the adapter-reported capacity
func (r *Registry) SetExternalCapacity(id string, capacity uint256.Int) (domain.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.strategies[id]
	if !ok {
		return domain.Strategy{}, fmt.Errorf("%w: %s", domain.ErrStrategyNotFound, id)
	}
	s.ExternalCapacity = capacity
	r.strategies[id] = s
	return s, nil
}

// RecordHarvest adds realized yield to the strategy's cumulative total
func (r *Registry) RecordHarvest(id string, amount uint256.Int) (domain.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.strategies[id]
	if !ok {
		return domain.Strategy{}, fmt.Errorf("%w: %s", domain.ErrStrategyNotFound, id)
	}
	s.HarvestedYield = fixedpoint.Add(s.HarvestedYield, amount)
	r.strategies[id] = s
	return s, nil
}

// TotalAllocated sums the allocation of every strategy
func (r *Registry) TotalAllocated() uint256.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := fixedpoint.Zero()
	for _, s := range r.strategies {
		total = fixedpoint.Add(total, s.Allocated)
	}
	return total
}

// ListEligible returns active strategies in default allocation preference:
// ascending risk score, then lowest utilization, then id.
func (r *Registry) ListEligible() []domain.Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		if s.Active() {
			out = append(out, s)
		}
	}
	SortByPreference(out)
	return out
}

// SortByPreference orders strategies by risk, utilization and id
func SortByPreference(list []domain.Strategy) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.RiskScore != b.RiskScore {
			return a.RiskScore < b.RiskScore
		}
		if c := CompareUtilization(a, b); c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	})
}

// CompareUtilization compares allocated/cap of two strategies without
// division. A zero cap counts as fully utilized.
func CompareUtilization(a, b domain.Strategy) int {
	aFull := a.CapAbsolute.IsZero()
	bFull := b.CapAbsolute.IsZero()
	switch {
	case aFull && bFull:
		return 0
	case aFull:
		return 1
	case bFull:
		return -1
	}

	left := new(big.Int).Mul(a.Allocated.ToBig(), b.CapAbsolute.ToBig())
	right := new(big.Int).Mul(b.Allocated.ToBig(), a.CapAbsolute.ToBig())
	return left.Cmp(right)
}

// EffectiveCap is the most a strategy may hold given the vault total: the
// smallest of its absolute cap, its percentage cap and the adapter capacity.
func EffectiveCap(s domain.Strategy, totalVault uint256.Int) uint256.Int {
	limit := s.CapAbsolute
	if s.CapBps > 0 {
		limit = fixedpoint.Min(limit, fixedpoint.Bps(totalVault, s.CapBps))
	}
	if !s.ExternalCapacity.IsZero() {
		limit = fixedpoint.Min(limit, s.ExternalCapacity)
	}
	return limit
}

// Headroom is how much more a strategy may receive given the vault total
func Headroom(s domain.Strategy, totalVault uint256.Int) uint256.Int {
	room, ok := fixedpoint.TrySub(EffectiveCap(s, totalVault), s.Allocated)
	if !ok {
		return fixedpoint.Zero()
	}
	return room
}

// Project validates deltas against the current catalog and returns the
// resulting strategies without committing them.
func (r *Registry) Project(deltas []domain.Delta) ([]domain.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.project(deltas)
}

func (r *Registry) project(deltas []domain.Delta) ([]domain.Strategy, error) {
	staged := make(map[string]domain.Strategy)
	order := make([]string, 0, len(deltas))

	for _, d := range deltas {
		s, ok := staged[d.StrategyID]
		if !ok {
			s, ok = r.strategies[d.StrategyID]
			if !ok {
				return nil, fmt.Errorf("%w: %s", domain.ErrStrategyNotFound, d.StrategyID)
			}
			order = append(order, d.StrategyID)
		}

		if d.Outflow {
			remaining, ok := fixedpoint.TrySub(s.Allocated, d.Amount)
			if !ok {
				return nil, fmt.Errorf("%w: %s outflow %s exceeds allocated %s",
					domain.ErrPlanConflict, d.StrategyID, d.Amount.Dec(), s.Allocated.Dec())
			}
			s.Allocated = remaining
		} else {
			if s.Deprecated {
				return nil, fmt.Errorf("%w: %s is deprecated", domain.ErrPlanConflict, d.StrategyID)
			}
			next := fixedpoint.Add(s.Allocated, d.Amount)
			if next.Gt(&s.CapAbsolute) {
				return nil, fmt.Errorf("%w: %s would hold %s over cap %s",
					domain.ErrInsufficientCapacity, d.StrategyID, next.Dec(), s.CapAbsolute.Dec())
			}
			s.Allocated = next
		}
		staged[d.StrategyID] = s
	}

	out := make([]domain.Strategy, 0, len(order))
	for _, id := range order {
		out = append(out, staged[id])
	}
	return out, nil
}

// ApplyDeltas commits all deltas or none of them
func (r *Registry) ApplyDeltas(deltas []domain.Delta) ([]domain.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	updated, err := r.project(deltas)
	if err != nil {
		return nil, err
	}
	for _, s := range updated {
		r.strategies[s.ID] = s
	}
	return updated, nil
}
