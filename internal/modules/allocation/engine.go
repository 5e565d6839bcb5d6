// Package allocation decides how new and rebalanced funds are distributed
// across strategies.
package allocation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/internal/modules/strategies"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// DefaultMaxStrategies bounds how many strategies one allocation or rebalance touches
const DefaultMaxStrategies = 10

// Constraints narrow the strategies an allocation may use
type Constraints struct {
	// MaxStrategies overrides the engine default when positive
	MaxStrategies int
	// MaxRiskScore excludes riskier strategies when positive
	MaxRiskScore int
	// Exclude lists strategy ids that must not receive funds
	Exclude map[string]bool
}

// Config holds engine settings
type Config struct {
	MaxStrategies int
	Cooldown      time.Duration
	Objective     Objective
}

// Allocation is a computed distribution of an amount across strategies
type Allocation struct {
	Amounts map[string]uint256.Int
	Deltas  []domain.Delta
}

// Engine plans allocations and rebalances against the strategy registry.
//
// Planning never writes: callers persist the plan and then commit it with
// Registry.ApplyDeltas. The engine only owns the rebalance state.
type Engine struct {
	registry      *strategies.Registry
	objective     Objective
	maxStrategies int

	mu    sync.Mutex
	state domain.RebalanceState

	log zerolog.Logger
}

// NewEngine creates an allocation engine
func NewEngine(registry *strategies.Registry, cfg Config, log zerolog.Logger) *Engine {
	if cfg.MaxStrategies <= 0 {
		cfg.MaxStrategies = DefaultMaxStrategies
	}
	if cfg.Objective == nil {
		cfg.Objective = EqualizeUtilization{}
	}
	return &Engine{
		registry:      registry,
		objective:     cfg.Objective,
		maxStrategies: cfg.MaxStrategies,
		state:         domain.RebalanceState{Cooldown: cfg.Cooldown},
		log:           log.With().Str("service", "allocation").Logger(),
	}
}

// Objective returns the active rebalance objective
func (e *Engine) Objective() Objective {
	return e.objective
}

// SetObjective swaps the rebalance objective
func (e *Engine) SetObjective(objective Objective) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.objective = objective
}

// eligible returns the registry's preference-ordered strategies narrowed by constraints
func (e *Engine) eligible(c Constraints) []domain.Strategy {
	limit := e.maxStrategies
	if c.MaxStrategies > 0 {
		limit = c.MaxStrategies
	}

	out := make([]domain.Strategy, 0, limit)
	for _, s := range e.registry.ListEligible() {
		if len(out) == limit {
			break
		}
		if c.Exclude[s.ID] {
			continue
		}
		if c.MaxRiskScore > 0 && s.RiskScore > c.MaxRiskScore {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Plan computes how amount would be distributed without committing anything.
// Lowest-risk strategies fill first until each hits its effective cap.
func (e *Engine) Plan(amount uint256.Int, c Constraints) (Allocation, error) {
	if amount.IsZero() {
		return Allocation{}, domain.ErrZeroAmount
	}

	vaultAfter := fixedpoint.Add(e.registry.TotalAllocated(), amount)
	alloc := Allocation{Amounts: make(map[string]uint256.Int)}
	remaining := amount
	available := fixedpoint.Zero()

	for _, s := range e.eligible(c) {
		room := strategies.Headroom(s, vaultAfter)
		available = fixedpoint.Add(available, room)
		if remaining.IsZero() || room.IsZero() {
			continue
		}
		take := fixedpoint.Min(room, remaining)
		alloc.Amounts[s.ID] = take
		alloc.Deltas = append(alloc.Deltas, domain.Delta{StrategyID: s.ID, Amount: take})
		remaining = fixedpoint.Sub(remaining, take)
	}

	if !remaining.IsZero() {
		return Allocation{}, fmt.Errorf("%w: requested %s, available %s",
			domain.ErrInsufficientCapacity, amount.Dec(), available.Dec())
	}
	return alloc, nil
}

// Allocate plans and commits an allocation in one step. It either records the
// whole amount or nothing.
func (e *Engine) Allocate(amount uint256.Int, c Constraints) (Allocation, error) {
	alloc, err := e.Plan(amount, c)
	if err != nil {
		return Allocation{}, err
	}
	if _, err := e.registry.ApplyDeltas(alloc.Deltas); err != nil {
		return Allocation{}, fmt.Errorf("failed to commit allocation: %w", err)
	}

	e.log.Debug().
		Str("amount", amount.Dec()).
		Int("strategies", len(alloc.Deltas)).
		Msg("Allocated funds")
	return alloc, nil
}

// Release returns a deposit's allocation vector as outflow deltas
func Release(allocation map[string]uint256.Int) []domain.Delta {
	ids := make([]string, 0, len(allocation))
	for id := range allocation {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	deltas := make([]domain.Delta, 0, len(ids))
	for _, id := range ids {
		amount := allocation[id]
		if amount.IsZero() {
			continue
		}
		deltas = append(deltas, domain.Delta{StrategyID: id, Amount: amount, Outflow: true})
	}
	return deltas
}

// Restore loads a persisted rebalance state. An in-progress flag left by a
// crash is cleared since the plan was never committed.
func (e *Engine) Restore(state domain.RebalanceState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if state.InProgress {
		e.log.Warn().Str("plan_id", state.PlanID).Msg("Clearing rebalance left in progress")
		state.InProgress = false
		state.PlanID = ""
	}
	if state.Cooldown == 0 {
		state.Cooldown = e.state.Cooldown
	}
	e.state = state
}

// State returns a copy of the rebalance state
func (e *Engine) State() domain.RebalanceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CheckRebalance reports whether a rebalance may start at now
func (e *Engine) CheckRebalance(now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkRebalance(now)
}

func (e *Engine) checkRebalance(now time.Time) error {
	if e.state.InProgress {
		return fmt.Errorf("%w: plan %s", domain.ErrRebalanceInProgress, e.state.PlanID)
	}
	if !e.state.LastRebalanceAt.IsZero() {
		next := e.state.LastRebalanceAt.Add(e.state.Cooldown)
		if now.Before(next) {
			return fmt.Errorf("%w: next rebalance at %s", domain.ErrCooldownActive, next.Format(time.RFC3339))
		}
	}
	return nil
}

// PlanRebalance computes the transfer plan that moves current allocations to
// the objective's targets. Deprecated strategies and those beyond the
// strategy limit are drained.
func (e *Engine) PlanRebalance(now time.Time) (domain.RebalancePlan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkRebalance(now); err != nil {
		return domain.RebalancePlan{}, err
	}

	all := e.registry.List()
	total := fixedpoint.Zero()
	for _, s := range all {
		total = fixedpoint.Add(total, s.Allocated)
	}

	targets, err := e.objective.Targets(e.eligible(Constraints{}), total)
	if err != nil {
		return domain.RebalancePlan{}, err
	}

	var outflows, inflows []domain.Delta
	for _, s := range all {
		target := targets[s.ID]
		switch s.Allocated.Cmp(&target) {
		case 1:
			outflows = append(outflows, domain.Delta{StrategyID: s.ID, Amount: fixedpoint.Sub(s.Allocated, target), Outflow: true})
		case -1:
			inflows = append(inflows, domain.Delta{StrategyID: s.ID, Amount: fixedpoint.Sub(target, s.Allocated)})
		}
	}

	return domain.RebalancePlan{
		ID:        uuid.New().String(),
		Objective: e.objective.Name(),
		Deltas:    append(outflows, inflows...),
		Targets:   targets,
		CreatedAt: now,
	}, nil
}

// Begin marks a plan in progress. It fails if another rebalance holds the flag.
func (e *Engine) Begin(planID string, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkRebalance(now); err != nil {
		return err
	}
	e.state.InProgress = true
	e.state.PlanID = planID
	return nil
}

// Complete clears the in-progress flag and starts the cooldown
func (e *Engine) Complete(now time.Time) domain.RebalanceState {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.InProgress = false
	e.state.PlanID = ""
	e.state.LastRebalanceAt = now
	return e.state
}

// Abort clears the in-progress flag without starting the cooldown
func (e *Engine) Abort() domain.RebalanceState {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.InProgress = false
	e.state.PlanID = ""
	return e.state
}
