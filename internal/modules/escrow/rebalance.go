package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/internal/events"
	"github.com/aristath/vaultledger/internal/modules/allocation"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/hashicorp/go-multierror"
	"github.com/holiman/uint256"
)

// Rebalance moves allocations toward the engine objective's targets.
//
// The plan is computed and marked in progress under mu, executed by the
// strategy executor outside mu, then re-validated and committed as a whole
// under mu. Any failure clears the in-progress flag without starting the
// cooldown and leaves allocations untouched. When the executor already moved
// funds but the commit fails, the reverse plan is executed so strategy
// balances match the unchanged allocations again.
func (l *Ledger) Rebalance(ctx context.Context, caller domain.Address) (domain.RebalancePlan, error) {
	plan, err := l.beginRebalance(ctx, caller)
	if err != nil {
		return domain.RebalancePlan{}, err
	}

	executed := false
	if l.executor != nil && len(plan.Deltas) > 0 {
		if err := l.executor.ExecutePlan(ctx, plan); err != nil {
			l.abortRebalance(ctx, caller, plan, err, nil)
			return domain.RebalancePlan{}, fmt.Errorf("%w: %v", domain.ErrExecutorFailed, err)
		}
		executed = true
	}

	if err := l.commitRebalance(ctx, caller, plan); err != nil {
		if !executed {
			l.abortRebalance(ctx, caller, plan, err, nil)
			return domain.RebalancePlan{}, err
		}
		reverse := reversePlan(plan)
		cerr := l.executor.ExecutePlan(context.WithoutCancel(ctx), reverse)
		l.abortRebalance(ctx, caller, plan, err, &compensation{plan: reverse, err: cerr})
		if cerr != nil {
			return domain.RebalancePlan{}, fmt.Errorf("%w (reversal failed: %w: %v)", err, domain.ErrExecutorFailed, cerr)
		}
		return domain.RebalancePlan{}, err
	}
	return plan, nil
}

type compensation struct {
	plan domain.RebalancePlan
	err  error
}

// reversePlan undoes plan: every delta flips direction and the order is
// reversed so inflows are withdrawn before the original sources are refilled.
func reversePlan(plan domain.RebalancePlan) domain.RebalancePlan {
	deltas := make([]domain.Delta, len(plan.Deltas))
	for i, delta := range plan.Deltas {
		deltas[len(deltas)-1-i] = domain.Delta{
			StrategyID: delta.StrategyID,
			Amount:     delta.Amount,
			Outflow:    !delta.Outflow,
		}
	}
	return domain.RebalancePlan{
		ID:        plan.ID + "/reverse",
		Objective: plan.Objective,
		Deltas:    deltas,
		CreatedAt: plan.CreatedAt,
	}
}

func (l *Ledger) beginRebalance(ctx context.Context, caller domain.Address) (domain.RebalancePlan, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.Require(caller, domain.RoleRebalancer, domain.RoleAdmin); err != nil {
		return domain.RebalancePlan{}, err
	}
	if err := l.guard.RequireRunning(); err != nil {
		return domain.RebalancePlan{}, err
	}

	now := l.now()
	plan, err := l.engine.PlanRebalance(now)
	if err != nil {
		return domain.RebalancePlan{}, err
	}

	state := l.engine.State()
	state.InProgress = true
	state.PlanID = plan.ID
	cs := Changeset{
		Rebalance: &state,
		Audit:     []AuditEntry{l.auditEntry("rebalance_started", caller, "", plan.ID)},
	}
	if err := l.store.Commit(ctx, cs); err != nil {
		return domain.RebalancePlan{}, fmt.Errorf("failed to persist ledger changes: %w", err)
	}
	if err := l.engine.Begin(plan.ID, now); err != nil {
		return domain.RebalancePlan{}, err
	}

	l.log.Info().
		Str("plan_id", plan.ID).
		Str("objective", plan.Objective).
		Int("deltas", len(plan.Deltas)).
		Msg("Rebalance started")
	return plan, nil
}

func (l *Ledger) commitRebalance(ctx context.Context, caller domain.Address, plan domain.RebalancePlan) error {
	var emitted []events.EventData
	defer func() { l.emit(emitted...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	// deposits created or released while the executor ran change allocations
	projected, err := l.registry.Project(plan.Deltas)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPlanConflict, err)
	}

	invested := make([]domain.Deposit, 0, len(l.deposits))
	for _, d := range l.deposits {
		if d.Status.Invested() {
			invested = append(invested, d)
		}
	}
	changed, err := allocation.Reassign(invested, plan.Deltas)
	if err != nil {
		return err
	}

	// accrue at the old allocation up to now before switching
	now := l.now()
	for i, d := range changed {
		d.Accrual = l.tracker.Checkpoint(l.deposits[d.ID], now)
		d.UpdatedAt = now
		changed[i] = d
	}

	state := l.engine.State()
	state.InProgress = false
	state.PlanID = ""
	state.LastRebalanceAt = now

	moved := fixedpoint.Zero()
	for _, delta := range plan.Deltas {
		if delta.Outflow {
			moved = fixedpoint.Add(moved, delta.Amount)
		}
	}

	cs := Changeset{
		Deposits:   changed,
		Strategies: projected,
		Rebalance:  &state,
		Audit: []AuditEntry{l.auditEntry("rebalance", caller, "", fmt.Sprintf(
			"plan=%s objective=%s deltas=%d moved=%s", plan.ID, plan.Objective, len(plan.Deltas), moved.Dec()))},
	}
	if err := l.persist(ctx, cs, plan.Deltas); err != nil {
		return err
	}
	l.engine.Complete(now)

	report := allocation.Summarize(l.registry.List())
	l.log.Info().
		Str("plan_id", plan.ID).
		Str("moved", moved.Dec()).
		Int("deposits", len(changed)).
		Float64("max_utilization", report.Max).
		Float64("utilization_stddev", report.StdDev).
		Msg("Rebalance committed")

	emitted = append(emitted, &events.RebalanceData{
		PlanID:         plan.ID,
		Objective:      plan.Objective,
		Deltas:         len(plan.Deltas),
		Moved:          moved.Dec(),
		MaxUtilization: report.Max,
		Utilization:    report.Utilization,
	})
	return nil
}

func (l *Ledger) abortRebalance(ctx context.Context, caller domain.Address, plan domain.RebalancePlan, cause error, comp *compensation) {
	var emitted []events.EventData
	defer func() { l.emit(emitted...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	data := &events.RebalanceData{
		PlanID:    plan.ID,
		Objective: plan.Objective,
		Deltas:    len(plan.Deltas),
		Error:     cause.Error(),
	}
	audit := []AuditEntry{l.auditEntry("rebalance_aborted", caller, "", fmt.Sprintf("plan=%s error=%v", plan.ID, cause))}
	if comp != nil {
		data.Compensation = "reversed"
		detail := fmt.Sprintf("plan=%s", comp.plan.ID)
		if comp.err != nil {
			data.Compensation = "failed: " + comp.err.Error()
			detail += fmt.Sprintf(" error=%v", comp.err)
		}
		audit = append(audit, l.auditEntry("rebalance_compensated", caller, "", detail))
	}

	state := l.engine.Abort()
	cs := Changeset{Rebalance: &state, Audit: audit}
	if err := l.store.Commit(ctx, cs); err != nil {
		l.log.Error().Err(err).Str("plan_id", plan.ID).Msg("Failed to persist rebalance abort")
	}

	l.log.Error().Err(cause).Str("plan_id", plan.ID).Msg("Rebalance aborted")
	if comp != nil {
		if comp.err != nil {
			l.log.Error().Err(comp.err).
				Str("plan_id", comp.plan.ID).
				Msg("Rebalance reversal failed, strategy balances no longer match allocations")
		} else {
			l.log.Warn().Str("plan_id", comp.plan.ID).Msg("Executed rebalance reversed")
		}
	}
	emitted = append(emitted, data)
}

// PushRate records a strategy rate from the rate feed. Deposits holding the
// strategy are checkpointed first so the elapsed period accrues at the old
// rate. Operator or Rebalancer.
func (l *Ledger) PushRate(ctx context.Context, caller domain.Address, update domain.RateUpdate) error {
	var emitted []events.EventData
	defer func() { l.emit(emitted...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.Require(caller, domain.RoleOperator, domain.RoleRebalancer); err != nil {
		return err
	}
	if err := l.registry.CheckRate(update.StrategyID, update.RateWad); err != nil {
		return err
	}
	s, err := l.registry.Get(update.StrategyID)
	if err != nil {
		return err
	}
	if s.RateWad.Eq(&update.RateWad) {
		return nil
	}

	now := l.now()
	at := update.At
	if at.IsZero() {
		at = now
	}

	var changed []domain.Deposit
	for _, d := range l.deposits {
		if _, holds := d.Allocation[update.StrategyID]; !holds || !d.Status.Invested() {
			continue
		}
		next := d.Clone()
		next.Accrual = l.tracker.Checkpoint(d, now)
		changed = append(changed, next)
	}

	s.RateWad = update.RateWad
	s.RateUpdatedAt = at
	cs := Changeset{
		Deposits:   changed,
		Strategies: []domain.Strategy{s},
		Audit: []AuditEntry{l.auditEntry("rate_update", caller, "", fmt.Sprintf(
			"%s=%s%%", update.StrategyID, fixedpoint.FormatRatePercent(update.RateWad)))},
	}
	if err := l.persist(ctx, cs, nil); err != nil {
		return err
	}
	if _, err := l.registry.SetRate(update.StrategyID, update.RateWad, at); err != nil {
		return err
	}
	l.tracker.SetRate(update.StrategyID, update.RateWad)

	emitted = append(emitted, &events.RateUpdatedData{
		StrategyID: update.StrategyID,
		RatePct:    fixedpoint.FormatRatePercent(update.RateWad),
		APYPct:     fixedpoint.FormatRatePercent(l.tracker.CurrentAPY()),
	})
	return nil
}

// Harvest realizes yield on every strategy adapter and records it against the
// strategy. Adapter failures are collected; the other strategies still harvest.
func (l *Ledger) Harvest(ctx context.Context, caller domain.Address) (map[string]uint256.Int, error) {
	if err := l.guard.Require(caller, domain.RoleOperator, domain.RoleRebalancer); err != nil {
		return nil, err
	}
	if err := l.guard.RequireRunning(); err != nil {
		return nil, err
	}

	var result *multierror.Error
	harvested := make(map[string]uint256.Int)
	for _, s := range l.Strategies() {
		adapter, ok := l.registry.Adapter(s.ID)
		if !ok {
			continue
		}
		amount, err := adapter.Harvest(ctx)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%w: harvest %s: %v", domain.ErrExecutorFailed, s.ID, err))
			continue
		}
		if amount.IsZero() {
			continue
		}
		if err := l.recordHarvest(ctx, caller, s.ID, amount); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		harvested[s.ID] = amount
	}
	return harvested, result.ErrorOrNil()
}

func (l *Ledger) recordHarvest(ctx context.Context, caller domain.Address, id string, amount uint256.Int) error {
	var emitted []events.EventData
	defer func() { l.emit(emitted...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := l.registry.Get(id)
	if err != nil {
		return err
	}
	s.HarvestedYield = fixedpoint.Add(s.HarvestedYield, amount)

	cs := Changeset{
		Strategies: []domain.Strategy{s},
		Audit:      []AuditEntry{l.auditEntry("harvest", caller, "", fmt.Sprintf("%s=%s", id, amount.Dec()))},
	}
	if err := l.persist(ctx, cs, nil); err != nil {
		return err
	}
	if s, err = l.registry.RecordHarvest(id, amount); err != nil {
		return err
	}

	emitted = append(emitted, &events.YieldHarvestedData{
		StrategyID: id,
		Amount:     amount.Dec(),
		Total:      s.HarvestedYield.Dec(),
	})
	return nil
}

// SyncAdapters pulls the current rate and capacity from every strategy
// adapter. Rates go through PushRate; capacities bound future allocation.
func (l *Ledger) SyncAdapters(ctx context.Context, caller domain.Address) error {
	if err := l.guard.Require(caller, domain.RoleOperator, domain.RoleRebalancer); err != nil {
		return err
	}

	var result *multierror.Error
	for _, s := range l.Strategies() {
		adapter, ok := l.registry.Adapter(s.ID)
		if !ok {
			continue
		}

		rate, err := adapter.Rate(ctx)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%w: rate %s: %v", domain.ErrExecutorFailed, s.ID, err))
		} else if err := l.PushRate(ctx, caller, domain.RateUpdate{StrategyID: s.ID, RateWad: rate}); err != nil {
			result = multierror.Append(result, err)
		}

		capacity, err := adapter.Capacity(ctx)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%w: capacity %s: %v", domain.ErrExecutorFailed, s.ID, err))
			continue
		}
		if err := l.setExternalCapacity(ctx, caller, s.ID, capacity); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (l *Ledger) setExternalCapacity(ctx context.Context, caller domain.Address, id string, capacity uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := l.registry.Get(id)
	if err != nil {
		return err
	}
	if s.ExternalCapacity.Eq(&capacity) {
		return nil
	}
	s.ExternalCapacity = capacity

	cs := Changeset{
		Strategies: []domain.Strategy{s},
		Audit:      []AuditEntry{l.auditEntry("external_capacity", caller, "", fmt.Sprintf("%s=%s", id, capacity.Dec()))},
	}
	if err := l.persist(ctx, cs, nil); err != nil {
		return err
	}
	_, err = l.registry.SetExternalCapacity(id, capacity)
	return err
}

// RebalanceDeferred reports whether a rebalance was refused only because of
// the cooldown or a concurrent run
func RebalanceDeferred(err error) bool {
	return errors.Is(err, domain.ErrCooldownActive) || errors.Is(err, domain.ErrRebalanceInProgress)
}
