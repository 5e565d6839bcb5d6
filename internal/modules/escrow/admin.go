package escrow

import (
	"context"
	"fmt"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/internal/events"
	"github.com/aristath/vaultledger/internal/modules/strategies"
	"github.com/holiman/uint256"
)

// Pause engages the circuit breaker. Fund-moving operations fail with
// ErrSystemPaused until Unpause; reads keep working.
func (l *Ledger) Pause(ctx context.Context, caller domain.Address) error {
	return l.setSystemState(ctx, caller, domain.SystemPaused)
}

// Unpause releases the circuit breaker
func (l *Ledger) Unpause(ctx context.Context, caller domain.Address) error {
	return l.setSystemState(ctx, caller, domain.SystemRunning)
}

func (l *Ledger) setSystemState(ctx context.Context, caller domain.Address, to domain.SystemState) error {
	var emitted []events.EventData
	defer func() { l.emit(emitted...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.CheckTransition(caller, to); err != nil {
		return err
	}
	if l.guard.State() == to {
		return nil
	}

	cs := Changeset{
		SystemState: &to,
		Audit:       []AuditEntry{l.auditEntry("system_"+string(to), caller, "", "")},
	}
	if err := l.persist(ctx, cs, nil); err != nil {
		return err
	}
	if _, err := l.guard.SetState(caller, to); err != nil {
		return err
	}

	emitted = append(emitted, &events.SystemStateChangedData{State: string(to), Actor: string(caller)})
	return nil
}

// GrantRole assigns a role. Admin only.
func (l *Ledger) GrantRole(ctx context.Context, caller, principal domain.Address, role domain.Role) error {
	var emitted []events.EventData
	defer func() { l.emit(emitted...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.CheckGrant(caller, principal, role); err != nil {
		return err
	}
	if l.guard.HasRole(principal, role) {
		return nil
	}

	cs := Changeset{
		Roles: []RoleChange{{Principal: principal, Role: role, Granted: true}},
		Audit: []AuditEntry{l.auditEntry("grant_role", caller, "", fmt.Sprintf("%s=%s", principal, role))},
	}
	if err := l.persist(ctx, cs, nil); err != nil {
		return err
	}
	if err := l.guard.Grant(caller, principal, role); err != nil {
		return err
	}

	emitted = append(emitted, &events.RoleChangedData{
		Principal: string(principal), Role: string(role), Granted: true, Actor: string(caller),
	})
	return nil
}

// RevokeRole removes a role. Admin only; the last admin cannot be revoked.
func (l *Ledger) RevokeRole(ctx context.Context, caller, principal domain.Address, role domain.Role) error {
	var emitted []events.EventData
	defer func() { l.emit(emitted...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.CheckRevoke(caller, principal, role); err != nil {
		return err
	}
	if !l.guard.HasRole(principal, role) {
		return nil
	}

	cs := Changeset{
		Roles: []RoleChange{{Principal: principal, Role: role, Granted: false}},
		Audit: []AuditEntry{l.auditEntry("revoke_role", caller, "", fmt.Sprintf("%s=%s", principal, role))},
	}
	if err := l.persist(ctx, cs, nil); err != nil {
		return err
	}
	if err := l.guard.Revoke(caller, principal, role); err != nil {
		return err
	}

	emitted = append(emitted, &events.RoleChangedData{
		Principal: string(principal), Role: string(role), Granted: false, Actor: string(caller),
	})
	return nil
}

func strategyEvent(action string, s domain.Strategy) *events.StrategyChangedData {
	return &events.StrategyChangedData{
		StrategyID: s.ID,
		Action:     action,
		RiskScore:  s.RiskScore,
		Cap:        s.CapAbsolute.Dec(),
		CapBps:     s.CapBps,
		Allocated:  s.Allocated.Dec(),
		Deprecated: s.Deprecated,
	}
}

// RegisterStrategy adds a strategy to the catalog. Admin only.
func (l *Ledger) RegisterStrategy(ctx context.Context, caller domain.Address, params strategies.Params) (domain.Strategy, error) {
	var emitted []events.EventData
	defer func() { l.emit(emitted...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.Require(caller, domain.RoleAdmin); err != nil {
		return domain.Strategy{}, err
	}
	s, err := l.registry.Prepare(params)
	if err != nil {
		return domain.Strategy{}, err
	}

	cs := Changeset{
		Strategies: []domain.Strategy{s},
		Audit:      []AuditEntry{l.auditEntry("register_strategy", caller, "", s.ID)},
	}
	if err := l.persist(ctx, cs, nil); err != nil {
		return domain.Strategy{}, err
	}
	if err := l.registry.Add(s, params.Adapter); err != nil {
		return domain.Strategy{}, err
	}
	l.tracker.Sync(l.registry.List())

	emitted = append(emitted, strategyEvent("registered", s))
	return s, nil
}

// SetStrategyCap changes a strategy's absolute and percentage caps. Admin only.
func (l *Ledger) SetStrategyCap(ctx context.Context, caller domain.Address, id string, capAbsolute uint256.Int, capBps uint64) (domain.Strategy, error) {
	var emitted []events.EventData
	defer func() { l.emit(emitted...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.Require(caller, domain.RoleAdmin); err != nil {
		return domain.Strategy{}, err
	}
	s, err := l.registry.ProjectCap(id, capAbsolute, capBps)
	if err != nil {
		return domain.Strategy{}, err
	}

	cs := Changeset{
		Strategies: []domain.Strategy{s},
		Audit:      []AuditEntry{l.auditEntry("set_cap", caller, "", fmt.Sprintf("%s cap=%s bps=%d", id, capAbsolute.Dec(), capBps))},
	}
	if err := l.persist(ctx, cs, nil); err != nil {
		return domain.Strategy{}, err
	}
	if s, err = l.registry.SetCap(id, capAbsolute, capBps); err != nil {
		return domain.Strategy{}, err
	}

	emitted = append(emitted, strategyEvent("cap_updated", s))
	return s, nil
}

// DeprecateStrategy stops new allocation to a strategy. Its funds stay until
// the next rebalance drains them. Admin only.
func (l *Ledger) DeprecateStrategy(ctx context.Context, caller domain.Address, id string) (domain.Strategy, error) {
	var emitted []events.EventData
	defer func() { l.emit(emitted...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.Require(caller, domain.RoleAdmin); err != nil {
		return domain.Strategy{}, err
	}
	s, err := l.registry.Get(id)
	if err != nil {
		return domain.Strategy{}, err
	}
	if s.Deprecated {
		return s, nil
	}
	s.Deprecated = true

	cs := Changeset{
		Strategies: []domain.Strategy{s},
		Audit:      []AuditEntry{l.auditEntry("deprecate_strategy", caller, "", id)},
	}
	if err := l.persist(ctx, cs, nil); err != nil {
		return domain.Strategy{}, err
	}
	if s, err = l.registry.Deprecate(id); err != nil {
		return domain.Strategy{}, err
	}

	emitted = append(emitted, strategyEvent("deprecated", s))
	return s, nil
}
