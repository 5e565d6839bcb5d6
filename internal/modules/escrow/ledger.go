// Package escrow owns deposit records, their lifecycle and the fund-movement
// invariants of the vault.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/internal/events"
	"github.com/aristath/vaultledger/internal/modules/access"
	"github.com/aristath/vaultledger/internal/modules/allocation"
	"github.com/aristath/vaultledger/internal/modules/strategies"
	"github.com/aristath/vaultledger/internal/modules/yield"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const moduleName = "escrow"

// Config holds ledger policy
type Config struct {
	// Assets is the deposit asset allow-list
	Assets []domain.Asset
	// ReleaseTimeout lets a deposit mature without merchant confirmation.
	// Zero means confirmation is always required.
	ReleaseTimeout time.Duration
	// HoldOnInsufficientCapacity keeps new deposits Pending and uninvested
	// instead of rejecting them when strategies are full
	HoldOnInsufficientCapacity bool
	// Constraints narrow the strategies new deposits may use
	Constraints allocation.Constraints
}

// Dependencies are the components and collaborators the ledger coordinates
type Dependencies struct {
	Guard      *access.Guard
	Registry   *strategies.Registry
	Engine     *allocation.Engine
	Tracker    *yield.Tracker
	Store      Store
	Compliance domain.ComplianceScreener
	Transfers  domain.TransferInitiator
	Executor   domain.StrategyExecutor // optional
	Events     *events.Manager         // optional
}

// Ledger coordinates deposits across the registry, allocation engine and
// yield tracker.
//
// Every mutation runs under mu and follows the same shape: authorize, validate
// and stage a Changeset, commit it to the store, then apply it to memory. A
// rejected or failed call therefore changes nothing. Collaborator calls happen
// outside mu, bracketed by persisted checkpoints.
type Ledger struct {
	mu sync.RWMutex

	cfg    Config
	assets map[domain.Asset]bool

	guard      *access.Guard
	registry   *strategies.Registry
	engine     *allocation.Engine
	tracker    *yield.Tracker
	store      Store
	compliance domain.ComplianceScreener
	transfers  domain.TransferInitiator
	executor   domain.StrategyExecutor
	events     *events.Manager

	deposits map[string]domain.Deposit
	treasury uint256.Int

	nowFn func() time.Time
	newID func() string
	log   zerolog.Logger
}

// New creates a ledger
func New(deps Dependencies, cfg Config, log zerolog.Logger) (*Ledger, error) {
	switch {
	case deps.Guard == nil:
		return nil, errors.New("escrow: guard is required")
	case deps.Registry == nil:
		return nil, errors.New("escrow: strategy registry is required")
	case deps.Engine == nil:
		return nil, errors.New("escrow: allocation engine is required")
	case deps.Tracker == nil:
		return nil, errors.New("escrow: yield tracker is required")
	case deps.Compliance == nil:
		return nil, errors.New("escrow: compliance screener is required")
	case deps.Transfers == nil:
		return nil, errors.New("escrow: transfer initiator is required")
	}
	if deps.Store == nil {
		deps.Store = NopStore{}
	}

	assets := make(map[domain.Asset]bool, len(cfg.Assets))
	for _, a := range cfg.Assets {
		assets[a] = true
	}

	return &Ledger{
		cfg:        cfg,
		assets:     assets,
		guard:      deps.Guard,
		registry:   deps.Registry,
		engine:     deps.Engine,
		tracker:    deps.Tracker,
		store:      deps.Store,
		compliance: deps.Compliance,
		transfers:  deps.Transfers,
		executor:   deps.Executor,
		events:     deps.Events,
		deposits:   make(map[string]domain.Deposit),
		nowFn:      time.Now,
		newID:      func() string { return uuid.New().String() },
		log:        log.With().Str("service", moduleName).Logger(),
	}, nil
}

// SetClock overrides the time source of the ledger and its registry
func (l *Ledger) SetClock(nowFn func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nowFn = nowFn
	l.registry.SetClock(nowFn)
}

// Restore loads a persisted snapshot. Role assignments and the system state
// are restored into the guard by its constructor.
func (l *Ledger) Restore(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.registry.Restore(snap.Strategies)
	l.engine.Restore(snap.Rebalance)
	l.treasury = snap.Treasury

	l.deposits = make(map[string]domain.Deposit, len(snap.Deposits))
	interrupted := 0
	for _, d := range snap.Deposits {
		if d.Allocation == nil {
			d.Allocation = make(map[string]uint256.Int)
		}
		// a crash mid-payout leaves the outcome unknown; legs carry stable
		// references so retrying is safe
		if d.Settlement.State == domain.SettlementInFlight {
			d.Settlement.State = domain.SettlementFailed
			d.Settlement.LastError = "interrupted"
			interrupted++
		}
		l.deposits[d.ID] = d
	}
	l.tracker.Sync(l.registry.List())

	l.log.Info().
		Int("deposits", len(l.deposits)).
		Int("strategies", len(snap.Strategies)).
		Int("interrupted_settlements", interrupted).
		Str("treasury", l.treasury.Dec()).
		Msg("Ledger restored")
}

func (l *Ledger) now() time.Time {
	return l.nowFn()
}

func (l *Ledger) auditEntry(action string, actor domain.Address, depositID, detail string) AuditEntry {
	return AuditEntry{
		ID:        l.newID(),
		Action:    action,
		Actor:     actor,
		DepositID: depositID,
		Detail:    detail,
		At:        l.now(),
	}
}

// emit publishes events. Callers defer it before taking mu so handlers run
// after the lock is released.
func (l *Ledger) emit(data ...events.EventData) {
	for _, d := range data {
		l.events.EmitTyped(moduleName, d)
	}
}

// persist commits cs and applies it to memory. Allocation deltas are applied
// to the registry; other strategy changes are applied by the caller.
// Caller holds mu.
func (l *Ledger) persist(ctx context.Context, cs Changeset, deltas []domain.Delta) error {
	if err := l.store.Commit(ctx, cs); err != nil {
		return fmt.Errorf("failed to persist ledger changes: %w", err)
	}

	if len(deltas) > 0 {
		if _, err := l.registry.ApplyDeltas(deltas); err != nil {
			l.log.Error().Err(err).Msg("Committed allocation rejected by registry")
			return err
		}
	}
	for _, d := range cs.Deposits {
		l.deposits[d.ID] = d
	}
	if cs.Treasury != nil {
		l.treasury = *cs.Treasury
	}
	if len(deltas) > 0 {
		l.tracker.Sync(l.registry.List())
	}
	return nil
}

// deposit returns a clone of a deposit. Caller holds mu.
func (l *Ledger) deposit(id string) (domain.Deposit, error) {
	d, ok := l.deposits[id]
	if !ok {
		return domain.Deposit{}, fmt.Errorf("%w: %s", domain.ErrDepositNotFound, id)
	}
	return d.Clone(), nil
}

// invest plans an allocation for d and stages it as Active. Caller holds mu.
func (l *Ledger) invest(d *domain.Deposit, now time.Time) ([]domain.Delta, []domain.Strategy, error) {
	plan, err := l.engine.Plan(d.Principal, l.cfg.Constraints)
	if err != nil {
		return nil, nil, err
	}
	projected, err := l.registry.Project(plan.Deltas)
	if err != nil {
		return nil, nil, err
	}

	d.Allocation = plan.Amounts
	d.Status = domain.DepositActive
	d.Accrual = l.tracker.Start(now)
	d.UpdatedAt = now
	return plan.Deltas, projected, nil
}

func (l *Ledger) isOperator(caller domain.Address) bool {
	return l.guard.HasRole(caller, domain.RoleOperator)
}

// GetDeposit returns a deposit by id
func (l *Ledger) GetDeposit(id string) (domain.Deposit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.deposit(id)
}

// DepositFilter narrows ListDeposits. Empty fields match everything.
type DepositFilter struct {
	Status    domain.DepositStatus
	Depositor domain.Address
	Merchant  domain.Address
}

// ListDeposits returns matching deposits ordered by creation time
func (l *Ledger) ListDeposits(filter DepositFilter) []domain.Deposit {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.Deposit, 0, len(l.deposits))
	for _, d := range l.deposits {
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.Depositor != "" && d.Depositor != filter.Depositor {
			continue
		}
		if filter.Merchant != "" && d.Merchant != filter.Merchant {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AccruedYield returns the yield a deposit has earned so far
func (l *Ledger) AccruedYield(id string) (uint256.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	d, err := l.deposit(id)
	if err != nil {
		return uint256.Int{}, err
	}
	return l.tracker.Accrued(d, l.now()), nil
}

// CurrentAPY returns the allocation-weighted vault rate, WAD scaled
func (l *Ledger) CurrentAPY() uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tracker.CurrentAPY()
}

// Treasury returns the accumulated protocol share
func (l *Ledger) Treasury() uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.treasury
}

// Strategies returns the strategy catalog
func (l *Ledger) Strategies() []domain.Strategy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.registry.List()
}

// SystemState returns the circuit breaker state
func (l *Ledger) SystemState() domain.SystemState {
	return l.guard.State()
}

// RebalanceState returns the rebalance scheduler state
func (l *Ledger) RebalanceState() domain.RebalanceState {
	return l.engine.State()
}

// Report summarizes strategy utilization
func (l *Ledger) Report() allocation.Report {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return allocation.Summarize(l.registry.List())
}

// Stats is a point-in-time view of ledger totals
type Stats struct {
	Deposits  map[domain.DepositStatus]int
	Invested  uint256.Int
	Pending   uint256.Int
	Payable   uint256.Int
	Treasury  uint256.Int
	APY       uint256.Int
	State     domain.SystemState
	Rebalance domain.RebalanceState
}

// Stats returns ledger totals from one consistent snapshot
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Stats{
		Deposits:  make(map[domain.DepositStatus]int),
		Invested:  l.registry.TotalAllocated(),
		Treasury:  l.treasury,
		APY:       l.tracker.CurrentAPY(),
		State:     l.guard.State(),
		Rebalance: l.engine.State(),
	}
	for _, d := range l.deposits {
		s.Deposits[d.Status]++
		switch d.Status {
		case domain.DepositPending, domain.DepositFailed:
			s.Pending = fixedpoint.Add(s.Pending, d.Principal)
		case domain.DepositReleased:
			for _, p := range d.Settlement.Payouts {
				if !p.Paid {
					s.Payable = fixedpoint.Add(s.Payable, p.Amount)
				}
			}
		}
	}
	return s
}
