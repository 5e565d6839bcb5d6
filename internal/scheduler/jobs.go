package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/internal/events"
	"github.com/aristath/vaultledger/internal/modules/escrow"
	"github.com/hashicorp/go-multierror"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// DefaultJobTimeout bounds a single job run
const DefaultJobTimeout = 2 * time.Minute

// LedgerInterface is the part of the escrow ledger the jobs drive
type LedgerInterface interface {
	Rebalance(ctx context.Context, caller domain.Address) (domain.RebalancePlan, error)
	Harvest(ctx context.Context, caller domain.Address) (map[string]uint256.Int, error)
	SyncAdapters(ctx context.Context, caller domain.Address) error
	ActivateAllPending(ctx context.Context, caller domain.Address) (int, error)
	CheckInvariants() error
}

// EventManagerInterface defines the contract for event emission
type EventManagerInterface interface {
	EmitTyped(module string, data events.EventData)
}

// RebalanceJob attempts a rebalance. Cooldown, an in-flight rebalance and a
// paused system are expected outcomes and do not fail the job.
type RebalanceJob struct {
	ledger LedgerInterface
	actor  domain.Address
	log    zerolog.Logger
}

// NewRebalanceJob creates a rebalance job acting as actor
func NewRebalanceJob(ledger LedgerInterface, actor domain.Address, log zerolog.Logger) *RebalanceJob {
	return &RebalanceJob{
		ledger: ledger,
		actor:  actor,
		log:    log.With().Str("job", "rebalance").Logger(),
	}
}

// Name implements Job
func (j *RebalanceJob) Name() string { return "rebalance" }

// Run implements Job
func (j *RebalanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultJobTimeout)
	defer cancel()

	plan, err := j.ledger.Rebalance(ctx, j.actor)
	switch {
	case escrow.RebalanceDeferred(err), errors.Is(err, domain.ErrSystemPaused):
		j.log.Debug().Err(err).Msg("Rebalance skipped")
		return nil
	case err != nil:
		return fmt.Errorf("rebalance failed: %w", err)
	}

	j.log.Info().
		Str("plan_id", plan.ID).
		Int("deltas", len(plan.Deltas)).
		Msg("Scheduled rebalance completed")
	return nil
}

// HarvestJob syncs adapter rates and capacities, then harvests every strategy
type HarvestJob struct {
	ledger LedgerInterface
	actor  domain.Address
	log    zerolog.Logger
}

// NewHarvestJob creates a harvest job acting as actor
func NewHarvestJob(ledger LedgerInterface, actor domain.Address, log zerolog.Logger) *HarvestJob {
	return &HarvestJob{
		ledger: ledger,
		actor:  actor,
		log:    log.With().Str("job", "harvest").Logger(),
	}
}

// Name implements Job
func (j *HarvestJob) Name() string { return "harvest" }

// Run implements Job
func (j *HarvestJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultJobTimeout)
	defer cancel()

	var result *multierror.Error
	if err := j.ledger.SyncAdapters(ctx, j.actor); err != nil {
		result = multierror.Append(result, fmt.Errorf("adapter sync: %w", err))
	}

	harvested, err := j.ledger.Harvest(ctx, j.actor)
	switch {
	case errors.Is(err, domain.ErrSystemPaused):
		j.log.Debug().Msg("Harvest skipped while paused")
	case err != nil:
		result = multierror.Append(result, fmt.Errorf("harvest: %w", err))
	}

	for id, amount := range harvested {
		j.log.Info().Str("strategy_id", id).Str("amount", amount.Dec()).Msg("Harvested")
	}
	return result.ErrorOrNil()
}

// InvariantCheckJob runs the ledger self-check and reports violations on the bus
type InvariantCheckJob struct {
	ledger LedgerInterface
	events EventManagerInterface
	log    zerolog.Logger
}

// NewInvariantCheckJob creates an invariant check job
func NewInvariantCheckJob(ledger LedgerInterface, eventManager EventManagerInterface, log zerolog.Logger) *InvariantCheckJob {
	return &InvariantCheckJob{
		ledger: ledger,
		events: eventManager,
		log:    log.With().Str("job", "invariant_check").Logger(),
	}
}

// Name implements Job
func (j *InvariantCheckJob) Name() string { return "invariant_check" }

// Run implements Job
func (j *InvariantCheckJob) Run() error {
	err := j.ledger.CheckInvariants()
	if err == nil {
		return nil
	}

	var violations []string
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			violations = append(violations, e.Error())
		}
	} else {
		violations = []string{err.Error()}
	}

	j.log.Error().
		Strs("violations", violations).
		Msg("CRITICAL: Ledger invariants violated")
	if j.events != nil {
		j.events.EmitTyped("scheduler", &events.InvariantViolationData{Violations: violations})
	}
	return fmt.Errorf("%d ledger invariant violations", len(violations))
}

// ActivatePendingJob retries investing deposits held for capacity
type ActivatePendingJob struct {
	ledger LedgerInterface
	actor  domain.Address
	log    zerolog.Logger
}

// NewActivatePendingJob creates a pending activation job acting as actor
func NewActivatePendingJob(ledger LedgerInterface, actor domain.Address, log zerolog.Logger) *ActivatePendingJob {
	return &ActivatePendingJob{
		ledger: ledger,
		actor:  actor,
		log:    log.With().Str("job", "activate_pending").Logger(),
	}
}

// Name implements Job
func (j *ActivatePendingJob) Name() string { return "activate_pending" }

// Run implements Job
func (j *ActivatePendingJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultJobTimeout)
	defer cancel()

	n, err := j.ledger.ActivateAllPending(ctx, j.actor)
	if errors.Is(err, domain.ErrSystemPaused) {
		return nil
	}
	if n > 0 {
		j.log.Info().Int("activated", n).Msg("Activated pending deposits")
	}
	return err
}
