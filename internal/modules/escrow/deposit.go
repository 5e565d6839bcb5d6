package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/internal/events"
	"github.com/holiman/uint256"
)

// CreateRequest describes a new escrow deposit
type CreateRequest struct {
	Depositor        domain.Address
	Merchant         domain.Address
	Amount           uint256.Int
	Asset            domain.Asset
	DestinationChain string
}

func (l *Ledger) validateCreate(caller domain.Address, req CreateRequest) error {
	if err := l.guard.RequireRunning(); err != nil {
		return err
	}
	if caller != req.Depositor && !l.isOperator(caller) {
		return fmt.Errorf("%w: %s cannot deposit for %s", domain.ErrUnauthorized, caller, req.Depositor)
	}
	if req.Amount.IsZero() {
		return domain.ErrZeroAmount
	}
	if !l.assets[req.Asset] {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedAsset, req.Asset)
	}
	if req.Depositor == "" || req.Merchant == "" {
		return domain.ErrInvalidAddress
	}
	if req.Merchant == req.Depositor || !l.guard.HasRole(req.Merchant, domain.RoleMerchant) {
		return fmt.Errorf("%w: %s", domain.ErrInvalidMerchant, req.Merchant)
	}
	return nil
}

// screen runs the compliance collaborator over every party. Blocked wins over
// pending; any collaborator error is returned as is.
func (l *Ledger) screen(ctx context.Context, parties ...domain.Address) (domain.ScreeningResult, error) {
	verdict := domain.ScreeningAllowed
	for _, p := range parties {
		res, err := l.compliance.ScreenAddress(ctx, p)
		if err != nil {
			return "", err
		}
		switch res {
		case domain.ScreeningBlocked:
			return domain.ScreeningBlocked, nil
		case domain.ScreeningPending:
			verdict = domain.ScreeningPending
		case domain.ScreeningAllowed:
		default:
			return "", fmt.Errorf("unknown screening result %q for %s", res, p)
		}
	}
	return verdict, nil
}

// CreateDeposit screens the parties, records the deposit and invests it.
//
// A blocked party rejects the deposit outright. A pending verdict records it
// as Pending until ResolveCompliance. A collaborator failure records it as
// Failed, returning both the deposit and an ErrComplianceUnavailable error;
// RetryScreening re-attempts it.
func (l *Ledger) CreateDeposit(ctx context.Context, caller domain.Address, req CreateRequest) (domain.Deposit, error) {
	if err := l.validateCreate(caller, req); err != nil {
		return domain.Deposit{}, err
	}

	verdict, screenErr := l.screen(ctx, req.Depositor, req.Merchant)
	if screenErr == nil && verdict == domain.ScreeningBlocked {
		l.log.Warn().
			Str("depositor", string(req.Depositor)).
			Str("merchant", string(req.Merchant)).
			Msg("Deposit rejected by compliance screening")
		return domain.Deposit{}, fmt.Errorf("%w: deposit from %s", domain.ErrComplianceBlocked, req.Depositor)
	}

	var emitted []events.EventData
	defer func() { l.emit(emitted...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	// pause or role changes may have landed while screening
	if err := l.validateCreate(caller, req); err != nil {
		return domain.Deposit{}, err
	}

	now := l.now()
	d := domain.Deposit{
		ID:               l.newID(),
		Depositor:        req.Depositor,
		Merchant:         req.Merchant,
		Principal:        req.Amount,
		Asset:            req.Asset,
		DestinationChain: req.DestinationChain,
		Status:           domain.DepositPending,
		Compliance:       verdict,
		Allocation:       make(map[string]uint256.Int),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var (
		deltas    []domain.Delta
		projected []domain.Strategy
		reason    string
	)
	switch {
	case screenErr != nil:
		d.Status = domain.DepositFailed
		d.Compliance = domain.ScreeningPending
		d.Failure = &domain.Failure{Stage: domain.FailureScreening, Reason: screenErr.Error(), Attempts: 1, At: now}
		reason = "compliance unavailable"
	case verdict == domain.ScreeningPending:
		reason = "compliance pending"
	default:
		var err error
		deltas, projected, err = l.invest(&d, now)
		if err != nil {
			if !errors.Is(err, domain.ErrInsufficientCapacity) || !l.cfg.HoldOnInsufficientCapacity {
				return domain.Deposit{}, err
			}
			reason = "insufficient capacity"
		}
	}

	cs := Changeset{
		Deposits:   []domain.Deposit{d},
		Strategies: projected,
		Audit:      []AuditEntry{l.auditEntry("create_deposit", caller, d.ID, string(d.Status))},
	}
	if err := l.persist(ctx, cs, deltas); err != nil {
		return domain.Deposit{}, err
	}

	l.log.Info().
		Str("deposit_id", d.ID).
		Str("depositor", string(d.Depositor)).
		Str("merchant", string(d.Merchant)).
		Str("amount", d.Principal.Dec()).
		Str("status", string(d.Status)).
		Int("strategies", len(d.Allocation)).
		Msg("Deposit created")

	emitted = append(emitted, &events.DepositCreatedData{
		DepositID: d.ID,
		Depositor: string(d.Depositor),
		Merchant:  string(d.Merchant),
		Amount:    d.Principal.Dec(),
		Asset:     string(d.Asset),
		Status:    string(d.Status),
	})
	if reason != "" {
		emitted = append(emitted, &events.DepositStatusChangedData{
			DepositID: d.ID, From: "", To: string(d.Status), Reason: reason,
		})
	}

	if screenErr != nil {
		return d.Clone(), fmt.Errorf("%w: %v", domain.ErrComplianceUnavailable, screenErr)
	}
	return d.Clone(), nil
}

// activate invests a Pending deposit, or leaves it Pending when strategies are
// full. Caller holds mu and persists the result.
func (l *Ledger) activate(d *domain.Deposit) ([]domain.Delta, []domain.Strategy, error) {
	deltas, projected, err := l.invest(d, l.now())
	if errors.Is(err, domain.ErrInsufficientCapacity) {
		d.Status = domain.DepositPending
		d.UpdatedAt = l.now()
		return nil, nil, nil
	}
	return deltas, projected, err
}

// ResolveCompliance records the collaborator's callback for a deposit held
// with a pending verdict. Allowed deposits are invested when capacity exists.
func (l *Ledger) ResolveCompliance(ctx context.Context, caller domain.Address, id string, result domain.ScreeningResult) (domain.Deposit, error) {
	var emitted []events.EventData
	defer func() { l.emit(emitted...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.Require(caller, domain.RoleOperator); err != nil {
		return domain.Deposit{}, err
	}
	if err := l.guard.RequireRunning(); err != nil {
		return domain.Deposit{}, err
	}
	d, err := l.deposit(id)
	if err != nil {
		return domain.Deposit{}, err
	}
	if err := requireIdle(d); err != nil {
		return domain.Deposit{}, err
	}
	if d.Status != domain.DepositPending || d.Compliance != domain.ScreeningPending {
		return domain.Deposit{}, fmt.Errorf("%w: deposit %s has no pending screening", domain.ErrNotRetryable, id)
	}

	from := d.Status
	var (
		deltas    []domain.Delta
		projected []domain.Strategy
	)
	switch result {
	case domain.ScreeningPending:
		return d, nil
	case domain.ScreeningBlocked:
		d.Compliance = domain.ScreeningBlocked
		d.Status = domain.DepositCancelled
		d.UpdatedAt = l.now()
	case domain.ScreeningAllowed:
		d.Compliance = domain.ScreeningAllowed
		deltas, projected, err = l.activate(&d)
		if err != nil {
			return domain.Deposit{}, err
		}
	default:
		return domain.Deposit{}, fmt.Errorf("unknown screening result %q", result)
	}

	cs := Changeset{
		Deposits:   []domain.Deposit{d},
		Strategies: projected,
		Audit:      []AuditEntry{l.auditEntry("resolve_compliance", caller, id, string(result))},
	}
	if err := l.persist(ctx, cs, deltas); err != nil {
		return domain.Deposit{}, err
	}

	emitted = append(emitted, &events.DepositStatusChangedData{
		DepositID: id, From: string(from), To: string(d.Status), Reason: "compliance " + string(result),
	})
	return d.Clone(), nil
}

// RetryScreening re-attempts a screening that failed on a collaborator error
func (l *Ledger) RetryScreening(ctx context.Context, caller domain.Address, id string) (domain.Deposit, error) {
	l.mu.RLock()
	d, err := l.deposit(id)
	l.mu.RUnlock()
	if err != nil {
		return domain.Deposit{}, err
	}
	if caller != d.Depositor && !l.isOperator(caller) {
		return domain.Deposit{}, fmt.Errorf("%w: %s", domain.ErrUnauthorized, caller)
	}
	if err := l.guard.RequireRunning(); err != nil {
		return domain.Deposit{}, err
	}
	if d.Status != domain.DepositFailed || d.Failure == nil || d.Failure.Stage != domain.FailureScreening {
		return domain.Deposit{}, fmt.Errorf("%w: deposit %s is %s", domain.ErrNotRetryable, id, d.Status)
	}

	verdict, screenErr := l.screen(ctx, d.Depositor, d.Merchant)

	var emitted []events.EventData
	defer func() { l.emit(emitted...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	d, err = l.deposit(id)
	if err != nil {
		return domain.Deposit{}, err
	}
	if err := requireIdle(d); err != nil {
		return domain.Deposit{}, err
	}
	if d.Status != domain.DepositFailed || d.Failure == nil {
		return domain.Deposit{}, fmt.Errorf("%w: deposit %s is %s", domain.ErrNotRetryable, id, d.Status)
	}

	now := l.now()
	var (
		deltas    []domain.Delta
		projected []domain.Strategy
	)
	switch {
	case screenErr != nil:
		d.Failure.Attempts++
		d.Failure.Reason = screenErr.Error()
		d.Failure.At = now
	case verdict == domain.ScreeningBlocked:
		d.Compliance = verdict
		d.Status = domain.DepositCancelled
		d.Failure = nil
	case verdict == domain.ScreeningPending:
		d.Compliance = verdict
		d.Status = domain.DepositPending
		d.Failure = nil
	default:
		d.Compliance = verdict
		d.Failure = nil
		deltas, projected, err = l.activate(&d)
		if err != nil {
			return domain.Deposit{}, err
		}
	}
	d.UpdatedAt = now

	cs := Changeset{
		Deposits:   []domain.Deposit{d},
		Strategies: projected,
		Audit:      []AuditEntry{l.auditEntry("retry_screening", caller, id, string(d.Status))},
	}
	if err := l.persist(ctx, cs, deltas); err != nil {
		return domain.Deposit{}, err
	}

	if screenErr != nil {
		l.log.Warn().Err(screenErr).Str("deposit_id", id).Int("attempts", d.Failure.Attempts).Msg("Compliance screening failed again")
		return d.Clone(), fmt.Errorf("%w: %v", domain.ErrComplianceUnavailable, screenErr)
	}
	emitted = append(emitted, &events.DepositStatusChangedData{
		DepositID: id, From: string(domain.DepositFailed), To: string(d.Status), Reason: "screening retried",
	})
	return d.Clone(), nil
}

// ActivatePending invests a deposit that was held for lack of capacity
func (l *Ledger) ActivatePending(ctx context.Context, caller domain.Address, id string) (domain.Deposit, error) {
	var emitted []events.EventData
	defer func() { l.emit(emitted...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.Require(caller, domain.RoleOperator); err != nil {
		return domain.Deposit{}, err
	}
	if err := l.guard.RequireRunning(); err != nil {
		return domain.Deposit{}, err
	}
	d, err := l.deposit(id)
	if err != nil {
		return domain.Deposit{}, err
	}
	if err := requireIdle(d); err != nil {
		return domain.Deposit{}, err
	}
	if d.Status != domain.DepositPending || d.Compliance != domain.ScreeningAllowed {
		return domain.Deposit{}, fmt.Errorf("%w: deposit %s is not held for capacity", domain.ErrNotRetryable, id)
	}

	deltas, projected, err := l.invest(&d, l.now())
	if err != nil {
		return domain.Deposit{}, err
	}
	cs := Changeset{
		Deposits:   []domain.Deposit{d},
		Strategies: projected,
		Audit:      []AuditEntry{l.auditEntry("activate_pending", caller, id, "")},
	}
	if err := l.persist(ctx, cs, deltas); err != nil {
		return domain.Deposit{}, err
	}

	emitted = append(emitted, &events.DepositStatusChangedData{
		DepositID: id, From: string(domain.DepositPending), To: string(domain.DepositActive), Reason: "capacity available",
	})
	return d.Clone(), nil
}

// ActivateAllPending retries every capacity-held deposit in creation order and
// returns how many were invested. It stops at the first deposit that still
// does not fit.
func (l *Ledger) ActivateAllPending(ctx context.Context, caller domain.Address) (int, error) {
	held := l.ListDeposits(DepositFilter{Status: domain.DepositPending})
	activated := 0
	for _, d := range held {
		if d.Compliance != domain.ScreeningAllowed || d.Settlement.State == domain.SettlementInFlight {
			continue
		}
		if _, err := l.ActivatePending(ctx, caller, d.ID); err != nil {
			if errors.Is(err, domain.ErrInsufficientCapacity) {
				break
			}
			return activated, err
		}
		activated++
	}
	return activated, nil
}

// CancelDeposit cancels a deposit that never became active
func (l *Ledger) CancelDeposit(ctx context.Context, caller domain.Address, id, reason string) (domain.Deposit, error) {
	var emitted []events.EventData
	defer func() { l.emit(emitted...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.RequireRunning(); err != nil {
		return domain.Deposit{}, err
	}
	d, err := l.deposit(id)
	if err != nil {
		return domain.Deposit{}, err
	}
	if caller != d.Depositor && !l.isOperator(caller) {
		return domain.Deposit{}, fmt.Errorf("%w: %s", domain.ErrUnauthorized, caller)
	}
	if err := requireIdle(d); err != nil {
		return domain.Deposit{}, err
	}
	if d.Status != domain.DepositPending && d.Status != domain.DepositFailed {
		return domain.Deposit{}, fmt.Errorf("%w: deposit %s is %s", domain.ErrNotCancellable, id, d.Status)
	}

	from := d.Status
	d.Status = domain.DepositCancelled
	d.UpdatedAt = l.now()
	cs := Changeset{
		Deposits: []domain.Deposit{d},
		Audit:    []AuditEntry{l.auditEntry("cancel_deposit", caller, id, reason)},
	}
	if err := l.persist(ctx, cs, nil); err != nil {
		return domain.Deposit{}, err
	}

	emitted = append(emitted, &events.DepositStatusChangedData{
		DepositID: id, From: string(from), To: string(d.Status), Reason: reason,
	})
	return d.Clone(), nil
}

// ConfirmDelivery records the merchant's confirmation, which matures the deposit
func (l *Ledger) ConfirmDelivery(ctx context.Context, caller domain.Address, id string) (domain.Deposit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.deposit(id)
	if err != nil {
		return domain.Deposit{}, err
	}
	if caller != d.Merchant {
		return domain.Deposit{}, fmt.Errorf("%w: only the merchant can confirm delivery", domain.ErrUnauthorized)
	}
	if d.Status != domain.DepositActive {
		return domain.Deposit{}, fmt.Errorf("%w: deposit %s is %s", domain.ErrDepositNotActive, id, d.Status)
	}
	if d.MerchantConfirmed {
		return d, nil
	}

	d.MerchantConfirmed = true
	d.UpdatedAt = l.now()
	cs := Changeset{
		Deposits: []domain.Deposit{d},
		Audit:    []AuditEntry{l.auditEntry("confirm_delivery", caller, id, "")},
	}
	if err := l.persist(ctx, cs, nil); err != nil {
		return domain.Deposit{}, err
	}
	return d.Clone(), nil
}
