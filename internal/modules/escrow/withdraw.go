package escrow

import (
	"context"
	"fmt"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/internal/events"
	"github.com/aristath/vaultledger/internal/modules/allocation"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/holiman/uint256"
)

// Withdraw pays out a released deposit.
//
// Each payout leg is checkpointed as soon as the transfer collaborator accepts
// it. A failing leg leaves the settlement Failed with the paid legs recorded;
// Withdraw or RetryWithdraw resumes from the first unpaid leg.
func (l *Ledger) Withdraw(ctx context.Context, caller domain.Address, id string) (domain.Deposit, error) {
	if err := l.beginWithdraw(ctx, caller, id, false); err != nil {
		return domain.Deposit{}, err
	}
	return l.settle(ctx, caller, id, l.finishWithdraw)
}

// RetryWithdraw resumes a settlement that failed on a transfer error
func (l *Ledger) RetryWithdraw(ctx context.Context, caller domain.Address, id string) (domain.Deposit, error) {
	if err := l.beginWithdraw(ctx, caller, id, true); err != nil {
		return domain.Deposit{}, err
	}
	return l.settle(ctx, caller, id, l.finishWithdraw)
}

func (l *Ledger) beginWithdraw(ctx context.Context, caller domain.Address, id string, retryOnly bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.RequireRunning(); err != nil {
		return err
	}
	d, err := l.deposit(id)
	if err != nil {
		return err
	}
	if caller != d.Depositor && caller != d.Merchant && !l.isOperator(caller) {
		return fmt.Errorf("%w: %s cannot withdraw deposit %s", domain.ErrUnauthorized, caller, id)
	}
	switch {
	case d.Status == domain.DepositWithdrawn:
		return fmt.Errorf("%w: deposit %s", domain.ErrNothingToWithdraw, id)
	case d.Status != domain.DepositReleased:
		return fmt.Errorf("%w: deposit %s is %s", domain.ErrNotReleased, id, d.Status)
	case d.Settlement.State == domain.SettlementInFlight:
		return fmt.Errorf("%w: deposit %s", domain.ErrSettlementInFlight, id)
	case retryOnly && d.Settlement.State != domain.SettlementFailed:
		return fmt.Errorf("%w: settlement of %s has not failed", domain.ErrNotRetryable, id)
	}

	return l.startSettlement(ctx, caller, d, d.Settlement.Payouts, "withdraw")
}

// startSettlement marks the payout in flight. Caller holds mu.
func (l *Ledger) startSettlement(ctx context.Context, caller domain.Address, d domain.Deposit, legs []domain.Payout, action string) error {
	d.Settlement.State = domain.SettlementInFlight
	d.Settlement.Payouts = legs
	d.Settlement.Attempts++
	d.Settlement.LastError = ""
	d.UpdatedAt = l.now()

	cs := Changeset{
		Deposits: []domain.Deposit{d},
		Audit:    []AuditEntry{l.auditEntry(action+"_started", caller, d.ID, fmt.Sprintf("attempt=%d", d.Settlement.Attempts))},
	}
	return l.persist(ctx, cs, nil)
}

// settle runs every unpaid leg through the transfer collaborator outside mu,
// then calls finish under mu
func (l *Ledger) settle(ctx context.Context, caller domain.Address, id string, finish func(context.Context, domain.Address, string) (domain.Deposit, error)) (domain.Deposit, error) {
	for i := 0; ; i++ {
		l.mu.RLock()
		d := l.deposits[id].Clone()
		l.mu.RUnlock()

		if i >= len(d.Settlement.Payouts) {
			break
		}
		leg := d.Settlement.Payouts[i]
		if leg.Paid {
			continue
		}

		transferID, err := l.transfers.InitiateTransfer(ctx, domain.TransferRequest{
			Reference:        legReference(d, i),
			Asset:            d.Asset,
			Amount:           leg.Amount,
			DestinationChain: d.DestinationChain,
			Recipient:        leg.Recipient,
		})
		if err != nil {
			return l.failSettlement(ctx, caller, id, leg, err)
		}
		if err := l.markPaid(ctx, caller, id, i, leg, transferID); err != nil {
			return domain.Deposit{}, err
		}
	}
	return finish(ctx, caller, id)
}

// legReference identifies a payout leg across retries. Emergency legs get
// their own namespace so they never collide with release payouts.
func legReference(d domain.Deposit, leg int) string {
	if d.Status == domain.DepositReleased {
		return fmt.Sprintf("%s/%d", d.ID, leg)
	}
	return fmt.Sprintf("%s/emergency/%d", d.ID, leg)
}

// requireIdle rejects lifecycle transitions on a deposit whose payout is in
// flight, or whose emergency payout failed with an unknown outcome. Only the
// settlement that started the legs may resolve them.
func requireIdle(d domain.Deposit) error {
	switch {
	case d.Settlement.State == domain.SettlementInFlight:
		return fmt.Errorf("%w: deposit %s", domain.ErrSettlementInFlight, d.ID)
	case d.Settlement.State == domain.SettlementFailed && d.Status != domain.DepositReleased:
		return fmt.Errorf("%w: emergency payout of %s must be retried first", domain.ErrSettlementInFlight, d.ID)
	}
	return nil
}

// legMatches reports whether leg i of d is still the unpaid leg that was sent
func legMatches(d domain.Deposit, i int, sent domain.Payout) bool {
	if d.Settlement.State != domain.SettlementInFlight || i >= len(d.Settlement.Payouts) {
		return false
	}
	current := d.Settlement.Payouts[i]
	return !current.Paid && current.Recipient == sent.Recipient && current.Amount.Eq(&sent.Amount)
}

func (l *Ledger) markPaid(ctx context.Context, caller domain.Address, id string, leg int, sent domain.Payout, transferID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.deposit(id)
	if err != nil {
		return err
	}
	if !legMatches(d, leg, sent) {
		// the transfer went out but the leg it paid is gone; record it for reconciliation
		detail := fmt.Sprintf("recipient=%s amount=%s transfer=%s", sent.Recipient, sent.Amount.Dec(), transferID)
		cs := Changeset{Audit: []AuditEntry{l.auditEntry("payout_orphaned", caller, id, detail)}}
		if perr := l.persist(ctx, cs, nil); perr != nil {
			l.log.Error().Err(perr).Str("deposit_id", id).Msg("Failed to record orphaned payout")
		}
		l.log.Error().
			Str("deposit_id", id).
			Str("recipient", string(sent.Recipient)).
			Str("amount", sent.Amount.Dec()).
			Str("transfer_id", transferID).
			Msg("Payout legs changed while a transfer was in flight")
		return fmt.Errorf("%w: deposit %s leg %d", domain.ErrSettlementConflict, id, leg)
	}
	d.Settlement.Payouts[leg].Paid = true
	d.Settlement.Payouts[leg].TransferID = transferID
	d.UpdatedAt = l.now()

	cs := Changeset{
		Deposits: []domain.Deposit{d},
		Audit: []AuditEntry{l.auditEntry("payout", caller, id, fmt.Sprintf(
			"recipient=%s amount=%s transfer=%s", d.Settlement.Payouts[leg].Recipient, d.Settlement.Payouts[leg].Amount.Dec(), transferID))},
	}
	if err := l.persist(ctx, cs, nil); err != nil {
		// the transfer went out; keep it retryable so the same reference is replayed
		l.log.Error().Err(err).
			Str("deposit_id", id).
			Str("transfer_id", transferID).
			Msg("Failed to checkpoint accepted transfer")
		d.Settlement.Payouts[leg].Paid = false
		d.Settlement.Payouts[leg].TransferID = ""
		d.Settlement.State = domain.SettlementFailed
		d.Settlement.LastError = err.Error()
		l.deposits[id] = d
		return err
	}
	return nil
}

func (l *Ledger) failSettlement(ctx context.Context, caller domain.Address, id string, leg domain.Payout, cause error) (domain.Deposit, error) {
	var emitted []events.EventData
	defer func() { l.emit(emitted...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.deposit(id)
	if err != nil {
		return domain.Deposit{}, err
	}
	d.Settlement.State = domain.SettlementFailed
	d.Settlement.LastError = cause.Error()
	d.UpdatedAt = l.now()

	cs := Changeset{
		Deposits: []domain.Deposit{d},
		Audit:    []AuditEntry{l.auditEntry("payout_failed", caller, id, cause.Error())},
	}
	if err := l.persist(ctx, cs, nil); err != nil {
		l.log.Error().Err(err).Str("deposit_id", id).Msg("Failed to persist settlement failure")
		l.deposits[id] = d
	}

	l.log.Warn().
		Err(cause).
		Str("deposit_id", id).
		Str("recipient", string(leg.Recipient)).
		Int("attempts", d.Settlement.Attempts).
		Msg("Payout failed")

	emitted = append(emitted, &events.WithdrawalFailedData{
		DepositID: id,
		Recipient: string(leg.Recipient),
		Amount:    leg.Amount.Dec(),
		Attempts:  d.Settlement.Attempts,
		Error:     cause.Error(),
	})
	return d.Clone(), fmt.Errorf("%w: %v", domain.ErrTransferFailed, cause)
}

func (l *Ledger) finishWithdraw(ctx context.Context, caller domain.Address, id string) (domain.Deposit, error) {
	var emitted []events.EventData
	defer func() { l.emit(emitted...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.deposit(id)
	if err != nil {
		return domain.Deposit{}, err
	}
	if d.Status != domain.DepositReleased || d.Settlement.State != domain.SettlementInFlight {
		return domain.Deposit{}, fmt.Errorf("%w: deposit %s is %s", domain.ErrSettlementConflict, id, d.Status)
	}
	now := l.now()
	d.Status = domain.DepositWithdrawn
	d.Settlement.State = domain.SettlementCompleted
	d.Settlement.CompletedAt = now
	d.UpdatedAt = now

	cs := Changeset{
		Deposits: []domain.Deposit{d},
		Audit:    []AuditEntry{l.auditEntry("withdraw", caller, id, "")},
	}
	if err := l.persist(ctx, cs, nil); err != nil {
		return domain.Deposit{}, err
	}

	total, ids := settledTotals(d)
	l.log.Info().Str("deposit_id", id).Str("amount", total.Dec()).Msg("Deposit withdrawn")
	emitted = append(emitted, &events.WithdrawalData{DepositID: id, Amount: total.Dec(), TransferIDs: ids})
	return d.Clone(), nil
}

func settledTotals(d domain.Deposit) (uint256.Int, []string) {
	total := fixedpoint.Zero()
	ids := make([]string, 0, len(d.Settlement.Payouts))
	for _, p := range d.Settlement.Payouts {
		total = fixedpoint.Add(total, p.Amount)
		if p.TransferID != "" {
			ids = append(ids, p.TransferID)
		}
	}
	return total, ids
}

// EmergencyWithdraw returns a deposit's principal to the depositor while the
// system is paused, bypassing maturity and the yield split. Accrued yield is
// forfeited. Admin only.
func (l *Ledger) EmergencyWithdraw(ctx context.Context, caller domain.Address, id string) (domain.Deposit, error) {
	if err := l.beginEmergency(ctx, caller, id); err != nil {
		return domain.Deposit{}, err
	}
	return l.settle(ctx, caller, id, l.finishEmergency)
}

func (l *Ledger) beginEmergency(ctx context.Context, caller domain.Address, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.Require(caller, domain.RoleAdmin); err != nil {
		return err
	}
	if l.guard.State() != domain.SystemPaused {
		return domain.ErrNotPaused
	}
	d, err := l.deposit(id)
	if err != nil {
		return err
	}
	switch d.Status {
	case domain.DepositPending, domain.DepositActive, domain.DepositFailed:
	case domain.DepositWithdrawn:
		return fmt.Errorf("%w: deposit %s", domain.ErrNothingToWithdraw, id)
	default:
		return fmt.Errorf("%w: deposit %s is %s", domain.ErrDepositNotActive, id, d.Status)
	}
	if d.Settlement.State == domain.SettlementInFlight {
		return fmt.Errorf("%w: deposit %s", domain.ErrSettlementInFlight, id)
	}

	legs := d.Settlement.Payouts
	if len(legs) == 0 {
		legs = []domain.Payout{{Recipient: d.Depositor, Amount: d.Principal}}
	}
	return l.startSettlement(ctx, caller, d, legs, "emergency_withdraw")
}

func (l *Ledger) finishEmergency(ctx context.Context, caller domain.Address, id string) (domain.Deposit, error) {
	var emitted []events.EventData
	defer func() { l.emit(emitted...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.deposit(id)
	if err != nil {
		return domain.Deposit{}, err
	}
	switch {
	case d.Settlement.State != domain.SettlementInFlight:
		return domain.Deposit{}, fmt.Errorf("%w: deposit %s has no emergency payout in flight", domain.ErrSettlementConflict, id)
	case d.Status != domain.DepositPending && d.Status != domain.DepositActive && d.Status != domain.DepositFailed:
		return domain.Deposit{}, fmt.Errorf("%w: deposit %s is %s", domain.ErrSettlementConflict, id, d.Status)
	}
	now := l.now()

	var (
		deltas    []domain.Delta
		projected []domain.Strategy
	)
	if d.Status.Invested() {
		deltas = allocation.Release(d.Allocation)
		projected, err = l.registry.Project(deltas)
		if err != nil {
			return domain.Deposit{}, err
		}
		d.Accrual = l.tracker.Freeze(d, now)
	}

	from := d.Status
	d.Allocation = make(map[string]uint256.Int)
	d.Status = domain.DepositWithdrawn
	d.Emergency = true
	d.Failure = nil
	d.Settlement.State = domain.SettlementCompleted
	d.Settlement.CompletedAt = now
	d.UpdatedAt = now

	cs := Changeset{
		Deposits:   []domain.Deposit{d},
		Strategies: projected,
		Audit: []AuditEntry{l.auditEntry("emergency_withdraw", caller, id, fmt.Sprintf(
			"principal=%s forfeited_yield=%s from=%s", d.Principal.Dec(), d.Accrual.Accrued.Dec(), from))},
	}
	if err := l.persist(ctx, cs, deltas); err != nil {
		return domain.Deposit{}, err
	}

	_, ids := settledTotals(d)
	l.log.Warn().
		Str("deposit_id", id).
		Str("caller", string(caller)).
		Str("principal", d.Principal.Dec()).
		Str("from", string(from)).
		Msg("Emergency withdrawal")

	emitted = append(emitted, &events.WithdrawalData{
		DepositID:   id,
		Amount:      d.Principal.Dec(),
		TransferIDs: ids,
		Emergency:   true,
	})
	return d.Clone(), nil
}

// RecordRampOutcome accepts the on/off-ramp collaborator's completion or
// failure callback for a withdrawn deposit
func (l *Ledger) RecordRampOutcome(ctx context.Context, caller domain.Address, id string, outcome domain.RampState, reference string) (domain.Deposit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.Require(caller, domain.RoleOperator); err != nil {
		return domain.Deposit{}, err
	}
	if outcome != domain.RampCompleted && outcome != domain.RampFailed {
		return domain.Deposit{}, fmt.Errorf("unknown ramp outcome %q", outcome)
	}
	d, err := l.deposit(id)
	if err != nil {
		return domain.Deposit{}, err
	}
	if d.Status != domain.DepositWithdrawn || d.Emergency {
		return domain.Deposit{}, fmt.Errorf("%w: deposit %s was not withdrawn normally", domain.ErrNotReleased, id)
	}
	if d.RampState != domain.RampNone {
		if d.RampState == outcome && d.RampReference == reference {
			return d, nil
		}
		return domain.Deposit{}, fmt.Errorf("%w: ramp outcome already recorded for %s", domain.ErrNotRetryable, id)
	}

	d.RampState = outcome
	d.RampReference = reference
	d.UpdatedAt = l.now()
	cs := Changeset{
		Deposits: []domain.Deposit{d},
		Audit:    []AuditEntry{l.auditEntry("ramp_"+string(outcome), caller, id, reference)},
	}
	if err := l.persist(ctx, cs, nil); err != nil {
		return domain.Deposit{}, err
	}
	return d.Clone(), nil
}
