package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/internal/events"
	"github.com/aristath/vaultledger/internal/modules/allocation"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/holiman/uint256"
)

// Yield split ratios in basis points. The protocol takes the remainder, so
// rounding dust always lands in the treasury.
const (
	DepositorShareBps uint64 = 7000
	MerchantShareBps  uint64 = 2000
)

// SplitYield divides accrued yield 70/20/10 with floor rounding on the
// depositor and merchant shares
func SplitYield(y uint256.Int) domain.YieldSplit {
	depositor := fixedpoint.Bps(y, DepositorShareBps)
	merchant := fixedpoint.Bps(y, MerchantShareBps)
	return domain.YieldSplit{
		Yield:     y,
		Depositor: depositor,
		Merchant:  merchant,
		Protocol:  fixedpoint.Sub(y, fixedpoint.Add(depositor, merchant)),
	}
}

// matured reports whether the deposit's release condition holds
func (l *Ledger) matured(d domain.Deposit, now time.Time) bool {
	if d.MerchantConfirmed {
		return true
	}
	return l.cfg.ReleaseTimeout > 0 && !now.Before(d.CreatedAt.Add(l.cfg.ReleaseTimeout))
}

// payouts builds the withdrawal legs of a released deposit: principal plus the
// depositor share to the depositor, the merchant share to the merchant
func payouts(d domain.Deposit) []domain.Payout {
	legs := []domain.Payout{{
		Recipient: d.Depositor,
		Amount:    fixedpoint.Add(d.Principal, d.Split.Depositor),
	}}
	if !d.Split.Merchant.IsZero() {
		legs = append(legs, domain.Payout{Recipient: d.Merchant, Amount: d.Split.Merchant})
	}
	return legs
}

// Release freezes accrual, splits the yield and moves the deposit to Released.
// The depositor or an Operator may call it once the merchant confirmed
// delivery or the release timeout elapsed.
func (l *Ledger) Release(ctx context.Context, caller domain.Address, id string) (domain.Deposit, error) {
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
		return domain.Deposit{}, fmt.Errorf("%w: %s cannot release deposit %s", domain.ErrUnauthorized, caller, id)
	}
	if err := requireIdle(d); err != nil {
		return domain.Deposit{}, err
	}
	switch {
	case d.Status.PastRelease():
		return domain.Deposit{}, fmt.Errorf("%w: deposit %s", domain.ErrAlreadyReleased, id)
	case d.Status != domain.DepositActive:
		return domain.Deposit{}, fmt.Errorf("%w: deposit %s is %s", domain.ErrDepositNotActive, id, d.Status)
	}

	now := l.now()
	if !l.matured(d, now) {
		return domain.Deposit{}, fmt.Errorf("%w: deposit %s", domain.ErrNotMatured, id)
	}

	next := d.Clone()
	next.Status = domain.DepositReleasing
	next.Accrual = l.tracker.Freeze(d, now)

	deltas := allocation.Release(d.Allocation)
	projected, err := l.registry.Project(deltas)
	if err != nil {
		return domain.Deposit{}, err
	}

	split := SplitYield(next.Accrual.Accrued)
	next.Allocation = make(map[string]uint256.Int)
	next.YieldAtRelease = split.Yield
	next.Split = &split
	next.Settlement = domain.Settlement{Payouts: payouts(next)}
	next.Status = domain.DepositReleased
	next.ReleasedAt = now
	next.UpdatedAt = now

	treasury := fixedpoint.Add(l.treasury, split.Protocol)
	cs := Changeset{
		Deposits:   []domain.Deposit{next},
		Strategies: projected,
		Treasury:   &treasury,
		Audit: []AuditEntry{l.auditEntry("release", caller, id, fmt.Sprintf(
			"yield=%s depositor=%s merchant=%s protocol=%s",
			split.Yield.Dec(), split.Depositor.Dec(), split.Merchant.Dec(), split.Protocol.Dec()))},
	}
	if err := l.persist(ctx, cs, deltas); err != nil {
		return domain.Deposit{}, err
	}

	l.log.Info().
		Str("deposit_id", id).
		Str("principal", next.Principal.Dec()).
		Str("yield", split.Yield.Dec()).
		Str("depositor_share", split.Depositor.Dec()).
		Str("merchant_share", split.Merchant.Dec()).
		Str("protocol_share", split.Protocol.Dec()).
		Msg("Deposit released")

	emitted = append(emitted,
		&events.DepositStatusChangedData{DepositID: id, From: string(d.Status), To: string(next.Status)},
		&events.DepositReleasedData{
			DepositID:      id,
			Principal:      next.Principal.Dec(),
			Yield:          split.Yield.Dec(),
			DepositorShare: split.Depositor.Dec(),
			MerchantShare:  split.Merchant.Dec(),
			ProtocolShare:  split.Protocol.Dec(),
		},
	)
	return next.Clone(), nil
}
