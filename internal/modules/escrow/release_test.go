package escrow

import (
	"errors"
	"testing"
	"time"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/internal/events"
	testingpkg "github.com/aristath/vaultledger/internal/testing"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitYield(t *testing.T) {
	tests := []struct {
		yield, depositor, merchant, protocol uint64
	}{
		{50, 35, 10, 5},
		{0, 0, 0, 0},
		{1, 0, 0, 1},
		{7, 4, 1, 2},
		{1001, 700, 200, 101},
	}
	for _, tt := range tests {
		split := SplitYield(units(tt.yield))
		assert.Equal(t, units(tt.depositor), split.Depositor, "yield %d", tt.yield)
		assert.Equal(t, units(tt.merchant), split.Merchant, "yield %d", tt.yield)
		assert.Equal(t, units(tt.protocol), split.Protocol, "yield %d", tt.yield)
		assert.Equal(t, split.Yield, fixedpoint.Sum(split.Depositor, split.Merchant, split.Protocol))
	}
}

// releasedDeposit invests 1000 units at 5% for a year and releases them
func releasedDeposit(h *harness) domain.Deposit {
	h.t.Helper()
	h.strategy("aave", 10, 1_000_000, "5")
	d := h.deposit(alice, shop, 1000)
	h.clock.Advance(testingpkg.Year)
	_, err := h.ledger.ConfirmDelivery(h.ctx, shop, d.ID)
	require.NoError(h.t, err)
	d, err = h.ledger.Release(h.ctx, alice, d.ID)
	require.NoError(h.t, err)
	return d
}

func TestRelease_OneYearAtFivePercent(t *testing.T) {
	h := newHarness(t)
	h.strategy("aave", 10, 1_000_000, "5")
	d := h.deposit(alice, shop, 1000)

	h.clock.Advance(testingpkg.Year)
	accrued, err := h.ledger.AccruedYield(d.ID)
	require.NoError(t, err)
	assert.Equal(t, units(50), accrued)

	_, err = h.ledger.ConfirmDelivery(h.ctx, shop, d.ID)
	require.NoError(t, err)
	d, err = h.ledger.Release(h.ctx, alice, d.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.DepositReleased, d.Status)
	require.NotNil(t, d.Split)
	assert.Equal(t, units(50), d.Split.Yield)
	assert.Equal(t, units(35), d.Split.Depositor)
	assert.Equal(t, units(10), d.Split.Merchant)
	assert.Equal(t, units(5), d.Split.Protocol)
	assert.Equal(t, units(50), d.YieldAtRelease)
	assert.True(t, d.Accrual.Frozen)
	assert.Empty(t, d.Allocation)
	assert.Equal(t, units(5), h.ledger.Treasury())
	assert.Equal(t, units(0), h.allocated("aave"))

	require.Len(t, d.Settlement.Payouts, 2)
	assert.Equal(t, alice, d.Settlement.Payouts[0].Recipient)
	assert.Equal(t, units(1035), d.Settlement.Payouts[0].Amount)
	assert.Equal(t, shop, d.Settlement.Payouts[1].Recipient)
	assert.Equal(t, units(10), d.Settlement.Payouts[1].Amount)

	// frozen: time no longer earns
	h.clock.Advance(testingpkg.Year)
	accrued, err = h.ledger.AccruedYield(d.ID)
	require.NoError(t, err)
	assert.Equal(t, units(50), accrued)

	d, err = h.ledger.Withdraw(h.ctx, alice, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositWithdrawn, d.Status)
	assert.Equal(t, domain.SettlementCompleted, d.Settlement.State)

	transfers := h.transfers.Transfers()
	require.Len(t, transfers, 2)
	assert.Equal(t, domain.TransferRequest{Reference: d.ID + "/0", Asset: usdc, Amount: units(1035), Recipient: alice}, transfers[0])
	assert.Equal(t, domain.TransferRequest{Reference: d.ID + "/1", Asset: usdc, Amount: units(10), Recipient: shop}, transfers[1])

	assert.Equal(t, 1, h.eventCount(events.DepositReleased))
	assert.Equal(t, 1, h.eventCount(events.DepositWithdrawn))
	h.requireInvariants()
}

func TestRelease_Errors(t *testing.T) {
	h := newHarness(t)
	h.strategy("aave", 10, 1_000_000, "5")
	h.compliance.SetVerdict(bob, domain.ScreeningPending)
	d := h.deposit(alice, shop, 1000)
	pending := h.deposit(bob, shop, 100)

	_, err := h.ledger.Release(h.ctx, alice, d.ID)
	assert.ErrorIs(t, err, domain.ErrNotMatured)

	_, err = h.ledger.ConfirmDelivery(h.ctx, shop, d.ID)
	require.NoError(t, err)

	_, err = h.ledger.Release(h.ctx, bob, d.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = h.ledger.Release(h.ctx, shop, d.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = h.ledger.Release(h.ctx, bob, pending.ID)
	assert.ErrorIs(t, err, domain.ErrDepositNotActive)
	_, err = h.ledger.Release(h.ctx, alice, "missing")
	assert.ErrorIs(t, err, domain.ErrDepositNotFound)

	_, err = h.ledger.Release(h.ctx, operator, d.ID)
	require.NoError(t, err)
	treasury := h.ledger.Treasury()

	_, err = h.ledger.Release(h.ctx, alice, d.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyReleased)

	_, err = h.ledger.Withdraw(h.ctx, alice, d.ID)
	require.NoError(t, err)
	_, err = h.ledger.Release(h.ctx, alice, d.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyReleased)
	assert.Equal(t, treasury, h.ledger.Treasury())
}

func TestRelease_AfterTimeout(t *testing.T) {
	h := newHarness(t, withConfig(func(cfg *Config) { cfg.ReleaseTimeout = 30 * 24 * time.Hour }))
	h.strategy("aave", 10, 1_000_000, "5")
	d := h.deposit(alice, shop, 1000)

	h.clock.Advance(29 * 24 * time.Hour)
	_, err := h.ledger.Release(h.ctx, alice, d.ID)
	assert.ErrorIs(t, err, domain.ErrNotMatured)

	h.clock.Advance(24 * time.Hour)
	d, err = h.ledger.Release(h.ctx, alice, d.ID)
	require.NoError(t, err)
	assert.False(t, d.MerchantConfirmed)
	assert.Equal(t, domain.DepositReleased, d.Status)
	h.requireInvariants()
}

func TestWithdraw_ResumesAfterFailedLeg(t *testing.T) {
	h := newHarness(t)
	d := releasedDeposit(h)

	_, err := h.ledger.Withdraw(h.ctx, bob, d.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = h.ledger.RetryWithdraw(h.ctx, alice, d.ID)
	assert.ErrorIs(t, err, domain.ErrNotRetryable)

	h.transfers.FailRecipient(shop, errors.New("bridge down"))
	failed, err := h.ledger.Withdraw(h.ctx, alice, d.ID)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, domain.DepositReleased, failed.Status)
	assert.Equal(t, domain.SettlementFailed, failed.Settlement.State)
	assert.Equal(t, "bridge down", failed.Settlement.LastError)
	assert.True(t, failed.Settlement.Payouts[0].Paid)
	assert.NotEmpty(t, failed.Settlement.Payouts[0].TransferID)
	assert.False(t, failed.Settlement.Payouts[1].Paid)
	assert.Len(t, h.transfers.Transfers(), 1)
	assert.Equal(t, 1, h.eventCount(events.WithdrawalFailed))
	h.requireInvariants()

	h.transfers.FailRecipient(shop, nil)
	done, err := h.ledger.RetryWithdraw(h.ctx, shop, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositWithdrawn, done.Status)
	assert.Equal(t, 2, done.Settlement.Attempts)

	// the paid depositor leg is not sent twice
	transfers := h.transfers.Transfers()
	require.Len(t, transfers, 2)
	assert.Equal(t, shop, transfers[1].Recipient)

	_, err = h.ledger.Withdraw(h.ctx, alice, d.ID)
	assert.ErrorIs(t, err, domain.ErrNothingToWithdraw)
	_, err = h.ledger.RetryWithdraw(h.ctx, alice, d.ID)
	assert.ErrorIs(t, err, domain.ErrNothingToWithdraw)
	h.requireInvariants()
}

func TestWithdraw_RequiresRelease(t *testing.T) {
	h := newHarness(t)
	h.strategy("aave", 10, 1_000_000, "5")
	d := h.deposit(alice, shop, 1000)

	_, err := h.ledger.Withdraw(h.ctx, alice, d.ID)
	assert.ErrorIs(t, err, domain.ErrNotReleased)
	assert.Empty(t, h.transfers.Transfers())
}

func TestRecordRampOutcome(t *testing.T) {
	h := newHarness(t)
	d := releasedDeposit(h)

	_, err := h.ledger.RecordRampOutcome(h.ctx, operator, d.ID, domain.RampCompleted, "ramp-1")
	assert.ErrorIs(t, err, domain.ErrNotReleased)

	_, err = h.ledger.Withdraw(h.ctx, alice, d.ID)
	require.NoError(t, err)

	_, err = h.ledger.RecordRampOutcome(h.ctx, alice, d.ID, domain.RampCompleted, "ramp-1")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	d, err = h.ledger.RecordRampOutcome(h.ctx, operator, d.ID, domain.RampCompleted, "ramp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RampCompleted, d.RampState)
	assert.Equal(t, "ramp-1", d.RampReference)

	_, err = h.ledger.RecordRampOutcome(h.ctx, operator, d.ID, domain.RampCompleted, "ramp-1")
	require.NoError(t, err)
	_, err = h.ledger.RecordRampOutcome(h.ctx, operator, d.ID, domain.RampFailed, "ramp-2")
	assert.ErrorIs(t, err, domain.ErrNotRetryable)
}

func TestPause_BlocksFundMovement(t *testing.T) {
	h := newHarness(t)
	released := releasedDeposit(h)
	active := h.deposit(bob, shop, 500)
	_, err := h.ledger.ConfirmDelivery(h.ctx, shop, active.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, h.ledger.Pause(h.ctx, operator), domain.ErrUnauthorized)
	require.NoError(t, h.ledger.Pause(h.ctx, admin))
	require.NoError(t, h.ledger.Pause(h.ctx, admin))
	assert.Equal(t, domain.SystemPaused, h.ledger.SystemState())
	assert.Equal(t, 1, h.eventCount(events.SystemStateChanged))

	_, err = h.create(alice, shop, 100)
	assert.ErrorIs(t, err, domain.ErrSystemPaused)
	_, err = h.ledger.Release(h.ctx, bob, active.ID)
	assert.ErrorIs(t, err, domain.ErrSystemPaused)
	_, err = h.ledger.Withdraw(h.ctx, alice, released.ID)
	assert.ErrorIs(t, err, domain.ErrSystemPaused)
	_, err = h.ledger.Rebalance(h.ctx, rebalancer)
	assert.ErrorIs(t, err, domain.ErrSystemPaused)
	_, err = h.ledger.Harvest(h.ctx, operator)
	assert.ErrorIs(t, err, domain.ErrSystemPaused)

	// rates keep flowing so accrual stays accurate
	require.NoError(t, h.ledger.PushRate(h.ctx, operator, domain.RateUpdate{StrategyID: "aave", RateWad: pct("6")}))
	_, err = h.ledger.AccruedYield(active.ID)
	require.NoError(t, err)
	assert.Empty(t, h.transfers.Transfers())

	require.NoError(t, h.ledger.Unpause(h.ctx, admin))
	_, err = h.ledger.Release(h.ctx, bob, active.ID)
	require.NoError(t, err)
	_, err = h.ledger.Withdraw(h.ctx, alice, released.ID)
	require.NoError(t, err)
	h.requireInvariants()
}

func TestEmergencyWithdraw_ReturnsPrincipalOnly(t *testing.T) {
	h := newHarness(t)
	h.strategy("aave", 10, 1_000_000, "5")
	h.compliance.SetVerdict(bob, domain.ScreeningPending)
	d := h.deposit(alice, shop, 1000)
	pending := h.deposit(bob, shop, 200)
	released := h.deposit(alice, market, 300)
	_, err := h.ledger.ConfirmDelivery(h.ctx, market, released.ID)
	require.NoError(t, err)
	_, err = h.ledger.Release(h.ctx, alice, released.ID)
	require.NoError(t, err)

	h.clock.Advance(testingpkg.Year / 2)

	_, err = h.ledger.EmergencyWithdraw(h.ctx, admin, d.ID)
	assert.ErrorIs(t, err, domain.ErrNotPaused)

	require.NoError(t, h.ledger.Pause(h.ctx, admin))
	_, err = h.ledger.EmergencyWithdraw(h.ctx, operator, d.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = h.ledger.EmergencyWithdraw(h.ctx, admin, released.ID)
	assert.ErrorIs(t, err, domain.ErrDepositNotActive)

	out, err := h.ledger.EmergencyWithdraw(h.ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositWithdrawn, out.Status)
	assert.True(t, out.Emergency)
	assert.Empty(t, out.Allocation)
	assert.True(t, out.Accrual.Frozen)
	assert.Equal(t, units(25), out.Accrual.Accrued)
	assert.Nil(t, out.Split)
	assert.Equal(t, units(0), h.allocated("aave"))

	out, err = h.ledger.EmergencyWithdraw(h.ctx, admin, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositWithdrawn, out.Status)

	transfers := h.transfers.Transfers()
	require.Len(t, transfers, 2)
	assert.Equal(t, domain.TransferRequest{Reference: d.ID + "/emergency/0", Asset: usdc, Amount: units(1000), Recipient: alice}, transfers[0])
	assert.Equal(t, domain.TransferRequest{Reference: pending.ID + "/emergency/0", Asset: usdc, Amount: units(200), Recipient: bob}, transfers[1])

	_, err = h.ledger.EmergencyWithdraw(h.ctx, admin, d.ID)
	assert.ErrorIs(t, err, domain.ErrNothingToWithdraw)
	_, err = h.ledger.RecordRampOutcome(h.ctx, operator, d.ID, domain.RampCompleted, "x")
	assert.ErrorIs(t, err, domain.ErrNotReleased)

	assert.Equal(t, 2, h.eventCount(events.EmergencyWithdrawal))
	h.requireInvariants()
}

func TestEmergencyWithdraw_FailedTransferIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.strategy("aave", 10, 1_000_000, "5")
	d := h.deposit(alice, shop, 1000)
	require.NoError(t, h.ledger.Pause(h.ctx, admin))

	h.transfers.FailNext(1)
	failed, err := h.ledger.EmergencyWithdraw(h.ctx, admin, d.ID)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, domain.DepositActive, failed.Status)
	assert.Equal(t, units(1000), h.allocated("aave"))
	h.requireInvariants()

	out, err := h.ledger.EmergencyWithdraw(h.ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositWithdrawn, out.Status)
	assert.Equal(t, 2, out.Settlement.Attempts)
	assert.Len(t, h.transfers.Transfers(), 1)
}

func TestEmergencyWithdraw_InFlightBlocksRelease(t *testing.T) {
	h := newHarness(t)
	h.strategy("aave", 10, 1_000_000, "5")
	d := h.deposit(alice, shop, 1000)
	_, err := h.ledger.ConfirmDelivery(h.ctx, shop, d.ID)
	require.NoError(t, err)
	h.clock.Advance(testingpkg.Year / 2)
	require.NoError(t, h.ledger.Pause(h.ctx, admin))

	var unpauseErr, releaseErr error
	fired := false
	h.transfers.During(func(domain.TransferRequest) {
		if fired {
			return
		}
		fired = true
		unpauseErr = h.ledger.Unpause(h.ctx, admin)
		_, releaseErr = h.ledger.Release(h.ctx, alice, d.ID)
	})

	out, err := h.ledger.EmergencyWithdraw(h.ctx, admin, d.ID)
	require.NoError(t, err)
	require.True(t, fired)
	require.NoError(t, unpauseErr)
	assert.ErrorIs(t, releaseErr, domain.ErrSettlementInFlight)

	assert.Equal(t, domain.DepositWithdrawn, out.Status)
	assert.True(t, out.Emergency)
	assert.Nil(t, out.Split)
	require.Len(t, out.Settlement.Payouts, 1)
	assert.Equal(t, domain.Payout{Recipient: alice, Amount: units(1000), Paid: true, TransferID: "tx-1"}, out.Settlement.Payouts[0])

	transfers := h.transfers.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, units(1000), transfers[0].Amount)
	assert.Equal(t, alice, transfers[0].Recipient)

	_, err = h.ledger.Release(h.ctx, alice, d.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyReleased)
	h.requireInvariants()
}

func TestEmergencyWithdraw_FailedAttemptBlocksLifecycle(t *testing.T) {
	h := newHarness(t)
	h.strategy("aave", 10, 1_000_000, "5")
	d := h.deposit(alice, shop, 1000)
	_, err := h.ledger.ConfirmDelivery(h.ctx, shop, d.ID)
	require.NoError(t, err)
	require.NoError(t, h.ledger.Pause(h.ctx, admin))

	h.transfers.FailNext(1)
	_, err = h.ledger.EmergencyWithdraw(h.ctx, admin, d.ID)
	require.ErrorIs(t, err, domain.ErrTransferFailed)

	require.NoError(t, h.ledger.Unpause(h.ctx, admin))
	_, err = h.ledger.Release(h.ctx, alice, d.ID)
	assert.ErrorIs(t, err, domain.ErrSettlementInFlight)
	assert.Equal(t, domain.DepositActive, h.get(d.ID).Status)

	require.NoError(t, h.ledger.Pause(h.ctx, admin))
	out, err := h.ledger.EmergencyWithdraw(h.ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositWithdrawn, out.Status)
	require.Len(t, h.transfers.Transfers(), 1)
	assert.Equal(t, d.ID+"/emergency/0", h.transfers.Transfers()[0].Reference)
	h.requireInvariants()
}

func TestLegMatches(t *testing.T) {
	sent := domain.Payout{Recipient: alice, Amount: units(1000)}
	inFlight := domain.Deposit{Settlement: domain.Settlement{
		State:   domain.SettlementInFlight,
		Payouts: []domain.Payout{sent},
	}}

	tests := []struct {
		name string
		mod  func(d *domain.Deposit)
		leg  int
		want bool
	}{
		{"unchanged", func(*domain.Deposit) {}, 0, true},
		{"leg out of range", func(*domain.Deposit) {}, 1, false},
		{"settlement no longer in flight", func(d *domain.Deposit) { d.Settlement.State = domain.SettlementCompleted }, 0, false},
		{"amount rewritten", func(d *domain.Deposit) { d.Settlement.Payouts[0].Amount = units(1035) }, 0, false},
		{"recipient rewritten", func(d *domain.Deposit) { d.Settlement.Payouts[0].Recipient = shop }, 0, false},
		{"already paid", func(d *domain.Deposit) { d.Settlement.Payouts[0].Paid = true }, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := inFlight.Clone()
			tt.mod(&d)
			assert.Equal(t, tt.want, legMatches(d, tt.leg, sent))
		})
	}
}
