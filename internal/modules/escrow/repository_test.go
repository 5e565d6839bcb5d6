package escrow

import (
	"context"
	"testing"

	"github.com/aristath/vaultledger/internal/domain"
	testingpkg "github.com/aristath/vaultledger/internal/testing"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	t.Cleanup(cleanup)
	return NewRepository(db.Conn(), zerolog.Nop())
}

func TestRepository_LoadEmpty(t *testing.T) {
	repo := newTestRepository(t)

	snap, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Deposits)
	assert.Empty(t, snap.Strategies)
	assert.Empty(t, snap.Roles)
	assert.Equal(t, domain.SystemRunning, snap.SystemState)
	assert.Equal(t, units(0), snap.Treasury)
	assert.True(t, snap.Rebalance.LastRebalanceAt.IsZero())
}

func TestRepository_RoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	h := newHarness(t, withStore(repo))
	h.strategy("a", 10, 1000, "5")
	h.strategy("b", 20, 1000, "8")
	released := h.deposit(alice, shop, 800)
	active := h.deposit(bob, market, 700)

	h.clock.Advance(testingpkg.Year)
	_, err := h.ledger.ConfirmDelivery(h.ctx, shop, released.ID)
	require.NoError(t, err)
	_, err = h.ledger.Release(h.ctx, alice, released.ID)
	require.NoError(t, err)
	_, err = h.ledger.Withdraw(h.ctx, alice, released.ID)
	require.NoError(t, err)
	_, err = h.ledger.Rebalance(h.ctx, rebalancer)
	require.NoError(t, err)
	require.NoError(t, h.ledger.Pause(h.ctx, admin))

	snap, err := repo.Load(h.ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.SystemPaused, snap.SystemState)
	assert.Equal(t, h.ledger.Treasury(), snap.Treasury)
	assert.True(t, snap.Rebalance.LastRebalanceAt.Equal(h.ledger.RebalanceState().LastRebalanceAt))
	assert.Equal(t, []domain.Role{domain.RoleOperator}, snap.Roles[operator])
	assert.Equal(t, []domain.Role{domain.RoleMerchant}, snap.Roles[shop])
	// the bootstrap admin lives in the guard only until the host persists it
	assert.NotContains(t, snap.Roles, admin)

	require.Len(t, snap.Strategies, 2)
	for _, s := range snap.Strategies {
		want, err := h.ledger.registry.Get(s.ID)
		require.NoError(t, err)
		assert.Equal(t, want.Allocated, s.Allocated, s.ID)
		assert.Equal(t, want.RateWad, s.RateWad, s.ID)
		assert.Equal(t, want.CapAbsolute, s.CapAbsolute, s.ID)
		assert.Equal(t, want.RiskScore, s.RiskScore, s.ID)
	}

	require.Len(t, snap.Deposits, 2)
	for _, got := range snap.Deposits {
		want := h.get(got.ID)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.Principal, got.Principal)
		assert.Equal(t, want.Depositor, got.Depositor)
		assert.Equal(t, want.Merchant, got.Merchant)
		assert.Equal(t, want.Allocation, got.Allocation)
		assert.Equal(t, want.Accrual.Accrued, got.Accrual.Accrued)
		assert.True(t, want.Accrual.LastCheckpoint.Equal(got.Accrual.LastCheckpoint))
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
		assert.Equal(t, want.Split, got.Split)
		assert.Equal(t, want.Settlement.State, got.Settlement.State)
		assert.Equal(t, want.Settlement.Payouts, got.Settlement.Payouts)
	}

	restored := newHarness(t)
	restored.ledger.Restore(snap)
	require.NoError(t, restored.ledger.CheckInvariants())
	assert.Equal(t, h.ledger.Treasury(), restored.ledger.Treasury())
	assert.Equal(t, h.allocated("a"), restored.allocated("a"))

	accrued, err := restored.ledger.AccruedYield(active.ID)
	require.NoError(t, err)
	want, err := h.ledger.AccruedYield(active.ID)
	require.NoError(t, err)
	assert.Equal(t, want, accrued)

	totals, err := repo.AllocationTotals(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint256.Int{"a": h.allocated("a"), "b": h.allocated("b")}, totals)
}

func TestRepository_CommitIsAtomic(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	orphan := domain.Deposit{
		ID:         "orphan",
		Depositor:  alice,
		Merchant:   shop,
		Principal:  units(5),
		Asset:      usdc,
		Status:     domain.DepositActive,
		Allocation: map[string]uint256.Int{"ghost": units(5)},
		CreatedAt:  testingpkg.Epoch,
		UpdatedAt:  testingpkg.Epoch,
	}
	treasury := units(9)
	err := repo.Commit(ctx, Changeset{
		Deposits: []domain.Deposit{orphan},
		Treasury: &treasury,
		Audit:    []AuditEntry{{ID: "audit-1", Action: "create", Actor: alice, DepositID: "orphan", At: testingpkg.Epoch}},
	})
	require.Error(t, err)

	snap, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Deposits)
	assert.Equal(t, units(0), snap.Treasury)

	trail, err := repo.AuditTrail(ctx, "orphan")
	require.NoError(t, err)
	assert.Empty(t, trail)

	require.NoError(t, repo.Commit(ctx, Changeset{}))
}

func TestRepository_InterruptedSettlementResumes(t *testing.T) {
	repo := newTestRepository(t)
	h := newHarness(t, withStore(repo))
	h.strategy("a", 10, 1000, "5")
	d := h.deposit(alice, shop, 1000)
	h.clock.Advance(testingpkg.Year)
	_, err := h.ledger.ConfirmDelivery(h.ctx, shop, d.ID)
	require.NoError(t, err)
	d, err = h.ledger.Release(h.ctx, alice, d.ID)
	require.NoError(t, err)

	// simulate a crash after the settlement was marked in flight
	crashed := d.Clone()
	crashed.Settlement.State = domain.SettlementInFlight
	crashed.Settlement.Attempts = 1
	require.NoError(t, repo.Commit(h.ctx, Changeset{Deposits: []domain.Deposit{crashed}}))

	snap, err := repo.Load(h.ctx)
	require.NoError(t, err)

	restored := newHarness(t)
	restored.ledger.Restore(snap)
	got := restored.get(d.ID)
	assert.Equal(t, domain.SettlementFailed, got.Settlement.State)
	assert.Equal(t, "interrupted", got.Settlement.LastError)

	done, err := restored.ledger.RetryWithdraw(restored.ctx, alice, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositWithdrawn, done.Status)
	assert.Len(t, restored.transfers.Transfers(), 2)
	require.NoError(t, restored.ledger.CheckInvariants())
}

func TestRepository_AuditTrail(t *testing.T) {
	repo := newTestRepository(t)
	h := newHarness(t, withStore(repo))
	h.strategy("a", 10, 1000, "5")
	d := h.deposit(alice, shop, 100)
	_, err := h.ledger.ConfirmDelivery(h.ctx, shop, d.ID)
	require.NoError(t, err)
	_, err = h.ledger.Release(h.ctx, alice, d.ID)
	require.NoError(t, err)

	trail, err := repo.AuditTrail(h.ctx, d.ID)
	require.NoError(t, err)
	actions := make([]string, 0, len(trail))
	for _, e := range trail {
		actions = append(actions, e.Action)
		assert.Equal(t, d.ID, e.DepositID)
	}
	require.NotEmpty(t, actions)
	assert.Equal(t, "release", actions[len(actions)-1])
	assert.Contains(t, actions, "confirm_delivery")
	assert.Equal(t, shop, trail[len(trail)-2].Actor)
}
