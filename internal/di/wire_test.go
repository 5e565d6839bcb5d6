package di

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aristath/vaultledger/internal/config"
	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/internal/modules/strategies"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const admin domain.Address = "0xadmin"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("VAULT_DATA_DIR", filepath.Join(t.TempDir(), "data"))
	t.Setenv("VAULT_ADMIN", string(admin))
	t.Setenv("COMPLIANCE_BLOCKLIST", "0xbad")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestWire(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	container, err := Wire(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Shutdown(ctx) })

	assert.True(t, container.Guard.HasRole(admin, domain.RoleAdmin))
	assert.True(t, container.Guard.HasRole(SchedulerActor, domain.RoleOperator))
	assert.True(t, container.Guard.HasRole(SchedulerActor, domain.RoleRebalancer))
	assert.True(t, container.Guard.HasRole(RateFeedActor, domain.RoleOperator))
	assert.Equal(t, domain.SystemRunning, container.Guard.State())

	assert.ElementsMatch(t, []string{
		"rebalance", "harvest", "invariant_check", "activate_pending",
		"maintenance", "cache_cleanup", "metrics_refresh",
	}, container.Scheduler.Jobs())

	assert.Nil(t, container.RateFeed)
	assert.Nil(t, container.Backup)
	assert.Nil(t, container.Server)

	verdict, err := container.Compliance.ScreenAddress(ctx, "0xBAD")
	require.NoError(t, err)
	assert.Equal(t, domain.ScreeningBlocked, verdict)
}

func TestWire_RestoresLedger(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first, err := Wire(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)

	_, err = first.Ledger.RegisterStrategy(ctx, admin, strategies.Params{
		ID:          "aave",
		Name:        "Aave",
		RiskScore:   10,
		CapAbsolute: fixedpoint.MustParseUnits("1000000", 6),
		RateWad:     fixedpoint.MustParseUnits("0.05", 18),
	})
	require.NoError(t, err)
	require.NoError(t, first.Ledger.Pause(ctx, admin))
	require.NoError(t, first.Shutdown(ctx))

	second, err := Wire(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)

	restored := second.Ledger.Strategies()
	require.Len(t, restored, 1)
	assert.Equal(t, "aave", restored[0].ID)
	assert.Equal(t, domain.SystemPaused, second.Guard.State())
	assert.True(t, second.Guard.HasRole(admin, domain.RoleAdmin))
	require.NoError(t, second.Shutdown(ctx))

	// a different configured admin does not displace the persisted one
	cfg.Vault.Admin = "0xsomeoneelse"
	third, err := Wire(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = third.Shutdown(ctx) })

	assert.True(t, third.Guard.HasRole(admin, domain.RoleAdmin))
	assert.False(t, third.Guard.HasRole("0xsomeoneelse", domain.RoleAdmin))
}

type harvestingAdapter struct {
	harvested uint256.Int
}

func (a harvestingAdapter) Rate(context.Context) (uint256.Int, error) {
	return fixedpoint.MustParseUnits("0.05", 18), nil
}

func (a harvestingAdapter) Capacity(context.Context) (uint256.Int, error) {
	return fixedpoint.MustParseUnits("500000", 6), nil
}

func (a harvestingAdapter) Harvest(context.Context) (uint256.Int, error) {
	return a.harvested, nil
}

func TestContainer_AttachAdapter(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	container, err := Wire(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Shutdown(ctx) })

	_, err = container.Ledger.RegisterStrategy(ctx, admin, strategies.Params{
		ID:          "aave",
		Name:        "Aave",
		RiskScore:   10,
		CapAbsolute: fixedpoint.MustParseUnits("1000000", 6),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"aave"}, container.DetachedStrategies())

	harvested, err := container.Ledger.Harvest(ctx, SchedulerActor)
	require.NoError(t, err)
	assert.Empty(t, harvested)

	err = container.AttachAdapter("missing", harvestingAdapter{})
	assert.ErrorIs(t, err, domain.ErrStrategyNotFound)

	adapter := harvestingAdapter{harvested: fixedpoint.MustParseUnits("12.5", 6)}
	require.NoError(t, container.AttachAdapter("aave", adapter))
	assert.Empty(t, container.DetachedStrategies())

	harvested, err = container.Ledger.Harvest(ctx, SchedulerActor)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint256.Int{"aave": adapter.harvested}, harvested)

	require.NoError(t, container.Ledger.SyncAdapters(ctx, SchedulerActor))
	synced := container.Ledger.Strategies()
	require.Len(t, synced, 1)
	assert.Equal(t, fixedpoint.MustParseUnits("500000", 6), synced[0].ExternalCapacity)
	assert.Equal(t, fixedpoint.MustParseUnits("0.05", 18), synced[0].RateWad)
}
