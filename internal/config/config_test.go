package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	t.Setenv("VAULT_DATA_DIR", dir)
	t.Setenv("VAULT_ADMIN", "admin")
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	dir := setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.DirExists(t, dir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "admin", cfg.Vault.Admin)
	assert.Equal(t, []string{"USDC"}, cfg.Vault.Assets)
	assert.Equal(t, 6, cfg.Vault.AssetDecimals)
	assert.Equal(t, 10, cfg.Vault.MaxStrategies)
	assert.Equal(t, time.Hour, cfg.Vault.RebalanceCooldown)
	assert.Zero(t, cfg.Vault.ReleaseTimeout)
	assert.False(t, cfg.Vault.HoldOnNoCapacity)
	assert.Equal(t, "0 */15 * * * *", cfg.Schedules.Rebalance)
	assert.False(t, cfg.Backup.Enabled())
	assert.Equal(t, "vault", cfg.MetricsNamespace)
	assert.Empty(t, cfg.RateFeedURL)
}

func TestLoad_Overrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("VAULT_ASSETS", "USDC, DAI,,")
	t.Setenv("VAULT_REBALANCE_COOLDOWN", "30m")
	t.Setenv("VAULT_RELEASE_TIMEOUT", "720h")
	t.Setenv("VAULT_HOLD_ON_NO_CAPACITY", "true")
	t.Setenv("VAULT_REBALANCE_OBJECTIVE", "maximize_yield")
	t.Setenv("VAULT_MAX_STRATEGIES", "not-a-number")
	t.Setenv("BACKUP_S3_BUCKET", "backups")
	t.Setenv("BACKUP_SCHEDULE", "@daily")
	t.Setenv("COMPLIANCE_BLOCKLIST", "0xbad")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"USDC", "DAI"}, cfg.Vault.Assets)
	assert.Equal(t, 30*time.Minute, cfg.Vault.RebalanceCooldown)
	assert.Equal(t, 720*time.Hour, cfg.Vault.ReleaseTimeout)
	assert.True(t, cfg.Vault.HoldOnNoCapacity)
	assert.Equal(t, "maximize_yield", cfg.Vault.RebalanceObjective)
	assert.Equal(t, 10, cfg.Vault.MaxStrategies)
	assert.True(t, cfg.Backup.Enabled())
	assert.Equal(t, "@daily", cfg.Backup.Schedule)
	assert.Equal(t, []string{"0xbad"}, cfg.Compliance.Blocklist)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"missing admin", "VAULT_ADMIN", ""},
		{"unknown objective", "VAULT_REBALANCE_OBJECTIVE", "moon"},
		{"bad schedule", "VAULT_HARVEST_SCHEDULE", "every tuesday"},
		{"bad decimals", "VAULT_ASSET_DECIMALS", "99"},
		{"negative cache", "COMPLIANCE_CACHE_SIZE", "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}
