// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/vaultledger/internal/modules/allocation"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds application configuration
type Config struct {
	DataDir   string // Base directory for all databases (defaults to "./data", always absolute)
	LogLevel  string
	LogPretty bool

	Vault      *VaultConfig
	Schedules  *ScheduleConfig
	Compliance *ComplianceConfig
	Transfer   *TransferConfig
	Backup     *BackupConfig

	RateFeedURL      string // empty disables the websocket rate feed
	MetricsNamespace string
	MetricsAddr      string // empty disables the /metrics listener
}

// VaultConfig holds ledger settings
type VaultConfig struct {
	Admin              string // bootstrap admin, persisted on first start
	Assets             []string
	AssetDecimals      int
	MaxStrategies      int
	RebalanceCooldown  time.Duration
	RebalanceObjective string
	ReleaseTimeout     time.Duration // 0 = merchant confirmation required
	HoldOnNoCapacity   bool
}

// ScheduleConfig holds cron specs for background jobs (seconds field first)
type ScheduleConfig struct {
	Rebalance       string
	Harvest         string
	Invariants      string
	ActivatePending string
	Maintenance     string
}

// ComplianceConfig holds compliance screening settings
type ComplianceConfig struct {
	URL       string // empty = static blocklist screener
	Blocklist []string
	CacheSize int
	CacheTTL  time.Duration
	Timeout   time.Duration
}

// TransferConfig holds transfer collaborator settings
type TransferConfig struct {
	URL         string // empty = same-chain local settlement
	MaxRetries  uint64
	BaseBackoff time.Duration
	Timeout     time.Duration
}

// BackupConfig holds S3-compatible backup settings
type BackupConfig struct {
	Bucket          string // empty disables backups
	Prefix          string
	Endpoint        string // custom endpoint for S3-compatible stores (R2, MinIO)
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Schedule        string
	RetentionDays   int
}

// Enabled reports whether a backup bucket is configured
func (c *BackupConfig) Enabled() bool {
	return c != nil && c.Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("VAULT_DATA_DIR", "./data")

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:          absDataDir,
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogPretty:        getEnvAsBool("LOG_PRETTY", false),
		Vault:            loadVaultConfig(),
		Schedules:        loadScheduleConfig(),
		Compliance:       loadComplianceConfig(),
		Transfer:         loadTransferConfig(),
		Backup:           loadBackupConfig(),
		RateFeedURL:      getEnv("RATE_FEED_URL", ""),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "vault"),
		MetricsAddr:      getEnv("METRICS_ADDR", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Vault.Admin == "" {
		return fmt.Errorf("VAULT_ADMIN is required")
	}
	if len(c.Vault.Assets) == 0 {
		return fmt.Errorf("VAULT_ASSETS must list at least one asset")
	}
	if c.Vault.AssetDecimals < 0 || c.Vault.AssetDecimals > 36 {
		return fmt.Errorf("VAULT_ASSET_DECIMALS out of range: %d", c.Vault.AssetDecimals)
	}
	if c.Vault.RebalanceCooldown < 0 || c.Vault.ReleaseTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if _, err := allocation.ObjectiveByName(c.Vault.RebalanceObjective); err != nil {
		return err
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	specs := map[string]string{
		"VAULT_REBALANCE_SCHEDULE":   c.Schedules.Rebalance,
		"VAULT_HARVEST_SCHEDULE":     c.Schedules.Harvest,
		"VAULT_INVARIANT_SCHEDULE":   c.Schedules.Invariants,
		"VAULT_ACTIVATE_SCHEDULE":    c.Schedules.ActivatePending,
		"VAULT_MAINTENANCE_SCHEDULE": c.Schedules.Maintenance,
	}
	if c.Backup.Enabled() {
		specs["BACKUP_SCHEDULE"] = c.Backup.Schedule
	}
	for key, spec := range specs {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, spec, err)
		}
	}

	if c.Compliance.CacheSize < 0 {
		return fmt.Errorf("COMPLIANCE_CACHE_SIZE must not be negative")
	}
	return nil
}

func loadVaultConfig() *VaultConfig {
	return &VaultConfig{
		Admin:              getEnv("VAULT_ADMIN", ""),
		Assets:             getEnvAsList("VAULT_ASSETS", []string{"USDC"}),
		AssetDecimals:      getEnvAsInt("VAULT_ASSET_DECIMALS", 6),
		MaxStrategies:      getEnvAsInt("VAULT_MAX_STRATEGIES", allocation.DefaultMaxStrategies),
		RebalanceCooldown:  getEnvAsDuration("VAULT_REBALANCE_COOLDOWN", time.Hour),
		RebalanceObjective: getEnv("VAULT_REBALANCE_OBJECTIVE", "equalize_utilization"),
		ReleaseTimeout:     getEnvAsDuration("VAULT_RELEASE_TIMEOUT", 0),
		HoldOnNoCapacity:   getEnvAsBool("VAULT_HOLD_ON_NO_CAPACITY", false),
	}
}

func loadScheduleConfig() *ScheduleConfig {
	return &ScheduleConfig{
		Rebalance:       getEnv("VAULT_REBALANCE_SCHEDULE", "0 */15 * * * *"),
		Harvest:         getEnv("VAULT_HARVEST_SCHEDULE", "0 0 * * * *"),
		Invariants:      getEnv("VAULT_INVARIANT_SCHEDULE", "0 */5 * * * *"),
		ActivatePending: getEnv("VAULT_ACTIVATE_SCHEDULE", "30 */5 * * * *"),
		Maintenance:     getEnv("VAULT_MAINTENANCE_SCHEDULE", "0 0 3 * * *"),
	}
}

func loadComplianceConfig() *ComplianceConfig {
	return &ComplianceConfig{
		URL:       getEnv("COMPLIANCE_URL", ""),
		Blocklist: getEnvAsList("COMPLIANCE_BLOCKLIST", nil),
		CacheSize: getEnvAsInt("COMPLIANCE_CACHE_SIZE", 4096),
		CacheTTL:  getEnvAsDuration("COMPLIANCE_CACHE_TTL", 24*time.Hour),
		Timeout:   getEnvAsDuration("COMPLIANCE_TIMEOUT", 10*time.Second),
	}
}

func loadTransferConfig() *TransferConfig {
	return &TransferConfig{
		URL:         getEnv("TRANSFER_URL", ""),
		MaxRetries:  uint64(getEnvAsInt("TRANSFER_MAX_RETRIES", 3)),
		BaseBackoff: getEnvAsDuration("TRANSFER_BACKOFF", 500*time.Millisecond),
		Timeout:     getEnvAsDuration("TRANSFER_TIMEOUT", 30*time.Second),
	}
}

func loadBackupConfig() *BackupConfig {
	return &BackupConfig{
		Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
		Prefix:          getEnv("BACKUP_S3_PREFIX", "vault-backup-"),
		Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
		Region:          getEnv("BACKUP_S3_REGION", "auto"),
		AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
		Schedule:        getEnv("BACKUP_SCHEDULE", "0 0 2 * * *"),
		RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma separated value, dropping blanks
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
