package di

import (
	"fmt"
	"path/filepath"

	"github.com/aristath/vaultledger/internal/config"
	"github.com/aristath/vaultledger/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens and migrates both databases:
//   - ledger.db: deposits, strategies, roles and the audit trail
//   - cache.db: screening verdicts and the last seen rates
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{Config: cfg}

	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger.db: %w", err)
	}
	container.LedgerDB = ledgerDB

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		ledgerDB.Close()
		return nil, fmt.Errorf("failed to initialize cache.db: %w", err)
	}
	container.CacheDB = cacheDB

	for _, db := range []*database.DB{ledgerDB, cacheDB} {
		if err := db.Migrate(); err != nil {
			container.closeDatabases()
			return nil, fmt.Errorf("failed to migrate %s: %w", db.Name(), err)
		}
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("Databases initialized")
	return container, nil
}

func (c *Container) closeDatabases() {
	if c.CacheDB != nil {
		c.CacheDB.Close()
	}
	if c.LedgerDB != nil {
		c.LedgerDB.Close()
	}
}
