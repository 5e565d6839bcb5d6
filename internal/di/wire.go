package di

import (
	"context"
	"fmt"

	"github.com/aristath/vaultledger/internal/config"
	"github.com/aristath/vaultledger/internal/modules/strategies"
	"github.com/aristath/vaultledger/internal/server"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Wire initializes all dependencies and returns a fully configured container.
// Order: databases, repositories, ledger and collaborators, background jobs,
// then the optional operations listener.
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	InitializeRepositories(container, log)

	if err := InitializeServices(ctx, container, log); err != nil {
		container.closeDatabases()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := RegisterJobs(ctx, container, log); err != nil {
		container.closeDatabases()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	if cfg.MetricsAddr != "" {
		container.Server = server.New(server.Config{
			Log:      log,
			Addr:     cfg.MetricsAddr,
			Ledger:   container.Ledger,
			Bus:      container.EventBus,
			Gatherer: container.MetricsRegistry,
			Jobs:     container.Scheduler,
			DevMode:  cfg.LogPretty,
		})
	}

	log.Info().Msg("Dependency injection complete")
	return container, nil
}

// AttachAdapter connects a registered strategy to its execution handle.
// Adapters live in the process and are not persisted, so a binary embedding
// the ledger attaches them after Wire and before Start.
func (c *Container) AttachAdapter(id string, adapter strategies.Adapter) error {
	if err := c.Registry.SetAdapter(id, adapter); err != nil {
		return fmt.Errorf("failed to attach adapter: %w", err)
	}
	return nil
}

// DetachedStrategies lists the registered strategies that have no adapter.
// Harvest and adapter sync skip them.
func (c *Container) DetachedStrategies() []string {
	var ids []string
	for _, s := range c.Registry.List() {
		if _, ok := c.Registry.Adapter(s.ID); !ok {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Start launches the scheduler, the rate feed and the operations listener.
// The rate feed stops when ctx is cancelled.
func (c *Container) Start(ctx context.Context, log zerolog.Logger) {
	if detached := c.DetachedStrategies(); len(detached) > 0 {
		log.Warn().
			Strs("strategies", detached).
			Msg("No adapter attached, harvest and adapter sync skip these strategies")
	}

	c.Scheduler.Start()

	if c.RateFeed != nil {
		ids := make([]string, 0)
		for _, s := range c.Ledger.Strategies() {
			ids = append(ids, s.ID)
		}
		if n := c.RateFeed.Replay(ctx, ids); n > 0 {
			log.Info().Int("replayed", n).Msg("Replayed cached rates")
		}
		go func() {
			if err := c.RateFeed.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Rate feed stopped")
			}
		}()
	}

	if c.Server != nil {
		go func() {
			if err := c.Server.Start(); err != nil {
				log.Error().Err(err).Msg("Operations server failed")
			}
		}()
	}
}

// Shutdown stops background work and closes the databases
func (c *Container) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	if c.Server != nil {
		if err := c.Server.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("server: %w", err))
		}
	}
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.LedgerDB != nil {
		if err := c.LedgerDB.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("ledger.db: %w", err))
		}
	}
	if c.CacheDB != nil {
		if err := c.CacheDB.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("cache.db: %w", err))
		}
	}
	return result.ErrorOrNil()
}
