package di

import (
	"context"
	"fmt"

	"github.com/aristath/vaultledger/internal/clientdata"
	"github.com/aristath/vaultledger/internal/clients/compliance"
	"github.com/aristath/vaultledger/internal/clients/ratefeed"
	"github.com/aristath/vaultledger/internal/clients/transfer"
	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/internal/events"
	"github.com/aristath/vaultledger/internal/metrics"
	"github.com/aristath/vaultledger/internal/modules/access"
	"github.com/aristath/vaultledger/internal/modules/allocation"
	"github.com/aristath/vaultledger/internal/modules/escrow"
	"github.com/aristath/vaultledger/internal/modules/strategies"
	"github.com/aristath/vaultledger/internal/modules/yield"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// InitializeRepositories creates the repositories over the open databases
func InitializeRepositories(container *Container, log zerolog.Logger) {
	container.LedgerRepo = escrow.NewRepository(container.LedgerDB.Conn(), log)
	container.ClientDataRepo = clientdata.NewRepository(container.CacheDB.Conn())
}

// InitializeServices restores the ledger from the ledger database and builds
// its components and collaborators
func InitializeServices(ctx context.Context, container *Container, log zerolog.Logger) error {
	cfg := container.Config
	admin := domain.Address(cfg.Vault.Admin)

	snap, err := container.LedgerRepo.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}

	// First start: persist the bootstrap admin so later restarts restore it
	if len(snap.Roles) == 0 {
		bootstrap := escrow.Changeset{
			Roles: []escrow.RoleChange{{Principal: admin, Role: domain.RoleAdmin, Granted: true}},
		}
		if err := container.LedgerRepo.Commit(ctx, bootstrap); err != nil {
			return fmt.Errorf("failed to persist bootstrap admin: %w", err)
		}
		snap.Roles = map[domain.Address][]domain.Role{admin: {domain.RoleAdmin}}
		log.Info().Str("admin", string(admin)).Msg("Bootstrap admin persisted")
	}

	container.Guard, err = access.Restore(snap.Roles, snap.SystemState, log)
	if err != nil {
		return fmt.Errorf("failed to restore access control: %w", err)
	}

	objective, err := allocation.ObjectiveByName(cfg.Vault.RebalanceObjective)
	if err != nil {
		return err
	}
	container.Registry = strategies.NewRegistry(log)
	container.Engine = allocation.NewEngine(container.Registry, allocation.Config{
		MaxStrategies: cfg.Vault.MaxStrategies,
		Cooldown:      cfg.Vault.RebalanceCooldown,
		Objective:     objective,
	}, log)
	container.Tracker = yield.NewTracker(log)

	if err := initializeCollaborators(container, log); err != nil {
		return err
	}

	container.EventBus = events.NewBus(log)
	container.EventManager = events.NewManager(container.EventBus, log)

	assets := make([]domain.Asset, 0, len(cfg.Vault.Assets))
	for _, a := range cfg.Vault.Assets {
		assets = append(assets, domain.Asset(a))
	}

	container.Ledger, err = escrow.New(escrow.Dependencies{
		Guard:      container.Guard,
		Registry:   container.Registry,
		Engine:     container.Engine,
		Tracker:    container.Tracker,
		Store:      container.LedgerRepo,
		Compliance: container.Compliance,
		Transfers:  container.Transfers,
		Events:     container.EventManager,
	}, escrow.Config{
		Assets:                     assets,
		ReleaseTimeout:             cfg.Vault.ReleaseTimeout,
		HoldOnInsufficientCapacity: cfg.Vault.HoldOnNoCapacity,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create ledger: %w", err)
	}
	container.Ledger.Restore(snap)
	log.Warn().Msg("No strategy executor configured, allocations are tracked in accounting only")

	grantServiceRoles(ctx, container, admin, log)

	container.MetricsRegistry = prometheus.NewRegistry()
	container.MetricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	container.Metrics = metrics.NewCollector(container.MetricsRegistry, cfg.MetricsNamespace, container.Ledger, log)
	container.Metrics.Subscribe(container.EventBus)
	container.Metrics.Refresh()

	if cfg.RateFeedURL != "" {
		container.RateFeed = ratefeed.New(cfg.RateFeedURL, container.Ledger, RateFeedActor, container.ClientDataRepo, log)
	}

	log.Info().
		Int("deposits", len(snap.Deposits)).
		Int("strategies", len(snap.Strategies)).
		Str("state", string(snap.SystemState)).
		Msg("Ledger restored")
	return nil
}

func initializeCollaborators(container *Container, log zerolog.Logger) error {
	cfg := container.Config

	var screener domain.ComplianceScreener
	if cfg.Compliance.URL != "" {
		screener = compliance.NewHTTPScreener(cfg.Compliance.URL, cfg.Compliance.Timeout, log)
	} else {
		log.Info().Int("blocklist", len(cfg.Compliance.Blocklist)).Msg("Using static compliance blocklist")
		screener = compliance.NewStaticScreener(cfg.Compliance.Blocklist)
	}
	if cfg.Compliance.CacheSize > 0 {
		cached, err := compliance.NewCachedScreener(screener, cfg.Compliance.CacheSize, cfg.Compliance.CacheTTL, container.ClientDataRepo, log)
		if err != nil {
			return fmt.Errorf("failed to create screening cache: %w", err)
		}
		screener = cached
	}
	container.Compliance = screener

	var initiator domain.TransferInitiator
	if cfg.Transfer.URL != "" {
		initiator = transfer.NewHTTPInitiator(cfg.Transfer.URL, cfg.Transfer.Timeout, log)
	} else {
		log.Info().Msg("Using local same-chain settlement")
		initiator = transfer.NewLocalInitiator(log)
	}
	container.Transfers = transfer.NewRetryingInitiator(initiator, cfg.Transfer.MaxRetries, cfg.Transfer.BaseBackoff, log)
	return nil
}

// grantServiceRoles lets the background components act. Failures are logged
// so that a restored ledger whose admin changed still starts.
func grantServiceRoles(ctx context.Context, container *Container, admin domain.Address, log zerolog.Logger) {
	grants := []struct {
		principal domain.Address
		role      domain.Role
	}{
		{SchedulerActor, domain.RoleOperator},
		{SchedulerActor, domain.RoleRebalancer},
		{RateFeedActor, domain.RoleOperator},
	}
	for _, g := range grants {
		if err := container.Ledger.GrantRole(ctx, admin, g.principal, g.role); err != nil {
			log.Warn().
				Err(err).
				Str("principal", string(g.principal)).
				Str("role", string(g.role)).
				Msg("Failed to grant service role")
		}
	}
}
