// Package di provides dependency injection wiring for the vault ledger.
package di

import (
	"github.com/aristath/vaultledger/internal/clientdata"
	"github.com/aristath/vaultledger/internal/clients/ratefeed"
	"github.com/aristath/vaultledger/internal/config"
	"github.com/aristath/vaultledger/internal/database"
	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/internal/events"
	"github.com/aristath/vaultledger/internal/metrics"
	"github.com/aristath/vaultledger/internal/modules/access"
	"github.com/aristath/vaultledger/internal/modules/allocation"
	"github.com/aristath/vaultledger/internal/modules/escrow"
	"github.com/aristath/vaultledger/internal/modules/strategies"
	"github.com/aristath/vaultledger/internal/modules/yield"
	"github.com/aristath/vaultledger/internal/reliability"
	"github.com/aristath/vaultledger/internal/scheduler"
	"github.com/aristath/vaultledger/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// Service principals the background components act as. They are granted
// their roles by the configured admin during wiring.
const (
	SchedulerActor domain.Address = "system:scheduler"
	RateFeedActor  domain.Address = "system:ratefeed"
)

// Container holds all application dependencies
type Container struct {
	Config *config.Config

	// Databases
	LedgerDB *database.DB
	CacheDB  *database.DB

	// Repositories
	LedgerRepo     *escrow.Repository
	ClientDataRepo *clientdata.Repository

	// Components
	Guard    *access.Guard
	Registry *strategies.Registry
	Engine   *allocation.Engine
	Tracker  *yield.Tracker
	Ledger   *escrow.Ledger

	// Collaborators
	Compliance domain.ComplianceScreener
	Transfers  domain.TransferInitiator

	// Events
	EventBus     *events.Bus
	EventManager *events.Manager

	// Operations
	MetricsRegistry *prometheus.Registry
	Metrics         *metrics.Collector
	Scheduler       *scheduler.Scheduler
	RateFeed        *ratefeed.Feed           // nil when no feed is configured
	Backup          *reliability.BackupService // nil when backups are disabled
	Server          *server.Server             // nil when no listener is configured
}
