// Package metrics exports ledger state and lifecycle events as Prometheus
// collectors.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/internal/events"
	"github.com/aristath/vaultledger/internal/modules/allocation"
	"github.com/aristath/vaultledger/internal/modules/escrow"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Source is the read side of the ledger the collector samples
type Source interface {
	Stats() escrow.Stats
	Report() allocation.Report
	Strategies() []domain.Strategy
}

// Collector holds every vault metric
type Collector struct {
	source Source
	log    zerolog.Logger
	mu     sync.Mutex

	invested *prometheus.GaugeVec
	deposits *prometheus.GaugeVec
	apy      prometheus.Gauge
	paused   prometheus.Gauge

	strategyAllocated   *prometheus.GaugeVec
	strategyUtilization *prometheus.GaugeVec
	strategyRate        *prometheus.GaugeVec

	events       *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	rebalances   *prometheus.CounterVec
	harvested    *prometheus.CounterVec
	settleFailed prometheus.Counter
	violations   prometheus.Counter

	backupTime prometheus.Gauge
	backupSize prometheus.Gauge
}

// NewCollector registers the vault metrics under namespace. source may be nil
// when only event counters are wanted.
func NewCollector(registerer prometheus.Registerer, namespace string, source Source, log zerolog.Logger) *Collector {
	f := promauto.With(registerer)
	return &Collector{
		source: source,
		log:    log.With().Str("component", "metrics").Logger(),

		invested: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "funds_base_units",
			Help:      "funds held by the vault, by bucket (invested is the total value locked)",
		}, []string{"bucket"}),
		deposits: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deposits",
			Help:      "number of deposits by status",
		}, []string{"status"}),
		apy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "apy_percent",
			Help:      "allocation-weighted annual rate of the vault",
		}),
		paused: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paused",
			Help:      "1 while the circuit breaker is engaged",
		}),

		strategyAllocated: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "allocated_base_units",
			Help:      "funds allocated to a strategy",
		}, []string{"strategy"}),
		strategyUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "utilization_ratio",
			Help:      "allocated divided by absolute cap",
		}, []string{"strategy"}),
		strategyRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "rate_percent",
			Help:      "last reported annual rate of a strategy",
		}, []string{"strategy"}),

		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "lifecycle events emitted, by type",
		}, []string{"type"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposit_transitions_total",
			Help:      "deposit status transitions",
		}, []string{"from", "to"}),
		rebalances: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalances_total",
			Help:      "rebalance attempts by result",
		}, []string{"result"}),
		harvested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "harvested_base_units_total",
			Help:      "yield realized from a strategy adapter",
		}, []string{"strategy"}),
		settleFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_failures_total",
			Help:      "payout legs the transfer collaborator failed",
		}),
		violations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "violations found by the invariant self-check",
		}),

		backupTime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "last_success_timestamp_seconds",
			Help:      "unix time of the last completed backup",
		}),
		backupSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "last_size_bytes",
			Help:      "size of the last uploaded backup archive",
		}),
	}
}

// Subscribe feeds the collector from every event on the bus
func (c *Collector) Subscribe(bus *events.Bus) {
	bus.SubscribeAll(c.Handle)
}

// Handle updates counters for one event and resamples the ledger
func (c *Collector) Handle(event *events.Event) {
	c.events.WithLabelValues(string(event.Type)).Inc()

	switch event.Type {
	case events.DepositCreated:
		var d events.DepositCreatedData
		if c.decode(event, &d) {
			c.transitions.WithLabelValues("", d.Status).Inc()
		}
	case events.DepositStatusChanged:
		var d events.DepositStatusChangedData
		if c.decode(event, &d) {
			c.transitions.WithLabelValues(d.From, d.To).Inc()
		}
	case events.RebalanceCompleted:
		c.rebalances.WithLabelValues("completed").Inc()
	case events.RebalanceFailed:
		c.rebalances.WithLabelValues("failed").Inc()
	case events.WithdrawalFailed:
		c.settleFailed.Inc()
	case events.YieldHarvested:
		var d events.YieldHarvestedData
		if c.decode(event, &d) {
			if v, err := strconv.ParseFloat(d.Amount, 64); err == nil {
				c.harvested.WithLabelValues(d.StrategyID).Add(v)
			}
		}
	case events.InvariantViolation:
		var d events.InvariantViolationData
		if c.decode(event, &d) {
			c.violations.Add(float64(len(d.Violations)))
		}
	case events.BackupCompleted:
		var d events.BackupCompletedData
		if c.decode(event, &d) {
			c.backupTime.Set(float64(event.Timestamp.Unix()))
			c.backupSize.Set(float64(d.SizeBytes))
		}
	}

	c.Refresh()
}

func (c *Collector) decode(event *events.Event, v events.EventData) bool {
	if err := events.Decode(event, v); err != nil {
		c.log.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Failed to decode event")
		return false
	}
	return true
}

// Refresh samples ledger totals into the gauges
func (c *Collector) Refresh() {
	if c.source == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.source.Stats()
	c.invested.WithLabelValues("invested").Set(fixedpoint.ToFloat(stats.Invested))
	c.invested.WithLabelValues("pending").Set(fixedpoint.ToFloat(stats.Pending))
	c.invested.WithLabelValues("payable").Set(fixedpoint.ToFloat(stats.Payable))
	c.invested.WithLabelValues("treasury").Set(fixedpoint.ToFloat(stats.Treasury))

	c.deposits.Reset()
	for status, n := range stats.Deposits {
		c.deposits.WithLabelValues(string(status)).Set(float64(n))
	}

	apy, _ := strconv.ParseFloat(fixedpoint.FormatRatePercent(stats.APY), 64)
	c.apy.Set(apy)
	if stats.State == domain.SystemPaused {
		c.paused.Set(1)
	} else {
		c.paused.Set(0)
	}

	report := c.source.Report()
	for _, s := range c.source.Strategies() {
		c.strategyAllocated.WithLabelValues(s.ID).Set(fixedpoint.ToFloat(s.Allocated))
		rate, _ := strconv.ParseFloat(fixedpoint.FormatRatePercent(s.RateWad), 64)
		c.strategyRate.WithLabelValues(s.ID).Set(rate)
		if u, ok := report.Utilization[s.ID]; ok {
			c.strategyUtilization.WithLabelValues(s.ID).Set(u)
		}
	}
}

// RefreshJob resamples the ledger on a schedule so gauges stay current
// between events
type RefreshJob struct {
	collector *Collector
}

// NewRefreshJob creates the job
func NewRefreshJob(c *Collector) *RefreshJob {
	return &RefreshJob{collector: c}
}

// Name returns the job name
func (j *RefreshJob) Name() string {
	return "metrics_refresh"
}

// Run executes the job
func (j *RefreshJob) Run() error {
	start := time.Now()
	j.collector.Refresh()
	j.collector.log.Debug().Dur("duration", time.Since(start)).Msg("Metrics refreshed")
	return nil
}
