package di

import (
	"context"
	"fmt"

	"github.com/aristath/vaultledger/internal/clientdata"
	"github.com/aristath/vaultledger/internal/metrics"
	"github.com/aristath/vaultledger/internal/reliability"
	"github.com/aristath/vaultledger/internal/scheduler"
	"github.com/rs/zerolog"
)

const (
	cacheCleanupSchedule   = "0 30 4 * * *"
	metricsRefreshSchedule = "*/15 * * * * *"
)

// RegisterJobs creates the scheduler and registers every background job.
// An empty schedule disables the job.
func RegisterJobs(ctx context.Context, container *Container, log zerolog.Logger) error {
	cfg := container.Config
	sched := scheduler.New(log)
	container.Scheduler = sched

	jobs := []struct {
		spec string
		job  scheduler.Job
	}{
		{cfg.Schedules.Rebalance, scheduler.NewRebalanceJob(container.Ledger, SchedulerActor, log)},
		{cfg.Schedules.Harvest, scheduler.NewHarvestJob(container.Ledger, SchedulerActor, log)},
		{cfg.Schedules.Invariants, scheduler.NewInvariantCheckJob(container.Ledger, container.EventManager, log)},
		{cfg.Schedules.ActivatePending, scheduler.NewActivatePendingJob(container.Ledger, SchedulerActor, log)},
		{cfg.Schedules.Maintenance, reliability.NewMaintenanceJob(
			[]reliability.MaintainedDB{container.LedgerDB, container.CacheDB}, cfg.DataDir, log)},
		{cacheCleanupSchedule, clientdata.NewCleanupJob(container.ClientDataRepo, log)},
		{metricsRefreshSchedule, metrics.NewRefreshJob(container.Metrics)},
	}

	if cfg.Backup.Enabled() {
		store, err := reliability.NewS3Client(ctx, reliability.S3Options{
			Bucket:          cfg.Backup.Bucket,
			Endpoint:        cfg.Backup.Endpoint,
			Region:          cfg.Backup.Region,
			AccessKeyID:     cfg.Backup.AccessKeyID,
			SecretAccessKey: cfg.Backup.SecretAccessKey,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to create backup store: %w", err)
		}
		container.Backup = reliability.NewBackupService(
			store,
			[]reliability.Snapshotter{container.LedgerDB, container.CacheDB},
			cfg.DataDir,
			cfg.Backup.Prefix,
			container.EventManager,
			log,
		)
		jobs = append(jobs, struct {
			spec string
			job  scheduler.Job
		}{cfg.Backup.Schedule, reliability.NewBackupJob(container.Backup, cfg.Backup.RetentionDays)})
	}

	for _, j := range jobs {
		if j.spec == "" {
			log.Info().Str("job", j.job.Name()).Msg("Job disabled")
			continue
		}
		if err := sched.AddJob(j.spec, j.job); err != nil {
			return fmt.Errorf("failed to register %s job: %w", j.job.Name(), err)
		}
	}

	log.Info().Strs("jobs", sched.Jobs()).Msg("Background jobs registered")
	return nil
}
