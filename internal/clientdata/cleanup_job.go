package clientdata

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// CleanupReport counts the rows purged from each cache table
type CleanupReport struct {
	Screening int64
	RateFeed  int64
}

// Total is the number of rows purged across both tables
func (r CleanupReport) Total() int64 {
	return r.Screening + r.RateFeed
}

// CleanupJob purges cache.db.
//
// Rate-feed rows are dropped once expired: restart replay only reads fresh
// rates. Screening verdicts outlive their TTL by TTLScreeningStale because the
// screener still serves an expired Blocked verdict while the provider is down.
type CleanupJob struct {
	repo *Repository
	log  zerolog.Logger
	now  func() time.Time
}

// NewCleanupJob creates the cache cleanup job
func NewCleanupJob(repo *Repository, log zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		repo: repo,
		log:  log.With().Str("job", "cache_cleanup").Logger(),
		now:  time.Now,
	}
}

// Purge deletes what each table no longer needs. A failure on the screening
// table still lets the rate-feed table be purged.
func (j *CleanupJob) Purge() (CleanupReport, error) {
	now := j.now()
	var report CleanupReport
	var firstErr error

	n, err := j.repo.DeleteExpiredBefore(TableScreening, now.Add(-TTLScreeningStale))
	if err != nil {
		firstErr = fmt.Errorf("screening cache: %w", err)
	}
	report.Screening = n

	n, err = j.repo.DeleteExpiredBefore(TableRateFeed, now)
	if err != nil && firstErr == nil {
		firstErr = fmt.Errorf("rate feed cache: %w", err)
	}
	report.RateFeed = n

	return report, firstErr
}

// Run implements scheduler.Job
func (j *CleanupJob) Run() error {
	report, err := j.Purge()
	if err != nil {
		j.log.Error().Err(err).Msg("Cache cleanup failed")
		return err
	}
	if report.Total() > 0 {
		j.log.Info().
			Int64("screening_verdicts", report.Screening).
			Int64("rate_updates", report.RateFeed).
			Msg("Purged expired cache entries")
	}
	return nil
}

// Name implements scheduler.Job
func (j *CleanupJob) Name() string {
	return "cache_cleanup"
}
