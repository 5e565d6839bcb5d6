package clientdata

import (
	"encoding/json"
	"testing"
	"time"

	testingpkg "github.com/aristath/vaultledger/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verdict struct {
	Result string `json:"result"`
}

func setupRepo(t *testing.T) *Repository {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "cache")
	t.Cleanup(cleanup)
	return NewRepository(db.Conn())
}

func TestStoreAndGetIfFresh(t *testing.T) {
	repo := setupRepo(t)

	require.NoError(t, repo.Store(TableScreening, "0xabc", verdict{Result: "allowed"}, time.Hour))

	data, err := repo.GetIfFresh(TableScreening, "0xabc")
	require.NoError(t, err)
	require.NotNil(t, data)
	var got verdict
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "allowed", got.Result)

	// upsert replaces
	require.NoError(t, repo.Store(TableScreening, "0xabc", verdict{Result: "blocked"}, time.Hour))
	data, err = repo.GetIfFresh(TableScreening, "0xabc")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "blocked", got.Result)

	missing, err := repo.GetIfFresh(TableScreening, "0xnone")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestExpiredDataIsStaleOnly(t *testing.T) {
	repo := setupRepo(t)

	require.NoError(t, repo.Store(TableRateFeed, "aave", map[string]string{"rate": "5"}, -time.Hour))

	fresh, err := repo.GetIfFresh(TableRateFeed, "aave")
	require.NoError(t, err)
	assert.Nil(t, fresh)

	stale, err := repo.Get(TableRateFeed, "aave")
	require.NoError(t, err)
	assert.JSONEq(t, `{"rate":"5"}`, string(stale))
}

func TestInvalidTable(t *testing.T) {
	repo := setupRepo(t)

	assert.Error(t, repo.Store("deposits; DROP TABLE deposits", "k", 1, time.Hour))
	_, err := repo.GetIfFresh("nope", "k")
	assert.Error(t, err)
	_, err = repo.Get("nope", "k")
	assert.Error(t, err)
	assert.Error(t, repo.Delete("nope", "k"))
	_, err = repo.DeleteExpiredBefore("nope", time.Now())
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	repo := setupRepo(t)

	require.NoError(t, repo.Store(TableScreening, "gone", verdict{Result: "allowed"}, time.Hour))
	require.NoError(t, repo.Delete(TableScreening, "gone"))
	gone, err := repo.Get(TableScreening, "gone")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestCleanupJob_PurgesPerTable(t *testing.T) {
	repo := setupRepo(t)

	require.NoError(t, repo.Store(TableScreening, "fresh", verdict{Result: "allowed"}, time.Hour))
	require.NoError(t, repo.Store(TableScreening, "stale", verdict{Result: "blocked"}, -time.Hour))
	require.NoError(t, repo.Store(TableScreening, "ancient", verdict{Result: "blocked"}, -TTLScreeningStale-time.Hour))
	require.NoError(t, repo.Store(TableRateFeed, "aave", map[string]string{"rate_pct": "4"}, time.Hour))
	require.NoError(t, repo.Store(TableRateFeed, "comp", map[string]string{"rate_pct": "2"}, -time.Minute))

	job := NewCleanupJob(repo, zerolog.Nop())
	assert.Equal(t, "cache_cleanup", job.Name())

	report, err := job.Purge()
	require.NoError(t, err)
	assert.Equal(t, CleanupReport{Screening: 1, RateFeed: 1}, report)
	assert.Equal(t, int64(2), report.Total())

	// expired verdicts stay available as an outage fallback until the grace ends
	for key, present := range map[string]bool{"fresh": true, "stale": true, "ancient": false} {
		data, err := repo.Get(TableScreening, key)
		require.NoError(t, err)
		assert.Equal(t, present, data != nil, key)
	}
	for key, present := range map[string]bool{"aave": true, "comp": false} {
		data, err := repo.Get(TableRateFeed, key)
		require.NoError(t, err)
		assert.Equal(t, present, data != nil, key)
	}

	require.NoError(t, job.Run())
	report, err = job.Purge()
	require.NoError(t, err)
	assert.Zero(t, report.Total())
}

func TestCleanupJob_GraceFollowsClock(t *testing.T) {
	repo := setupRepo(t)
	require.NoError(t, repo.Store(TableScreening, "stale", verdict{Result: "blocked"}, -time.Hour))

	job := NewCleanupJob(repo, zerolog.Nop())
	job.now = func() time.Time { return time.Now().Add(TTLScreeningStale) }

	report, err := job.Purge()
	require.NoError(t, err)
	assert.Equal(t, CleanupReport{Screening: 1}, report)
}
