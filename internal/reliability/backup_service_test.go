package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aristath/vaultledger/internal/events"
	testingpkg "github.com/aristath/vaultledger/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
	deleteErr map[string]error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte), deleteErr: make(map[string]error)}
}

func (m *memStore) Upload(_ context.Context, key string, body io.Reader) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectInfo
	for k, v := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	if err := m.deleteErr[key]; err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type recordingEmitter struct {
	emitted []events.EventData
}

func (r *recordingEmitter) EmitTyped(_ string, data events.EventData) {
	r.emitted = append(r.emitted, data)
}

func readArchive(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	files := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = content
	}
	return files
}

func TestCreateAndUpload(t *testing.T) {
	ledgerDB, cleanupLedger := testingpkg.NewTestDB(t, "ledger")
	t.Cleanup(cleanupLedger)
	cacheDB, cleanupCache := testingpkg.NewTestDB(t, "cache")
	t.Cleanup(cleanupCache)

	store := newMemStore()
	emitter := &recordingEmitter{}
	svc := NewBackupService(store, []Snapshotter{ledgerDB, cacheDB}, t.TempDir(), "vault-backup-", emitter, zerolog.Nop())
	svc.nowFn = func() time.Time { return time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC) }

	key, err := svc.CreateAndUpload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "vault-backup-2026-03-01-123000.tar.gz", key)

	files := readArchive(t, store.objects[key])
	assert.Contains(t, files, "ledger.db")
	assert.Contains(t, files, "cache.db")

	var meta BackupMetadata
	require.NoError(t, json.Unmarshal(files[metadataFile], &meta))
	require.Len(t, meta.Databases, 2)
	assert.Equal(t, "ledger", meta.Databases[0].Name)
	assert.Equal(t, int64(len(files["ledger.db"])), meta.Databases[0].SizeBytes)
	assert.Contains(t, meta.Databases[0].Checksum, "sha256:")

	require.Len(t, emitter.emitted, 1)
	done, ok := emitter.emitted[0].(*events.BackupCompletedData)
	require.True(t, ok)
	assert.Equal(t, key, done.Key)
	assert.Equal(t, int64(len(store.objects[key])), done.SizeBytes)
}

func TestCreateAndUpload_UploadFailure(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	t.Cleanup(cleanup)

	store := newMemStore()
	store.uploadErr = errors.New("bucket gone")
	emitter := &recordingEmitter{}
	svc := NewBackupService(store, []Snapshotter{db}, t.TempDir(), "vault-backup-", emitter, zerolog.Nop())

	_, err := svc.CreateAndUpload(context.Background())
	assert.Error(t, err)
	assert.Empty(t, emitter.emitted)
}

func TestListAndRotate(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	for _, day := range []int{1, 2, 3, 25, 30} {
		key := "vault-backup-" + time.Date(2026, 3, day, 0, 0, 0, 0, time.UTC).Format(archiveTimeFormat) + ".tar.gz"
		store.objects[key] = []byte("x")
	}
	store.objects["vault-backup-garbage.tar.gz"] = []byte("x")
	store.objects["other/file"] = []byte("x")

	svc := NewBackupService(store, nil, t.TempDir(), "vault-backup-", nil, zerolog.Nop())
	svc.nowFn = func() time.Time { return now }
	ctx := context.Background()

	backups, err := svc.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, backups, 5)
	assert.Equal(t, 30, backups[0].Timestamp.Day())

	deleted, err := svc.RotateOldBackups(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	// keeps the newest three even when they are old, deletes the rest past the cutoff
	deleted, err = svc.RotateOldBackups(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	backups, err = svc.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, 3, backups[2].Timestamp.Day())
}

func TestBackupJob(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	t.Cleanup(cleanup)

	store := newMemStore()
	job := NewBackupJob(NewBackupService(store, []Snapshotter{db}, t.TempDir(), "b-", nil, zerolog.Nop()), 30)
	assert.Equal(t, "backup", job.Name())
	require.NoError(t, job.Run())
	assert.Len(t, store.keys(), 1)
}
