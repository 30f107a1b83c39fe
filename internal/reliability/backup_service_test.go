package reliability

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/arena/internal/events"
	testdb "github.com/aristath/arena/internal/testing"
)

type memStore struct {
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) Upload(ctx context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memStore) List(ctx context.Context, prefix string) ([]StoredObject, error) {
	var objects []StoredObject
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, StoredObject{Key: key, SizeBytes: int64(len(data))})
		}
	}
	return objects, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func newBackupFixture(t *testing.T, store ObjectStore, retentionDays int) *BackupService {
	t.Helper()

	ledgerDB, cleanup := testdb.NewTestDBWithSchema(t, "ledger",
		`CREATE TABLE IF NOT EXISTS sample (id TEXT PRIMARY KEY);`)
	t.Cleanup(cleanup)

	eventMgr := events.NewManager(events.NewBus(), zerolog.Nop())
	return NewBackupService(store, ledgerDB, t.TempDir(), "test-bucket", retentionDays, eventMgr, zerolog.Nop())
}

func TestRunUploadsSnapshotAndManifest(t *testing.T) {
	store := newMemStore()
	svc := newBackupFixture(t, store, 14)

	manifest, err := svc.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, manifest)

	assert.Equal(t, "ledger", manifest.Database)
	assert.Greater(t, manifest.SizeBytes, int64(0))
	assert.Len(t, manifest.Checksum, 64)

	// Both the snapshot and its manifest landed in the bucket.
	snapshot, ok := store.objects[manifest.Filename]
	require.True(t, ok, "snapshot uploaded")
	assert.Equal(t, manifest.SizeBytes, int64(len(snapshot)))

	manifestKey := strings.TrimSuffix(manifest.Filename, ".db") + ".manifest.json"
	data, ok := store.objects[manifestKey]
	require.True(t, ok, "manifest uploaded")
	assert.True(t, bytes.Contains(data, []byte(manifest.Checksum)))
}

func TestRotateKeepsMinimumBackups(t *testing.T) {
	store := newMemStore()
	svc := newBackupFixture(t, store, 7)

	// Five old snapshots, all past retention.
	base := time.Now().UTC().AddDate(0, 0, -30)
	for i := 0; i < 5; i++ {
		stamp := base.Add(time.Duration(i) * time.Hour).Format(backupStamp)
		store.objects[backupPrefix+stamp+".db"] = []byte("snapshot")
		store.objects[backupPrefix+stamp+".manifest.json"] = []byte("{}")
	}

	require.NoError(t, svc.Rotate(context.Background()))

	var remaining int
	for key := range store.objects {
		if strings.HasSuffix(key, ".db") {
			remaining++
		}
	}
	assert.Equal(t, minBackupsKept, remaining, "newest backups survive regardless of age")
}

func TestRotateSparesRecentBackups(t *testing.T) {
	store := newMemStore()
	svc := newBackupFixture(t, store, 7)

	for i := 0; i < 6; i++ {
		stamp := time.Now().UTC().Add(-time.Duration(i) * time.Hour).Format(backupStamp)
		store.objects[backupPrefix+stamp+".db"] = []byte("snapshot")
	}

	require.NoError(t, svc.Rotate(context.Background()))
	assert.Len(t, store.objects, 6, "nothing inside the retention window is deleted")
}

func TestListBackupsSkipsForeignKeys(t *testing.T) {
	store := newMemStore()
	svc := newBackupFixture(t, store, 0)

	stamp := time.Now().UTC().Format(backupStamp)
	store.objects[backupPrefix+stamp+".db"] = []byte("snapshot")
	store.objects[backupPrefix+stamp+".manifest.json"] = []byte("{}")
	store.objects[backupPrefix+"not-a-timestamp.db"] = []byte("junk")

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, backupPrefix+stamp+".db", backups[0].Key)
}
