package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AvaProtocol/ap-wallet/pkg/logger"
	"github.com/AvaProtocol/ap-wallet/storage"
)

func newDB(t *testing.T) storage.Storage {
	t.Helper()
	db, err := storage.New(&storage.Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPeriodicBackup(t *testing.T) {
	db := newDB(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	service := NewService(logger.NewNoOpLogger(), db, t.TempDir())

	require.NoError(t, service.StartPeriodicBackup(time.Hour))
	assert.Error(t, service.StartPeriodicBackup(time.Hour), "starting twice")

	service.StopPeriodicBackup()
	// stopping again is a no-op
	service.StopPeriodicBackup()

	require.NoError(t, service.StartPeriodicBackup(time.Hour))
	service.StopPeriodicBackup()

	assert.Error(t, service.StartPeriodicBackup(0))
}

func TestBackupAndRestore(t *testing.T) {
	src := newDB(t)
	require.NoError(t, src.Set([]byte("journal:op:01"), []byte(`{"status":"pending"}`)))

	service := NewService(logger.NewNoOpLogger(), src, t.TempDir())
	file, err := service.PerformBackup(context.Background())
	require.NoError(t, err)
	_, err = os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, snapshotName, filepath.Base(file))

	dst := newDB(t)
	require.NoError(t, NewService(logger.NewNoOpLogger(), dst, t.TempDir()).Restore(context.Background(), file))
	v, err := dst.GetKey([]byte("journal:op:01"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"pending"}`, string(v))

	err = service.Restore(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	service := NewService(logger.NewNoOpLogger(), newDB(t), dir)
	service.Keep = 2

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		at := start.Add(time.Duration(i) * time.Minute)
		service.now = func() time.Time { return at }
		_, err := service.PerformBackup(context.Background())
		require.NoError(t, err)
	}

	require.NoError(t, service.Prune())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "26-01-01-00-02-00", entries[0].Name())
	assert.Equal(t, "26-01-01-00-03-00", entries[1].Name())
}
