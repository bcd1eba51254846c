package storage

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T, inMemory bool) Storage {
	t.Helper()
	db, err := New(&Config{Path: t.TempDir(), InMemory: inMemory})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetGet(t *testing.T) {
	db := newTestStorage(t, false)

	require.NoError(t, db.Set([]byte("op:1"), []byte("a")))
	v, err := db.GetKey([]byte("op:1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v)

	_, err = db.GetKey([]byte("op:2"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPrefixScans(t *testing.T) {
	db := newTestStorage(t, true)

	require.NoError(t, db.Batch(map[string][]byte{
		"s:p:01": {},
		"s:p:02": {},
		"s:s:03": {},
		"op:01":  []byte("x"),
	}, nil))

	items, err := db.GetByPrefix([]byte("s:p:"))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "s:p:01", string(items[0].Key))
	assert.Equal(t, "s:p:02", string(items[1].Key))

	n, err := db.CountKeysByPrefix([]byte("s:"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	_, err = db.CountKeysByPrefix(nil)
	assert.Error(t, err)

	keys, err := db.ListKeys("op:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"op:01"}, keys)

	keys, err = db.ListKeys("*")
	require.NoError(t, err)
	assert.Len(t, keys, 4)
}

func TestBatch(t *testing.T) {
	db := newTestStorage(t, true)

	require.NoError(t, db.Set([]byte("s:s:01"), []byte("v")))
	require.NoError(t, db.Batch(map[string][]byte{"s:f:01": {}}, [][]byte{[]byte("s:s:01")}))
	_, err := db.GetKey([]byte("s:s:01"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = db.GetKey([]byte("s:f:01"))
	assert.NoError(t, err)

	assert.NoError(t, db.Vacuum())
}

func TestBackupAndLoad(t *testing.T) {
	src := newTestStorage(t, false)
	require.NoError(t, src.Batch(map[string][]byte{
		"op:1": []byte("a"),
		"op:2": []byte("b"),
	}, nil))

	var buf bytes.Buffer
	version, err := src.Backup(context.Background(), &buf, 0)
	require.NoError(t, err)
	assert.NotZero(t, version)

	dst := newTestStorage(t, false)
	require.NoError(t, dst.Load(context.Background(), &buf))

	keys, err := dst.ListKeys("op:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"op:1", "op:2"}, keys)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Backup(ctx, &buf, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
