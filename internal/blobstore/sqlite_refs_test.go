package blobstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/depcontext/internal/storage"
)

func TestStoreWithSQLiteRefs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := storage.NewSQLiteStorage(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s, err := New(filepath.Join(dir, "blobs"), db)
	require.NoError(t, err)

	data := []byte("module.exports = require('./lodash')")
	first, err := s.Put(ctx, data)
	require.NoError(t, err)
	second, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Blobs)
	assert.Equal(t, int64(2), st.References)

	remaining, err := s.Release(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
	assert.True(t, s.Exists(first))

	remaining, err = s.Release(ctx, first)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	assert.False(t, s.Exists(first))

	n, err := db.BlobRefCount(ctx, first)
	require.NoError(t, err)
	assert.Zero(t, n)
}
