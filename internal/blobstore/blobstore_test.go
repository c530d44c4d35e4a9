package blobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dshills/depcontext/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "blobs"), NewMemoryRefs())
	require.NoError(t, err)
	return s
}

func TestPutGetRelease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	data := []byte("function cloneDeep(value) {}")
	hash, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, types.HashBytes(data), hash)
	assert.FileExists(t, filepath.Join(s.Root(), hash[:2], hash))

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	remaining, err := s.Release(ctx, hash)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	assert.False(t, s.Exists(hash))

	_, err = s.Get(ctx, hash)
	assert.ErrorIs(t, err, ErrNotFound)
	var se *types.StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, types.LayerBlob, se.Layer)
}

func TestPutDeduplicatesAndCountsReferences(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	shared := []byte("export const VERSION = '1.0.0';")
	h1, err := s.Put(ctx, shared)
	require.NoError(t, err)
	h2, err := s.Put(ctx, shared)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Blobs)
	assert.EqualValues(t, 2, st.References)
	assert.EqualValues(t, len(shared), st.Bytes)

	// First release keeps the shared blob
	remaining, err := s.Release(ctx, h1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, remaining)
	assert.True(t, s.Exists(h1))

	remaining, err = s.Release(ctx, h1)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	assert.False(t, s.Exists(h1))
}

func TestConcurrentPutSameContent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	data := []byte("same bytes from many packages")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Put(ctx, data)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := s.RefCount(ctx, types.HashBytes(data))
	require.NoError(t, err)
	assert.EqualValues(t, 16, n)
}

func TestGetDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	hash, err := s.Put(ctx, []byte("original"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), hash[:2], hash), []byte("tampered"), 0o644))
	_, err = s.Get(ctx, hash)
	assert.ErrorContains(t, err, "corrupt")
}

func TestSweepRemovesOrphans(t *testing.T) {
	ctx := context.Background()
	refs := NewMemoryRefs()
	s, err := New(t.TempDir(), refs)
	require.NoError(t, err)

	kept, err := s.Put(ctx, []byte("kept"))
	require.NoError(t, err)
	orphan, err := s.Put(ctx, []byte("orphan"))
	require.NoError(t, err)

	// Simulate a crash that lost the reference row but left the file
	delete(refs.refs, orphan)
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "ab"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "ab", ".blob-1.tmp"), nil, 0o644))

	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.True(t, s.Exists(kept))
	assert.False(t, s.Exists(orphan))
}

func TestInvalidHash(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
	assert.False(t, s.Exists("zz"))
}
