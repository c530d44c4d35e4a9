package indexer

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/depcontext/internal/blobstore"
	"github.com/dshills/depcontext/internal/embedder"
	"github.com/dshills/depcontext/internal/manifest"
	"github.com/dshills/depcontext/internal/pipeline"
	"github.com/dshills/depcontext/internal/registry"
	"github.com/dshills/depcontext/internal/retry"
	"github.com/dshills/depcontext/internal/storage"
	"github.com/dshills/depcontext/internal/testutil"
	"github.com/dshills/depcontext/internal/vectorindex"
	"github.com/dshills/depcontext/pkg/types"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// countingEmbedder records every text sent to the provider and can reject some
type countingEmbedder struct {
	*embedder.LocalProvider

	mu     sync.Mutex
	texts  []string
	reject func(text string) bool
}

func (c *countingEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	c.mu.Lock()
	c.texts = append(c.texts, req.Texts...)
	reject := c.reject
	c.mu.Unlock()

	if reject != nil {
		for _, text := range req.Texts {
			if reject(text) {
				return nil, &types.EmbeddingError{Kind: types.EmbeddingInvalid, StatusCode: 400, Err: errors.New("input rejected")}
			}
		}
	}
	return c.LocalProvider.GenerateBatch(ctx, req)
}

func (c *countingEmbedder) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func (c *countingEmbedder) setReject(fn func(string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reject = fn
}

type testEnv struct {
	store   *storage.SQLiteStorage
	blobs   *blobstore.Store
	vectors *vectorindex.Index
	reg     *testutil.NpmRegistry
	emb     *countingEmbedder
	idx     *Indexer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	blobs, err := blobstore.New(filepath.Join(dir, "blobs"), store)
	require.NoError(t, err)

	vectors, err := vectorindex.Open(filepath.Join(dir, vectorindex.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	local, err := embedder.NewLocalProvider(32, nil)
	require.NoError(t, err)
	emb := &countingEmbedder{LocalProvider: local}

	reg := testutil.NewNpmRegistry(t)
	fastRetry := retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	fetcher := registry.New(registry.Options{
		Sources: []registry.Source{&registry.NpmSource{BaseURL: reg.URL}},
		Retry:   fastRetry,
	})

	idx := New(Deps{
		Storage:  store,
		Blobs:    blobs,
		Fetcher:  fetcher,
		Embedder: emb,
		Vectors:  vectors,
	}, Config{
		Concurrency: 4,
		Pipeline: pipeline.Config{
			BatchSize:           4,
			Retry:               fastRetry,
			MaxRateLimitRetries: 2,
			RateLimitBackoff:    time.Millisecond,
		},
	})
	return &testEnv{store: store, blobs: blobs, vectors: vectors, reg: reg, emb: emb, idx: idx}
}

func npmDep(name, version string) manifest.Dependency {
	return manifest.Dependency{Coordinate: types.PackageCoordinate{Registry: types.RegistryNpm, Name: name, Version: version}}
}

func (e *testEnv) status(t *testing.T, dep manifest.Dependency) *types.Package {
	t.Helper()
	pkg, err := e.store.GetPackage(context.Background(), dep.Coordinate)
	require.NoError(t, err)
	return pkg
}

const sharedUtil = "function identity(value) {\n  return value\n}\n"

func publishPair(t *testing.T, reg *testutil.NpmRegistry) {
	reg.Publish(t, "left-pad", "1.3.0", map[string]string{
		"index.js":     "function leftPad(str, len, ch) {\n  return str.padStart(len, ch)\n}\n",
		"util.js":      sharedUtil,
		"package.json": `{"name":"left-pad"}`,
	})
	reg.Publish(t, "right-pad", "2.0.0", map[string]string{
		"index.js": "function rightPad(str, len, ch) {\n  return str.padEnd(len, ch)\n}\n",
		"util.js":  sharedUtil,
	})
}

func TestIndexPackages_IndexesEverything(t *testing.T) {
	env := newTestEnv(t)
	publishPair(t, env.reg)
	ctx := context.Background()

	stats, err := env.idx.IndexPackages(ctx, []manifest.Dependency{npmDep("right-pad", "2.0.0"), npmDep("left-pad", "1.3.0")})
	require.NoError(t, err)

	assert.NotEmpty(t, stats.RunID)
	assert.Equal(t, 2, stats.Indexed)
	assert.Equal(t, 2, stats.Fetches)
	require.Len(t, stats.Packages, 2)
	assert.Equal(t, "left-pad", stats.Packages[0].Coordinate.Name)
	for _, p := range stats.Packages {
		assert.Equal(t, OutcomeIndexed, p.Outcome)
		assert.True(t, p.Fetched)
		assert.Equal(t, 2, p.Files)
		assert.Equal(t, 2, p.Chunks)
	}

	// The shared util.js chunk is embedded once
	assert.Equal(t, 3, stats.Embedding.Embedded)
	assert.Equal(t, 3, env.vectors.Len())
	assert.Len(t, env.emb.sent(), 3)

	pkg := env.status(t, npmDep("left-pad", "1.3.0"))
	assert.Equal(t, types.StatusIndexed, pkg.Status)
	assert.NotNil(t, pkg.IndexedAt)

	gen, err := env.store.GetMeta(ctx, storage.MetaGeneration)
	require.NoError(t, err)
	assert.Equal(t, "1", gen)
}

func TestIndexPackages_SecondRunIsNoop(t *testing.T) {
	env := newTestEnv(t)
	publishPair(t, env.reg)
	ctx := context.Background()
	deps := []manifest.Dependency{npmDep("left-pad", "1.3.0"), npmDep("right-pad", "2.0.0")}

	_, err := env.idx.IndexPackages(ctx, deps)
	require.NoError(t, err)
	requests := env.reg.Requests.Load()
	sent := len(env.emb.sent())

	stats, err := env.idx.IndexPackages(ctx, deps)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Fetches)
	assert.Equal(t, 2, stats.Current)
	assert.Equal(t, 0, stats.Embedding.Batches)
	assert.Equal(t, requests, env.reg.Requests.Load())
	assert.Len(t, env.emb.sent(), sent)

	gen, err := env.store.GetMeta(ctx, storage.MetaGeneration)
	require.NoError(t, err)
	assert.Equal(t, "1", gen)
}

func TestIndexPackages_SharedBlobIsStoredOnce(t *testing.T) {
	env := newTestEnv(t)
	publishPair(t, env.reg)
	ctx := context.Background()

	_, err := env.idx.IndexPackages(ctx, []manifest.Dependency{npmDep("left-pad", "1.3.0"), npmDep("right-pad", "2.0.0")})
	require.NoError(t, err)

	hash := types.HashBytes([]byte(sharedUtil))
	n, err := env.store.BlobRefCount(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	st, err := env.blobs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Blobs)
	assert.Equal(t, int64(4), st.References)
}

func TestIndexPackages_FetchFailureIsScopedToPackage(t *testing.T) {
	env := newTestEnv(t)
	publishPair(t, env.reg)
	ctx := context.Background()
	missing := npmDep("does-not-exist", "0.0.1")

	stats, err := env.idx.IndexPackages(ctx, []manifest.Dependency{npmDep("left-pad", "1.3.0"), missing})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)
	assert.Equal(t, 1, stats.Failed)

	for _, p := range stats.Packages {
		if p.Coordinate == missing.Coordinate {
			assert.Equal(t, OutcomeFailed, p.Outcome)
			assert.Contains(t, p.Reason, string(types.FetchNotFound))
		}
	}

	pkg := env.status(t, missing)
	assert.Equal(t, types.StatusFailed, pkg.Status)
	assert.NotEmpty(t, pkg.FailureReason)
	assert.NotNil(t, pkg.FailedAt)
}

func TestIndexPackages_FailedPackageRetried(t *testing.T) {
	env := newTestEnv(t)
	publishPair(t, env.reg)
	ctx := context.Background()
	dep := npmDep("left-pad", "1.3.0")

	// Exhaust the fetcher's three attempts
	env.reg.FailNext("left-pad", "1.3.0", 3)
	stats, err := env.idx.IndexPackages(ctx, []manifest.Dependency{dep})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, types.StatusFailed, env.status(t, dep).Status)

	stats, err = env.idx.IndexPackages(ctx, []manifest.Dependency{dep})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)
	pkg := env.status(t, dep)
	assert.Equal(t, types.StatusIndexed, pkg.Status)
	assert.Empty(t, pkg.FailureReason)
}

func TestIndexPackages_PartialEmbeddingThenRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.reg.Publish(t, "mixed", "1.0.0", map[string]string{
		"a.js": "function alpha() {\n  return 1\n}\n",
		"b.js": "function poison() {\n  return 2\n}\n",
		"c.js": "function gamma() {\n  return 3\n}\n",
		"d.js": "function delta() {\n  return 4\n}\n",
	})
	dep := npmDep("mixed", "1.0.0")
	env.emb.setReject(func(text string) bool { return strings.Contains(text, "poison") })

	stats, err := env.idx.IndexPackages(ctx, []manifest.Dependency{dep})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Partial)
	assert.Equal(t, 3, stats.Embedding.Embedded)
	assert.Equal(t, 1, stats.Embedding.Failed)
	require.Len(t, stats.Packages, 1)
	assert.Equal(t, OutcomePartial, stats.Packages[0].Outcome)
	assert.Equal(t, 1, stats.Packages[0].Missing)

	pkg := env.status(t, dep)
	assert.Equal(t, types.StatusFetched, pkg.Status)
	failures, err := env.store.ListEmbeddingFailures(ctx, env.idx.Model())
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, types.EmbeddingInvalid, failures[0].Kind)

	// The retry sends only the chunk that failed
	env.emb.setReject(nil)
	before := len(env.emb.sent())
	requests := env.reg.Requests.Load()

	stats, err = env.idx.IndexPackages(ctx, []manifest.Dependency{dep})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)
	assert.Equal(t, 0, stats.Fetches)
	assert.Equal(t, requests, env.reg.Requests.Load())

	retried := env.emb.sent()[before:]
	require.Len(t, retried, 1)
	assert.Contains(t, retried[0], "poison")
	assert.Equal(t, types.StatusIndexed, env.status(t, dep).Status)
}

func TestIndexPackages_AuthFailureStopsRun(t *testing.T) {
	env := newTestEnv(t)
	publishPair(t, env.reg)
	ctx := context.Background()
	env.idx.embedder = &authFailing{countingEmbedder: env.emb}

	stats, err := env.idx.IndexPackages(ctx, []manifest.Dependency{npmDep("left-pad", "1.3.0")})
	var embErr *types.EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.Equal(t, types.EmbeddingAuth, embErr.Kind)
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.Partial)
	assert.Equal(t, types.StatusFetched, env.status(t, npmDep("left-pad", "1.3.0")).Status)
}

type authFailing struct {
	*countingEmbedder
}

func (a *authFailing) GenerateBatch(context.Context, embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	return nil, &types.EmbeddingError{Kind: types.EmbeddingAuth, StatusCode: 401, Err: errors.New("bad key")}
}

func TestIndexPackages_SkippedPackageUntouched(t *testing.T) {
	env := newTestEnv(t)
	publishPair(t, env.reg)
	ctx := context.Background()
	dep := npmDep("left-pad", "1.3.0")

	pkg := &types.Package{Coordinate: dep.Coordinate}
	require.NoError(t, env.store.UpsertPackage(ctx, pkg))
	require.NoError(t, env.store.SetPackageStatus(ctx, pkg.ID, types.StatusSkipped, ""))

	stats, err := env.idx.IndexPackages(ctx, []manifest.Dependency{dep, dep})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	require.Len(t, stats.Packages, 1)
	assert.Zero(t, env.reg.Requests.Load())
}

func TestIndexPackages_Lock(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.idx.lock.acquire())

	_, err := env.idx.IndexPackages(context.Background(), nil)
	assert.ErrorIs(t, err, ErrIndexInProgress)
	_, err = env.idx.Remove(context.Background(), npmDep("left-pad", "1.3.0").Coordinate)
	assert.ErrorIs(t, err, ErrIndexInProgress)

	env.idx.lock.release()
	_, err = env.idx.IndexPackages(context.Background(), nil)
	assert.NoError(t, err)
}

func TestIndexPackages_Cancelled(t *testing.T) {
	env := newTestEnv(t)
	publishPair(t, env.reg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.idx.IndexPackages(ctx, []manifest.Dependency{npmDep("left-pad", "1.3.0")})
	assert.ErrorIs(t, err, context.Canceled)

	list, err := env.store.ListPackages(context.Background(), storage.PackageFilter{Statuses: []types.PackageStatus{types.StatusIndexed}})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRemove_KeepsSharedBlob(t *testing.T) {
	env := newTestEnv(t)
	publishPair(t, env.reg)
	ctx := context.Background()
	left, right := npmDep("left-pad", "1.3.0"), npmDep("right-pad", "2.0.0")

	_, err := env.idx.IndexPackages(ctx, []manifest.Dependency{left, right})
	require.NoError(t, err)

	res, err := env.idx.Remove(ctx, left.Coordinate)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, 1, res.BlobsDeleted)
	assert.Equal(t, 1, res.EmbeddingsFreed)

	_, err = env.store.GetPackage(ctx, left.Coordinate)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	shared := types.HashBytes([]byte(sharedUtil))
	assert.True(t, env.blobs.Exists(shared))
	n, err := env.store.BlobRefCount(ctx, shared)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// right-pad is still complete and searchable
	assert.Equal(t, types.StatusIndexed, env.status(t, right).Status)
	ok, err := env.store.MarkIndexed(ctx, env.status(t, right).ID, env.idx.Model())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, env.vectors.Len())

	_, err = env.idx.Remove(ctx, left.Coordinate)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRefetchReleasesChangedBlobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dep := npmDep("evolving", "1.0.0")
	env.reg.Publish(t, "evolving", "1.0.0", map[string]string{
		"a.js": "function a() { return 1 }\n",
		"b.js": "function b() { return 2 }\n",
	})
	_, err := env.idx.IndexPackages(ctx, []manifest.Dependency{dep})
	require.NoError(t, err)

	// Same coordinate republished with one file changed and one gone
	env.reg.Publish(t, "evolving", "1.0.0", map[string]string{
		"a.js": "function a() { return 10 }\n",
	})
	pkg := env.status(t, dep)
	require.NoError(t, env.store.SetPackageStatus(ctx, pkg.ID, types.StatusPending, ""))

	_, err = env.idx.IndexPackages(ctx, []manifest.Dependency{dep})
	require.NoError(t, err)

	files, err := env.store.ListFiles(ctx, pkg.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, types.HashBytes([]byte("function a() { return 10 }\n")), files[0].ContentHash)

	refs, err := env.store.ListBlobRefs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{files[0].ContentHash: 1}, refs)
	assert.False(t, env.blobs.Exists(types.HashBytes([]byte("function b() { return 2 }\n"))))
}

func TestCollectEmbeddings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.vectors.Add([]vectorindex.Vector{{Key: vectorindex.Key{Hash: "orphan", Model: env.idx.Model()}, Values: []float32{1, 0}}}))
	require.NoError(t, env.store.InsertEmbeddings(ctx, []storage.EmbeddingRow{{ContentHash: "orphan", Model: env.idx.Model(), Dimension: 2}}))

	n, err := env.idx.CollectEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, env.vectors.Len())

	keys, err := env.store.ListEmbeddingKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
