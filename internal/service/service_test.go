package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/depcontext/internal/config"
	"github.com/dshills/depcontext/internal/embedder"
	"github.com/dshills/depcontext/internal/registry"
	"github.com/dshills/depcontext/internal/retry"
	"github.com/dshills/depcontext/internal/searcher"
	"github.com/dshills/depcontext/internal/storage"
	"github.com/dshills/depcontext/internal/testutil"
	"github.com/dshills/depcontext/pkg/types"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// countingEmbedder counts texts sent in batches and single Ping calls
type countingEmbedder struct {
	*embedder.LocalProvider

	mu     sync.Mutex
	texts  int
	pings int
}

func (c *countingEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	c.mu.Lock()
	c.texts += len(req.Texts)
	c.mu.Unlock()
	return c.LocalProvider.GenerateBatch(ctx, req)
}

func (c *countingEmbedder) GenerateEmbedding(ctx context.Context, req embedder.EmbeddingRequest) (*embedder.Embedding, error) {
	c.mu.Lock()
	c.pings++
	c.mu.Unlock()
	return c.LocalProvider.GenerateEmbedding(ctx, req)
}

func (c *countingEmbedder) calls() (texts, pings int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.texts, c.pings
}

func newEmbedder(t *testing.T, dim int) *countingEmbedder {
	t.Helper()
	local, err := embedder.NewLocalProvider(dim, nil)
	require.NoError(t, err)
	return &countingEmbedder{LocalProvider: local}
}

type fixture struct {
	root string
	reg  *testutil.NpmRegistry
	cfg  config.Specification
}

const sharedUtil = "/**\n * Returns its argument.\n */\nfunction identity(value) {\n  return value\n}\n"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := testutil.NewNpmRegistry(t)
	reg.Publish(t, "lodash", "4.17.21", map[string]string{
		"cloneDeep.js": "/**\n * Creates a deep clone of value.\n */\nfunction cloneDeep(value) {\n  return baseClone(value, true)\n}\n",
		"debounce.js":  "/**\n * Delays invoking func until wait milliseconds have elapsed.\n */\nfunction debounce(func, wait) {\n  return setTimeout(func, wait)\n}\n",
	})
	reg.Publish(t, "left-pad", "1.3.0", map[string]string{
		"index.js": "function leftPad(str, len) {\n  return str.padStart(len)\n}\n",
		"util.js":  sharedUtil,
	})
	reg.Publish(t, "right-pad", "2.0.0", map[string]string{
		"index.js": "function rightPad(str, len) {\n  return str.padEnd(len)\n}\n",
		"util.js":  sharedUtil,
	})

	cfg := config.Default()
	cfg.Indexing.WatchDebounce = 50 * time.Millisecond

	root := t.TempDir()
	testutil.WriteNpmProject(t, root, map[string]string{
		"lodash":    "4.17.21",
		"left-pad":  "1.3.0",
		"right-pad": "2.0.0",
	})
	return &fixture{root: root, reg: reg, cfg: cfg}
}

func (f *fixture) options(emb embedder.Embedder) Options {
	return Options{
		Config:   f.cfg,
		Embedder: emb,
		Fetcher: registry.New(registry.Options{
			Sources: []registry.Source{&registry.NpmSource{BaseURL: f.reg.URL}},
			Retry:   retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
		}),
	}
}

func (f *fixture) init(t *testing.T, emb embedder.Embedder) (*Service, *InitReport) {
	t.Helper()
	s, report, err := Init(context.Background(), f.root, f.options(emb))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, report
}

func npm(name, version string) types.PackageCoordinate {
	return types.PackageCoordinate{Registry: types.RegistryNpm, Name: name, Version: version}
}

func TestInit_CreatesIndexLayout(t *testing.T) {
	f := newFixture(t)
	emb := newEmbedder(t, 64)
	s, report := f.init(t, emb)

	assert.True(t, report.Created)
	assert.True(t, report.Repair.Clean())
	require.NotNil(t, report.Update.Index)
	assert.Equal(t, 3, report.Update.Index.Indexed)
	assert.Len(t, report.Update.Plan.Added, 3)

	for _, name := range []string{config.FileName, DatabaseName, "vectors.bin", BlobDir} {
		_, err := os.Stat(filepath.Join(f.root, IndexDir, name))
		assert.NoError(t, err, name)
	}

	model, err := s.store.GetMeta(context.Background(), storage.MetaModel)
	require.NoError(t, err)
	assert.Equal(t, emb.Model(), model)

	cfg, err := config.Load(ConfigPath(f.root), nil)
	require.NoError(t, err)
	assert.Equal(t, f.cfg.Indexing.WatchDebounce, cfg.Indexing.WatchDebounce)
}

func TestInit_SecondRunFetchesAndEmbedsNothing(t *testing.T) {
	f := newFixture(t)
	first, _ := f.init(t, newEmbedder(t, 64))
	require.NoError(t, first.Close())
	requests := f.reg.Requests.Load()

	emb := newEmbedder(t, 64)
	_, report := f.init(t, emb)

	assert.False(t, report.Created)
	assert.True(t, report.Update.Plan.Empty())
	assert.Equal(t, 0, report.Update.Index.Fetches)
	assert.Equal(t, 0, report.Update.Index.Embedding.Embedded)
	assert.Equal(t, requests, f.reg.Requests.Load())

	texts, pings := emb.calls()
	assert.Zero(t, texts)
	assert.Zero(t, pings)
}

func TestInit_ModelMismatch(t *testing.T) {
	f := newFixture(t)
	first, _ := f.init(t, newEmbedder(t, 64))
	require.NoError(t, first.Close())

	other := newEmbedder(t, 32)
	_, _, err := Init(context.Background(), f.root, f.options(other))
	var mismatch *types.ModelMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, other.Model(), mismatch.QueryModel)

	opts := f.options(other)
	opts.Reembed = true
	s, report, err := Init(context.Background(), f.root, opts)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.True(t, report.Reembedded)
	assert.Equal(t, 0, report.Update.Index.Fetches, "re-embedding reuses stored files")
	assert.Equal(t, 3, report.Update.Index.Indexed)

	keys, err := s.store.ListEmbeddingKeys(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, keys)
	for _, k := range keys {
		assert.Equal(t, other.Model(), k.Model)
	}

	resp, err := s.Search(context.Background(), searcher.SearchRequest{Query: "deep clone"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
}

func TestFindIndexRoot(t *testing.T) {
	f := newFixture(t)
	_, err := FindIndexRoot(f.root)
	assert.ErrorIs(t, err, ErrNotInitialized)

	f.init(t, newEmbedder(t, 64))
	nested := filepath.Join(f.root, "src", "lib")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	found, err := FindIndexRoot(nested)
	require.NoError(t, err)
	want, err := filepath.Abs(f.root)
	require.NoError(t, err)
	assert.Equal(t, want, found)
}

func TestOpen_RequiresInit(t *testing.T) {
	_, err := Open(t.TempDir(), Options{Config: config.Default()})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestService_SearchListAndStats(t *testing.T) {
	f := newFixture(t)
	s, _ := f.init(t, newEmbedder(t, 64))
	ctx := context.Background()

	resp, err := s.Search(ctx, searcher.SearchRequest{Query: "deep clone an object", Limit: 3})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "lodash", resp.Results[0].Package.Name)

	pkgs, err := s.List(ctx, storage.PackageFilter{Registry: types.RegistryNpm})
	require.NoError(t, err)
	assert.Len(t, pkgs, 3)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Index.PackagesByStatus[types.StatusIndexed])
	// util.js is shared by both pad packages
	assert.Equal(t, 5, stats.Blobs.Blobs)
	assert.Equal(t, int64(6), stats.Blobs.References)
	assert.Greater(t, stats.Vectors.Vectors, 0)

	labels := map[string]string{}
	for _, l := range stats.Lines() {
		labels[l.Label] = l.Value
	}
	assert.Equal(t, "3", labels["Packages"])
	assert.Equal(t, "1", labels["Deduplicated"])
	assert.Contains(t, labels["  by status"], "indexed=3")
	assert.NotEmpty(t, labels["Source bytes"])
}

func TestService_RemoveKeepsSharedBlob(t *testing.T) {
	f := newFixture(t)
	s, _ := f.init(t, newEmbedder(t, 64))
	ctx := context.Background()

	hash := contentHash(t, s, npm("left-pad", "1.3.0"), "util.js")

	result, err := s.Remove(ctx, npm("left-pad", "1.3.0"))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Files)
	assert.Equal(t, 1, result.BlobsDeleted)

	assert.True(t, s.blobs.Exists(hash))
	refs, err := s.blobs.RefCount(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(1), refs)

	// The manifest still declares it, so status reports it as added
	status, err := s.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status.Plan.Added, 1)
	assert.Equal(t, "left-pad", status.Plan.Added[0].Coordinate.Name)
}

func TestOpen_RepairsInterruptedRemove(t *testing.T) {
	f := newFixture(t)
	s, _ := f.init(t, newEmbedder(t, 64))
	ctx := context.Background()

	shared := contentHash(t, s, npm("left-pad", "1.3.0"), "util.js")
	own := contentHash(t, s, npm("left-pad", "1.3.0"), "index.js")
	vectorsBefore := s.vectors.Len()

	// A remove that dies after the package rows are gone but before any
	// blob is released or embedding collected
	testutil.WriteNpmProject(t, f.root, map[string]string{"lodash": "4.17.21", "right-pad": "2.0.0"})
	require.NoError(t, s.store.SetMeta(ctx, storage.MetaDirty, "1"))
	pkg, err := s.store.GetPackage(ctx, npm("left-pad", "1.3.0"))
	require.NoError(t, err)
	require.NoError(t, s.store.DeletePackage(ctx, pkg.ID))
	require.NoError(t, s.Close())

	reopened, err := Open(f.root, f.options(newEmbedder(t, 64)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	_, err = reopened.Update(ctx)
	require.NoError(t, err)

	refs, err := reopened.blobs.RefCount(ctx, shared)
	require.NoError(t, err)
	assert.Equal(t, int64(1), refs)
	assert.True(t, reopened.blobs.Exists(shared))
	assert.False(t, reopened.blobs.Exists(own))

	keys, err := reopened.store.ListEmbeddingKeys(ctx)
	require.NoError(t, err)
	assert.Less(t, reopened.vectors.Len(), vectorsBefore)
	assert.Equal(t, len(keys), reopened.vectors.Len())
	orphans, err := reopened.store.OrphanEmbeddings(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	dirty, err := reopened.store.GetMeta(ctx, storage.MetaDirty)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

func TestService_WriteClearsDirtyMarker(t *testing.T) {
	f := newFixture(t)
	s, _ := f.init(t, newEmbedder(t, 64))
	ctx := context.Background()

	_, err := s.Remove(ctx, npm("right-pad", "2.0.0"))
	require.NoError(t, err)
	dirty, err := s.store.GetMeta(ctx, storage.MetaDirty)
	require.NoError(t, err)
	assert.Empty(t, dirty)

	_, err = s.Remove(ctx, npm("right-pad", "2.0.0"))
	require.ErrorIs(t, err, storage.ErrNotFound)
	dirty, err = s.store.GetMeta(ctx, storage.MetaDirty)
	require.NoError(t, err)
	assert.Equal(t, "1", dirty)
}

func contentHash(t *testing.T, s *Service, coord types.PackageCoordinate, path string) string {
	t.Helper()
	ctx := context.Background()
	pkg, err := s.store.GetPackage(ctx, coord)
	require.NoError(t, err)
	files, err := s.store.ListFiles(ctx, pkg.ID)
	require.NoError(t, err)
	for _, file := range files {
		if file.Path == path {
			return file.ContentHash
		}
	}
	t.Fatalf("%s not found in %s", path, coord)
	return ""
}

func TestService_UpdateAndPrune(t *testing.T) {
	f := newFixture(t)
	s, _ := f.init(t, newEmbedder(t, 64))
	ctx := context.Background()

	f.reg.Publish(t, "lodash", "4.17.22", map[string]string{
		"cloneDeep.js": "function cloneDeep(value) {\n  return structuredClone(value)\n}\n",
	})
	testutil.WriteNpmProject(t, f.root, map[string]string{"lodash": "4.17.22", "left-pad": "1.3.0"})

	report, err := s.Update(ctx)
	require.NoError(t, err)
	require.Len(t, report.Plan.Changed, 1)
	assert.Equal(t, "4.17.21", report.Plan.Changed[0].Old.Coordinate.Version)
	require.Len(t, report.Plan.Extra, 1)
	assert.Equal(t, "right-pad", report.Plan.Extra[0].Coordinate.Name)

	pruned, err := s.Prune(ctx)
	require.NoError(t, err)
	require.Len(t, pruned.Removed, 1)

	pkgs, err := s.List(ctx, storage.PackageFilter{})
	require.NoError(t, err)
	var coords []string
	for _, p := range pkgs {
		coords = append(coords, p.Coordinate.String())
	}
	assert.ElementsMatch(t, []string{"npm:lodash@4.17.22", "npm:left-pad@1.3.0"}, coords)

	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Stale())
}

func TestService_SkipAndRetry(t *testing.T) {
	f := newFixture(t)
	f.reg.FailNext("right-pad", "2.0.0", 2)
	s, report := f.init(t, newEmbedder(t, 64))
	ctx := context.Background()
	require.Equal(t, 1, report.Update.Index.Failed)

	status, err := s.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status.Failed, 1)
	assert.NotEmpty(t, status.Failed[0].FailureReason)

	retried, err := s.Retry(ctx)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, types.StatusPending, retried[0].Status)

	updated, err := s.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Index.Indexed)

	pkg, err := s.Skip(ctx, npm("left-pad", "1.3.0"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusSkipped, pkg.Status)

	status, err = s.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status.Skipped, 1)
	assert.False(t, status.Stale())

	unskipped, err := s.Retry(ctx, npm("left-pad", "1.3.0"))
	require.NoError(t, err)
	require.Len(t, unskipped, 1)

	_, err = s.Retry(ctx, npm("missing", "1.0.0"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestService_IndexOneCoordinate(t *testing.T) {
	f := newFixture(t)
	s, _ := f.init(t, newEmbedder(t, 64))
	ctx := context.Background()
	f.reg.Publish(t, "extra-lib", "0.1.0", map[string]string{
		"index.js": "function extra() {\n  return 1\n}\n",
	})

	stats, err := s.Index(ctx, npm("extra-lib", "0.1.0"))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)

	_, err = s.Index(ctx, types.PackageCoordinate{Registry: "cpan", Name: "x", Version: "1"})
	assert.Error(t, err)

	// Not declared by any manifest
	status, err := s.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status.Plan.Extra, 1)
	assert.Equal(t, "extra-lib", status.Plan.Extra[0].Coordinate.Name)
}

func TestService_Watch(t *testing.T) {
	f := newFixture(t)
	s, _ := f.init(t, newEmbedder(t, 64))
	ctx := context.Background()

	w, err := s.Watch(ctx)
	require.NoError(t, err)
	_, err = s.Watch(ctx)
	assert.ErrorIs(t, err, ErrWatching)

	f.reg.Publish(t, "new-dep", "1.0.0", map[string]string{
		"index.js": "function fresh() {\n  return true\n}\n",
	})
	testutil.WriteNpmProject(t, f.root, map[string]string{
		"lodash":    "4.17.21",
		"left-pad":  "1.3.0",
		"right-pad": "2.0.0",
		"new-dep":   "1.0.0",
	})

	assert.Eventually(t, func() bool {
		pkg, err := s.store.GetPackage(ctx, npm("new-dep", "1.0.0"))
		return err == nil && pkg.Status == types.StatusIndexed
	}, 5*time.Second, 25*time.Millisecond)
	assert.GreaterOrEqual(t, w.Runs(), int64(1))

	s.StopWatch()
	s.StopWatch()
}

func TestService_Clean(t *testing.T) {
	f := newFixture(t)
	s, _ := f.init(t, newEmbedder(t, 64))
	ctx := context.Background()

	require.NoError(t, s.Clean(ctx))
	_, err := os.Stat(filepath.Join(f.root, IndexDir))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = s.Search(ctx, searcher.SearchRequest{Query: "clone"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = FindIndexRoot(f.root)
	assert.ErrorIs(t, err, ErrNotInitialized)
}
