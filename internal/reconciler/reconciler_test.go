package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/depcontext/internal/blobstore"
	"github.com/dshills/depcontext/internal/embedder"
	"github.com/dshills/depcontext/internal/indexer"
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

type testEnv struct {
	root    string
	store   *storage.SQLiteStorage
	blobs   *blobstore.Store
	vectors *vectorindex.Index
	reg     *testutil.NpmRegistry
	idx     *indexer.Indexer
	rec     *Reconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, ".index")
	require.NoError(t, os.MkdirAll(dir, 0o755))

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

	reg := testutil.NewNpmRegistry(t)
	fast := retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	idx := indexer.New(indexer.Deps{
		Storage:  store,
		Blobs:    blobs,
		Fetcher:  registry.New(registry.Options{Sources: []registry.Source{&registry.NpmSource{BaseURL: reg.URL}}, Retry: fast}),
		Embedder: local,
		Vectors:  vectors,
	}, indexer.Config{Concurrency: 2, Pipeline: pipeline.Config{BatchSize: 8, Retry: fast}})

	return &testEnv{
		root: root, store: store, blobs: blobs, vectors: vectors, reg: reg, idx: idx,
		rec: New(root, store, idx),
	}
}

// writeProject writes package.json and a lockfile pinning versions
func writeProject(t *testing.T, dir string, versions map[string]string) {
	testutil.WriteNpmProject(t, dir, versions)
}

func (e *testEnv) publish(t *testing.T, name, version string) {
	e.reg.Publish(t, name, version, map[string]string{
		"index.js": "function main() {\n  return '" + name + "@" + version + "'\n}\n",
	})
}

func coord(name, version string) types.PackageCoordinate {
	return types.PackageCoordinate{Registry: types.RegistryNpm, Name: name, Version: version}
}

func dep(name, version string) manifest.Dependency {
	return manifest.Dependency{Coordinate: coord(name, version)}
}

func stored(name, version string, status types.PackageStatus) *types.Package {
	return &types.Package{Coordinate: coord(name, version), Status: status}
}

func coords(pkgs []*types.Package) []string {
	out := make([]string, len(pkgs))
	for i, p := range pkgs {
		out[i] = p.Coordinate.String()
	}
	return out
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name    string
		current []manifest.Dependency
		stored  []*types.Package
		added   []string
		changed [][2]string
		kept    []string
		extra   []string
	}{
		{
			name:    "empty index",
			current: []manifest.Dependency{dep("b", "1.0.0"), dep("a", "2.0.0")},
			added:   []string{"npm:a@2.0.0", "npm:b@1.0.0"},
		},
		{
			name:    "version bump is a change",
			current: []manifest.Dependency{dep("a", "2.0.0")},
			stored:  []*types.Package{stored("a", "1.0.0", types.StatusIndexed)},
			changed: [][2]string{{"npm:a@1.0.0", "npm:a@2.0.0"}},
		},
		{
			name:    "kept and extra",
			current: []manifest.Dependency{dep("a", "1.0.0")},
			stored:  []*types.Package{stored("a", "1.0.0", types.StatusIndexed), stored("z", "1.0.0", types.StatusIndexed)},
			kept:    []string{"npm:a@1.0.0"},
			extra:   []string{"npm:z@1.0.0"},
		},
		{
			name:    "multiple versions pair in order",
			current: []manifest.Dependency{dep("a", "3.0.0"), dep("a", "1.0.0"), dep("a", "4.0.0")},
			stored:  []*types.Package{stored("a", "1.0.0", types.StatusIndexed), stored("a", "2.0.0", types.StatusFailed)},
			changed: [][2]string{{"npm:a@2.0.0", "npm:a@3.0.0"}},
			kept:    []string{"npm:a@1.0.0"},
			added:   []string{"npm:a@4.0.0"},
		},
		{
			name:    "registries are distinct",
			current: []manifest.Dependency{{Coordinate: types.PackageCoordinate{Registry: types.RegistryCrates, Name: "a", Version: "1.0.0"}}},
			stored:  []*types.Package{stored("a", "1.0.0", types.StatusIndexed)},
			added:   []string{"crates:a@1.0.0"},
			extra:   []string{"npm:a@1.0.0"},
		},
		{
			name:    "duplicate declarations",
			current: []manifest.Dependency{dep("a", "1.0.0"), dep("a", "1.0.0")},
			added:   []string{"npm:a@1.0.0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Diff(tt.current, tt.stored)

			var added []string
			for _, d := range plan.Added {
				added = append(added, d.Coordinate.String())
			}
			var changed [][2]string
			for _, c := range plan.Changed {
				changed = append(changed, [2]string{c.Old.Coordinate.String(), c.New.Coordinate.String()})
			}
			assert.Equal(t, tt.added, added)
			assert.Equal(t, tt.changed, changed)
			if len(tt.kept) == 0 {
				assert.Empty(t, plan.Kept)
			} else {
				assert.Equal(t, tt.kept, coords(plan.Kept))
			}
			if len(tt.extra) == 0 {
				assert.Empty(t, plan.Extra)
			} else {
				assert.Equal(t, tt.extra, coords(plan.Extra))
			}
		})
	}
}

func TestUpdate_AppliesOnlyThePlan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, p := range [][2]string{{"alpha", "1.0.0"}, {"beta", "1.0.0"}, {"beta", "2.0.0"}, {"gamma", "1.0.0"}, {"delta", "1.0.0"}} {
		env.publish(t, p[0], p[1])
	}

	writeProject(t, env.root, map[string]string{"alpha": "1.0.0", "beta": "1.0.0", "gamma": "1.0.0"})
	first, err := env.rec.Update(ctx)
	require.NoError(t, err)
	assert.Len(t, first.Plan.Added, 3)
	assert.Equal(t, 3, first.Index.Indexed)
	assert.Empty(t, first.Unpinned())

	alpha, err := env.store.GetPackage(ctx, coord("alpha", "1.0.0"))
	require.NoError(t, err)

	writeProject(t, env.root, map[string]string{"alpha": "1.0.0", "beta": "2.0.0", "delta": "1.0.0"})
	second, err := env.rec.Update(ctx)
	require.NoError(t, err)

	require.Len(t, second.Plan.Changed, 1)
	assert.Equal(t, "npm:beta@1.0.0", second.Plan.Changed[0].Old.Coordinate.String())
	require.Len(t, second.Removed, 1)
	assert.Equal(t, coord("beta", "1.0.0"), second.Removed[0].Coordinate)
	assert.Equal(t, []string{"npm:gamma@1.0.0"}, coords(second.Plan.Extra))

	// Only the added and the new side of the change were fetched
	assert.Equal(t, 2, second.Index.Fetches)
	var indexed []string
	for _, p := range second.Index.Packages {
		indexed = append(indexed, p.Coordinate.String())
	}
	assert.Equal(t, []string{"npm:beta@2.0.0", "npm:delta@1.0.0"}, indexed)

	// Kept and extra packages are untouched
	again, err := env.store.GetPackage(ctx, coord("alpha", "1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, alpha.UpdatedAt, again.UpdatedAt)
	_, err = env.store.GetPackage(ctx, coord("gamma", "1.0.0"))
	assert.NoError(t, err)
	_, err = env.store.GetPackage(ctx, coord("beta", "1.0.0"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	pruned, err := env.rec.Prune(ctx)
	require.NoError(t, err)
	require.Len(t, pruned.Removed, 1)
	assert.Equal(t, coord("gamma", "1.0.0"), pruned.Removed[0].Coordinate)

	status, err := env.rec.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Plan.Empty())
	assert.False(t, status.Stale())
}

func TestUpdate_RetriesFetchedPackages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.publish(t, "alpha", "1.0.0")
	writeProject(t, env.root, map[string]string{"alpha": "1.0.0"})

	_, err := env.rec.Update(ctx)
	require.NoError(t, err)

	// Simulate a run that stopped before the indexed transition
	pkg, err := env.store.GetPackage(ctx, coord("alpha", "1.0.0"))
	require.NoError(t, err)
	require.NoError(t, env.store.SetPackageStatus(ctx, pkg.ID, types.StatusFetched, ""))
	requests := env.reg.Requests.Load()

	report, err := env.rec.Update(ctx)
	require.NoError(t, err)
	assert.True(t, report.Plan.Empty())
	assert.Equal(t, 1, report.Index.Indexed)
	assert.Equal(t, 0, report.Index.Fetches)
	assert.Equal(t, requests, env.reg.Requests.Load())
}

func TestStatus_ReportsFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.publish(t, "alpha", "1.0.0")
	writeProject(t, env.root, map[string]string{"alpha": "1.0.0", "missing": "9.9.9"})

	report, err := env.rec.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Index.Failed)

	status, err := env.rec.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status.Failed, 1)
	assert.Equal(t, "missing", status.Failed[0].Coordinate.Name)
	assert.NotEmpty(t, status.Failed[0].FailureReason)
	assert.Empty(t, status.Pending)
	assert.Len(t, status.Plan.Kept, 2)

	// Failed packages wait for an explicit retry
	again, err := env.rec.Update(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Index.Packages)
}

func TestStatus_ManifestErrorsDoNotAbort(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	writeProject(t, env.root, map[string]string{"alpha": "1.0.0"})
	broken := filepath.Join(env.root, "web")
	require.NoError(t, os.MkdirAll(broken, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(broken, "package.json"), []byte("{not json"), 0o644))

	status, err := env.rec.Status(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, status.ManifestErrors)
	assert.Equal(t, types.RegistryNpm, status.ManifestErrors[0].Ecosystem)
	assert.Len(t, status.Plan.Added, 1)
	assert.True(t, status.Stale())
}

func TestReconcile_RepairsCrossViewDamage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.publish(t, "alpha", "1.0.0")
	env.publish(t, "beta", "1.0.0")
	writeProject(t, env.root, map[string]string{"alpha": "1.0.0", "beta": "1.0.0"})
	_, err := env.rec.Update(ctx)
	require.NoError(t, err)
	stores := Stores{Storage: env.store, Vectors: env.vectors, Blobs: env.blobs}
	model := env.idx.Model()

	clean, err := Reconcile(ctx, stores, model)
	require.NoError(t, err)
	assert.True(t, clean.Clean())

	// A vector lost after its row committed
	keys := env.vectors.Keys()
	require.Len(t, keys, 2)
	require.NoError(t, env.vectors.Delete(keys[:1]))
	// A vector appended by a batch whose rows never committed
	require.NoError(t, env.vectors.Add([]vectorindex.Vector{{Key: vectorindex.Key{Hash: "stray", Model: model}, Values: []float32{1, 2}}}))
	// A reference counted twice
	files, err := env.store.ListFiles(ctx, 1)
	require.NoError(t, err)
	require.NotEmpty(t, files)
	_, err = env.store.IncrementBlobRef(ctx, files[0].ContentHash, files[0].Size)
	require.NoError(t, err)
	// A blob whose reference row is gone
	orphan, err := env.blobs.Put(ctx, []byte("left behind"))
	require.NoError(t, err)
	_, err = env.store.DecrementBlobRef(ctx, orphan)
	require.NoError(t, err)

	report, err := Reconcile(ctx, stores, model)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RowsWithoutVector)
	assert.Equal(t, 1, report.VectorsWithoutRow)
	assert.Equal(t, int64(1), report.Demoted)
	assert.Equal(t, int64(1), report.RefsFixed)
	assert.Equal(t, 1, report.BlobsSwept)
	assert.False(t, env.blobs.Exists(orphan))

	n, err := env.store.BlobRefCount(ctx, files[0].ContentHash)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The demoted package is repaired by the next update without a fetch
	requests := env.reg.Requests.Load()
	report2, err := env.rec.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report2.Index.Indexed)
	assert.Equal(t, 1, report2.Index.Embedding.Embedded)
	assert.Equal(t, requests, env.reg.Requests.Load())

	final, err := Reconcile(ctx, stores, model)
	require.NoError(t, err)
	assert.True(t, final.Clean())
}
