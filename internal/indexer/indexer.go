package indexer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/depcontext/internal/blobstore"
	"github.com/dshills/depcontext/internal/chunker"
	"github.com/dshills/depcontext/internal/embedder"
	"github.com/dshills/depcontext/internal/logging"
	"github.com/dshills/depcontext/internal/manifest"
	"github.com/dshills/depcontext/internal/parser"
	"github.com/dshills/depcontext/internal/pipeline"
	"github.com/dshills/depcontext/internal/registry"
	"github.com/dshills/depcontext/internal/retry"
	"github.com/dshills/depcontext/internal/storage"
	"github.com/dshills/depcontext/internal/vectorindex"
	"github.com/dshills/depcontext/pkg/types"
)

// ErrIndexInProgress is returned when another run holds the index lock
var ErrIndexInProgress = errors.New("indexing already in progress")

// Fetcher downloads the indexable files of one package
type Fetcher interface {
	Fetch(ctx context.Context, coord types.PackageCoordinate) ([]registry.File, error)
}

// Outcome is what a run did with one package
type Outcome string

const (
	OutcomeIndexed Outcome = "indexed" // Every chunk has an embedding
	OutcomePartial Outcome = "partial" // Fetched and chunked, some embeddings missing
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped" // Marked skipped by the user
	OutcomeCurrent Outcome = "current" // Already indexed, nothing to do
)

// PackageResult reports one package of a run
type PackageResult struct {
	Coordinate types.PackageCoordinate
	Outcome    Outcome
	Fetched    bool // Downloaded during this run
	Files      int
	Chunks     int
	Missing    int // Chunks still without an embedding
	Reason     string
	Warnings   []string // Per-file chunking problems
}

// Statistics contains statistics about one indexing run
type Statistics struct {
	RunID    string
	Packages []PackageResult // Ordered by coordinate

	Indexed int
	Partial int
	Failed  int
	Skipped int
	Current int

	Fetches   int
	Embedding pipeline.Result
	Duration  time.Duration
}

// Config contains configuration for the indexer
type Config struct {
	Concurrency int // Packages processed at once (default: runtime.NumCPU())
	Pipeline    pipeline.Config
}

// Indexer coordinates the per-package pipeline: fetch -> blob -> chunk -> embed -> mark
type Indexer struct {
	storage  storage.Storage
	blobs    *blobstore.Store
	fetcher  Fetcher
	chunker  *chunker.Chunker
	embedder embedder.Embedder
	vectors  *vectorindex.Index
	limiter  *retry.Limiter

	// Worker pool configuration
	workers  int
	pipeline pipeline.Config

	lock runLock
}

// Deps groups the collaborators of an Indexer
type Deps struct {
	Storage  storage.Storage
	Blobs    *blobstore.Store
	Fetcher  Fetcher
	Chunker  *chunker.Chunker
	Embedder embedder.Embedder
	Vectors  *vectorindex.Index
	Limiter  *retry.Limiter // Shared embedding limiter, nil for none
}

// New creates a new Indexer instance
func New(deps Deps, config Config) *Indexer {
	if config.Concurrency <= 0 {
		config.Concurrency = runtime.NumCPU()
	}
	if deps.Chunker == nil {
		deps.Chunker = chunker.New(0)
	}
	return &Indexer{
		storage:  deps.Storage,
		blobs:    deps.Blobs,
		fetcher:  deps.Fetcher,
		chunker:  deps.Chunker,
		embedder: deps.Embedder,
		vectors:  deps.Vectors,
		limiter:  deps.Limiter,
		workers:  config.Concurrency,
		pipeline: config.Pipeline,
	}
}

// Model returns the embedding model the indexer writes under
func (idx *Indexer) Model() string {
	return idx.embedder.Model()
}

// work is the state of one package between the fetch and the mark phases
type work struct {
	pkg    *types.Package
	result PackageResult
	chunks bool // Reached the embedding phase
}

// IndexPackages runs the pipeline for deps. Package failures are recorded on
// the package and in the statistics; the returned error is reserved for
// conditions that stop the whole run, in which case the statistics are still
// valid for the work completed.
func (idx *Indexer) IndexPackages(ctx context.Context, deps []manifest.Dependency) (*Statistics, error) {
	if err := idx.lock.acquire(); err != nil {
		return nil, err
	}
	defer idx.lock.release()

	start := time.Now()
	stats := &Statistics{RunID: uuid.NewString()}
	logger := logging.WithRun(stats.RunID)
	logger.Info().Int("packages", len(deps)).Int("workers", idx.workers).Msg("indexing run started")

	jobs := dedupe(deps)
	works := make([]*work, len(jobs))

	// Fetch and chunk concurrently, one package per worker
	semaphore := make(chan struct{}, idx.workers)
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex // Protects stats.Fetches

	for i, dep := range jobs {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case semaphore <- struct{}{}:
			}
			defer func() { <-semaphore }()

			w, fetched := idx.preparePackage(gctx, logger, dep)
			works[i] = w
			if fetched {
				mu.Lock()
				stats.Fetches++
				mu.Unlock()
			}
			return gctx.Err()
		})
	}
	runErr := g.Wait()

	// One embedding run across every package, so shared hashes embed once
	var ids []int64
	for _, w := range works {
		if w != nil && w.chunks {
			ids = append(ids, w.pkg.ID)
		}
	}
	if runErr == nil && len(ids) > 0 {
		runErr = idx.embed(ctx, logger, ids, stats)
	}

	// Mark what is complete even when the run stopped early
	markCtx := context.WithoutCancel(ctx)
	for _, w := range works {
		if w == nil {
			continue
		}
		if w.chunks {
			idx.mark(markCtx, logger, w)
		}
		stats.add(w.result)
	}
	sort.Slice(stats.Packages, func(i, j int) bool {
		return stats.Packages[i].Coordinate.String() < stats.Packages[j].Coordinate.String()
	})

	// Re-fetched files may have left embeddings nothing refers to
	if stats.Fetches > 0 {
		if _, err := idx.CollectEmbeddings(markCtx); err != nil && runErr == nil {
			runErr = err
		}
	}

	if stats.Fetches > 0 || stats.Embedding.Embedded > 0 || stats.Indexed > stats.Current || stats.Partial > 0 {
		if _, err := idx.storage.BumpGeneration(markCtx); err != nil && runErr == nil {
			runErr = err
		}
	}

	stats.Duration = time.Since(start)
	ev := logger.Info()
	if runErr != nil {
		ev = logger.Warn().Err(runErr)
	}
	ev.Int("indexed", stats.Indexed).
		Int("partial", stats.Partial).
		Int("failed", stats.Failed).
		Int("fetches", stats.Fetches).
		Int("embedded", stats.Embedding.Embedded).
		Dur("duration", stats.Duration).
		Msg("indexing run finished")
	return stats, runErr
}

func (s *Statistics) add(r PackageResult) {
	s.Packages = append(s.Packages, r)
	switch r.Outcome {
	case OutcomeIndexed:
		s.Indexed++
	case OutcomeCurrent:
		s.Indexed++
		s.Current++
	case OutcomePartial:
		s.Partial++
	case OutcomeFailed:
		s.Failed++
	case OutcomeSkipped:
		s.Skipped++
	}
}

// dedupe keeps the first dependency per coordinate
func dedupe(deps []manifest.Dependency) []manifest.Dependency {
	seen := make(map[types.PackageCoordinate]bool, len(deps))
	out := make([]manifest.Dependency, 0, len(deps))
	for _, d := range deps {
		if seen[d.Coordinate] {
			continue
		}
		seen[d.Coordinate] = true
		out = append(out, d)
	}
	return out
}

// preparePackage runs the ensure, fetch, blob and chunk stages for one package
func (idx *Indexer) preparePackage(ctx context.Context, logger zerolog.Logger, dep manifest.Dependency) (*work, bool) {
	w := &work{result: PackageResult{Coordinate: dep.Coordinate}}
	plog := logger.With().Str("package", dep.Coordinate.String()).Logger()

	pkg := &types.Package{Coordinate: dep.Coordinate, Unpinned: dep.Unpinned}
	if err := idx.storage.UpsertPackage(ctx, pkg); err != nil {
		w.result.Outcome = OutcomeFailed
		w.result.Reason = err.Error()
		plog.Error().Err(err).Msg("failed to record package")
		return w, false
	}
	w.pkg = pkg

	switch pkg.Status {
	case types.StatusSkipped:
		w.result.Outcome = OutcomeSkipped
		return w, false
	case types.StatusIndexed:
		ok, err := idx.storage.MarkIndexed(ctx, pkg.ID, idx.Model())
		if err == nil && ok {
			w.result.Outcome = OutcomeCurrent
			w.result.Files, w.result.Chunks = pkg.FileCount, pkg.ChunkCount
			return w, false
		}
		// Indexed under another model or missing embeddings; fall through and re-embed
	case types.StatusFailed:
		if err := idx.storage.SetPackageStatus(ctx, pkg.ID, types.StatusPending, ""); err != nil {
			idx.failPackage(ctx, plog, w, err)
			return w, false
		}
		pkg.Status = types.StatusPending
	}

	files, err := idx.storage.ListFiles(ctx, pkg.ID)
	if err != nil {
		idx.failPackage(ctx, plog, w, err)
		return w, false
	}

	// A pending package with files was interrupted mid-fetch
	fetched := false
	if len(files) == 0 || pkg.Status == types.StatusPending {
		fetched = true
		w.result.Fetched = true
		files, err = idx.fetchPackage(ctx, plog, pkg, files)
		if err != nil {
			idx.failPackage(ctx, plog, w, err)
			return w, fetched
		}
	}

	chunkCount, warnings, err := idx.chunkPackage(ctx, files)
	if err != nil {
		idx.failPackage(ctx, plog, w, err)
		return w, fetched
	}
	for _, warn := range warnings {
		plog.Warn().Str("detail", warn).Msg("chunking fell back to whole file")
	}

	w.chunks = true
	w.result.Files = len(files)
	w.result.Chunks = chunkCount
	w.result.Warnings = warnings
	plog.Debug().Int("files", len(files)).Int("chunks", chunkCount).Bool("fetched", fetched).Msg("package prepared")
	return w, fetched
}

// fetchPackage downloads the package and reconciles its file rows and blob
// references with what the registry returned. existing are the file rows
// left by an earlier attempt.
func (idx *Indexer) fetchPackage(ctx context.Context, logger zerolog.Logger, pkg *types.Package, existing []*types.SourceFile) ([]*types.SourceFile, error) {
	fetched, err := idx.fetcher.Fetch(ctx, pkg.Coordinate)
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]*types.SourceFile, len(existing))
	for _, f := range existing {
		byPath[f.Path] = f
	}

	files := make([]*types.SourceFile, 0, len(fetched))
	for _, rf := range fetched {
		hash := types.HashBytes(rf.Data)
		old, had := byPath[rf.Path]
		delete(byPath, rf.Path)

		if !had || old.ContentHash != hash {
			if _, err := idx.blobs.Put(ctx, rf.Data); err != nil {
				return nil, err
			}
		}

		file := &types.SourceFile{
			PackageID:   pkg.ID,
			Path:        rf.Path,
			ContentHash: hash,
			Size:        int64(len(rf.Data)),
			Language:    parser.Language(rf.Path),
		}
		file.Unsupported = file.Language == ""
		if err := idx.storage.UpsertFile(ctx, file); err != nil {
			return nil, err
		}
		if had && old.ContentHash != hash {
			if _, err := idx.blobs.Release(ctx, old.ContentHash); err != nil {
				return nil, err
			}
		}
		files = append(files, file)
	}

	// Paths the registry no longer serves
	for _, gone := range byPath {
		if err := idx.storage.DeleteFile(ctx, gone.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if _, err := idx.blobs.Release(ctx, gone.ContentHash); err != nil {
			return nil, err
		}
	}

	if err := idx.storage.SetPackageStatus(ctx, pkg.ID, types.StatusFetched, ""); err != nil {
		return nil, err
	}
	pkg.Status = types.StatusFetched
	logger.Info().Int("files", len(files)).Msg("package fetched")
	return files, nil
}

// chunkPackage re-chunks every supported file from its blob
func (idx *Indexer) chunkPackage(ctx context.Context, files []*types.SourceFile) (int, []string, error) {
	total := 0
	var warnings []string
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return total, warnings, err
		}
		if f.Unsupported {
			continue
		}
		data, err := idx.blobs.Get(ctx, f.ContentHash)
		if err != nil {
			return total, warnings, fmt.Errorf("read %s: %w", f.Path, err)
		}

		chunks, err := idx.chunker.Chunk(f.Path, data)
		if err != nil {
			var ce *types.ChunkError
			if !errors.As(err, &ce) {
				return total, warnings, err
			}
			if ce.Kind == types.ChunkUnsupported {
				continue
			}
			warnings = append(warnings, ce.Error())
		}
		if err := idx.storage.ReplaceChunks(ctx, f.ID, chunks); err != nil {
			return total, warnings, err
		}
		total += len(chunks)
	}
	return total, warnings, nil
}

// embed runs the embedding pipeline over the pending chunks of ids
func (idx *Indexer) embed(ctx context.Context, logger zerolog.Logger, ids []int64, stats *Statistics) error {
	pending, err := idx.storage.PendingChunks(ctx, idx.Model(), ids)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	p := pipeline.New(idx.embedder, idx.storage, idx.vectors, idx.limiter, idx.pipeline).WithLogger(logger)
	res, err := p.Run(ctx, pending)
	if res != nil {
		stats.Embedding = *res
	}
	return err
}

// mark attempts the conditional indexed transition
func (idx *Indexer) mark(ctx context.Context, logger zerolog.Logger, w *work) {
	ok, err := idx.storage.MarkIndexed(ctx, w.pkg.ID, idx.Model())
	if err != nil {
		idx.failPackage(ctx, logger, w, err)
		return
	}
	if ok {
		w.result.Outcome = OutcomeIndexed
		return
	}
	w.result.Outcome = OutcomePartial
	pending, err := idx.storage.PendingChunks(ctx, idx.Model(), []int64{w.pkg.ID})
	if err == nil {
		w.result.Missing = len(pending)
	}
	logger.Warn().Str("package", w.pkg.Coordinate.String()).Int("missing", w.result.Missing).
		Msg("package left fetched with missing embeddings")
}

func (idx *Indexer) failPackage(ctx context.Context, logger zerolog.Logger, w *work, cause error) {
	w.chunks = false
	w.result.Outcome = OutcomeFailed
	w.result.Reason = cause.Error()
	logger.Error().Err(cause).Msg("package failed")
	if w.pkg == nil || ctx.Err() != nil {
		return
	}
	if err := idx.storage.SetPackageStatus(context.WithoutCancel(ctx), w.pkg.ID, types.StatusFailed, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("failed to record package failure")
	}
}

// RemoveResult reports what Remove released
type RemoveResult struct {
	Coordinate      types.PackageCoordinate
	Files           int
	BlobsDeleted    int // Blobs whose last reference went away
	EmbeddingsFreed int
}

// Remove deletes a package and garbage-collects what only it referenced:
// blobs reaching zero references and embeddings no chunk uses any more.
func (idx *Indexer) Remove(ctx context.Context, coord types.PackageCoordinate) (*RemoveResult, error) {
	if err := idx.lock.acquire(); err != nil {
		return nil, err
	}
	defer idx.lock.release()
	return idx.remove(ctx, coord)
}

// Busy reports whether a run or removal currently holds the index
func (idx *Indexer) Busy() bool {
	return idx.lock.busy()
}

// RemoveAll removes several packages under one lock acquisition
func (idx *Indexer) RemoveAll(ctx context.Context, coords []types.PackageCoordinate) ([]RemoveResult, error) {
	if err := idx.lock.acquire(); err != nil {
		return nil, err
	}
	defer idx.lock.release()

	out := make([]RemoveResult, 0, len(coords))
	for _, c := range coords {
		r, err := idx.remove(ctx, c)
		if err != nil {
			return out, err
		}
		out = append(out, *r)
	}
	return out, nil
}

func (idx *Indexer) remove(ctx context.Context, coord types.PackageCoordinate) (*RemoveResult, error) {
	pkg, err := idx.storage.GetPackage(ctx, coord)
	if err != nil {
		return nil, err
	}
	files, err := idx.storage.ListFiles(ctx, pkg.ID)
	if err != nil {
		return nil, err
	}
	if err := idx.storage.DeletePackage(ctx, pkg.ID); err != nil {
		return nil, err
	}

	res := &RemoveResult{Coordinate: coord, Files: len(files)}
	for _, f := range files {
		remaining, err := idx.blobs.Release(ctx, f.ContentHash)
		if err != nil {
			return res, err
		}
		if remaining == 0 {
			res.BlobsDeleted++
		}
	}

	freed, err := idx.CollectEmbeddings(ctx)
	res.EmbeddingsFreed = freed
	if err != nil {
		return res, err
	}
	if _, err := idx.storage.BumpGeneration(ctx); err != nil {
		return res, err
	}
	logger := logging.WithRun(uuid.NewString())
	logger.Info().Str("package", coord.String()).Int("files", res.Files).
		Int("blobs_deleted", res.BlobsDeleted).Int("embeddings_freed", freed).Msg("package removed")
	return res, nil
}

// CollectEmbeddings deletes embedding rows and vectors no chunk refers to.
// Rows go first so a row never outlives its vector.
func (idx *Indexer) CollectEmbeddings(ctx context.Context) (int, error) {
	orphans, err := idx.storage.OrphanEmbeddings(ctx)
	if err != nil || len(orphans) == 0 {
		return 0, err
	}
	if err := idx.storage.DeleteEmbeddings(ctx, orphans); err != nil {
		return 0, err
	}
	keys := make([]vectorindex.Key, len(orphans))
	for i, o := range orphans {
		keys[i] = vectorindex.Key{Hash: o.ContentHash, Model: o.Model}
	}
	if err := idx.vectors.Delete(keys); err != nil {
		return len(orphans), err
	}
	return len(orphans), nil
}
