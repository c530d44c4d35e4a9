// Package service wires the stores, indexer, reconciler and searcher of one
// project index and exposes the operations the CLI and the MCP server call.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dshills/depcontext/internal/blobstore"
	"github.com/dshills/depcontext/internal/chunker"
	"github.com/dshills/depcontext/internal/config"
	"github.com/dshills/depcontext/internal/embedder"
	"github.com/dshills/depcontext/internal/indexer"
	"github.com/dshills/depcontext/internal/manifest"
	"github.com/dshills/depcontext/internal/pipeline"
	"github.com/dshills/depcontext/internal/reconciler"
	"github.com/dshills/depcontext/internal/registry"
	"github.com/dshills/depcontext/internal/retry"
	"github.com/dshills/depcontext/internal/searcher"
	"github.com/dshills/depcontext/internal/storage"
	"github.com/dshills/depcontext/internal/vectorindex"
	"github.com/dshills/depcontext/pkg/types"
)

// Layout of the index directory
const (
	IndexDir     = ".index"
	DatabaseName = "index.db"
	BlobDir      = "blobs"
)

var (
	// ErrNotInitialized is returned when no index directory exists
	ErrNotInitialized = errors.New("no index found (run idx init)")
	// ErrClosed is returned after Close or Clean
	ErrClosed = errors.New("service closed")
)

// Options customise how a Service is assembled. Zero values build every
// collaborator from Config.
type Options struct {
	Config config.Specification

	// Reembed lets a configured model replace the one the index was built with
	Reembed bool

	Embedder  embedder.Embedder
	Fetcher   indexer.Fetcher
	Resolvers []manifest.Resolver
}

// Service owns the open index of one project
type Service struct {
	root string
	dir  string
	cfg  config.Specification
	opts Options

	store   *storage.SQLiteStorage
	blobs   *blobstore.Store
	vectors *vectorindex.Index
	emb     embedder.Embedder

	indexer    *indexer.Indexer
	reconciler *reconciler.Reconciler
	searcher   *searcher.Searcher

	mu      sync.Mutex
	watcher *reconciler.Watcher
	closed  bool
}

// FindIndexRoot walks up from start to the nearest directory holding an
// index and returns that project root
func FindIndexRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		if fi, err := os.Stat(filepath.Join(dir, IndexDir)); err == nil && fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotInitialized
		}
		dir = parent
	}
}

// ConfigPath returns the config file location for the project at root
func ConfigPath(root string) string {
	return filepath.Join(root, IndexDir, config.FileName)
}

// Open opens the existing index of the project at root. An index left
// dirty by an interrupted write is repaired before Open returns.
func Open(root string, opts Options) (*Service, error) {
	dir := filepath.Join(root, IndexDir)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, ErrNotInitialized
	}
	s, err := open(root, opts)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	dirty, err := s.store.GetMeta(ctx, storage.MetaDirty)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		_ = s.Close()
		return nil, err
	}
	if dirty == "1" {
		log.Warn().Str("root", root).Msg("index was not closed cleanly, repairing")
		if _, err := s.Repair(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("repair index: %w", err)
		}
	}
	return s, nil
}

func open(root string, opts Options) (*Service, error) {
	cfg := opts.Config
	dir := filepath.Join(root, IndexDir)

	store, err := storage.NewSQLiteStorage(filepath.Join(dir, DatabaseName))
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata: %w", err)
	}
	blobs, err := blobstore.New(filepath.Join(dir, BlobDir), store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	vectors, err := vectorindex.Open(filepath.Join(dir, vectorindex.FileName))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open vectors: %w", err)
	}

	emb := opts.Embedder
	if emb == nil {
		if emb, err = embedder.New(cfg.Embedding); err != nil {
			_ = vectors.Close()
			_ = store.Close()
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = registry.NewFromConfig(cfg.Registries, cfg.Indexing.MaxFileSize)
	}

	var limiter *retry.Limiter
	if emb.Provider() != embedder.ProviderLocal {
		limiter = retry.NewLimiter(cfg.Embedding.RPS, 1)
	}
	pc := pipeline.DefaultConfig()
	if cfg.Embedding.BatchSize > 0 {
		pc.BatchSize = cfg.Embedding.BatchSize
	}

	idx := indexer.New(indexer.Deps{
		Storage:  store,
		Blobs:    blobs,
		Fetcher:  fetcher,
		Chunker:  chunker.New(cfg.Indexing.MaxChunkBytes),
		Embedder: emb,
		Vectors:  vectors,
		Limiter:  limiter,
	}, indexer.Config{
		Concurrency: cfg.Indexing.Concurrency,
		Pipeline:    pc,
	})

	return &Service{
		root:       root,
		dir:        dir,
		cfg:        cfg,
		opts:       opts,
		store:      store,
		blobs:      blobs,
		vectors:    vectors,
		emb:        emb,
		indexer:    idx,
		reconciler: reconciler.New(root, store, idx, opts.Resolvers...),
		searcher:   searcher.New(store, emb, vectors, blobs, cfg.Search.CacheSize),
	}, nil
}

// InitReport is the outcome of Init
type InitReport struct {
	Created    bool // The index directory did not exist before
	Reembedded bool // The stored model was replaced
	Repair     *reconciler.RepairReport
	Update     *reconciler.UpdateReport
}

// Init creates the index of the project at root if needed, repairs it and
// brings it up to date with the manifests. Running it again on an unchanged
// project fetches and embeds nothing.
func Init(ctx context.Context, root string, opts Options) (*Service, *InitReport, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, nil, err
	}
	report := &InitReport{}
	dir := filepath.Join(root, IndexDir)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		report.Created = true
	}
	if err := os.MkdirAll(filepath.Join(dir, BlobDir), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	if _, err := os.Stat(ConfigPath(root)); errors.Is(err, os.ErrNotExist) {
		if err := config.Save(ConfigPath(root), opts.Config); err != nil {
			return nil, nil, fmt.Errorf("failed to write config: %w", err)
		}
	}

	s, err := open(root, opts)
	if err != nil {
		return nil, nil, err
	}

	if report.Reembedded, err = s.checkModel(ctx); err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	if report.Repair, err = s.Repair(ctx); err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	err = s.write(ctx, func() error {
		var err error
		report.Update, err = s.update(ctx)
		return err
	})
	if err != nil {
		return s, report, err
	}

	log.Info().Str("root", root).Bool("created", report.Created).Msg("index initialized")
	return s, report, nil
}

// Root returns the project directory
func (s *Service) Root() string { return s.root }

// Dir returns the index directory
func (s *Service) Dir() string { return s.dir }

// Config returns the effective configuration
func (s *Service) Config() config.Specification { return s.cfg }

// Model returns the configured embedding model
func (s *Service) Model() string { return s.emb.Model() }

// checkModel records the embedding model of a fresh index and refuses a
// different configured model unless re-embedding was requested. Re-embedding
// drops every vector of other models and demotes the indexed packages so
// the next update embeds them again from their stored files.
func (s *Service) checkModel(ctx context.Context) (bool, error) {
	model := s.emb.Model()
	stored, err := s.store.GetMeta(ctx, storage.MetaModel)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	if stored == model {
		return false, nil
	}
	if stored != "" && !s.opts.Reembed {
		return false, &types.ModelMismatchError{IndexModel: stored, QueryModel: model}
	}

	reembed := stored != ""
	if reembed {
		dropped, err := s.dropOtherModels(ctx, model)
		if err != nil {
			return false, err
		}
		demoted, err := s.store.DemoteIncomplete(ctx, model)
		if err != nil {
			return false, err
		}
		log.Warn().Str("from", stored).Str("to", model).Int("embeddings_dropped", dropped).
			Int64("packages_demoted", demoted).Msg("re-embedding index with new model")
	}

	meta := map[string]string{
		storage.MetaModel:     model,
		storage.MetaProvider:  s.emb.Provider(),
		storage.MetaDimension: strconv.Itoa(s.emb.Dimension()),
	}
	for _, k := range []string{storage.MetaModel, storage.MetaProvider, storage.MetaDimension} {
		if err := s.store.SetMeta(ctx, k, meta[k]); err != nil {
			return false, err
		}
	}
	if _, err := s.store.BumpGeneration(ctx); err != nil {
		return false, err
	}
	return reembed, nil
}

func (s *Service) dropOtherModels(ctx context.Context, model string) (int, error) {
	keys, err := s.store.ListEmbeddingKeys(ctx)
	if err != nil {
		return 0, err
	}
	var stale []storage.EmbeddingKey
	var vkeys []vectorindex.Key
	for _, k := range keys {
		if k.Model != model {
			stale = append(stale, k)
			vkeys = append(vkeys, vectorindex.Key{Hash: k.ContentHash, Model: k.Model})
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.store.DeleteEmbeddings(ctx, stale); err != nil {
		return 0, fmt.Errorf("failed to drop embeddings: %w", err)
	}
	if err := s.vectors.Delete(vkeys); err != nil {
		return 0, fmt.Errorf("failed to drop vectors: %w", err)
	}
	if s.vectors.NeedsCompaction() {
		if err := s.vectors.Compact(); err != nil {
			return 0, fmt.Errorf("failed to compact vectors: %w", err)
		}
	}
	return len(stale), nil
}

// Repair restores the invariants between the metadata, vector and blob views
// and clears the dirty marker
func (s *Service) Repair(ctx context.Context) (*reconciler.RepairReport, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	report, err := reconciler.Reconcile(ctx, reconciler.Stores{Storage: s.store, Vectors: s.vectors, Blobs: s.blobs}, s.emb.Model())
	if err != nil {
		return nil, err
	}
	if err := s.store.SetMeta(ctx, storage.MetaDirty, ""); err != nil {
		return nil, err
	}
	return report, nil
}

// write runs fn behind the dirty marker. The marker is cleared only when fn
// succeeds, so a process that dies mid-write leaves it for the next Open.
func (s *Service) write(ctx context.Context, fn func() error) error {
	if err := s.store.SetMeta(ctx, storage.MetaDirty, "1"); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	if s.indexer.Busy() {
		// Another write still holds the index
		return nil
	}
	return s.store.SetMeta(ctx, storage.MetaDirty, "")
}

func (s *Service) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close stops a running watch and closes the stores
func (s *Service) Close() error {
	s.StopWatch()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.emb.Close(), s.vectors.Close(), s.store.Close())
}

// Clean deletes the whole index directory. The service is closed afterwards.
func (s *Service) Clean(ctx context.Context) error {
	if err := s.Close(); err != nil {
		log.Warn().Err(err).Msg("close before clean")
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", s.dir, err)
	}
	log.Info().Str("dir", s.dir).Msg("index removed")
	return nil
}
