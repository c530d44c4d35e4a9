// Package indexer drives dependency packages from coordinate to searchable index.
//
// # Basic Usage
//
//	idx := indexer.New(indexer.Deps{
//	    Storage:  db,
//	    Blobs:    blobs,
//	    Fetcher:  registry.NewFromConfig(cfg.Registries, cfg.Indexing.MaxFileSize),
//	    Embedder: emb,
//	    Vectors:  vectors,
//	    Limiter:  limiter,
//	}, indexer.Config{Concurrency: 4})
//
//	stats, err := idx.IndexPackages(ctx, deps)
//	fmt.Printf("indexed %d, partial %d, failed %d\n", stats.Indexed, stats.Partial, stats.Failed)
//
// # Stages
//
// Each package runs these stages in order:
//
//  1. Ensure: upsert the package row (pending on first sight)
//  2. Fetch: download the archive unless file rows already exist
//  3. Store: put each file into the blob store and record it (fetched)
//  4. Chunk: re-chunk supported files from their blobs
//  5. Embed: pending chunks of all prepared packages go through one pipeline run
//  6. Mark: the conditional transition to indexed
//
// Stages 1 to 4 run concurrently across packages with a bounded worker pool:
//
//	semaphore := make(chan struct{}, workers)
//	g, gctx := errgroup.WithContext(ctx)
//
// Stage 5 is a single run so content shared between packages is embedded
// once, and stage 6 is attempted for every prepared package even when the
// run stops early.
//
// # Failure Scoping
//
// A fetch, storage or chunk failure marks that package failed with its
// reason and time; siblings continue. A file the chunker cannot parse gets
// whole-file fallback chunks and a warning in PackageResult.Warnings.
// Packages whose chunks could not all be embedded stay fetched and are
// reported as OutcomePartial; a later run embeds only what is missing.
//
// Only cancellation, embedding authentication failures, exhausted rate-limit
// retries and store failures are returned as the run error.
//
// # Re-runs
//
// An indexed package whose embeddings are complete under the current model is
// reported as OutcomeCurrent without touching the network or the embedder.
// Re-fetching an existing package only stores blobs for files whose content
// changed, releasing the old blob of each changed or vanished file, so blob
// reference counts always equal the number of referencing file rows.
//
// # Removal
//
// Remove deletes the package rows, releases its blob references, and deletes
// embeddings no remaining chunk refers to, rows before vectors.
//
// # Locking
//
// Runs and removals are serialized; a second caller receives
// ErrIndexInProgress instead of blocking.
package indexer
