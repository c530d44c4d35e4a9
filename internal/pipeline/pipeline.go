// Package pipeline turns pending chunks into persisted embeddings.
//
// A run deduplicates chunks by content hash, orders them by package name,
// file path and start byte, and submits them in batches through a shared
// rate limiter. Every embedded batch is persisted before the next request:
// vectors are appended and synced first, then the metadata rows commit.
// A cancelled or aborted run therefore keeps everything embedded so far.
package pipeline

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dshills/depcontext/internal/embedder"
	"github.com/dshills/depcontext/internal/retry"
	"github.com/dshills/depcontext/internal/storage"
	"github.com/dshills/depcontext/internal/vectorindex"
	"github.com/dshills/depcontext/pkg/types"
)

const (
	// DefaultMaxRateLimitRetries bounds consecutive rate-limited requests before a batch is failed
	DefaultMaxRateLimitRetries = 8

	// DefaultRateLimitBackoff is the first pause after a rate-limit response
	DefaultRateLimitBackoff = time.Second
)

// MetadataStore is the part of the metadata view the pipeline writes to
type MetadataStore interface {
	InsertEmbeddings(ctx context.Context, rows []storage.EmbeddingRow) error
	RecordEmbeddingFailure(ctx context.Context, failure storage.EmbeddingFailure) error
}

// VectorStore is the part of the vector view the pipeline writes to
type VectorStore interface {
	Add(vectors []vectorindex.Vector) error
	Get(key vectorindex.Key) ([]float32, bool)
}

// Config tunes batching and retry behaviour
type Config struct {
	BatchSize int

	// Transient errors and missing entries are retried with this policy
	Retry retry.Config

	MaxRateLimitRetries int
	RateLimitBackoff    time.Duration
}

// DefaultConfig returns the default pipeline settings
func DefaultConfig() Config {
	return Config{
		BatchSize:           embedder.DefaultBatchSize,
		Retry:               retry.DefaultConfig(),
		MaxRateLimitRetries: DefaultMaxRateLimitRetries,
		RateLimitBackoff:    DefaultRateLimitBackoff,
	}
}

// Failure is a chunk hash that could not be embedded in this run
type Failure struct {
	ContentHash string
	Kind        types.EmbeddingErrorKind
	Reason      string
}

// Result summarizes one run
type Result struct {
	Embedded       int // Hashes embedded by the provider
	Reused         int // Chunks served by an existing vector or a duplicate hash
	Failed         int
	Batches        int // Provider requests made
	RateLimited    int // Requests answered with a rate limit
	FinalBatchSize int
	Failures       []Failure
}

// Pipeline embeds chunks with one embedder into one index
type Pipeline struct {
	embedder embedder.Embedder
	meta     MetadataStore
	vectors  VectorStore
	limiter  *retry.Limiter
	config   Config
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a pipeline. A nil limiter disables throttling.
func New(e embedder.Embedder, meta MetadataStore, vectors VectorStore, limiter *retry.Limiter, config Config) *Pipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = embedder.DefaultBatchSize
	}
	if limit := e.MaxBatch(); limit > 0 && config.BatchSize > limit {
		config.BatchSize = limit
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = retry.DefaultConfig()
	}
	if config.MaxRateLimitRetries <= 0 {
		config.MaxRateLimitRetries = DefaultMaxRateLimitRetries
	}
	if config.RateLimitBackoff <= 0 {
		config.RateLimitBackoff = DefaultRateLimitBackoff
	}
	if limiter == nil {
		limiter = retry.NewLimiter(0, 1)
	}
	return &Pipeline{
		embedder: e,
		meta:     meta,
		vectors:  vectors,
		limiter:  limiter,
		config:   config,
		logger:   log.Logger,
		sleep:    sleepCtx,
	}
}

// WithLogger sets the logger used for run events
func (p *Pipeline) WithLogger(l zerolog.Logger) *Pipeline {
	p.logger = l
	return p
}

// Order sorts chunks by package name, file path, start byte and chunk id,
// then drops later chunks that share a content hash.
func Order(chunks []storage.PendingChunk) (unique []storage.PendingChunk, duplicates int) {
	sorted := make([]storage.PendingChunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.PackageName != b.PackageName {
			return a.PackageName < b.PackageName
		}
		if a.FilePath != b.FilePath {
			return a.FilePath < b.FilePath
		}
		if a.StartByte != b.StartByte {
			return a.StartByte < b.StartByte
		}
		return a.ChunkID < b.ChunkID
	})

	seen := make(map[string]bool, len(sorted))
	unique = sorted[:0]
	for _, c := range sorted {
		if seen[c.ContentHash] {
			duplicates++
			continue
		}
		seen[c.ContentHash] = true
		unique = append(unique, c)
	}
	return unique, duplicates
}

// Run embeds and persists chunks. It returns a non-nil error only for
// conditions that stop the run: cancellation, auth failures and persistence
// failures. A batch still rate limited after MaxRateLimitRetries attempts is
// recorded as failed like any other exhausted batch. The result is valid
// either way.
func (p *Pipeline) Run(ctx context.Context, chunks []storage.PendingChunk) (*Result, error) {
	model := p.embedder.Model()
	res := &Result{FinalBatchSize: p.config.BatchSize}

	unique, dups := Order(chunks)
	res.Reused = dups

	// Vectors that survived a crash before their rows committed only need the row
	queue := make([]storage.PendingChunk, 0, len(unique))
	var revived []storage.EmbeddingRow
	for _, c := range unique {
		if v, ok := p.vectors.Get(vectorindex.Key{Hash: c.ContentHash, Model: model}); ok {
			revived = append(revived, storage.EmbeddingRow{ContentHash: c.ContentHash, Model: model, Dimension: len(v)})
			continue
		}
		queue = append(queue, c)
	}
	if len(revived) > 0 {
		if err := p.meta.InsertEmbeddings(ctx, revived); err != nil {
			return res, err
		}
		res.Reused += len(revived)
	}

	if len(queue) == 0 {
		return res, nil
	}
	p.logger.Debug().Int("chunks", len(queue)).Int("batch_size", res.FinalBatchSize).Str("model", model).Msg("embedding run started")

	batchSize := p.config.BatchSize
	transientAttempts := 0
	rateLimitStreak := 0
	misses := make(map[string]int)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		n := batchSize
		if n > len(queue) {
			n = len(queue)
		}
		batch := queue[:n]

		if err := p.limiter.Wait(ctx); err != nil {
			return res, err
		}
		resp, err := p.embedder.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: texts(batch)})
		res.Batches++

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			embErr := classify(err)
			switch embErr.Kind {
			case types.EmbeddingAuth:
				p.logger.Error().Err(err).Msg("embedding provider rejected credentials")
				return res, embErr

			case types.EmbeddingRateLimited:
				res.RateLimited++
				rateLimitStreak++
				if rateLimitStreak > p.config.MaxRateLimitRetries {
					// Budget spent: this batch fails, the rest of the queue still runs
					rateLimitStreak = 0
					if err := p.fail(ctx, res, batch, embErr); err != nil {
						return res, err
					}
					queue = queue[n:]
					continue
				}
				delay := p.rateLimitDelay(rateLimitStreak)
				p.limiter.Backoff(delay)
				if batchSize > 1 {
					batchSize /= 2
				}
				res.FinalBatchSize = batchSize
				p.logger.Warn().Int("batch_size", batchSize).Dur("backoff", delay).Msg("embedding rate limited, shrinking batch")
				continue

			case types.EmbeddingInvalid:
				rateLimitStreak = 0
				if n > 1 {
					// Isolate the offending input by resubmitting one at a time
					if err := p.runSingles(ctx, batch, res, misses); err != nil {
						return res, err
					}
				} else if err := p.fail(ctx, res, batch, embErr); err != nil {
					return res, err
				}
				queue = queue[n:]
				continue

			default:
				rateLimitStreak = 0
				transientAttempts++
				if transientAttempts < p.config.Retry.MaxAttempts {
					delay := p.config.Retry.Delay(transientAttempts)
					p.logger.Warn().Err(err).Int("attempt", transientAttempts).Dur("delay", delay).Msg("embedding batch failed, retrying")
					if err := p.sleep(ctx, delay); err != nil {
						return res, err
					}
					continue
				}
				transientAttempts = 0
				if err := p.fail(ctx, res, batch, embErr); err != nil {
					return res, err
				}
				queue = queue[n:]
				continue
			}
		}

		rateLimitStreak = 0
		transientAttempts = 0
		retryFront, err := p.persist(ctx, res, batch, resp, misses)
		if err != nil {
			return res, err
		}
		queue = append(retryFront, queue[n:]...)
	}

	p.logger.Info().
		Int("embedded", res.Embedded).
		Int("reused", res.Reused).
		Int("failed", res.Failed).
		Int("batches", res.Batches).
		Msg("embedding run finished")
	return res, nil
}

// runSingles submits each chunk as its own request so one invalid input
// cannot fail its neighbours.
func (p *Pipeline) runSingles(ctx context.Context, batch []storage.PendingChunk, res *Result, misses map[string]int) error {
	for _, c := range batch {
		one := []storage.PendingChunk{c}
		for {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
			resp, err := p.embedder.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: texts(one)})
			res.Batches++
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				embErr := classify(err)
				if embErr.Kind == types.EmbeddingAuth {
					return embErr
				}
				if err := p.fail(ctx, res, one, embErr); err != nil {
					return err
				}
				break
			}
			retryFront, err := p.persist(ctx, res, one, resp, misses)
			if err != nil {
				return err
			}
			if len(retryFront) == 0 {
				break
			}
		}
	}
	return nil
}

// persist stores the returned vectors and rows for batch and returns the
// chunks that came back empty and still have retry budget.
func (p *Pipeline) persist(ctx context.Context, res *Result, batch []storage.PendingChunk, resp *embedder.BatchEmbeddingResponse, misses map[string]int) ([]storage.PendingChunk, error) {
	model := p.embedder.Model()
	vectors := make([]vectorindex.Vector, 0, len(batch))
	rows := make([]storage.EmbeddingRow, 0, len(batch))
	var missing []storage.PendingChunk

	for i, c := range batch {
		var emb *embedder.Embedding
		if resp != nil && i < len(resp.Embeddings) {
			emb = resp.Embeddings[i]
		}
		if emb == nil || len(emb.Vector) == 0 {
			missing = append(missing, c)
			continue
		}
		vectors = append(vectors, vectorindex.Vector{
			Key:    vectorindex.Key{Hash: c.ContentHash, Model: model},
			Values: emb.Vector,
		})
		rows = append(rows, storage.EmbeddingRow{ContentHash: c.ContentHash, Model: model, Dimension: len(emb.Vector)})
	}

	if len(vectors) > 0 {
		if err := p.vectors.Add(vectors); err != nil {
			return nil, err
		}
		if err := p.meta.InsertEmbeddings(ctx, rows); err != nil {
			return nil, err
		}
		res.Embedded += len(vectors)
	}

	var again []storage.PendingChunk
	for _, c := range missing {
		misses[c.ContentHash]++
		if misses[c.ContentHash] < p.config.Retry.MaxAttempts {
			again = append(again, c)
			continue
		}
		err := &types.EmbeddingError{Kind: types.EmbeddingTransient, Err: errors.New("provider returned no embedding")}
		if err := p.fail(ctx, res, []storage.PendingChunk{c}, err); err != nil {
			return nil, err
		}
	}
	if len(again) > 0 {
		p.logger.Debug().Int("missing", len(again)).Msg("resubmitting chunks missing from a partial response")
	}
	return again, nil
}

func (p *Pipeline) fail(ctx context.Context, res *Result, batch []storage.PendingChunk, embErr *types.EmbeddingError) error {
	model := p.embedder.Model()
	for _, c := range batch {
		f := storage.EmbeddingFailure{
			ContentHash: c.ContentHash,
			Model:       model,
			Kind:        embErr.Kind,
			Reason:      embErr.Error(),
		}
		if err := p.meta.RecordEmbeddingFailure(ctx, f); err != nil {
			return err
		}
		res.Failures = append(res.Failures, Failure{ContentHash: c.ContentHash, Kind: embErr.Kind, Reason: f.Reason})
		res.Failed++
	}
	p.logger.Warn().Str("kind", string(embErr.Kind)).Int("chunks", len(batch)).Err(embErr.Err).Msg("chunks could not be embedded")
	return nil
}

func (p *Pipeline) rateLimitDelay(streak int) time.Duration {
	d := p.config.RateLimitBackoff
	for i := 1; i < streak; i++ {
		d *= 2
		if limit := p.config.Retry.MaxDelay; limit > 0 && d > limit {
			return limit
		}
	}
	return d
}

func classify(err error) *types.EmbeddingError {
	var embErr *types.EmbeddingError
	if errors.As(err, &embErr) {
		return embErr
	}
	return &types.EmbeddingError{Kind: types.EmbeddingTransient, Err: err}
}

func texts(batch []storage.PendingChunk) []string {
	out := make([]string, len(batch))
	for i, c := range batch {
		out[i] = c.Text
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
