package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/depcontext/internal/embedder"
	"github.com/dshills/depcontext/internal/retry"
	"github.com/dshills/depcontext/internal/storage"
	"github.com/dshills/depcontext/internal/vectorindex"
	"github.com/dshills/depcontext/pkg/types"
)

// scriptedEmbedder embeds with the local provider unless respond overrides a call
type scriptedEmbedder struct {
	mu      sync.Mutex
	local   *embedder.LocalProvider
	calls   [][]string
	respond func(call int, texts []string) (*embedder.BatchEmbeddingResponse, error)
}

func newScripted(t *testing.T) *scriptedEmbedder {
	t.Helper()
	local, err := embedder.NewLocalProvider(16, nil)
	require.NoError(t, err)
	return &scriptedEmbedder{local: local}
}

func (s *scriptedEmbedder) GenerateEmbedding(ctx context.Context, req embedder.EmbeddingRequest) (*embedder.Embedding, error) {
	return s.local.GenerateEmbedding(ctx, req)
}

func (s *scriptedEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	s.mu.Lock()
	call := len(s.calls)
	s.calls = append(s.calls, append([]string(nil), req.Texts...))
	respond := s.respond
	s.mu.Unlock()

	if respond != nil {
		if resp, err := respond(call, req.Texts); resp != nil || err != nil {
			return resp, err
		}
	}
	return s.local.GenerateBatch(ctx, req)
}

func (s *scriptedEmbedder) Dimension() int   { return s.local.Dimension() }
func (s *scriptedEmbedder) Provider() string { return "scripted" }
func (s *scriptedEmbedder) Model() string    { return s.local.Model() }
func (s *scriptedEmbedder) MaxBatch() int    { return embedder.MaxBatchSize }
func (s *scriptedEmbedder) Close() error     { return nil }

func (s *scriptedEmbedder) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		out = append(out, c...)
	}
	return out
}

func (s *scriptedEmbedder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fixture struct {
	store   *storage.SQLiteStorage
	vectors *vectorindex.Index
	pkg     *types.Package
}

// newFixture creates one npm package with n single-chunk files
func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	vectors, err := vectorindex.Open(filepath.Join(dir, vectorindex.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	pkg := &types.Package{Coordinate: types.PackageCoordinate{Registry: types.RegistryNpm, Name: "fixture", Version: "1.0.0"}}
	require.NoError(t, store.UpsertPackage(ctx, pkg))
	for i := 0; i < n; i++ {
		src := fmt.Sprintf("function fn%02d() { return %d }", i, i)
		file := &types.SourceFile{PackageID: pkg.ID, Path: fmt.Sprintf("f%02d.js", i), ContentHash: types.HashBytes([]byte(src))}
		require.NoError(t, store.UpsertFile(ctx, file))
		require.NoError(t, store.ReplaceChunks(ctx, file.ID, []types.Chunk{{
			Kind: types.ChunkFunction, StartByte: 0, EndByte: len(src), StartLine: 1, EndLine: 1,
			Symbol: fmt.Sprintf("fn%02d", i), Text: src,
		}}))
	}
	return &fixture{store: store, vectors: vectors, pkg: pkg}
}

func (f *fixture) pending(t *testing.T, model string) []storage.PendingChunk {
	t.Helper()
	p, err := f.store.PendingChunks(context.Background(), model, nil)
	require.NoError(t, err)
	return p
}

func testConfig(batch int) Config {
	return Config{
		BatchSize:           batch,
		Retry:               retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
		MaxRateLimitRetries: 4,
		RateLimitBackoff:    time.Millisecond,
	}
}

func TestOrder(t *testing.T) {
	chunks := []storage.PendingChunk{
		{ChunkID: 5, PackageName: "b", FilePath: "a.js", StartByte: 0, ContentHash: "h1"},
		{ChunkID: 4, PackageName: "a", FilePath: "z.js", StartByte: 10, ContentHash: "h2"},
		{ChunkID: 3, PackageName: "a", FilePath: "z.js", StartByte: 0, ContentHash: "h3"},
		{ChunkID: 2, PackageName: "a", FilePath: "b.js", StartByte: 0, ContentHash: "h1"},
	}
	unique, dups := Order(chunks)
	assert.Equal(t, 1, dups)
	require.Len(t, unique, 3)
	assert.Equal(t, int64(2), unique[0].ChunkID)
	assert.Equal(t, int64(3), unique[1].ChunkID)
	assert.Equal(t, int64(4), unique[2].ChunkID)

	// Input is not reordered in place
	assert.Equal(t, int64(5), chunks[0].ChunkID)
}

func TestRun_EmbedsEverything(t *testing.T) {
	f := newFixture(t, 7)
	emb := newScripted(t)
	p := New(emb, f.store, f.vectors, nil, testConfig(3))

	res, err := p.Run(context.Background(), f.pending(t, emb.Model()))
	require.NoError(t, err)
	assert.Equal(t, 7, res.Embedded)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 7, f.vectors.Len())
	assert.Empty(t, f.pending(t, emb.Model()))

	ok, err := f.store.MarkIndexed(context.Background(), f.pkg.ID, emb.Model())
	require.NoError(t, err)
	assert.True(t, ok)

	// Requests follow file order
	texts := emb.texts()
	require.Len(t, texts, 7)
	assert.Contains(t, texts[0], "fn00")
	assert.Contains(t, texts[6], "fn06")
}

func TestRun_BatchCappedByProvider(t *testing.T) {
	f := newFixture(t, 1)
	emb := newScripted(t)
	p := New(emb, f.store, f.vectors, nil, testConfig(10_000))
	assert.Equal(t, embedder.MaxBatchSize, p.config.BatchSize)
}

func TestRun_RateLimitHalvesBatch(t *testing.T) {
	f := newFixture(t, 8)
	emb := newScripted(t)
	emb.respond = func(call int, _ []string) (*embedder.BatchEmbeddingResponse, error) {
		if call < 2 {
			return nil, &types.EmbeddingError{Kind: types.EmbeddingRateLimited, StatusCode: 429, Err: errors.New("slow down")}
		}
		return nil, nil
	}
	limiter := retry.NewLimiter(0, 1)
	p := New(emb, f.store, f.vectors, limiter, testConfig(8))

	res, err := p.Run(context.Background(), f.pending(t, emb.Model()))
	require.NoError(t, err)
	assert.Equal(t, 8, res.Embedded)
	assert.Equal(t, 2, res.RateLimited)
	assert.Equal(t, 2, res.FinalBatchSize)
	assert.Equal(t, 2, limiter.Hits())
	// Two rejected calls then four batches of two
	assert.Equal(t, 6, res.Batches)
}

func TestRun_RateLimitExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	emb := newScripted(t)
	emb.respond = func(int, []string) (*embedder.BatchEmbeddingResponse, error) {
		return nil, &types.EmbeddingError{Kind: types.EmbeddingRateLimited, StatusCode: 429, Err: errors.New("slow down")}
	}
	p := New(emb, f.store, f.vectors, nil, testConfig(2))

	res, err := p.Run(ctx, f.pending(t, emb.Model()))
	require.NoError(t, err)
	assert.Equal(t, 1, res.FinalBatchSize)
	assert.Equal(t, 0, res.Embedded)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, types.EmbeddingRateLimited, res.Failures[0].Kind)

	failures, err := f.store.ListEmbeddingFailures(ctx, emb.Model())
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, types.EmbeddingRateLimited, failures[0].Kind)

	// A later run with a healthy provider picks the failed chunks up
	res, err = New(newScripted(t), f.store, f.vectors, nil, testConfig(2)).Run(ctx, f.pending(t, emb.Model()))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Embedded)
}

func TestRun_RateLimitDoesNotBlockOtherChunks(t *testing.T) {
	f := newFixture(t, 4)
	emb := newScripted(t)
	emb.respond = func(_ int, texts []string) (*embedder.BatchEmbeddingResponse, error) {
		for _, text := range texts {
			if strings.Contains(text, "fn01") {
				return nil, &types.EmbeddingError{Kind: types.EmbeddingRateLimited, StatusCode: 429, Err: errors.New("slow down")}
			}
		}
		return nil, nil
	}
	p := New(emb, f.store, f.vectors, nil, testConfig(2))

	res, err := p.Run(context.Background(), f.pending(t, emb.Model()))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Embedded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, types.EmbeddingRateLimited, res.Failures[0].Kind)
	assert.Equal(t, 3, f.vectors.Len())
}

// N of M chunks persist when the provider keeps failing on the rest, and a
// later run embeds only the M-N that are missing.
func TestRun_PartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 6)
	emb := newScripted(t)
	emb.respond = func(_ int, texts []string) (*embedder.BatchEmbeddingResponse, error) {
		for _, text := range texts {
			if strings.Contains(text, "fn04") || strings.Contains(text, "fn05") {
				return nil, &types.EmbeddingError{Kind: types.EmbeddingTransient, StatusCode: 503, Err: errors.New("unavailable")}
			}
		}
		return nil, nil
	}
	p := New(emb, f.store, f.vectors, nil, testConfig(2))

	res, err := p.Run(ctx, f.pending(t, emb.Model()))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Embedded)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, types.EmbeddingTransient, res.Failures[0].Kind)

	failures, err := f.store.ListEmbeddingFailures(ctx, emb.Model())
	require.NoError(t, err)
	assert.Len(t, failures, 2)

	ok, err := f.store.MarkIndexed(ctx, f.pkg.ID, emb.Model())
	require.NoError(t, err)
	assert.False(t, ok, "package with failed chunks must not be indexed")

	retryEmb := newScripted(t)
	res, err = New(retryEmb, f.store, f.vectors, nil, testConfig(2)).Run(ctx, f.pending(t, emb.Model()))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Embedded)
	assert.Len(t, retryEmb.texts(), 2)

	failures, err = f.store.ListEmbeddingFailures(ctx, emb.Model())
	require.NoError(t, err)
	assert.Empty(t, failures)

	ok, err = f.store.MarkIndexed(ctx, f.pkg.ID, emb.Model())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRun_TransientRecovers(t *testing.T) {
	f := newFixture(t, 2)
	emb := newScripted(t)
	emb.respond = func(call int, _ []string) (*embedder.BatchEmbeddingResponse, error) {
		if call == 0 {
			return nil, &types.EmbeddingError{Kind: types.EmbeddingTransient, StatusCode: 502, Err: errors.New("bad gateway")}
		}
		return nil, nil
	}
	p := New(emb, f.store, f.vectors, nil, testConfig(2))

	res, err := p.Run(context.Background(), f.pending(t, emb.Model()))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Embedded)
	assert.Equal(t, 2, res.Batches)
}

func TestRun_AuthAbortsKeepingProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)
	emb := newScripted(t)
	emb.respond = func(call int, _ []string) (*embedder.BatchEmbeddingResponse, error) {
		if call == 1 {
			return nil, &types.EmbeddingError{Kind: types.EmbeddingAuth, StatusCode: 401, Err: errors.New("bad key")}
		}
		return nil, nil
	}
	p := New(emb, f.store, f.vectors, nil, testConfig(2))

	res, err := p.Run(ctx, f.pending(t, emb.Model()))
	require.Error(t, err)
	var embErr *types.EmbeddingError
	require.True(t, errors.As(err, &embErr))
	assert.True(t, embErr.Fatal())

	assert.Equal(t, 2, res.Embedded)
	assert.Len(t, f.pending(t, emb.Model()), 2)
	assert.Equal(t, 2, f.vectors.Len())
}

func TestRun_PartialResponseResubmitted(t *testing.T) {
	f := newFixture(t, 3)
	emb := newScripted(t)
	emb.respond = func(call int, texts []string) (*embedder.BatchEmbeddingResponse, error) {
		if call != 0 {
			return nil, nil
		}
		resp, err := emb.local.GenerateBatch(context.Background(), embedder.BatchEmbeddingRequest{Texts: texts})
		if err != nil {
			return nil, err
		}
		resp.Embeddings[1] = nil
		return resp, nil
	}
	p := New(emb, f.store, f.vectors, nil, testConfig(3))

	res, err := p.Run(context.Background(), f.pending(t, emb.Model()))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Embedded)
	assert.Equal(t, 2, res.Batches)
	calls := emb.calls
	require.Len(t, calls, 2)
	assert.Len(t, calls[1], 1)
	assert.Contains(t, calls[1][0], "fn01")
}

func TestRun_PartialResponseBudget(t *testing.T) {
	f := newFixture(t, 2)
	emb := newScripted(t)
	emb.respond = func(_ int, texts []string) (*embedder.BatchEmbeddingResponse, error) {
		resp, err := emb.local.GenerateBatch(context.Background(), embedder.BatchEmbeddingRequest{Texts: texts})
		if err != nil {
			return nil, err
		}
		for i, text := range texts {
			if strings.Contains(text, "fn01") {
				resp.Embeddings[i] = nil
			}
		}
		return resp, nil
	}
	p := New(emb, f.store, f.vectors, nil, testConfig(2))

	res, err := p.Run(context.Background(), f.pending(t, emb.Model()))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Embedded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, res.Batches)
}

func TestRun_InvalidInputIsolated(t *testing.T) {
	f := newFixture(t, 4)
	emb := newScripted(t)
	emb.respond = func(_ int, texts []string) (*embedder.BatchEmbeddingResponse, error) {
		for _, text := range texts {
			if strings.Contains(text, "fn02") {
				return nil, &types.EmbeddingError{Kind: types.EmbeddingInvalid, StatusCode: 400, Err: errors.New("input too long")}
			}
		}
		return nil, nil
	}
	p := New(emb, f.store, f.vectors, nil, testConfig(4))

	res, err := p.Run(context.Background(), f.pending(t, emb.Model()))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Embedded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, types.EmbeddingInvalid, res.Failures[0].Kind)
	// One rejected batch then four singles
	assert.Equal(t, 5, res.Batches)
}

func TestRun_DuplicateHashesEmbeddedOnce(t *testing.T) {
	f := newFixture(t, 2)
	emb := newScripted(t)
	pending := f.pending(t, emb.Model())
	dup := pending[0]
	dup.ChunkID = 999
	dup.FilePath = "zz.js"
	pending = append(pending, dup)

	res, err := New(emb, f.store, f.vectors, nil, testConfig(10)).Run(context.Background(), pending)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Embedded)
	assert.Equal(t, 1, res.Reused)
	assert.Len(t, emb.texts(), 2)
}

func TestRun_RevivesVectorWithoutRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	emb := newScripted(t)
	pending := f.pending(t, emb.Model())
	require.NoError(t, f.vectors.Add([]vectorindex.Vector{{
		Key:    vectorindex.Key{Hash: pending[0].ContentHash, Model: emb.Model()},
		Values: make([]float32, emb.Dimension()),
	}}))

	res, err := New(emb, f.store, f.vectors, nil, testConfig(10)).Run(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, 0, emb.callCount())
	assert.Equal(t, 1, res.Reused)
	assert.Empty(t, f.pending(t, emb.Model()))
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t, 3)
	emb := newScripted(t)
	ctx, cancel := context.WithCancel(context.Background())
	emb.respond = func(call int, _ []string) (*embedder.BatchEmbeddingResponse, error) {
		if call == 1 {
			cancel()
			return nil, context.Canceled
		}
		return nil, nil
	}

	res, err := New(emb, f.store, f.vectors, nil, testConfig(1)).Run(ctx, f.pending(t, emb.Model()))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Embedded)
	assert.Len(t, f.pending(t, emb.Model()), 2)
}
