package searcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/dshills/depcontext/internal/blobstore"
	"github.com/dshills/depcontext/internal/embedder"
	"github.com/dshills/depcontext/internal/storage"
	"github.com/dshills/depcontext/internal/vectorindex"
	"github.com/dshills/depcontext/pkg/types"
)

// SearchMode defines how search is performed
type SearchMode string

const (
	SearchModeVector  SearchMode = "vector"  // Cosine similarity over the query embedding
	SearchModeKeyword SearchMode = "keyword" // BM25 text search only
	SearchModeHybrid  SearchMode = "hybrid"  // Vector + BM25 with RRF
)

const (
	DefaultLimit       = 10
	MaxLimit           = 100
	DefaultRRFConstant = 60
	DefaultCacheSize   = 256

	// hybridWindow is how many results per side feed the fusion, as a multiple of the limit
	hybridWindow = 3
)

var (
	ErrEmptyQuery  = errors.New("query cannot be empty")
	ErrInvalidMode = errors.New("invalid search mode")
)

// SearchRequest contains parameters for a search operation
type SearchRequest struct {
	Query       string
	Limit       int
	Mode        SearchMode
	Filters     *storage.SearchFilters
	NoCache     bool    // Bypass the result cache
	RRFConstant float64 // k value for Reciprocal Rank Fusion (default 60)
}

// SearchResponse contains search results and metadata
type SearchResponse struct {
	Results       []types.SearchResult
	TotalResults  int // Scored candidates before the limit was applied
	SearchMode    SearchMode
	Model         string
	Generation    int64
	Duration      time.Duration
	CacheHit      bool
	VectorResults int
	TextResults   int
}

// Searcher answers queries against the index. It only reads, so it may run
// while an indexing run is in progress and observe a partial index.
type Searcher struct {
	storage  storage.Storage
	embedder embedder.Embedder
	vectors  *vectorindex.Index
	blobs    *blobstore.Store
	cache    *lru.Cache[[32]byte, *SearchResponse] // nil when disabled
}

// New creates a searcher; cacheSize <= 0 disables the result cache
func New(store storage.Storage, emb embedder.Embedder, vectors *vectorindex.Index, blobs *blobstore.Store, cacheSize int) *Searcher {
	s := &Searcher{
		storage:  store,
		embedder: emb,
		vectors:  vectors,
		blobs:    blobs,
	}
	if cacheSize > 0 {
		cache, err := lru.New[[32]byte, *SearchResponse](cacheSize)
		if err == nil {
			s.cache = cache
		}
	}
	return s
}

// rankedResult is a scored chunk with the columns needed for tie-breaking
type rankedResult struct {
	chunkID     int64
	score       float64
	packageName string
	filePath    string
	startByte   int
}

// Search runs a query. Vector and hybrid modes embed the query and fail with
// *types.ModelMismatchError when the embedder is not the model the index
// was built with.
func (s *Searcher) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	start := time.Now()

	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	model := s.embedder.Model()
	if req.Mode != SearchModeKeyword {
		indexModel, err := s.storage.GetMeta(ctx, storage.MetaModel)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if indexModel != "" && indexModel != model {
			return nil, &types.ModelMismatchError{IndexModel: indexModel, QueryModel: model}
		}
	}

	generation, err := s.generation(ctx)
	if err != nil {
		return nil, err
	}

	key := computeQueryHash(req, model, generation)
	if s.cache != nil && !req.NoCache {
		if cached, ok := s.cache.Get(key); ok {
			response := copySearchResponse(cached)
			response.CacheHit = true
			response.Duration = time.Since(start)
			return response, nil
		}
	}

	response := &SearchResponse{
		SearchMode: req.Mode,
		Model:      model,
		Generation: generation,
	}

	var ranked []rankedResult
	switch req.Mode {
	case SearchModeVector:
		ranked, err = s.vectorSearch(ctx, req.Query, model, req.Filters)
		response.VectorResults = len(ranked)
	case SearchModeKeyword:
		ranked, err = s.textSearch(ctx, req.Query, req.Limit, req.Filters)
		response.TextResults = len(ranked)
	case SearchModeHybrid:
		ranked, err = s.hybridSearch(ctx, req, model, response)
	}
	if err != nil {
		return nil, err
	}

	response.TotalResults = len(ranked)
	if len(ranked) > req.Limit {
		ranked = ranked[:req.Limit]
	}

	response.Results, err = s.fetchResults(ctx, ranked)
	if err != nil {
		return nil, err
	}
	response.Duration = time.Since(start)

	if s.cache != nil && !req.NoCache {
		s.cache.Add(key, copySearchResponse(response))
	}
	return response, nil
}

func (s *Searcher) generation(ctx context.Context) (int64, error) {
	value, err := s.storage.GetMeta(ctx, storage.MetaGeneration)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}

// vectorSearch scores every filtered candidate against the query embedding
func (s *Searcher) vectorSearch(ctx context.Context, query, model string, filters *storage.SearchFilters) ([]rankedResult, error) {
	candidates, err := s.storage.VectorCandidates(ctx, model, filters)
	if err != nil {
		return nil, fmt.Errorf("vector candidates: %w", err)
	}
	if len(candidates) == 0 {
		return []rankedResult{}, nil
	}

	emb, err := s.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hashes := make([]string, len(candidates))
	for i, c := range candidates {
		hashes[i] = c.ContentHash
	}
	matches, err := s.vectors.Score(emb.Vector, model, hashes)
	if err != nil {
		return nil, fmt.Errorf("score candidates: %w", err)
	}
	scores := make(map[string]float32, len(matches))
	for _, m := range matches {
		scores[m.Hash] = m.Score
	}

	results := make([]rankedResult, 0, len(candidates))
	for _, c := range candidates {
		score, ok := scores[c.ContentHash]
		if !ok {
			// Row without a vector; Reconcile drops these
			continue
		}
		results = append(results, rankedResult{
			chunkID:     c.ChunkID,
			score:       float64(score),
			packageName: c.PackageName,
			filePath:    c.FilePath,
			startByte:   c.StartByte,
		})
	}
	sortRankedResults(results)
	return results, nil
}

// textSearch performs BM25 full-text search
func (s *Searcher) textSearch(ctx context.Context, query string, limit int, filters *storage.SearchFilters) ([]rankedResult, error) {
	textResults, err := s.storage.SearchText(ctx, query, limit, filters)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
	}

	results := make([]rankedResult, 0, len(textResults))
	for _, tr := range textResults {
		results = append(results, rankedResult{
			chunkID:     tr.ChunkID,
			score:       tr.BM25Score,
			packageName: tr.PackageName,
			filePath:    tr.FilePath,
			startByte:   tr.StartByte,
		})
	}
	sortRankedResults(results)
	return results, nil
}

// hybridSearch runs both searches in parallel and fuses them with RRF
func (s *Searcher) hybridSearch(ctx context.Context, req SearchRequest, model string, response *SearchResponse) ([]rankedResult, error) {
	window := req.Limit * hybridWindow

	type searchResult struct {
		results []rankedResult
		err     error
	}
	vectorChan := make(chan searchResult, 1)
	textChan := make(chan searchResult, 1)

	go func() {
		results, err := s.vectorSearch(ctx, req.Query, model, req.Filters)
		if len(results) > window {
			results = results[:window]
		}
		vectorChan <- searchResult{results: results, err: err}
	}()
	go func() {
		results, err := s.textSearch(ctx, req.Query, window, req.Filters)
		textChan <- searchResult{results: results, err: err}
	}()

	vectorRes := <-vectorChan
	textRes := <-textChan
	if vectorRes.err != nil {
		return nil, vectorRes.err
	}
	if textRes.err != nil {
		return nil, textRes.err
	}

	response.VectorResults = len(vectorRes.results)
	response.TextResults = len(textRes.results)
	return applyRRF(vectorRes.results, textRes.results, req.RRFConstant), nil
}

// applyRRF combines two ranked lists using Reciprocal Rank Fusion:
// score(d) = sum of 1/(k + rank(d)) over the lists containing d
func applyRRF(vectorResults, textResults []rankedResult, k float64) []rankedResult {
	fused := make(map[int64]*rankedResult, len(vectorResults)+len(textResults))
	add := func(list []rankedResult) {
		for rank, r := range list {
			contribution := 1.0 / (k + float64(rank+1))
			if existing, ok := fused[r.chunkID]; ok {
				existing.score += contribution
				continue
			}
			entry := r
			entry.score = contribution
			fused[r.chunkID] = &entry
		}
	}
	add(vectorResults)
	add(textResults)

	results := make([]rankedResult, 0, len(fused))
	for _, r := range fused {
		results = append(results, *r)
	}
	sortRankedResults(results)
	return results
}

// fetchResults hydrates ranked chunks and reads their source from the blob store
func (s *Searcher) fetchResults(ctx context.Context, ranked []rankedResult) ([]types.SearchResult, error) {
	results := make([]types.SearchResult, 0, len(ranked))
	blobCache := make(map[string][]byte)

	for _, r := range ranked {
		detail, err := s.storage.GetChunk(ctx, r.chunkID)
		if errors.Is(err, storage.ErrNotFound) {
			// Removed by a concurrent update
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get chunk %d: %w", r.chunkID, err)
		}

		data, ok := blobCache[detail.File.ContentHash]
		if !ok {
			data, err = s.blobs.Get(ctx, detail.File.ContentHash)
			if err != nil {
				log.Warn().Err(err).Str("package", detail.Package.String()).Str("path", detail.File.Path).
					Msg("blob unreadable, using stored chunk text")
			}
			blobCache[detail.File.ContentHash] = data
		}

		c := detail.Chunk
		results = append(results, types.SearchResult{
			ChunkID: c.ID,
			Rank:    len(results) + 1,
			Score:   r.score,
			Package: detail.Package,
			File: types.FileInfo{
				Path:     detail.File.Path,
				Language: detail.File.Language,
			},
			Chunk: types.ChunkInfo{
				Kind:      c.Kind,
				Symbol:    c.Symbol,
				Signature: c.Signature,
				Doc:       c.Doc,
				StartByte: c.StartByte,
				EndByte:   c.EndByte,
				StartLine: c.StartLine,
				EndLine:   c.EndLine,
			},
			Source: sliceSource(data, c),
		})
	}
	return results, nil
}

// sliceSource returns the chunk's byte range, or its stored text when the
// blob is unavailable or shorter than the range
func sliceSource(data []byte, c types.Chunk) string {
	if data == nil || c.StartByte < 0 || c.EndByte > len(data) || c.StartByte > c.EndByte {
		return c.Text
	}
	return string(data[c.StartByte:c.EndByte])
}

// validateRequest validates search parameters and applies defaults
func validateRequest(req *SearchRequest) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return ErrEmptyQuery
	}

	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}

	if req.Mode == "" {
		req.Mode = SearchModeVector
	}
	switch req.Mode {
	case SearchModeVector, SearchModeKeyword, SearchModeHybrid:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}

	if req.RRFConstant <= 0 {
		req.RRFConstant = DefaultRRFConstant
	}
	return nil
}

// ParseMode maps user input to a SearchMode
func ParseMode(s string) (SearchMode, error) {
	switch m := SearchMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return SearchModeVector, nil
	case SearchModeVector, SearchModeKeyword, SearchModeHybrid:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// copySearchResponse creates a copy whose Results slice is not shared
func copySearchResponse(src *SearchResponse) *SearchResponse {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Results = make([]types.SearchResult, len(src.Results))
	copy(dst.Results, src.Results)
	return &dst
}

// computeQueryHash keys the cache by request, model and index generation;
// any write to the index bumps the generation and so invalidates every entry
func computeQueryHash(req SearchRequest, model string, generation int64) [32]byte {
	var data strings.Builder
	data.WriteString(req.Query)
	data.WriteString("|")
	data.WriteString(string(req.Mode))
	data.WriteString("|")
	data.WriteString(strconv.Itoa(req.Limit))
	data.WriteString("|")
	data.WriteString(strconv.FormatFloat(req.RRFConstant, 'g', -1, 64))
	data.WriteString("|")
	data.WriteString(model)
	data.WriteString("|")
	data.WriteString(strconv.FormatInt(generation, 10))

	if req.Filters != nil {
		data.WriteString("|filters:")
		data.WriteString(string(req.Filters.Registry))
		data.WriteString("|")
		data.WriteString(req.Filters.Name)
		data.WriteString("|")
		data.WriteString(req.Filters.Version)
	}

	return sha256.Sum256([]byte(data.String()))
}

// sortRankedResults orders by score descending, then package name, file
// path, start byte and chunk id so equal scores always rank the same way
func sortRankedResults(results []rankedResult) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.packageName != b.packageName {
			return a.packageName < b.packageName
		}
		if a.filePath != b.filePath {
			return a.filePath < b.filePath
		}
		if a.startByte != b.startByte {
			return a.startByte < b.startByte
		}
		return a.chunkID < b.chunkID
	})
}

// InvalidateCache drops every cached response
func (s *Searcher) InvalidateCache() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

// CacheLen returns the number of cached responses
func (s *Searcher) CacheLen() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Len()
}
