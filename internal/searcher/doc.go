// Package searcher answers natural-language queries over the dependency index.
//
// The searcher provides three search modes:
//   - Vector: cosine similarity between the query embedding and chunk embeddings (default)
//   - Keyword: BM25 full-text search over the FTS5 index, no embedding required
//   - Hybrid: both of the above merged with Reciprocal Rank Fusion
//
// # Basic Usage
//
//	s := searcher.New(store, emb, vectors, blobs, searcher.DefaultCacheSize)
//
//	resp, err := s.Search(ctx, searcher.SearchRequest{
//	    Query:   "deep clone an object",
//	    Limit:   5,
//	    Filters: &storage.SearchFilters{Registry: types.RegistryNpm},
//	})
//	var mismatch *types.ModelMismatchError
//	if errors.As(err, &mismatch) {
//	    // the index was built with another model; re-embed before searching
//	}
//
//	for _, r := range resp.Results {
//	    fmt.Printf("[%d] %s %s:%d %.3f\n", r.Rank, r.Package, r.File.Path, r.Chunk.StartLine, r.Score)
//	}
//
// # Ordering
//
// Results are ordered by score descending, then package name, file path,
// start byte and chunk id. Two searches against the same index generation
// return the same results in the same order.
//
// # Caching
//
// Responses are cached in an LRU keyed by the normalised request, the
// embedding model and the index generation. Every write that changes what a
// search can see bumps the generation, so stale entries are never served.
//
// # Source text
//
// Result source is sliced from the blob store by the chunk's byte range, the
// exact bytes of the published file. When a blob is unreadable the chunk
// text stored in the metadata view is returned instead.
package searcher
