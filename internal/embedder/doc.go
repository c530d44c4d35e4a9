// Package embedder generates vector embeddings for chunks and search queries.
//
// Two kinds of provider implement the Embedder interface:
//
//   - OpenAIProvider talks to any endpoint speaking the OpenAI /embeddings
//     protocol through github.com/sashabaranov/go-openai. The openai and jina
//     presets fill in base URL, model and dimension; compatible requires an
//     explicit base URL.
//   - LocalProvider is an offline feature-hashing embedder. It needs no network
//     and returns the same vector for the same text on every machine.
//
// # Basic Usage
//
//	emb, err := embedder.New(cfg.Embedding)
//	if err != nil {
//	    return err
//	}
//	defer emb.Close()
//
//	if err := embedder.Ping(ctx, emb); err != nil {
//	    return err // endpoint unreachable or misconfigured
//	}
//
//	resp, err := emb.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: texts})
//
// # Partial Results and Errors
//
// Embeddings in a batch response are index-aligned with the request. An
// endpoint that drops entries leaves them nil; Missing lists them so the
// caller can resubmit. Remote failures are *types.EmbeddingError:
//
//	429          rate_limited (caller backs off and shrinks the batch)
//	401, 403     auth (fatal for the run)
//	5xx, network transient
//	other 4xx    invalid
//
// Providers perform no retries of their own; that policy lives with the caller.
//
// # Caching
//
// An optional LRU cache keyed by model and text hash avoids re-embedding
// repeated texts such as identical search queries.
package embedder
