package embedder

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LocalProvider is an offline embedder based on feature hashing.
//
// Text is split into lowercase word tokens (identifiers are also split on
// camelCase and snake_case boundaries), stopwords are dropped and a light
// plural stem applied. Each token is hashed into a signed bucket weighted by
// 1+log(tf), and the result is L2 normalised. The output depends only on the
// text and the dimension, so indexes built offline are reproducible.
type LocalProvider struct {
	dimension int
	model     string
	cache     *Cache
}

// NewLocalProvider creates a local embedder; dimension <= 0 selects LocalDimension
func NewLocalProvider(dimension int, cache *Cache) (*LocalProvider, error) {
	if dimension <= 0 {
		dimension = LocalDimension
	}
	return &LocalProvider{
		dimension: dimension,
		model:     fmt.Sprintf("%s-%d", DefaultLocalModel, dimension),
		cache:     cache,
	}, nil
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return generateOne(ctx, l, l.cache, req)
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req, l.MaxBatch()); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hash := ComputeHash(text)
		if l.cache != nil {
			if emb, ok := l.cache.Get(l.model, hash); ok {
				embeddings[i] = emb
				continue
			}
		}
		emb := &Embedding{
			Vector:    l.vectorize(text),
			Dimension: l.dimension,
			Provider:  ProviderLocal,
			Model:     l.model,
			Hash:      hash,
		}
		if l.cache != nil {
			l.cache.Set(emb)
		}
		embeddings[i] = emb
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderLocal,
		Model:      l.model,
	}, nil
}

func (l *LocalProvider) vectorize(text string) []float32 {
	counts := make(map[string]int)
	for _, tok := range Tokenize(text) {
		counts[tok]++
	}

	vector := make([]float32, l.dimension)
	for tok, n := range counts {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		bucket := int(sum % uint64(l.dimension))
		weight := float32(1 + math.Log(float64(n)))
		if sum>>63 == 1 {
			weight = -weight
		}
		vector[bucket] += weight
	}
	return NormalizeVector(vector)
}

func (l *LocalProvider) Dimension() int {
	return l.dimension
}

func (l *LocalProvider) Provider() string {
	return ProviderLocal
}

func (l *LocalProvider) Model() string {
	return l.model
}

func (l *LocalProvider) MaxBatch() int {
	return LocalMaxBatchSize
}

func (l *LocalProvider) Close() error {
	return nil
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "for": true, "from": true, "if": true, "in": true, "into": true, "is": true,
	"it": true, "its": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"this": true, "to": true, "was": true, "with": true,
	// keywords common to most of the indexed languages
	"const": true, "var": true, "let": true, "return": true, "function": true, "func": true,
	"def": true, "fn": true, "pub": true, "public": true, "private": true, "static": true,
	"new": true, "null": true, "nil": true, "none": true, "true": true, "false": true,
	"else": true, "self": true, "param": true, "type": true,
}

// Tokenize returns the normalised tokens the local embedder hashes.
// An identifier such as cloneDeep yields clone, deep and clonedeep.
func Tokenize(text string) []string {
	var out []string
	emit := func(tok string) {
		if stopwords[tok] {
			return
		}
		tok = stem(tok)
		if len(tok) < 2 || stopwords[tok] {
			return
		}
		out = append(out, tok)
	}

	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, field := range fields {
		parts := splitIdentifier(field)
		for _, p := range parts {
			emit(strings.ToLower(p))
		}
		if len(parts) > 1 {
			emit(strings.ToLower(strings.ReplaceAll(field, "_", "")))
		}
	}
	return out
}

// splitIdentifier splits on underscores and lower-to-upper transitions;
// runs of capitals stay together, so parseHTTPRequest gives parse, HTTP, Request.
func splitIdentifier(s string) []string {
	var parts []string
	runes := []rune(s)
	start := 0
	flush := func(end int) {
		if end > start {
			parts = append(parts, string(runes[start:end]))
		}
	}
	for i, r := range runes {
		switch {
		case r == '_':
			flush(i)
			start = i + 1
		case i > start && unicode.IsUpper(r):
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush(i)
				start = i
			}
		}
	}
	flush(len(runes))
	return parts
}

func stem(tok string) string {
	switch {
	case len(tok) > 4 && strings.HasSuffix(tok, "ies"):
		return tok[:len(tok)-3] + "y"
	case len(tok) > 3 && strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss") && !strings.HasSuffix(tok, "us"):
		return tok[:len(tok)-1]
	}
	return tok
}
