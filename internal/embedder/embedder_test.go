package embedder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeHash(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", ComputeHash(""))
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", ComputeHash("hello world"))
	assert.Equal(t, ComputeHash("test"), ComputeHash("test"))
}

func TestValidateBatchRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     BatchEmbeddingRequest
		max     int
		wantErr error
	}{
		{"valid", BatchEmbeddingRequest{Texts: []string{"a", "b"}}, 10, nil},
		{"empty", BatchEmbeddingRequest{}, 10, ErrInvalidInput},
		{"empty text", BatchEmbeddingRequest{Texts: []string{"a", ""}}, 10, ErrInvalidInput},
		{"too large", BatchEmbeddingRequest{Texts: []string{"a", "b", "c"}}, 2, ErrBatchTooLarge},
		{"no limit", BatchEmbeddingRequest{Texts: []string{"a", "b", "c"}}, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBatchRequest(tt.req, tt.max)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
	assert.ErrorIs(t, ValidateRequest(EmbeddingRequest{}), ErrEmptyText)
}

func TestCache(t *testing.T) {
	c := NewCache(2)
	emb := &Embedding{Vector: []float32{1, 2, 3}, Dimension: 3, Model: "m1", Hash: "h1"}
	c.Set(emb)

	got, ok := c.Get("m1", "h1")
	require.True(t, ok)
	assert.Equal(t, emb.Vector, got.Vector)

	_, ok = c.Get("m2", "h1")
	assert.False(t, ok, "cache entries are scoped to the model")

	got.Vector[0] = 99
	again, _ := c.Get("m1", "h1")
	assert.Equal(t, float32(1), again.Vector[0], "Get returns a copy")

	c.Set(&Embedding{Model: "m1", Hash: "h2"})
	c.Set(&Embedding{Model: "m1", Hash: "h3"})
	assert.Equal(t, 2, c.Size())
	_, ok = c.Get("m1", "h1")
	assert.False(t, ok, "least recently used entry is evicted")

	c.Clear()
	assert.Equal(t, 0, c.Size())
}

func TestNormalizeVector(t *testing.T) {
	v := NormalizeVector([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	assert.Equal(t, zero, NormalizeVector(zero))
}

func TestBatchEmbeddingResponse_Missing(t *testing.T) {
	resp := &BatchEmbeddingResponse{Embeddings: []*Embedding{{}, nil, {}, nil}}
	assert.Equal(t, []int{1, 3}, resp.Missing())
}

func TestPing(t *testing.T) {
	l, err := NewLocalProvider(16, nil)
	require.NoError(t, err)
	assert.NoError(t, Ping(context.Background(), l))
}
