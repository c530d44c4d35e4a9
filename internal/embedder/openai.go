package embedder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dshills/depcontext/pkg/types"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures any endpoint speaking the OpenAI /embeddings protocol
type OpenAIConfig struct {
	Provider  string // Reported provider name (openai, jina, compatible)
	APIKey    string
	BaseURL   string // Empty selects the go-openai default
	Model     string
	Dimension int // 0 adopts the dimension of the first response
	// SendDimension passes Dimension to the endpoint to request shortened vectors
	SendDimension bool
	Timeout       time.Duration
	Cache         *Cache
}

// OpenAIProvider implements Embedder over an OpenAI-compatible API
type OpenAIProvider struct {
	client   *openai.Client
	http     *http.Client
	provider string
	model    string
	send     bool
	cache    *Cache

	mu        sync.RWMutex
	dimension int
}

// NewOpenAIProvider creates an embedder for an OpenAI-compatible endpoint
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s API key not set", ErrNoProviderEnabled, cfg.Provider)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model is required for %s", ErrUnsupportedModel, cfg.Provider)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = httpClient

	return &OpenAIProvider{
		client:    openai.NewClientWithConfig(clientCfg),
		http:      httpClient,
		provider:  cfg.Provider,
		model:     cfg.Model,
		send:      cfg.SendDimension && cfg.Dimension > 0,
		cache:     cfg.Cache,
		dimension: cfg.Dimension,
	}, nil
}

func (o *OpenAIProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return generateOne(ctx, o, o.cache, req)
}

// GenerateBatch embeds the uncached texts in one request. Entries the
// endpoint leaves out are nil in the response.
func (o *OpenAIProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req, MaxBatchSize); err != nil {
		return nil, err
	}

	out := &BatchEmbeddingResponse{
		Embeddings: make([]*Embedding, len(req.Texts)),
		Provider:   o.provider,
		Model:      o.model,
	}

	var (
		inputs []string
		slots  []int
	)
	for i, text := range req.Texts {
		if o.cache != nil {
			if emb, ok := o.cache.Get(o.model, ComputeHash(text)); ok {
				out.Embeddings[i] = emb
				continue
			}
		}
		inputs = append(inputs, text)
		slots = append(slots, i)
	}
	if len(inputs) == 0 {
		return out, nil
	}

	apiReq := openai.EmbeddingRequest{
		Input: inputs,
		Model: openai.EmbeddingModel(o.model),
	}
	if o.send {
		apiReq.Dimensions = o.Dimension()
	}

	resp, err := o.client.CreateEmbeddings(ctx, apiReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, classifyError(err)
	}

	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(slots) || len(data.Embedding) == 0 {
			continue
		}
		if err := o.checkDimension(len(data.Embedding)); err != nil {
			return nil, err
		}
		slot := slots[data.Index]
		emb := &Embedding{
			Vector:    data.Embedding,
			Dimension: len(data.Embedding),
			Provider:  o.provider,
			Model:     o.model,
			Hash:      ComputeHash(req.Texts[slot]),
		}
		out.Embeddings[slot] = emb
		if o.cache != nil {
			o.cache.Set(emb)
		}
	}

	return out, nil
}

func (o *OpenAIProvider) checkDimension(n int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dimension == 0 {
		o.dimension = n
		return nil
	}
	if n != o.dimension {
		return &types.EmbeddingError{
			Kind: types.EmbeddingInvalid,
			Err:  fmt.Errorf("%w: got dimension %d, want %d", ErrProviderFailed, n, o.dimension),
		}
	}
	return nil
}

func (o *OpenAIProvider) Dimension() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.dimension
}

func (o *OpenAIProvider) Provider() string {
	return o.provider
}

func (o *OpenAIProvider) Model() string {
	return o.model
}

func (o *OpenAIProvider) MaxBatch() int {
	return MaxBatchSize
}

func (o *OpenAIProvider) Close() error {
	o.http.CloseIdleConnections()
	return nil
}

// classifyError maps go-openai errors onto the embedding error taxonomy
func classifyError(err error) error {
	var ee *types.EmbeddingError
	if errors.As(err, &ee) {
		return ee
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	return &types.EmbeddingError{Kind: KindForStatus(status), StatusCode: status, Err: err}
}

// KindForStatus classifies an HTTP status; 0 stands for a transport failure
func KindForStatus(status int) types.EmbeddingErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return types.EmbeddingRateLimited
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return types.EmbeddingAuth
	case status == 0, status == http.StatusRequestTimeout, status >= 500:
		return types.EmbeddingTransient
	default:
		return types.EmbeddingInvalid
	}
}
