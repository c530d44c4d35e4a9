package embedder

import (
	"fmt"
	"os"
	"strings"

	"github.com/dshills/depcontext/internal/config"
)

// Provider configuration
const (
	ProviderJina       = "jina"
	ProviderOpenAI     = "openai"
	ProviderCompatible = "compatible"
	ProviderLocal      = "local"

	// Default models
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultLocalModel  = "local-hash"

	// Dimensions
	JinaDimension   = 1024
	OpenAIDimension = 1536
	LocalDimension  = 384

	// Batch limits
	DefaultBatchSize  = 50
	MaxBatchSize      = 100
	LocalMaxBatchSize = 1024

	JinaBaseURL = "https://api.jina.ai/v1"

	// API key fallbacks when the configuration carries none
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	EnvJinaAPIKey   = "JINA_API_KEY"
)

type preset struct {
	baseURL   string
	model     string
	dimension int
	envKey    string
}

var presets = map[string]preset{
	ProviderOpenAI:     {model: DefaultOpenAIModel, dimension: OpenAIDimension, envKey: EnvOpenAIAPIKey},
	ProviderJina:       {baseURL: JinaBaseURL, model: DefaultJinaModel, dimension: JinaDimension, envKey: EnvJinaAPIKey},
	ProviderCompatible: {envKey: EnvOpenAIAPIKey},
}

// New creates an embedder from the embedding section of the configuration.
// Remote presets fill in base URL, model and dimension when they are unset.
func New(cfg config.EmbeddingSpecification) (Embedder, error) {
	var cache *Cache
	if cfg.CacheSize > 0 {
		cache = NewCache(cfg.CacheSize)
	}

	provider := strings.ToLower(cfg.Provider)
	if provider == ProviderLocal {
		return NewLocalProvider(cfg.Dimension, cache)
	}

	p, ok := presets[provider]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}

	oc := OpenAIConfig{
		Provider:  provider,
		APIKey:    cfg.APIKey,
		BaseURL:   cfg.BaseURL,
		Model:     cfg.Model,
		Dimension: cfg.Dimension,
		Cache:     cache,
	}
	if oc.APIKey == "" && p.envKey != "" {
		oc.APIKey = os.Getenv(p.envKey)
	}
	if oc.BaseURL == "" {
		oc.BaseURL = p.baseURL
	}
	if provider == ProviderCompatible && oc.BaseURL == "" {
		return nil, fmt.Errorf("%w: compatible provider requires a base URL", ErrNoProviderEnabled)
	}
	if oc.Model == "" {
		oc.Model = p.model
	}
	// A dimension other than the preset model default asks the endpoint
	// for shortened vectors.
	if oc.Model == p.model && p.model != "" {
		if oc.Dimension == 0 {
			oc.Dimension = p.dimension
		}
		oc.SendDimension = oc.Dimension != p.dimension
	}

	return NewOpenAIProvider(oc)
}
