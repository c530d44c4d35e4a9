package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Specification is the full runtime configuration of idx.
// Env keys are IDX_<SECTION>_<FIELD>, e.g. IDX_EMBED_API_KEY.
type Specification struct {
	Embedding  EmbeddingSpecification `yaml:"embedding" envconfig:"EMBED"`
	Registries RegistrySpecification  `yaml:"registries" envconfig:"REGISTRY"`
	Indexing   IndexingSpecification  `yaml:"indexing" envconfig:"INDEX"`
	Search     SearchSpecification    `yaml:"search" envconfig:"SEARCH"`

	LogLevel  string `yaml:"logLevel" split_words:"true"`
	LogFormat string `yaml:"logFormat" split_words:"true"`
}

// EmbeddingSpecification selects and tunes the embedding provider
type EmbeddingSpecification struct {
	Provider  string  `yaml:"provider" envconfig:"PROVIDER"`
	APIKey    string  `yaml:"apiKey" envconfig:"API_KEY"`
	BaseURL   string  `yaml:"baseURL" envconfig:"BASE_URL"`
	Model     string  `yaml:"model" envconfig:"MODEL"`
	Dimension int     `yaml:"dimension" envconfig:"DIM"`
	BatchSize int     `yaml:"batchSize" envconfig:"BATCH_SIZE"`
	RPS       float64 `yaml:"requestsPerSecond" envconfig:"RPS"`
	CacheSize int     `yaml:"cacheSize" envconfig:"CACHE_SIZE"`
}

// RegistrySpecification holds registry base URLs, overridable for mirrors and tests
type RegistrySpecification struct {
	Npm        string        `yaml:"npm" envconfig:"NPM"`
	Crates     string        `yaml:"crates" envconfig:"CRATES"`
	Pypi       string        `yaml:"pypi" envconfig:"PYPI"`
	GoProxy    string        `yaml:"goproxy" envconfig:"GOPROXY"`
	Maven      string        `yaml:"maven" envconfig:"MAVEN"`
	RPS        float64       `yaml:"requestsPerSecond" envconfig:"RPS"`
	MaxRetries int           `yaml:"maxRetries" envconfig:"MAX_RETRIES"`
	Timeout    time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

// IndexingSpecification tunes the indexing pipeline
type IndexingSpecification struct {
	Concurrency   int           `yaml:"concurrency" envconfig:"CONCURRENCY"`
	MaxFileSize   int64         `yaml:"maxFileSize" envconfig:"MAX_FILE_SIZE"`
	MaxChunkBytes int           `yaml:"maxChunkBytes" envconfig:"MAX_CHUNK_BYTES"`
	WatchDebounce time.Duration `yaml:"watchDebounce" envconfig:"WATCH_DEBOUNCE"`
}

// SearchSpecification tunes query behaviour
type SearchSpecification struct {
	DefaultLimit int `yaml:"defaultLimit" envconfig:"DEFAULT_LIMIT"`
	CacheSize    int `yaml:"cacheSize" envconfig:"CACHE_SIZE"`
}

const (
	envPrefix = "IDX"

	// FileName is the config file inside the index directory
	FileName = "config.yaml"
)

// Default returns the configuration used when nothing else is set
func Default() Specification {
	var c Specification
	setDefaults(&c)
	return c
}

// Load => defaults < YAML < env < flags.
// configPath may be "" or point at a missing file; both mean defaults.
// fs must already be parsed (cobra does this); only changed flags apply.
func Load(configPath string, fs *pflag.FlagSet) (Specification, error) {
	var cfg Specification

	// set defaults (lowest precedence)
	setDefaults(&cfg)

	path := configPath
	if v := os.Getenv(envPrefix + "_CONFIG"); path == "" && v != "" {
		path = v
	}
	if path != "" && fileExists(path) {
		if err := loadYAML(path, &cfg); err != nil {
			return Specification{}, fmt.Errorf("load yaml %s: %w", path, err)
		}
	}

	// env overrides config file
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Specification{}, fmt.Errorf("env override: %w", err)
	}

	// flags override everything
	if fs != nil {
		applyChangedFlags(fs, &cfg)
	}

	if err := cfg.Validate(); err != nil {
		return Specification{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from dir/.env. Variables already set win.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if !fileExists(path) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Save writes cfg as YAML, omitting the API key
func Save(path string, cfg Specification) error {
	cfg.Embedding.APIKey = ""
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

// Validate returns a descriptive error for unusable values
func (s *Specification) Validate() error {
	var errs []error
	switch strings.ToLower(s.Embedding.Provider) {
	case "local", "openai", "jina", "compatible":
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q is not one of local, openai, jina, compatible", s.Embedding.Provider))
	}
	if s.Embedding.BatchSize < 1 || s.Embedding.BatchSize > 2048 {
		errs = append(errs, fmt.Errorf("embedding.batchSize must be between 1 and 2048, got %d", s.Embedding.BatchSize))
	}
	if s.Embedding.Dimension < 0 {
		errs = append(errs, fmt.Errorf("embedding.dimension must not be negative"))
	}
	if s.Indexing.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("indexing.concurrency must be at least 1, got %d", s.Indexing.Concurrency))
	}
	if s.Indexing.WatchDebounce < 0 {
		errs = append(errs, fmt.Errorf("indexing.watchDebounce must not be negative"))
	}
	if s.Registries.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("registries.maxRetries must be at least 1, got %d", s.Registries.MaxRetries))
	}
	return errors.Join(errs...)
}

// ---------- helpers ----------

func loadYAML(path string, into any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, into)
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

// BindFlags registers the configuration flags on fs with default values
func BindFlags(fs *pflag.FlagSet) {
	c := Default()

	fs.String("provider", c.Embedding.Provider, "Embedding provider (local|openai|jina|compatible)")
	fs.String("api-key", "", "Embedding provider API key")
	fs.String("base-url", c.Embedding.BaseURL, "OpenAI-compatible embeddings base URL")
	fs.String("model", c.Embedding.Model, "Embedding model")
	fs.Int("dimension", c.Embedding.Dimension, "Embedding dimensionality (0 = provider default)")
	fs.Int("batch-size", c.Embedding.BatchSize, "Initial embedding batch size")

	fs.Int("concurrency", c.Indexing.Concurrency, "Packages processed in parallel")
	fs.Duration("debounce", c.Indexing.WatchDebounce, "Watch debounce interval")

	fs.String("log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.String("log-format", c.LogFormat, "Log format (console|json)")
}

func applyChangedFlags(fs *pflag.FlagSet, c *Specification) {
	setStr := func(name string, dst *string) {
		if f := fs.Lookup(name); f != nil && f.Changed {
			v, _ := fs.GetString(name)
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if f := fs.Lookup(name); f != nil && f.Changed {
			v, _ := fs.GetInt(name)
			*dst = v
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if f := fs.Lookup(name); f != nil && f.Changed {
			v, _ := fs.GetDuration(name)
			*dst = v
		}
	}

	setStr("provider", &c.Embedding.Provider)
	setStr("api-key", &c.Embedding.APIKey)
	setStr("base-url", &c.Embedding.BaseURL)
	setStr("model", &c.Embedding.Model)
	setInt("dimension", &c.Embedding.Dimension)
	setInt("batch-size", &c.Embedding.BatchSize)

	setInt("concurrency", &c.Indexing.Concurrency)
	setDuration("debounce", &c.Indexing.WatchDebounce)

	setStr("log-level", &c.LogLevel)
	setStr("log-format", &c.LogFormat)
}

func setDefaults(c *Specification) {
	c.LogLevel = "info"
	c.LogFormat = "console"

	c.Embedding.Provider = "local"
	c.Embedding.BatchSize = 50
	c.Embedding.RPS = 5
	c.Embedding.CacheSize = 1000

	c.Registries.Npm = "https://registry.npmjs.org"
	c.Registries.Crates = "https://static.crates.io/crates"
	c.Registries.Pypi = "https://pypi.org/pypi"
	c.Registries.GoProxy = "https://proxy.golang.org"
	c.Registries.Maven = "https://repo1.maven.org/maven2"
	c.Registries.RPS = 10
	c.Registries.MaxRetries = 3
	c.Registries.Timeout = 60 * time.Second

	c.Indexing.Concurrency = 4
	c.Indexing.MaxFileSize = 1 << 20
	c.Indexing.MaxChunkBytes = 8 << 10
	c.Indexing.WatchDebounce = 2 * time.Second

	c.Search.DefaultLimit = 10
	c.Search.CacheSize = 256
}
