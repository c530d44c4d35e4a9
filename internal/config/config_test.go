package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearTestEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "IDX_") {
			// Setenv registers restoration on cleanup
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
}

func TestSpecificationDefaults(t *testing.T) {
	clearTestEnv(t)

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Embedding.Provider)
	assert.Equal(t, 50, cfg.Embedding.BatchSize)
	assert.Equal(t, "https://registry.npmjs.org", cfg.Registries.Npm)
	assert.Equal(t, 3, cfg.Registries.MaxRetries)
	assert.Equal(t, 4, cfg.Indexing.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Indexing.WatchDebounce)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadLayering(t *testing.T) {
	clearTestEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	yamlContent := `
embedding:
  provider: openai
  model: text-embedding-3-small
  batchSize: 20
indexing:
  concurrency: 2
  watchDebounce: 500ms
logLevel: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	// env beats yaml
	t.Setenv("IDX_EMBED_BATCH_SIZE", "30")
	t.Setenv("IDX_EMBED_API_KEY", "sk-test")

	// flags beat env
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--batch-size", "40", "--log-level", "warn"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	assert.Equal(t, 40, cfg.Embedding.BatchSize)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
	assert.Equal(t, 2, cfg.Indexing.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Indexing.WatchDebounce)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadUnchangedFlagsKeepLowerLayers(t *testing.T) {
	clearTestEnv(t)
	t.Setenv("IDX_INDEX_CONCURRENCY", "8")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse(nil))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Indexing.Concurrency)
}

func TestValidate(t *testing.T) {
	clearTestEnv(t)

	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Embedding.Provider = "mystery"
	cfg.Indexing.Concurrency = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding.provider")
	assert.Contains(t, err.Error(), "indexing.concurrency")
}

func TestSaveRoundTripOmitsAPIKey(t *testing.T) {
	clearTestEnv(t)

	path := filepath.Join(t.TempDir(), ".index", FileName)
	cfg := Default()
	cfg.Embedding.APIKey = "secret"
	cfg.Embedding.Model = "custom-model"
	require.NoError(t, Save(path, cfg))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")

	loaded, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "custom-model", loaded.Embedding.Model)
	assert.Equal(t, cfg.Indexing.WatchDebounce, loaded.Indexing.WatchDebounce)
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	clearTestEnv(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("IDX_EMBED_MODEL=from-dotenv\nIDX_EMBED_PROVIDER=jina\n"), 0o644))
	t.Setenv("IDX_EMBED_PROVIDER", "openai")

	require.NoError(t, LoadDotEnv(dir))
	t.Cleanup(func() { os.Unsetenv("IDX_EMBED_MODEL") })

	assert.Equal(t, "from-dotenv", os.Getenv("IDX_EMBED_MODEL"))
	assert.Equal(t, "openai", os.Getenv("IDX_EMBED_PROVIDER"))

	// Missing file is not an error
	require.NoError(t, LoadDotEnv(t.TempDir()))
}
