package core_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortex-mem/cortex-go/pkg/core"
)

func TestDefaultConfig(t *testing.T) {
	config := core.DefaultConfig()

	assert.Equal(t, "openai", config.LLM.Provider)
	assert.Equal(t, "gpt-4o-mini", config.LLM.Model)
	assert.Equal(t, 1536, config.Embedder.Dimensions)
	assert.Equal(t, "sqlite", config.Storage.Provider)
	assert.Equal(t, 50, config.Memory.MaxMemoriesPerUser)
	assert.Equal(t, 0.7, config.Memory.CompareThreshold)
	assert.Equal(t, 0.5, config.Memory.SearchThreshold)
	assert.Equal(t, ":8080", config.Server.Addr)

	assert.NoError(t, config.Validate())
}

func TestValidateRejectsMissingProviders(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*core.Config)
	}{
		{"no llm provider", func(c *core.Config) { c.LLM.Provider = "" }},
		{"no embedder provider", func(c *core.Config) { c.Embedder.Provider = "" }},
		{"no storage provider", func(c *core.Config) { c.Storage.Provider = "" }},
		{"compare threshold above 1", func(c *core.Config) { c.Memory.CompareThreshold = 1.2 }},
		{"negative search threshold", func(c *core.Config) { c.Memory.SearchThreshold = -0.1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := core.DefaultConfig()
			tt.mutate(config)

			err := config.Validate()
			assert.ErrorIs(t, err, core.ErrInvalidConfig)
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DATABASE_PROVIDER", "postgres")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("LLM_MODEL", "gpt-4o")
	t.Setenv("COHERE_API_KEY", "co-test")
	t.Setenv("MAX_MEMORIES_PER_USER", "25")
	t.Setenv("API_KEYS", "ctx_alice=alice, ctx_bob=bob,broken")

	config, err := core.LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "postgres", config.Storage.Provider)
	assert.Equal(t, "db.internal", config.Storage.Host)
	assert.Equal(t, 5432, config.Storage.Port)
	assert.Equal(t, "secret", config.Storage.Password)

	assert.Equal(t, "gpt-4o", config.LLM.Model)
	assert.Equal(t, "sk-test", config.LLM.APIKey)
	assert.Equal(t, "sk-test", config.Embedder.APIKey, "embedder key falls back to the llm key")

	assert.True(t, config.Rerank.Enabled)
	assert.Equal(t, "rerank-english-v3.0", config.Rerank.Model)

	assert.Equal(t, 25, config.Memory.MaxMemoriesPerUser)
	assert.Equal(t, map[string]string{"ctx_alice": "alice", "ctx_bob": "bob"}, config.Server.APIKeys)
}

func TestLoadConfigFromJSON(t *testing.T) {
	config := core.DefaultConfig()
	config.LLM.APIKey = "sk-json"
	config.Storage.Path = "/tmp/cortex-test.db"

	data, err := json.Marshal(config)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, data, 0644))

	loaded, err := core.LoadConfigFromJSON(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-json", loaded.LLM.APIKey)
	assert.Equal(t, "/tmp/cortex-test.db", loaded.Storage.Path)

	_, err = core.LoadConfigFromJSON(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestMemoryErrorWrapping(t *testing.T) {
	err := core.NewMemoryError("Search", core.ErrEmbeddingFailed)
	require.Error(t, err)

	assert.ErrorIs(t, err, core.ErrEmbeddingFailed)
	assert.Equal(t, "cortex: Search: embedding generation failed", err.Error())

	assert.Nil(t, core.NewMemoryError("Search", nil))
}
