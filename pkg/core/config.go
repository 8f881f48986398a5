package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config contains the complete configuration for a Cortex client.
//
// It includes settings for:
//   - LLM provider (fact extraction, reconciliation decisions, chat)
//   - Embedding provider (vector generation)
//   - Storage backend (memory persistence)
//   - Reranking (optional retrieval refinement)
//   - Memory pipeline tuning (caps and thresholds)
//   - HTTP server (address, API keys, rate limits)
//
// Example:
//
//	config := core.DefaultConfig()
//	config.LLM.APIKey = "sk-..."
//	config.Embedder.APIKey = "sk-..."
//	config.Storage.Path = "./cortex.db"
type Config struct {
	// LLM contains LLM provider configuration.
	LLM LLMConfig `json:"llm"`

	// Embedder contains embedding provider configuration.
	Embedder EmbedderConfig `json:"embedder"`

	// Storage contains storage backend configuration.
	Storage StorageConfig `json:"storage"`

	// Rerank contains rerank provider configuration (optional).
	Rerank RerankConfig `json:"rerank"`

	// Memory contains consolidation and retrieval tuning.
	Memory MemoryConfig `json:"memory"`

	// Server contains HTTP server configuration.
	Server ServerConfig `json:"server"`
}

// LLMConfig contains configuration for the LLM provider.
//
// Supported providers: openai, ollama.
type LLMConfig struct {
	// Provider is the LLM provider name (openai, ollama).
	Provider string `json:"provider"`

	// APIKey is the API key for the LLM provider.
	APIKey string `json:"api_key"`

	// Model is the model name to use (default "gpt-4o-mini").
	Model string `json:"model"`

	// BaseURL is the base URL for the API (optional, provider default if empty).
	BaseURL string `json:"base_url,omitempty"`

	// BreakerEnabled wraps the provider in a circuit breaker, shedding calls
	// fast while the upstream is failing.
	BreakerEnabled bool `json:"breaker_enabled,omitempty"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai.
type EmbedderConfig struct {
	// Provider is the embedding provider name (openai).
	Provider string `json:"provider"`

	// APIKey is the API key for the embedding provider.
	APIKey string `json:"api_key"`

	// BaseURL is the base URL for the API (optional, provider default if empty).
	BaseURL string `json:"base_url,omitempty"`

	// Dimensions is the embedding vector dimension (default 1536).
	Dimensions int `json:"dimensions,omitempty"`
}

// StorageConfig contains configuration for the storage backend.
//
// Supported providers: sqlite, postgres, mysql.
type StorageConfig struct {
	// Provider is the storage backend name (sqlite, postgres, mysql).
	Provider string `json:"provider"`

	// Path is the database file path (sqlite only).
	Path string `json:"path,omitempty"`

	// Host, Port, User, Password, Database configure server-backed stores
	// (postgres, mysql).
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Database string `json:"database,omitempty"`

	// SSLMode is the connection SSL mode (postgres only, default "disable").
	SSLMode string `json:"ssl_mode,omitempty"`
}

// RerankConfig contains configuration for the rerank provider.
//
// Reranking is optional: with Enabled false the retrieval pipeline ranks by
// hybrid score alone.
type RerankConfig struct {
	// Enabled turns the rerank stage on.
	Enabled bool `json:"enabled"`

	// APIKey is the Cohere API key.
	APIKey string `json:"api_key,omitempty"`

	// Model is the rerank model name (default "rerank-english-v3.0").
	Model string `json:"model,omitempty"`

	// BaseURL is the base URL for the API (optional).
	BaseURL string `json:"base_url,omitempty"`
}

// MemoryConfig tunes the consolidation pipeline and the retrieval engine.
type MemoryConfig struct {
	// MaxMemoriesPerUser caps active memories per user (default 50).
	MaxMemoriesPerUser int `json:"max_memories_per_user"`

	// CompareThreshold is the similarity cutoff for consolidation candidate
	// lookup (default 0.7).
	CompareThreshold float64 `json:"compare_threshold"`

	// SearchThreshold is the similarity cutoff for retrieval vector search
	// (default 0.5).
	SearchThreshold float64 `json:"search_threshold"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Addr is the listen address (default ":8080").
	Addr string `json:"addr"`

	// APIKeys maps bearer tokens to user ids for the static authenticator.
	APIKeys map[string]string `json:"api_keys,omitempty"`

	// RateLimit is the per-client request rate in requests per second
	// (default 10). Zero disables rate limiting.
	RateLimit float64 `json:"rate_limit"`

	// RateBurst is the per-client burst size (default 20).
	RateBurst int `json:"rate_burst"`
}

// DefaultConfig returns a configuration with all defaults filled in:
// OpenAI gpt-4o-mini for the LLM, ada-002 embeddings at 1536 dimensions,
// SQLite storage, rerank disabled, 50 memories per user.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
		Embedder: EmbedderConfig{
			Provider:   "openai",
			Dimensions: 1536,
		},
		Storage: StorageConfig{
			Provider: "sqlite",
			Path:     "./cortex.db",
		},
		Memory: MemoryConfig{
			MaxMemoriesPerUser: 50,
			CompareThreshold:   0.7,
			SearchThreshold:    0.5,
		},
		Server: ServerConfig{
			Addr:      ":8080",
			RateLimit: 10,
			RateBurst: 20,
		},
	}
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for a .env file (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables over DefaultConfig
//
// Supported environment variables:
//   - DATABASE_PROVIDER (sqlite, postgres, mysql)
//   - SQLITE_PATH
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD,
//     POSTGRES_DATABASE, POSTGRES_SSLMODE
//   - MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASSWORD, MYSQL_DATABASE
//   - LLM_PROVIDER, LLM_API_KEY, LLM_MODEL, LLM_BASE_URL, LLM_BREAKER
//   - EMBEDDING_API_KEY, EMBEDDING_BASE_URL, EMBEDDING_DIMS
//   - COHERE_API_KEY (enables reranking), RERANK_MODEL
//   - MAX_MEMORIES_PER_USER, COMPARE_THRESHOLD, SEARCH_THRESHOLD
//   - SERVER_ADDR, API_KEYS ("token=user,token2=user2"), RATE_LIMIT, RATE_BURST
func LoadConfigFromEnv() (*Config, error) {
	if envPath, found := FindEnvFile(); found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	config := DefaultConfig()

	config.Storage.Provider = getEnvOrDefault("DATABASE_PROVIDER", "sqlite")
	switch config.Storage.Provider {
	case "sqlite":
		config.Storage.Path = getEnvOrDefault("SQLITE_PATH", "./cortex.db")
	case "postgres":
		port, _ := strconv.Atoi(getEnvOrDefault("POSTGRES_PORT", "5432"))
		config.Storage.Host = getEnvOrDefault("POSTGRES_HOST", "localhost")
		config.Storage.Port = port
		config.Storage.User = getEnvOrDefault("POSTGRES_USER", "postgres")
		config.Storage.Password = os.Getenv("POSTGRES_PASSWORD")
		config.Storage.Database = getEnvOrDefault("POSTGRES_DATABASE", "cortex")
		config.Storage.SSLMode = getEnvOrDefault("POSTGRES_SSLMODE", "disable")
	case "mysql":
		port, _ := strconv.Atoi(getEnvOrDefault("MYSQL_PORT", "3306"))
		config.Storage.Host = getEnvOrDefault("MYSQL_HOST", "127.0.0.1")
		config.Storage.Port = port
		config.Storage.User = getEnvOrDefault("MYSQL_USER", "root")
		config.Storage.Password = os.Getenv("MYSQL_PASSWORD")
		config.Storage.Database = getEnvOrDefault("MYSQL_DATABASE", "cortex")
	}

	llmProvider := getEnvOrDefault("LLM_PROVIDER", "openai")
	defaultModel := "gpt-4o-mini"
	defaultBaseURL := ""
	if llmProvider == "ollama" {
		defaultModel = "llama3.1"
		defaultBaseURL = getEnvOrDefault("OLLAMA_BASE_URL", "http://localhost:11434")
	}
	config.LLM = LLMConfig{
		Provider:       llmProvider,
		APIKey:         os.Getenv("LLM_API_KEY"),
		Model:          getEnvOrDefault("LLM_MODEL", defaultModel),
		BaseURL:        getEnvOrDefault("LLM_BASE_URL", defaultBaseURL),
		BreakerEnabled: os.Getenv("LLM_BREAKER") == "true",
	}

	dims, _ := strconv.Atoi(getEnvOrDefault("EMBEDDING_DIMS", "1536"))
	config.Embedder = EmbedderConfig{
		Provider:   "openai",
		APIKey:     getEnvOrDefault("EMBEDDING_API_KEY", os.Getenv("LLM_API_KEY")),
		BaseURL:    os.Getenv("EMBEDDING_BASE_URL"),
		Dimensions: dims,
	}

	if key := os.Getenv("COHERE_API_KEY"); key != "" {
		config.Rerank = RerankConfig{
			Enabled: true,
			APIKey:  key,
			Model:   getEnvOrDefault("RERANK_MODEL", "rerank-english-v3.0"),
		}
	}

	if v := os.Getenv("MAX_MEMORIES_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Memory.MaxMemoriesPerUser = n
		}
	}
	if v := os.Getenv("COMPARE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Memory.CompareThreshold = f
		}
	}
	if v := os.Getenv("SEARCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Memory.SearchThreshold = f
		}
	}

	config.Server.Addr = getEnvOrDefault("SERVER_ADDR", ":8080")
	if v := os.Getenv("API_KEYS"); v != "" {
		config.Server.APIKeys = parseAPIKeys(v)
	}
	if v := os.Getenv("RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Server.RateLimit = f
		}
	}
	if v := os.Getenv("RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Server.RateBurst = n
		}
	}

	return config, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file. Fields absent
// from the file keep their zero values; call Validate before use.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	return &config, nil
}

// Validate validates the configuration.
//
// Checks that all required fields are set:
//   - LLM provider must be specified
//   - Embedder provider must be specified
//   - Storage provider must be specified
//   - Thresholds must lie in [0,1]
//
// Returns an error if validation fails, nil otherwise.
func (c *Config) Validate() error {
	if c.LLM.Provider == "" {
		return NewMemoryError("Validate", ErrInvalidConfig)
	}
	if c.Embedder.Provider == "" {
		return NewMemoryError("Validate", ErrInvalidConfig)
	}
	if c.Storage.Provider == "" {
		return NewMemoryError("Validate", ErrInvalidConfig)
	}
	if c.Memory.CompareThreshold < 0 || c.Memory.CompareThreshold > 1 {
		return NewMemoryError("Validate", ErrInvalidConfig)
	}
	if c.Memory.SearchThreshold < 0 || c.Memory.SearchThreshold > 1 {
		return NewMemoryError("Validate", ErrInvalidConfig)
	}
	return nil
}

// parseAPIKeys parses "token=user,token2=user2" into a token -> user map.
func parseAPIKeys(raw string) map[string]string {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		token, user, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || token == "" || user == "" {
			continue
		}
		keys[token] = user
	}
	return keys
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
