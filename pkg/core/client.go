package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"

	"github.com/cortex-mem/cortex-go/pkg/embedder"
	openaiEmbedder "github.com/cortex-mem/cortex-go/pkg/embedder/openai"
	"github.com/cortex-mem/cortex-go/pkg/llm"
	ollamaLLM "github.com/cortex-mem/cortex-go/pkg/llm/ollama"
	openaiLLM "github.com/cortex-mem/cortex-go/pkg/llm/openai"
	"github.com/cortex-mem/cortex-go/pkg/memory"
	"github.com/cortex-mem/cortex-go/pkg/rerank"
	cohereRerank "github.com/cortex-mem/cortex-go/pkg/rerank/cohere"
	"github.com/cortex-mem/cortex-go/pkg/storage"
	mysqlStore "github.com/cortex-mem/cortex-go/pkg/storage/mysql"
	postgresStore "github.com/cortex-mem/cortex-go/pkg/storage/postgres"
	sqliteStore "github.com/cortex-mem/cortex-go/pkg/storage/sqlite"
)

// consolidateTimeout bounds the background consolidation kicked off by Chat,
// which outlives the request context.
const consolidateTimeout = 60 * time.Second

// Client is the main Cortex client for per-user long-term memory.
//
// It wires the configured providers into the consolidation pipeline and the
// hybrid retrieval engine, and exposes the memory operations the HTTP
// surface is built on:
//   - AddConversation: consolidate a conversation into memories
//   - Search: hybrid retrieval ranked by relevance
//   - List, Get, History, Stats: inspection
//   - Delete: archive (soft delete)
//   - Chat: retrieval-augmented completion with background consolidation
//
// The client is safe for concurrent use.
//
// Example usage:
//
//	config, _ := core.LoadConfigFromEnv()
//	client, _ := core.NewClient(config)
//	defer client.Close()
//
//	result, _ := client.AddConversation(ctx, "user_001", "", []memory.Turn{
//	    {Role: "user", Content: "I just moved to Berlin"},
//	})
type Client struct {
	config       *Config
	store        storage.Store
	llm          llm.Provider
	embedder     embedder.Provider
	reranker     rerank.Provider
	consolidator *memory.Consolidator
	retriever    *memory.Retriever
}

// snowflakeIDs adapts a snowflake node to the mutator's id generator.
type snowflakeIDs struct {
	node *snowflake.Node
}

func (s *snowflakeIDs) Generate() int64 {
	return s.node.Generate().Int64()
}

// NewClient creates a new Cortex client from the configuration.
//
// The client is initialized with:
//   - Storage backend (SQLite, PostgreSQL, or MySQL)
//   - LLM provider (OpenAI or Ollama, optionally behind a circuit breaker)
//   - Embedding provider (OpenAI)
//   - Rerank provider (Cohere, when enabled)
func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := initStorage(&cfg.Storage, cfg.Embedder.Dimensions)
	if err != nil {
		return nil, err
	}

	llmProvider, err := initLLM(&cfg.LLM)
	if err != nil {
		store.Close()
		return nil, err
	}

	embedderProvider, err := initEmbedder(&cfg.Embedder)
	if err != nil {
		store.Close()
		llmProvider.Close()
		return nil, err
	}

	var reranker rerank.Provider
	if cfg.Rerank.Enabled {
		reranker, err = cohereRerank.NewClient(&cohereRerank.Config{
			APIKey:  cfg.Rerank.APIKey,
			Model:   cfg.Rerank.Model,
			BaseURL: cfg.Rerank.BaseURL,
		})
		if err != nil {
			store.Close()
			llmProvider.Close()
			embedderProvider.Close()
			return nil, NewMemoryError("NewClient", err)
		}
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		store.Close()
		llmProvider.Close()
		embedderProvider.Close()
		if reranker != nil {
			reranker.Close()
		}
		return nil, NewMemoryError("NewClient", err)
	}

	comparator := memory.NewComparator(embedderProvider, store)
	comparator.SetThreshold(cfg.Memory.CompareThreshold)

	mutator := memory.NewMutator(store, embedderProvider, &snowflakeIDs{node: node}, cfg.Memory.MaxMemoriesPerUser)

	retriever := memory.NewRetriever(embedderProvider, store, reranker)
	retriever.SetThreshold(cfg.Memory.SearchThreshold)

	return &Client{
		config:   cfg,
		store:    store,
		llm:      llmProvider,
		embedder: embedderProvider,
		reranker: reranker,
		consolidator: memory.NewConsolidator(
			memory.NewFactExtractor(llmProvider),
			comparator,
			memory.NewDecisionEngine(llmProvider),
			mutator,
		),
		retriever: retriever,
	}, nil
}

// AddConversation runs the consolidation pipeline over a conversation:
// extraction, candidate comparison, reconciliation, and mutation with audit
// history. An empty conversationID is replaced with a generated one.
//
// The returned result holds one entry per executed decision in fact order;
// individual decision failures are recorded per entry and do not fail the
// call.
func (c *Client) AddConversation(ctx context.Context, userID, conversationID string, turns []memory.Turn) (*memory.ConsolidationResult, error) {
	if userID == "" || len(turns) == 0 {
		return nil, NewMemoryError("AddConversation", ErrInvalidInput)
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	result, err := c.consolidator.Consolidate(ctx, userID, conversationID, turns)
	if err != nil {
		return nil, NewMemoryError("AddConversation", err)
	}
	return result, nil
}

// Search runs hybrid retrieval for the user's memories relevant to query.
// Returned memories have their access counters bumped.
//
// An empty or whitespace query matches nothing and returns an empty list;
// the result slice is never nil.
func (c *Client) Search(ctx context.Context, userID, query string, limit int) ([]*memory.ScoredMemory, error) {
	if userID == "" {
		return nil, NewMemoryError("Search", ErrInvalidInput)
	}
	if strings.TrimSpace(query) == "" {
		return []*memory.ScoredMemory{}, nil
	}

	results, err := c.retriever.Search(ctx, userID, query, limit)
	if err != nil {
		return nil, NewMemoryError("Search", err)
	}
	if results == nil {
		results = []*memory.ScoredMemory{}
	}
	return results, nil
}

// List returns all active memories for a user, newest first.
func (c *Client) List(ctx context.Context, userID string) ([]*storage.Memory, error) {
	if userID == "" {
		return nil, NewMemoryError("List", ErrInvalidInput)
	}

	memories, err := c.store.List(ctx, userID)
	if err != nil {
		return nil, NewMemoryError("List", err)
	}
	return memories, nil
}

// Get returns one memory by id, restricted to the given user.
func (c *Client) Get(ctx context.Context, userID string, id int64) (*storage.Memory, error) {
	if userID == "" {
		return nil, NewMemoryError("Get", ErrInvalidInput)
	}

	mem, err := c.store.Get(ctx, id, userID)
	if err != nil {
		return nil, NewMemoryError("Get", err)
	}
	return mem, nil
}

// History returns the audit trail for one of the user's memories, oldest
// first. Ownership is checked before the trail is read.
func (c *Client) History(ctx context.Context, userID string, id int64) ([]*storage.HistoryEntry, error) {
	if _, err := c.Get(ctx, userID, id); err != nil {
		return nil, err
	}

	entries, err := c.store.History(ctx, id)
	if err != nil {
		return nil, NewMemoryError("History", err)
	}
	return entries, nil
}

// Stats summarizes a user's active memories.
type Stats struct {
	// Total is the number of active memories.
	Total int `json:"total"`

	// ByType breaks the total down per memory type.
	ByType map[storage.MemoryType]int `json:"by_type"`
}

// Stats returns active-memory counts for the user, total and per type.
func (c *Client) Stats(ctx context.Context, userID string) (*Stats, error) {
	if userID == "" {
		return nil, NewMemoryError("Stats", ErrInvalidInput)
	}

	byType, err := c.store.CountByType(ctx, userID)
	if err != nil {
		return nil, NewMemoryError("Stats", err)
	}

	total := 0
	for _, n := range byType {
		total += n
	}
	return &Stats{Total: total, ByType: byType}, nil
}

// Delete archives a memory (soft delete). The row and its history survive;
// the memory stops participating in retrieval and consolidation.
func (c *Client) Delete(ctx context.Context, userID string, id int64) error {
	if userID == "" {
		return NewMemoryError("Delete", ErrInvalidInput)
	}

	if err := c.store.Archive(ctx, id, userID); err != nil {
		return NewMemoryError("Delete", err)
	}
	return nil
}

// ChatResult is the outcome of a retrieval-augmented chat turn.
type ChatResult struct {
	// Reply is the assistant's response.
	Reply string `json:"reply"`

	// Memories lists the memories injected into the system prompt.
	Memories []*memory.ScoredMemory `json:"memories"`

	// ConversationID identifies the exchange in memory history.
	ConversationID string `json:"conversation_id"`
}

// Chat answers the latest user message with the user's relevant memories in
// context, then consolidates the exchange in the background.
//
// Retrieval uses the last user turn as the query; retrieval failures degrade
// to an uninformed reply rather than failing the chat. With extractMemories
// false the exchange is not consolidated.
func (c *Client) Chat(ctx context.Context, userID string, turns []memory.Turn, extractMemories bool) (*ChatResult, error) {
	if userID == "" || len(turns) == 0 {
		return nil, NewMemoryError("Chat", ErrInvalidInput)
	}

	query := lastUserContent(turns)
	if query == "" {
		return nil, NewMemoryError("Chat", ErrInvalidInput)
	}

	memories, err := c.retriever.Search(ctx, userID, query, 10)
	if err != nil {
		log.Printf("chat retrieval failed for user %s: %v", userID, err)
		memories = nil
	}

	messages := make([]llm.Message, 0, len(turns)+1)
	messages = append(messages, llm.Message{
		Role:    "system",
		Content: memory.BuildChatSystemPrompt(memories),
	})
	for _, turn := range turns {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}

	reply, err := c.llm.GenerateWithMessages(ctx, messages, llm.WithTemperature(0.7))
	if err != nil {
		return nil, NewMemoryError("Chat", fmt.Errorf("%w: %v", ErrLLMOperation, err))
	}

	conversationID := uuid.NewString()
	if extractMemories {
		exchange := append(append([]memory.Turn{}, turns...), memory.Turn{Role: "assistant", Content: reply})
		go c.consolidateExchange(userID, conversationID, exchange)
	}

	return &ChatResult{
		Reply:          reply,
		Memories:       memories,
		ConversationID: conversationID,
	}, nil
}

// consolidateExchange consolidates a chat exchange after the response has
// been returned. It runs on its own context so the finished request cannot
// cancel it.
func (c *Client) consolidateExchange(userID, conversationID string, turns []memory.Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), consolidateTimeout)
	defer cancel()

	result, err := c.consolidator.Consolidate(ctx, userID, conversationID, turns)
	if err != nil {
		log.Printf("background consolidation failed for user %s: %v", userID, err)
		return
	}
	log.Printf("background consolidation for user %s: %d extracted, %d stored",
		userID, result.ExtractedCount, result.StoredCount)
}

// Close closes the client and all underlying providers.
func (c *Client) Close() error {
	var firstErr error
	closers := []func() error{c.store.Close, c.llm.Close, c.embedder.Close}
	if c.reranker != nil {
		closers = append(closers, c.reranker.Close)
	}
	for _, close := range closers {
		if err := close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// lastUserContent returns the content of the most recent user turn.
func lastUserContent(turns []memory.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == "user" && strings.TrimSpace(turns[i].Content) != "" {
			return turns[i].Content
		}
	}
	return ""
}

// initStorage creates the configured storage backend.
func initStorage(cfg *StorageConfig, dims int) (storage.Store, error) {
	switch cfg.Provider {
	case "sqlite":
		return sqliteStore.NewClient(&sqliteStore.Config{DBPath: cfg.Path})
	case "postgres":
		return postgresStore.NewClient(&postgresStore.Config{
			Host:               cfg.Host,
			Port:               cfg.Port,
			User:               cfg.User,
			Password:           cfg.Password,
			DBName:             cfg.Database,
			EmbeddingModelDims: dims,
			SSLMode:            cfg.SSLMode,
		})
	case "mysql":
		return mysqlStore.NewClient(&mysqlStore.Config{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			DBName:   cfg.Database,
		})
	default:
		return nil, NewMemoryError("initStorage", fmt.Errorf("%w: unknown storage provider %q", ErrInvalidConfig, cfg.Provider))
	}
}

// initLLM creates the configured LLM provider, optionally behind a circuit
// breaker.
func initLLM(cfg *LLMConfig) (llm.Provider, error) {
	var (
		provider llm.Provider
		err      error
	)
	switch cfg.Provider {
	case "openai":
		provider, err = openaiLLM.NewClient(&openaiLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "ollama":
		provider, err = ollamaLLM.NewClient(&ollamaLLM.Config{
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, NewMemoryError("initLLM", fmt.Errorf("%w: unknown llm provider %q", ErrInvalidConfig, cfg.Provider))
	}
	if err != nil {
		return nil, NewMemoryError("initLLM", err)
	}

	if cfg.BreakerEnabled {
		provider = llm.NewBreakerProvider(provider, nil)
	}
	return provider, nil
}

// initEmbedder creates the configured embedding provider.
func initEmbedder(cfg *EmbedderConfig) (embedder.Provider, error) {
	switch cfg.Provider {
	case "openai":
		provider, err := openaiEmbedder.NewClient(&openaiEmbedder.Config{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, NewMemoryError("initEmbedder", err)
		}
		return provider, nil
	default:
		return nil, NewMemoryError("initEmbedder", fmt.Errorf("%w: unknown embedder provider %q", ErrInvalidConfig, cfg.Provider))
	}
}
