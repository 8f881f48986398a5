package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cortex-mem/cortex-go/pkg/core"
	"github.com/cortex-mem/cortex-go/pkg/memory"
	"github.com/cortex-mem/cortex-go/pkg/storage"
)

// Server is the HTTP surface over a core.Client.
//
// Routes (all /memory routes require a bearer token):
//
//	GET  /health
//	POST /memory/add         consolidate a conversation
//	POST /memory/search      hybrid retrieval
//	POST /memory/chat        retrieval-augmented chat
//	POST /memory/list        all active memories
//	POST /memory/stats       active counts by type
//	POST /memory/:id         one memory
//	POST /memory/:id/history audit trail
//	POST /memory/:id/delete  archive (soft delete)
//
// The read-only routes also answer GET at the same paths.
type Server struct {
	client *core.Client
	engine *gin.Engine
	http   *http.Server
}

// New creates a server over the client, authenticated by auth and rate
// limited per the server configuration.
func New(client *core.Client, auth Authenticator, cfg *core.ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), RequestID())

	s := &Server{
		client: client,
		engine: engine,
		http: &http.Server{
			Addr:         cfg.Addr,
			Handler:      engine,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}

	engine.GET("/health", s.handleHealth)

	mem := engine.Group("/memory", BearerAuth(auth), RateLimit(cfg.RateLimit, cfg.RateBurst))
	mem.POST("/add", s.handleAdd)
	mem.POST("/search", s.handleSearch)
	mem.POST("/chat", s.handleChat)
	mem.POST("/list", s.handleList)
	mem.POST("/stats", s.handleStats)
	mem.POST("/:id", s.handleGet)
	mem.POST("/:id/history", s.handleHistory)
	mem.POST("/:id/delete", s.handleDelete)
	mem.GET("/list", s.handleList)
	mem.GET("/stats", s.handleStats)
	mem.GET("/:id", s.handleGet)
	mem.GET("/:id/history", s.handleHistory)

	return s
}

// Handler returns the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	log.Printf("cortex server listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type messagePayload struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content" binding:"required"`
}

type addRequest struct {
	Messages       []messagePayload `json:"messages" binding:"required,min=1"`
	ConversationID string           `json:"conversation_id"`
}

// searchRequest deliberately leaves Query unbound: an empty query is a valid
// search that returns an empty result set, not a client error.
type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type chatRequest struct {
	Messages        []messagePayload `json:"messages" binding:"required,min=1"`
	ExtractMemories *bool            `json:"extract_memories"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleAdd(c *gin.Context) {
	var req addRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.client.AddConversation(c.Request.Context(), s.userID(c), req.ConversationID, toTurns(req.Messages))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"memories":        result.Results,
		"extracted_count": result.ExtractedCount,
		"stored_count":    result.StoredCount,
	})
}

func (s *Server) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := s.client.Search(c.Request.Context(), s.userID(c), req.Query, req.Limit)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"memories": results, "count": len(results)})
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	extract := req.ExtractMemories == nil || *req.ExtractMemories
	result, err := s.client.Chat(c.Request.Context(), s.userID(c), toTurns(req.Messages), extract)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) handleList(c *gin.Context) {
	memories, err := s.client.List(c.Request.Context(), s.userID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"memories": memories, "count": len(memories)})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.client.Stats(c.Request.Context(), s.userID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGet(c *gin.Context) {
	id, ok := s.memoryID(c)
	if !ok {
		return
	}

	mem, err := s.client.Get(c.Request.Context(), s.userID(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, mem)
}

func (s *Server) handleHistory(c *gin.Context) {
	id, ok := s.memoryID(c)
	if !ok {
		return
	}

	entries, err := s.client.History(c.Request.Context(), s.userID(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": entries, "count": len(entries)})
}

func (s *Server) handleDelete(c *gin.Context) {
	id, ok := s.memoryID(c)
	if !ok {
		return
	}

	if err := s.client.Delete(c.Request.Context(), s.userID(c), id); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "archived", "id": strconv.FormatInt(id, 10)})
}

func (s *Server) userID(c *gin.Context) string {
	return c.GetString(contextKeyUserID)
}

func (s *Server) memoryID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid memory id"})
		return 0, false
	}
	return id, true
}

// writeError maps client errors to HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound) || errors.Is(err, core.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "memory not found"})
	case errors.Is(err, core.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid input"})
	default:
		log.Printf("request %s failed: %v", c.GetString(contextKeyRequestID), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func toTurns(messages []messagePayload) []memory.Turn {
	turns := make([]memory.Turn, len(messages))
	for i, m := range messages {
		turns[i] = memory.Turn{Role: m.Role, Content: m.Content}
	}
	return turns
}
