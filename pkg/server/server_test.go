package server_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortex-mem/cortex-go/pkg/core"
	"github.com/cortex-mem/cortex-go/pkg/server"
)

func newTestServer() *server.Server {
	gin.SetMode(gin.TestMode)
	auth := server.NewStaticKeyAuthenticator(map[string]string{"ctx_alice": "alice"})
	return server.New(nil, auth, &core.ServerConfig{Addr: ":0"})
}

func TestRouteTable(t *testing.T) {
	srv := newTestServer()
	engine, ok := srv.Handler().(*gin.Engine)
	require.True(t, ok)

	registered := make(map[string]bool)
	for _, route := range engine.Routes() {
		registered[route.Method+" "+route.Path] = true
	}

	expected := []string{
		"GET /health",
		"POST /memory/add",
		"POST /memory/search",
		"POST /memory/chat",
		"POST /memory/list",
		"POST /memory/stats",
		"POST /memory/:id",
		"POST /memory/:id/history",
		"POST /memory/:id/delete",
		"GET /memory/list",
		"GET /memory/stats",
		"GET /memory/:id",
		"GET /memory/:id/history",
	}
	for _, route := range expected {
		assert.True(t, registered[route], "missing route %s", route)
	}
}

func TestSearchEmptyQueryReturnsEmptyList(t *testing.T) {
	// An empty query never reaches the retrieval providers, so no client
	// wiring is needed to exercise the full handler path.
	srv := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/memory/search", strings.NewReader(`{"query": ""}`))
	req.Header.Set("Authorization", "Bearer ctx_alice")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"memories":[]`)
	assert.Contains(t, rec.Body.String(), `"count":0`)
}

func TestHealth(t *testing.T) {
	srv := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
