package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortex-mem/cortex-go/pkg/server"
)

func newTestEngine(middleware ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(middleware...)
	engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString("user_id")})
	})
	return engine
}

func doGet(engine *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestStaticKeyAuthenticator(t *testing.T) {
	auth := server.NewStaticKeyAuthenticator(map[string]string{"ctx_alice": "alice"})

	user, err := auth.Authenticate(context.Background(), "ctx_alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	_, err = auth.Authenticate(context.Background(), "ctx_unknown")
	assert.ErrorIs(t, err, server.ErrUnauthorized)
}

func TestBearerAuth(t *testing.T) {
	auth := server.NewStaticKeyAuthenticator(map[string]string{"ctx_alice": "alice"})
	engine := newTestEngine(server.BearerAuth(auth))

	rec := doGet(engine, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doGet(engine, map[string]string{"Authorization": "Bearer ctx_wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doGet(engine, map[string]string{"Authorization": "ctx_alice"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "token without Bearer scheme is rejected")

	rec = doGet(engine, map[string]string{"Authorization": "Bearer ctx_alice"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"user":"alice"`)
}

func TestRequestID(t *testing.T) {
	engine := newTestEngine(server.RequestID())

	rec := doGet(engine, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = doGet(engine, map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"), "a caller-supplied id is echoed")
}

func TestRateLimit(t *testing.T) {
	engine := newTestEngine(server.RateLimit(1, 1))

	first := doGet(engine, nil)
	assert.Equal(t, http.StatusOK, first.Code)

	second := doGet(engine, nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestRateLimitDisabled(t *testing.T) {
	engine := newTestEngine(server.RateLimit(0, 0))

	for i := 0; i < 20; i++ {
		rec := doGet(engine, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	auth := server.NewStaticKeyAuthenticator(map[string]string{
		"ctx_alice": "alice",
		"ctx_bob":   "bob",
	})
	engine := newTestEngine(server.BearerAuth(auth), server.RateLimit(1, 1))

	rec := doGet(engine, map[string]string{"Authorization": "Bearer ctx_alice"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doGet(engine, map[string]string{"Authorization": "Bearer ctx_alice"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "alice exhausted the bucket")

	rec = doGet(engine, map[string]string{"Authorization": "Bearer ctx_bob"})
	assert.Equal(t, http.StatusOK, rec.Code, "bob gets a separate bucket")
}
