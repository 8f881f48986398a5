package server

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Gin context keys set by the middleware chain.
const (
	contextKeyUserID    = "user_id"
	contextKeyRequestID = "request_id"
)

// requestIDHeader carries the request id in and out of the server.
const requestIDHeader = "X-Request-ID"

// RequestID attaches an id to every request, honoring one supplied by the
// caller, and echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(contextKeyRequestID, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// BearerAuth rejects requests without a valid bearer token and stores the
// resolved user id in the context.
func BearerAuth(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		userID, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}

		c.Set(contextKeyUserID, userID)
		c.Next()
	}
}

// clientLimiters holds one token bucket per authenticated user.
type clientLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func (cl *clientLimiters) get(key string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	limiter, ok := cl.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(cl.rps, cl.burst)
		cl.limiters[key] = limiter
	}
	return limiter
}

// RateLimit enforces a per-client request rate. Clients are keyed by the
// authenticated user id, falling back to the remote address, so it works
// both before and after auth in the chain. A zero rps disables limiting.
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}

	limiters := &clientLimiters{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}

	return func(c *gin.Context) {
		key := c.GetString(contextKeyUserID)
		if key == "" {
			key = c.ClientIP()
		}
		if !limiters.get(key).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
