// Package httpapi exposes the pipeline over HTTP: one endpoint that takes
// a bearer capability token and a tool invocation and returns either a
// result or a structured error. Every other endpoint (/health, /ready) is
// unauthenticated, narrow, and exists only to let an operator's load
// balancer or orchestrator probe process liveness.
package httpapi

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cori-do/cori/internal/pipeline"
	"github.com/cori-do/cori/internal/tokenengine"
)

// Deps holds everything the router needs beyond what it builds itself.
type Deps struct {
	Pipeline        *pipeline.Pipeline
	CORSOrigins     []string
	RateLimitPerMin int // requests per minute per verified (role, tenant); 0 disables limiting
	// StopRateLimiter is set by NewRouter; call it during graceful shutdown
	// to stop the rate limiter's background cleanup goroutine.
	StopRateLimiter func()
}

// NewRouter builds the gin engine that serves Cori's HTTP transport.
func NewRouter(deps *Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.SetTrustedProxies(nil)
	r.Use(gin.Recovery())
	r.Use(securityHeadersMiddleware())
	r.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20) // 1MB
		c.Next()
	})
	r.Use(corsMiddleware(deps.CORSOrigins))

	r.GET("/health", healthCheck)
	r.GET("/ready", makeReadinessCheck(deps))

	rl := newRateLimiter(deps.RateLimitPerMin, time.Minute)
	if deps != nil {
		deps.StopRateLimiter = rl.Stop
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/invoke", makeInvokeHandler(deps, rl))
	}

	return r
}

// invokeRequest is the wire shape a transport-agnostic caller posts: the
// RPC tool name the catalog projected and its arguments. The capability
// token travels as a standard bearer Authorization header, never in the
// body, so it never ends up in application logs that dump request bodies.
type invokeRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Limit     int            `json:"limit,omitempty"`
	Offset    int            `json:"offset,omitempty"`
	DryRun    bool           `json:"dry_run,omitempty"`
}

type invokeResponse struct {
	Rows         []map[string]any `json:"rows,omitempty"`
	RowsAffected int64             `json:"rows_affected"`
	Outcome      string            `json:"outcome"`
}

type errorResponse struct {
	Error struct {
		Kind    string   `json:"kind"`
		Message string   `json:"message"`
		Fields  []string `json:"fields,omitempty"`
	} `json:"error"`
}

func makeInvokeHandler(deps *Deps, rl *rateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			writeError(c, http.StatusUnauthorized, string(pipeline.KindUnauthorized), "missing bearer token", nil)
			return
		}

		// Rate-limit on the verified (role, tenant) identity rather than on
		// network position or the raw token: a reused or replayed invalid
		// token never consumes another tenant's budget, and a token
		// verification failure here is harmless — pipeline.Run verifies it
		// again and returns the authoritative Unauthorized error.
		rateKey := token
		if claims, verr := tokenengine.Verify(token, time.Now()); verr == nil {
			rateKey = claims.Role + ":" + claims.Tenant
		}
		if !rl.allow(rateKey) {
			writeError(c, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", nil)
			return
		}

		var req invokeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "bad_request", "invalid request body", nil)
			return
		}

		resp, err := deps.Pipeline.Run(c.Request.Context(), pipeline.Request{
			RawToken:  token,
			ToolName:  req.Tool,
			Arguments: req.Arguments,
			Limit:     req.Limit,
			Offset:    req.Offset,
			DryRun:    req.DryRun,
		})
		if err != nil {
			writePipelineError(c, err)
			return
		}

		c.JSON(http.StatusOK, invokeResponse{
			Rows:         resp.Rows,
			RowsAffected: resp.RowsAffected,
			Outcome:      string(resp.Outcome),
		})
	}
}

func writePipelineError(c *gin.Context, err error) {
	perr, ok := err.(*pipeline.Error)
	if !ok {
		writeError(c, http.StatusInternalServerError, string(pipeline.KindInternal), err.Error(), nil)
		return
	}

	status := http.StatusInternalServerError
	switch perr.Kind {
	case pipeline.KindUnauthorized:
		status = http.StatusUnauthorized
	case pipeline.KindUnknownTool:
		status = http.StatusNotFound
	case pipeline.KindDenied, pipeline.KindRejected:
		status = http.StatusForbidden
	case pipeline.KindNeedsApproval:
		status = http.StatusAccepted
	}

	var fields []string
	for _, v := range perr.Violations {
		fields = append(fields, v.Field)
	}
	writeError(c, status, string(perr.Kind), perr.Message, fields)
}

func writeError(c *gin.Context, status int, kind, message string, fields []string) {
	var resp errorResponse
	resp.Error.Kind = kind
	resp.Error.Message = message
	resp.Error.Fields = fields
	c.JSON(status, resp)
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().UTC()})
}

func makeReadinessCheck(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ready := deps != nil && deps.Pipeline != nil &&
			deps.Pipeline.Policy != nil && deps.Pipeline.Policy.Current() != nil
		if ready && deps.Pipeline.Guardrail != nil {
			ready = deps.Pipeline.Guardrail.Ready()
		}
		status := http.StatusOK
		statusStr := "ready"
		if !ready {
			status = http.StatusServiceUnavailable
			statusStr = "degraded"
		}
		c.JSON(status, gin.H{"status": statusStr, "timestamp": time.Now().UTC()})
	}
}

func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Content-Security-Policy", "default-src 'self'")
		c.Next()
	}
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		wildcard := false
		for _, o := range allowedOrigins {
			if o == "*" {
				allowed = true
				wildcard = true
				break
			}
			if o == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if wildcard {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// rateLimiter is a simple in-memory sliding-window limiter. Unlike the
// teacher's IP-keyed limiter, Cori keys on identity, not network position:
// the invoke handler verifies the token itself before pipeline.Run and uses
// its (role, tenant) pair as the key, falling back to the raw token string
// when verification fails.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string][]time.Time
	limit    int
	window   time.Duration
	done     chan struct{}
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		done:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Stop terminates the cleanup goroutine.
func (rl *rateLimiter) Stop() {
	close(rl.done)
}

func (rl *rateLimiter) allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	timestamps := rl.visitors[key]
	valid := make([]time.Time, 0, len(timestamps))
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= rl.limit {
		rl.visitors[key] = valid
		return false
	}

	rl.visitors[key] = append(valid, now)
	return true
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			cutoff := now.Add(-rl.window)
			for key, timestamps := range rl.visitors {
				valid := make([]time.Time, 0, len(timestamps))
				for _, ts := range timestamps {
					if ts.After(cutoff) {
						valid = append(valid, ts)
					}
				}
				if len(valid) == 0 {
					delete(rl.visitors, key)
				} else {
					rl.visitors[key] = valid
				}
			}
			rl.mu.Unlock()
		}
	}
}
