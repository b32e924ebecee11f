// Package integration provides in-process tests of the assembled HTTP stack:
// the middleware chain, health endpoints, and metrics wired the same way the
// server binary wires them. These run without external services; tests that
// need a live deployment carry the integration build tag instead.
package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dirgate/dirgate/internal/common/health"
	"github.com/dirgate/dirgate/internal/common/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newStackRouter assembles the middleware chain the way cmd/dirgate does,
// backed by a miniredis instance for the rate limiter.
func newStackRouter(t *testing.T, rlCfg middleware.RateLimitConfig) (*gin.Engine, *redis.Client) {
	t.Helper()

	mini, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mini.Close)

	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { client.Close() })

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS())
	router.Use(middleware.PrometheusMetrics())
	router.Use(middleware.DistributedRateLimit(client, rlCfg, zap.NewNop()))

	router.GET("/metrics", middleware.MetricsHandler())

	healthService := health.NewHealthService(zap.NewNop())
	healthService.SetVersion("test")
	healthService.RegisterStandardRoutes(router)

	router.GET("/api/v1/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	router.POST("/api/v1/auth/login", func(c *gin.Context) {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid username or password"})
	})

	return router, client
}

func serve(router *gin.Engine, method, path, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestStackRateLimiting(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	t.Run("enforces per-IP limits", func(t *testing.T) {
		router, _ := newStackRouter(t, middleware.RateLimitConfig{
			Requests: 3,
			Window:   5 * time.Minute,
		})

		for i := 0; i < 3; i++ {
			w := serve(router, "GET", "/api/v1/ping", "192.168.1.1:1234", nil)
			assert.Equal(t, 200, w.Code, "Request %d should succeed", i+1)
			assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
		}

		w := serve(router, "GET", "/api/v1/ping", "192.168.1.1:1234", nil)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
	})

	t.Run("different IPs have separate limits", func(t *testing.T) {
		router, _ := newStackRouter(t, middleware.RateLimitConfig{
			Requests: 2,
			Window:   5 * time.Minute,
		})

		for i := 0; i < 2; i++ {
			w := serve(router, "GET", "/api/v1/ping", "10.0.0.1:9999", nil)
			assert.Equal(t, 200, w.Code)
		}

		w := serve(router, "GET", "/api/v1/ping", "10.0.0.1:9999", nil)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)

		w = serve(router, "GET", "/api/v1/ping", "10.0.0.2:9999", nil)
		assert.Equal(t, 200, w.Code)
	})

	t.Run("login path gets the stricter tier", func(t *testing.T) {
		router, _ := newStackRouter(t, middleware.RateLimitConfig{
			Requests:     100,
			Window:       5 * time.Minute,
			AuthRequests: 2,
			AuthWindow:   5 * time.Minute,
		})

		for i := 0; i < 2; i++ {
			w := serve(router, "POST", "/api/v1/auth/login", "172.16.0.5:40000", nil)
			assert.Equal(t, 401, w.Code)
			assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
		}

		w := serve(router, "POST", "/api/v1/auth/login", "172.16.0.5:40000", nil)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)

		// The default tier still has headroom for the same IP
		w = serve(router, "GET", "/api/v1/ping", "172.16.0.5:40000", nil)
		assert.Equal(t, 200, w.Code)
	})

	t.Run("health and metrics are exempt", func(t *testing.T) {
		router, _ := newStackRouter(t, middleware.RateLimitConfig{
			Requests: 1,
			Window:   5 * time.Minute,
		})

		for i := 0; i < 5; i++ {
			w := serve(router, "GET", "/health/live", "10.9.9.9:1111", nil)
			assert.Equal(t, 200, w.Code)
		}
	})

	t.Run("fails open when Redis is down", func(t *testing.T) {
		router, client := newStackRouter(t, middleware.RateLimitConfig{
			Requests: 1,
			Window:   5 * time.Minute,
		})
		client.Close()

		for i := 0; i < 3; i++ {
			w := serve(router, "GET", "/api/v1/ping", "10.1.2.3:5555", nil)
			assert.Equal(t, 200, w.Code)
		}
	})
}

func TestStackRequestID(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	router, _ := newStackRouter(t, middleware.RateLimitConfig{Requests: 100, Window: time.Minute})

	t.Run("generates an ID when not provided", func(t *testing.T) {
		w := serve(router, "GET", "/api/v1/ping", "", nil)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("uses the provided ID", func(t *testing.T) {
		w := serve(router, "GET", "/api/v1/ping", "", map[string]string{
			"X-Request-ID": "test-request-123",
		})
		assert.Equal(t, "test-request-123", w.Header().Get("X-Request-ID"))
	})
}

func TestStackCORS(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	router, _ := newStackRouter(t, middleware.RateLimitConfig{Requests: 100, Window: time.Minute})

	w := serve(router, "OPTIONS", "/api/v1/ping", "", map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": "GET",
	})

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestStackHealthEndpoints(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	router, _ := newStackRouter(t, middleware.RateLimitConfig{Requests: 100, Window: time.Minute})

	t.Run("liveness", func(t *testing.T) {
		w := serve(router, "GET", "/health/live", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var body map[string]interface{}
		json.NewDecoder(w.Body).Decode(&body)
		assert.Equal(t, "alive", body["status"])
	})

	t.Run("readiness with no registered dependencies", func(t *testing.T) {
		w := serve(router, "GET", "/health/ready", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var body map[string]interface{}
		json.NewDecoder(w.Body).Decode(&body)
		assert.Equal(t, "ready", body["status"])
	})

	t.Run("full health report", func(t *testing.T) {
		w := serve(router, "GET", "/health", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var body map[string]interface{}
		json.NewDecoder(w.Body).Decode(&body)
		assert.Equal(t, "test", body["version"])
	})
}

func TestStackMetricsEndpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	router, _ := newStackRouter(t, middleware.RateLimitConfig{Requests: 100, Window: time.Minute})

	// Generate some traffic so request counters have series to export
	serve(router, "GET", "/api/v1/ping", "", nil)

	w := serve(router, "GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dirgate_http_requests_in_flight")
	assert.Contains(t, w.Body.String(), "dirgate_http_requests_total")
}
