package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moreonion/mogin/pkg/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestDefaultConfigs(t *testing.T) {
	t.Run("DefaultConfig", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.Equal(t, float64(20), cfg.Rate)
		assert.Equal(t, 50, cfg.Burst)
		assert.Equal(t, time.Minute, cfg.CleanupInterval)
		assert.Equal(t, 5*time.Minute, cfg.MaxAge)
	})

	t.Run("authenticated requests get more generous limits", func(t *testing.T) {
		cfg := DefaultSessionConfig()
		assert.Greater(t, cfg.Authenticated.Rate, cfg.Anonymous.Rate)
		assert.Greater(t, cfg.Authenticated.Burst, cfg.Anonymous.Burst)
	})
}

func TestLimiterAllow(t *testing.T) {
	rl := New(Config{Rate: 1, Burst: 2})
	defer rl.Stop()

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))

	// A different key has its own bucket.
	assert.True(t, rl.Allow("10.0.0.2"))
	assert.Equal(t, 2, rl.Len())
}

func TestLimiterConcurrentAccess(t *testing.T) {
	rl := New(Config{Rate: 1000, Burst: 1000})
	defer rl.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rl.Allow("10.0.0.1")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, rl.Len())
}

func TestLimiterCleanup(t *testing.T) {
	rl := New(Config{
		Rate:            1,
		Burst:           1,
		CleanupInterval: 10 * time.Millisecond,
		MaxAge:          20 * time.Millisecond,
	})
	defer rl.Stop()

	rl.Allow("10.0.0.1")
	require.Equal(t, 1, rl.Len())

	assert.Eventually(t, func() bool {
		return rl.Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestLimiterMiddleware(t *testing.T) {
	rl := New(Config{Rate: 1, Burst: 1})
	defer rl.Stop()

	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, second.Body.String(), "TOO_MANY_REQUESTS")
}

func sessionRouter(sl *SessionLimiter, identity string) *gin.Engine {
	router := gin.New()
	if identity != "" {
		router.Use(func(c *gin.Context) {
			c.Set(session.ContextKey, session.New(identity, "acme"))
		})
	}
	router.Use(sl.Middleware())
	router.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return router
}

func TestSessionLimiterSeparatesBuckets(t *testing.T) {
	sl := NewSessionLimiter(SessionConfig{
		Anonymous:     Config{Rate: 1, Burst: 1},
		Authenticated: Config{Rate: 1, Burst: 2},
	})
	defer sl.Stop()

	authed := sessionRouter(sl, "alice@example.org")
	anon := sessionRouter(sl, "")

	// Anonymous bucket empties after one request.
	w := httptest.NewRecorder()
	anon.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	anon.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// The identity bucket is unaffected and larger.
	for i := 0; i < 2; i++ {
		w = httptest.NewRecorder()
		authed.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w = httptest.NewRecorder()
	authed.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	assert.Equal(t, 1, sl.IPLen())
	assert.Equal(t, 1, sl.IdentityLen())
}

func TestSessionLimiterTracksIdentityNotIP(t *testing.T) {
	sl := NewSessionLimiter(SessionConfig{
		Anonymous:     Config{Rate: 1, Burst: 100},
		Authenticated: Config{Rate: 1, Burst: 100},
	})
	defer sl.Stop()

	router := sessionRouter(sl, "alice@example.org")
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		router.ServeHTTP(w, req)
	}

	assert.Equal(t, 0, sl.IPLen())
	assert.Equal(t, 1, sl.IdentityLen())
}
