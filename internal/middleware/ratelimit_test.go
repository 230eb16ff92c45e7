package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/devicelink/internal/errors"
	"github.com/openclaw/devicelink/internal/httputil"
)

func TestMemoryLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("allows requests under limit", func(t *testing.T) {
		limiter := NewMemoryLimiter()

		for i := 0; i < 5; i++ {
			d := limiter.Check(ctx, "ip-1", 10)
			assert.True(t, d.Allowed)
			assert.Equal(t, 10-i-1, d.Remaining)
		}
	})

	t.Run("blocks requests over limit", func(t *testing.T) {
		limiter := NewMemoryLimiter()

		for i := 0; i < 5; i++ {
			limiter.Check(ctx, "ip-2", 5)
		}

		d := limiter.Check(ctx, "ip-2", 5)
		assert.False(t, d.Allowed)
		assert.Equal(t, 0, d.Remaining)
	})

	t.Run("tracks keys separately", func(t *testing.T) {
		limiter := NewMemoryLimiter()

		for i := 0; i < 5; i++ {
			limiter.Check(ctx, "ip-a", 5)
		}

		assert.True(t, limiter.Check(ctx, "ip-b", 5).Allowed)
	})

	t.Run("window slides", func(t *testing.T) {
		limiter := NewMemoryLimiter()
		now := time.Unix(1_700_000_000, 0)
		limiter.now = func() time.Time { return now }

		assert.True(t, limiter.Check(ctx, "ip-4", 1).Allowed)
		d := limiter.Check(ctx, "ip-4", 1)
		assert.False(t, d.Allowed)
		assert.Equal(t, now.Add(RateWindow), d.ResetAt)

		now = now.Add(RateWindow + time.Second)
		assert.True(t, limiter.Check(ctx, "ip-4", 1).Allowed)
	})

	t.Run("sweep drops idle keys", func(t *testing.T) {
		limiter := NewMemoryLimiter()
		now := time.Unix(1_700_000_000, 0)
		limiter.now = func() time.Time { return now }

		limiter.Check(ctx, "idle", 3)
		now = now.Add(2 * RateWindow)
		limiter.sweep(now)
		assert.NotContains(t, limiter.hits, "idle")
	})
}

func TestDecisionRetryAfter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	assert.Equal(t, int64(30), Decision{ResetAt: now.Add(30 * time.Second)}.RetryAfter(now))
	assert.Equal(t, int64(1), Decision{ResetAt: now.Add(-time.Second)}.RetryAfter(now))
}

func TestLimitByIP(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	request := func(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/connect/pin", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("sets rate limit headers", func(t *testing.T) {
		h := LimitByIP(NewMemoryLimiter(), 3, "pin")(ok)

		rec := request(h, "192.0.2.1:1000")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	})

	t.Run("returns 429 with error body when exhausted", func(t *testing.T) {
		h := LimitByIP(NewMemoryLimiter(), 2, "pin")(ok)

		request(h, "192.0.2.2:1000")
		request(h, "192.0.2.2:2000")
		rec := request(h, "192.0.2.2:3000")

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))

		var body httputil.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, apperrors.ErrCodeRateLimitExceeded, body.Code)
	})

	t.Run("keys by client ip, not port", func(t *testing.T) {
		h := LimitByIP(NewMemoryLimiter(), 1, "pin")(ok)

		assert.Equal(t, http.StatusOK, request(h, "192.0.2.3:1000").Code)
		assert.Equal(t, http.StatusTooManyRequests, request(h, "192.0.2.3:1001").Code)
		assert.Equal(t, http.StatusOK, request(h, "192.0.2.4:1000").Code)
	})
}

func TestRedisRateLimiter(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	key := "test:" + t.Name()
	client.Del(ctx, rateLimitKeyPrefix+key)

	limiter := NewRedisRateLimiter(client)
	for i := 0; i < 3; i++ {
		d := limiter.Check(ctx, key, 3)
		assert.True(t, d.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 3-i-1, d.Remaining)
	}

	d := limiter.Check(ctx, key, 3)
	assert.False(t, d.Allowed)
	assert.True(t, d.ResetAt.After(time.Now()))
}

func TestRedisRateLimiter_FailsClosed(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	d := NewRedisRateLimiter(client).Check(context.Background(), "k", 10)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
}
