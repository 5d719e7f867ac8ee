package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datagate-io/datagate/pkg/config"
)

// fakeClock advances only when the test says so.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) time() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(clock *fakeClock, cfg config.RateLimiting) *Limiter {
	return &Limiter{
		enabled: cfg.Enabled,
		ip:      newBucketSet(cfg.IPLimit, time.Duration(cfg.IPWindow)*time.Second, clock.time),
		token:   newBucketSet(cfg.TokenLimit, time.Duration(cfg.TokenWindow)*time.Second, clock.time),
	}
}

func serveLimited(l *Limiter, remoteAddr, bearer string) *httptest.ResponseRecorder {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/prod/Items", nil)
	req.RemoteAddr = remoteAddr
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	rec := httptest.NewRecorder()
	l.Middleware(next).ServeHTTP(rec, req)
	return rec
}

func TestIPLimitSequence(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now()}
	l := newTestLimiter(clock, config.RateLimiting{
		Enabled: true, IPLimit: 2, IPWindow: 60, TokenLimit: 1000, TokenWindow: 60,
	})

	first := serveLimited(l, "10.0.0.1:1111", "")
	second := serveLimited(l, "10.0.0.1:2222", "")
	third := serveLimited(l, "10.0.0.1:3333", "")

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, http.StatusTooManyRequests, third.Code)

	retryAfter := third.Header().Get("Retry-After")
	require.NotEmpty(t, retryAfter)
	assert.NotEqual(t, "0", retryAfter)

	var body map[string]any
	require.NoError(t, json.Unmarshal(third.Body.Bytes(), &body))
	assert.Equal(t, "Rate limit exceeded", body["error"])
	assert.Equal(t, false, body["success"])
}

func TestIPBudgetsAreIndependent(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now()}
	l := newTestLimiter(clock, config.RateLimiting{
		Enabled: true, IPLimit: 1, IPWindow: 60, TokenLimit: 1000, TokenWindow: 60,
	})

	assert.Equal(t, http.StatusOK, serveLimited(l, "10.0.0.1:1111", "").Code)
	assert.Equal(t, http.StatusOK, serveLimited(l, "10.0.0.2:1111", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, serveLimited(l, "10.0.0.1:1111", "").Code)
}

func TestBudgetRefillsAfterWindow(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now()}
	l := newTestLimiter(clock, config.RateLimiting{
		Enabled: true, IPLimit: 2, IPWindow: 60, TokenLimit: 1000, TokenWindow: 60,
	})

	serveLimited(l, "10.0.0.1:1111", "")
	serveLimited(l, "10.0.0.1:1111", "")
	require.Equal(t, http.StatusTooManyRequests, serveLimited(l, "10.0.0.1:1111", "").Code)

	// Refill is linear: half the window buys back one of the two slots.
	clock.advance(30 * time.Second)
	assert.Equal(t, http.StatusOK, serveLimited(l, "10.0.0.1:1111", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, serveLimited(l, "10.0.0.1:1111", "").Code)
}

func TestTokenBudgetSeparateFromIP(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now()}
	l := newTestLimiter(clock, config.RateLimiting{
		Enabled: true, IPLimit: 100, IPWindow: 60, TokenLimit: 1, TokenWindow: 60,
	})

	assert.Equal(t, http.StatusOK, serveLimited(l, "10.0.0.1:1111", "alpha").Code)
	assert.Equal(t, http.StatusTooManyRequests, serveLimited(l, "10.0.0.1:1111", "alpha").Code)

	// A different bearer and anonymous requests still pass.
	assert.Equal(t, http.StatusOK, serveLimited(l, "10.0.0.1:1111", "beta").Code)
	assert.Equal(t, http.StatusOK, serveLimited(l, "10.0.0.1:1111", "").Code)
}

func TestDisabledLimiterPassesEverything(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now()}
	l := newTestLimiter(clock, config.RateLimiting{
		Enabled: false, IPLimit: 1, IPWindow: 60, TokenLimit: 1, TokenWindow: 60,
	})

	for range 5 {
		assert.Equal(t, http.StatusOK, serveLimited(l, "10.0.0.1:1111", "alpha").Code)
	}
}

func TestIdleBucketsAreEvicted(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now()}
	set := newBucketSet(2, time.Minute, clock.time)

	set.acquire("idle-key")
	require.Equal(t, 1, set.size())

	// Under ten windows of silence the bucket survives the sweep.
	clock.advance(9 * time.Minute)
	set.acquire("other")
	assert.Equal(t, 2, set.size())

	clock.advance(11 * time.Minute)
	set.acquire("other")
	assert.Equal(t, 1, set.size(), "idle-key should be evicted after ten windows")
}

func TestBearerIdentityHashesSecret(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer super-secret")

	identity, ok := bearerIdentity(req)
	require.True(t, ok)
	assert.NotContains(t, identity, "super-secret")
	assert.Len(t, identity, 32)

	req.Header.Set("Authorization", "Basic abc")
	_, ok = bearerIdentity(req)
	assert.False(t, ok)
}

func TestNotifyReportsExhaustedBudget(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now()}
	l := newTestLimiter(clock, config.RateLimiting{
		Enabled: true, IPLimit: 1, IPWindow: 60, TokenLimit: 1000, TokenWindow: 60,
	})

	var budgets []string
	WithNotify(func(budget string) { budgets = append(budgets, budget) })(l)

	serveLimited(l, "10.9.0.1:1111", "")
	serveLimited(l, "10.9.0.1:1111", "")

	assert.Equal(t, []string{"ip"}, budgets)
}
