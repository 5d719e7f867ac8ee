// Package ratelimit enforces per-client request budgets ahead of
// authentication. Two independent token-bucket families apply: one keyed by
// client IP and one keyed by bearer identity. Budgets refill linearly over
// the configured window.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/httperr"
	"github.com/datagate-io/datagate/pkg/logger"
)

// evictionFactor controls when an idle bucket is dropped: a key unseen for
// this many windows loses its bucket and starts fresh on its next request.
const evictionFactor = 10

// Limiter applies the configured IP and token budgets as HTTP middleware.
type Limiter struct {
	enabled bool
	ip      *bucketSet
	token   *bucketSet
	notify  func(budget string)
}

// Option configures optional Limiter behavior.
type Option func(*Limiter)

// WithNotify registers a callback invoked with the budget name ("ip" or
// "token") whenever a request is rejected.
func WithNotify(fn func(budget string)) Option {
	return func(l *Limiter) {
		l.notify = fn
	}
}

// New builds a Limiter from the rate-limiting settings. Windows are given
// in seconds; the limit is also the burst, so a quiet client may spend its
// whole window budget at once.
func New(cfg config.RateLimiting, opts ...Option) *Limiter {
	l := &Limiter{
		enabled: cfg.Enabled,
		ip:      newBucketSet(cfg.IPLimit, time.Duration(cfg.IPWindow)*time.Second, time.Now),
		token:   newBucketSet(cfg.TokenLimit, time.Duration(cfg.TokenWindow)*time.Second, time.Now),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Middleware rejects requests that exceed either budget with 429 and a
// Retry-After header. The IP budget applies to every request; the token
// budget only to requests carrying a bearer identity.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.enabled {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if ok, wait := l.ip.acquire(ip); !ok {
			logger.Debugf("Rate limit exceeded for IP %s", ip)
			l.limited("ip")
			writeLimited(w, wait)
			return
		}

		if identity, ok := bearerIdentity(r); ok {
			if ok, wait := l.token.acquire(identity); !ok {
				logger.Debugf("Rate limit exceeded for token %s", identity[:8])
				l.limited("token")
				writeLimited(w, wait)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) limited(budget string) {
	if l.notify != nil {
		l.notify(budget)
	}
}

func writeLimited(w http.ResponseWriter, wait time.Duration) {
	seconds := int((wait + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	httperr.WriteError(w, http.StatusTooManyRequests, "Rate limit exceeded", nil)
}

// clientIP is the connection peer address. Forwarding headers are ignored
// on purpose: they are client-controlled and would let a caller mint fresh
// buckets at will.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// bearerIdentity derives a bucket key from the Authorization header.
// The key is a hash so buckets never retain plaintext secrets.
func bearerIdentity(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	secret := strings.TrimSpace(header[len(prefix):])
	if secret == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:16]), true
}

// bucketSet is one family of token buckets sharing a limit and window.
type bucketSet struct {
	limit  rate.Limit
	burst  int
	window time.Duration
	clock  func() time.Time

	mu        sync.Mutex
	entries   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newBucketSet(requests int, window time.Duration, clock func() time.Time) *bucketSet {
	if requests < 1 {
		requests = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &bucketSet{
		limit:     rate.Every(window / time.Duration(requests)),
		burst:     requests,
		window:    window,
		clock:     clock,
		entries:   make(map[string]*bucket),
		lastSweep: clock(),
	}
}

// acquire spends one slot from the key's bucket. When the budget is
// exhausted it reports false and how long until the next slot refills.
func (s *bucketSet) acquire(key string) (bool, time.Duration) {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(now)

	b, ok := s.entries[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.entries[key] = b
	}
	b.lastSeen = now

	reservation := b.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, s.window
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// sweepLocked drops buckets idle for evictionFactor windows. It runs at
// most once per window so steady traffic does not rescan the map on every
// request.
func (s *bucketSet) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < s.window {
		return
	}
	s.lastSweep = now

	horizon := now.Add(-evictionFactor * s.window)
	for key, b := range s.entries {
		if b.lastSeen.Before(horizon) {
			delete(s.entries, key)
		}
	}
}

func (s *bucketSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
