package admin

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshares/ads-tests-sub000/internal/domain/model"
	"github.com/adshares/ads-tests-sub000/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	// staleLimiterTTL is how long a bucket can stay idle before it is dropped.
	staleLimiterTTL = 10 * time.Minute

	// cleanupInterval is how often idle buckets are swept.
	cleanupInterval = 1 * time.Minute
)

// Scope selects which requests share a rate limit bucket.
type Scope int

const (
	// ScopeClient gives every client IP its own bucket.
	ScopeClient Scope = iota
	// ScopeGlobal shares one bucket among all callers. A manual
	// reconciliation loads the node the same no matter who asks.
	ScopeGlobal
	// ScopeAccount keys the bucket on the account address at the end of the
	// path, so resetting many cursors once is allowed while resetting one
	// cursor in a loop is not.
	ScopeAccount
)

// Limits configures the admin API rate limits.
type Limits struct {
	// ReconcileInterval is the periodic reconcile interval. Manual
	// reconciliations are budgeted against it.
	ReconcileInterval     time.Duration
	ReconcilesPerInterval int
	CursorResetsPerMinute float64
	ReadRPS               float64
	ReadBurst             int
}

// DefaultLimits allows four manual runs per hourly cycle, ten resets a
// minute per account and one read per second per client.
func DefaultLimits() Limits {
	return Limits{
		ReconcileInterval:     time.Hour,
		ReconcilesPerInterval: 4,
		CursorResetsPerMinute: 10,
		ReadRPS:               1,
		ReadBurst:             5,
	}
}

// rule binds a method and path prefix to a bucket scope and rate. Name is
// the metric label.
type rule struct {
	name   string
	method string // empty matches any method
	prefix string
	scope  Scope
	limit  rate.Limit
	burst  int
}

// rules returns the limits in match order; the last rule catches the rest.
func (l Limits) rules() []rule {
	interval := l.ReconcileInterval
	if interval <= 0 {
		interval = time.Hour
	}
	runs := l.ReconcilesPerInterval
	if runs <= 0 {
		runs = 1
	}
	readBurst := l.ReadBurst
	if readBurst <= 0 {
		readBurst = 1
	}
	return []rule{
		{
			name:   "reconcile",
			method: http.MethodPost,
			prefix: "/admin/v1/reconcile",
			scope:  ScopeGlobal,
			limit:  rate.Every(interval / time.Duration(runs)),
			burst:  1,
		},
		{
			name:   "cursor_reset",
			method: http.MethodDelete,
			prefix: "/admin/v1/cursors/",
			scope:  ScopeAccount,
			limit:  rate.Limit(l.CursorResetsPerMinute / 60),
			burst:  1,
		},
		{
			name:  "read",
			scope: ScopeClient,
			limit: rate.Limit(l.ReadRPS),
			burst: readBurst,
		},
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware throttles the admin API. Buckets are created on first
// use and swept once idle.
type RateLimitMiddleware struct {
	mu       sync.Mutex
	buckets  map[string]*bucket // key: "rule|subject"
	rules    []rule
	logger   *slog.Logger
	nowFunc  func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimitMiddleware starts the sweep of idle buckets. Call Stop to end it.
func NewRateLimitMiddleware(logger *slog.Logger, limits Limits) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{
		buckets: make(map[string]*bucket),
		rules:   limits.rules(),
		logger:  logger.With("component", "admin_ratelimit"),
		nowFunc: time.Now,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop ends the background sweep. Safe to call more than once.
func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimitMiddleware) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimitMiddleware) evictStale() {
	now := rl.nowFunc()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > staleLimiterTTL {
			delete(rl.buckets, key)
		}
	}
}

// LimiterCount returns the number of live buckets.
func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Wrap rejects requests over their rule's rate with 429 and a Retry-After
// telling the caller when its bucket has a token again.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ru := rl.match(r.Method, r.URL.Path)
		subject := subjectOf(ru, r)
		now := rl.nowFunc()

		res := rl.limiter(ru, subject, now).ReserveN(now, 1)
		delay := res.DelayFrom(now)
		if !res.OK() || delay > 0 {
			res.CancelAt(now)
			retryAfter := int(math.Ceil(delay.Seconds()))
			if !res.OK() {
				retryAfter = int(staleLimiterTTL.Seconds())
			}
			if retryAfter < 1 {
				retryAfter = 1
			}
			metrics.AdminRateLimitedTotal.WithLabelValues(ru.name).Inc()
			rl.logger.Warn("admin API rate limit exceeded",
				"rule", ru.name,
				"subject", subject,
				"method", r.Method,
				"path", r.URL.Path,
				"retry_after_sec", retryAfter,
			)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) match(method, path string) rule {
	for _, ru := range rl.rules {
		if ru.method != "" && ru.method != method {
			continue
		}
		if !strings.HasPrefix(path, ru.prefix) {
			continue
		}
		return ru
	}
	return rl.rules[len(rl.rules)-1]
}

func (rl *RateLimitMiddleware) limiter(ru rule, subject string, now time.Time) *rate.Limiter {
	key := ru.name + "|" + subject

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if b, ok := rl.buckets[key]; ok {
		b.lastSeen = now
		return b.limiter
	}
	b := &bucket{limiter: rate.NewLimiter(ru.limit, ru.burst), lastSeen: now}
	rl.buckets[key] = b
	return b.limiter
}

// subjectOf names the bucket a request draws from. An account-scoped request
// with an unparsable address falls back to the client; the handler rejects it.
func subjectOf(ru rule, r *http.Request) string {
	switch ru.scope {
	case ScopeGlobal:
		return "*"
	case ScopeAccount:
		if addr, err := model.ParseAddress(strings.TrimPrefix(r.URL.Path, ru.prefix)); err == nil {
			return string(addr)
		}
	}
	return extractClientIP(r)
}

// extractClientIP prefers the first X-Forwarded-For hop, then X-Real-IP,
// then the connection's remote host.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
