package admin

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// newTestLimiter returns a limiter on a manual clock and a pointer to move it.
func newTestLimiter(t *testing.T, limits Limits) (*RateLimitMiddleware, http.Handler, *time.Time) {
	t.Helper()
	rl := NewRateLimitMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)), limits)
	t.Cleanup(rl.Stop)
	now := time.Unix(1535552512, 0)
	rl.nowFunc = func() time.Time { return now }
	return rl, rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})), &now
}

func serve(h http.Handler, method, path, clientIP string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if clientIP != "" {
		req.Header.Set("X-Forwarded-For", clientIP)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitMiddleware_AllowsNormalRequests(t *testing.T) {
	_, h, _ := newTestLimiter(t, DefaultLimits())
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/admin/v1/health", "").Code)
}

func TestRateLimitMiddleware_ReconcileBudgetFollowsInterval(t *testing.T) {
	limits := DefaultLimits()
	limits.ReconcileInterval = 2 * time.Hour
	limits.ReconcilesPerInterval = 4
	_, h, now := newTestLimiter(t, limits)

	require.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/admin/v1/reconcile", "10.0.0.1").Code)

	rec := serve(h, http.MethodPost, "/admin/v1/reconcile", "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1800", rec.Header().Get("Retry-After"), "one run per interval/4")
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())

	rec = serve(h, http.MethodPost, "/admin/v1/reconcile", "10.0.0.7")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "the budget is shared by every client")

	*now = now.Add(31 * time.Minute)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/admin/v1/reconcile", "10.0.0.7").Code)
}

func TestRateLimitMiddleware_CursorResetsPerAccount(t *testing.T) {
	_, h, now := newTestLimiter(t, DefaultLimits())

	require.Equal(t, http.StatusOK, serve(h, http.MethodDelete, "/admin/v1/cursors/0001-00000001-8B4E", "").Code)

	rec := serve(h, http.MethodDelete, "/admin/v1/cursors/0001-00000001-8b4e", "10.0.0.9")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "same account, any client")
	assert.Equal(t, "6", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, serve(h, http.MethodDelete, "/admin/v1/cursors/0002-00000000-75BD", "").Code,
		"another account has its own bucket")

	*now = now.Add(7 * time.Second)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodDelete, "/admin/v1/cursors/0001-00000001-8B4E", "").Code)
}

func TestRateLimitMiddleware_ReadsPerClient(t *testing.T) {
	limits := DefaultLimits()
	limits.ReadBurst = 2
	_, h, _ := newTestLimiter(t, limits)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/admin/v1/runs/latest", "10.0.0.1").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodGet, "/admin/v1/runs/latest", "10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/admin/v1/runs/latest", "10.0.0.2").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/admin/v1/reconcile", "10.0.0.1").Code,
		"reconcile triggers do not draw from the read bucket")
}

func TestLimits_Rules(t *testing.T) {
	t.Parallel()
	rules := Limits{ReconcileInterval: time.Hour, ReconcilesPerInterval: 6, CursorResetsPerMinute: 30, ReadRPS: 2, ReadBurst: 4}.rules()
	require.Len(t, rules, 3)

	assert.Equal(t, ScopeGlobal, rules[0].scope)
	assert.Equal(t, rate.Every(10*time.Minute), rules[0].limit)
	assert.Equal(t, ScopeAccount, rules[1].scope)
	assert.Equal(t, rate.Limit(0.5), rules[1].limit)
	assert.Equal(t, ScopeClient, rules[2].scope)
	assert.Equal(t, 4, rules[2].burst)

	fallback := Limits{}.rules()
	assert.Equal(t, rate.Every(time.Hour), fallback[0].limit, "zero interval and budget fall back to one run an hour")
	assert.Equal(t, 1, fallback[2].burst)
}

func TestSubjectOf(t *testing.T) {
	t.Parallel()
	rules := DefaultLimits().rules()

	tests := []struct {
		name string
		rule rule
		path string
		want string
	}{
		{"global", rules[0], "/admin/v1/reconcile", "*"},
		{"account normalized", rules[1], "/admin/v1/cursors/0001-00000001-8b4e", "0001-00000001-8B4E"},
		{"bad account falls back to client", rules[1], "/admin/v1/cursors/nope", "192.0.2.1"},
		{"client", rules[2], "/admin/v1/health", "192.0.2.1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, tc.path, nil)
			assert.Equal(t, tc.want, subjectOf(tc.rule, r))
		})
	}
}

func TestRateLimitMiddleware_EvictStale(t *testing.T) {
	rl, h, now := newTestLimiter(t, DefaultLimits())

	serve(h, http.MethodGet, "/admin/v1/health", "")
	serve(h, http.MethodPost, "/admin/v1/reconcile", "")
	assert.Equal(t, 2, rl.LimiterCount())

	*now = now.Add(staleLimiterTTL + time.Second)
	rl.evictStale()
	assert.Zero(t, rl.LimiterCount())
}

func TestExtractClientIP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded", map[string]string{"X-Forwarded-For": "1.2.3.4, 5.6.7.8"}, "9.9.9.9:1", "1.2.3.4"},
		{"real ip", map[string]string{"X-Real-IP": " 1.2.3.4 "}, "9.9.9.9:1", "1.2.3.4"},
		{"remote", nil, "9.9.9.9:1234", "9.9.9.9"},
		{"remote without port", nil, "9.9.9.9", "9.9.9.9"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remote
			for k, v := range tc.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, extractClientIP(r))
		})
	}
}
