package admin

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func auditHandler(buf *bytes.Buffer, status int, seen *string) http.Handler {
	logger := slog.New(slog.NewJSONHandler(buf, nil))
	return AuditMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			b, _ := io.ReadAll(r.Body)
			*seen = string(b)
		}
		w.WriteHeader(status)
	}))
}

func TestAuditMiddleware_LogsMutatingRequests(t *testing.T) {
	var buf bytes.Buffer
	var seen string
	h := auditHandler(&buf, http.StatusOK, &seen)

	body := `{"addresses":["0001-00000001-8B4E"]}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/v1/reconcile", strings.NewReader(body)))

	assert.Equal(t, body, seen, "handler still reads the full body")
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "admin API audit", record["msg"])
	assert.Equal(t, "POST", record["method"])
	assert.Equal(t, "/admin/v1/reconcile", record["path"])
	assert.Equal(t, body, record["body_summary"])
	assert.Equal(t, rec.Header().Get(RequestIDHeader), record["request_id"])
}

func TestAuditMiddleware_KeepsCallerRequestID(t *testing.T) {
	var buf bytes.Buffer
	h := auditHandler(&buf, http.StatusNoContent, nil)

	req := httptest.NewRequest(http.MethodDelete, "/admin/v1/cursors/0001-00000001-8B4E", nil)
	req.Header.Set(RequestIDHeader, "ops-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "ops-42", rec.Header().Get(RequestIDHeader))
	assert.Contains(t, buf.String(), `"request_id":"ops-42"`)
	assert.Contains(t, buf.String(), `"response_status":204`)
}

func TestAuditMiddleware_SkipsGETRequests(t *testing.T) {
	var buf bytes.Buffer
	h := auditHandler(&buf, http.StatusOK, nil)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/admin/v1/health", nil))
	assert.Zero(t, buf.Len())
}

func TestAuditMiddleware_TruncatesLargeBody(t *testing.T) {
	var buf bytes.Buffer
	var seen string
	h := auditHandler(&buf, http.StatusOK, &seen)

	large := strings.Repeat("x", 2000)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/admin/v1/reconcile", strings.NewReader(large)))

	assert.Contains(t, buf.String(), "...(truncated)")
	assert.Len(t, seen, 2000)
}
