package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/adshares/ads-tests-sub000/internal/domain/model"
	"github.com/adshares/ads-tests-sub000/internal/reconciliation"
	"github.com/google/uuid"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// RunStore reads persisted reconciliation runs.
type RunStore interface {
	LatestRunID(ctx context.Context) (uuid.UUID, error)
	LoadRun(ctx context.Context, runID uuid.UUID) (*reconciliation.RunResult, error)
}

// Reconciler triggers an on-demand reconciliation run.
type Reconciler interface {
	Reconcile(ctx context.Context, addresses []model.Address) (*reconciliation.RunResult, error)
}

// CursorStore exposes the stored event cursors for inspection and reset.
type CursorStore interface {
	Load(ctx context.Context, addr model.Address) (model.EventCursor, error)
	Delete(ctx context.Context, addr model.Address) error
}

// HealthProvider returns a JSON-encodable health snapshot.
type HealthProvider interface {
	HealthSnapshot() any
}

// Server is the operational HTTP API of the verifier.
type Server struct {
	runs       RunStore
	reconciler Reconciler
	cursors    CursorStore
	health     HealthProvider
	accounts   []model.Address
	logger     *slog.Logger
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

func WithRunStore(rs RunStore) ServerOption {
	return func(s *Server) { s.runs = rs }
}

// WithReconciler enables POST /admin/v1/reconcile. accounts is the default
// set reconciled when the request names none.
func WithReconciler(r Reconciler, accounts []model.Address) ServerOption {
	return func(s *Server) {
		s.reconciler = r
		s.accounts = accounts
	}
}

func WithCursorStore(cs CursorStore) ServerOption {
	return func(s *Server) { s.cursors = cs }
}

func WithHealthProvider(hp HealthProvider) ServerOption {
	return func(s *Server) { s.health = hp }
}

func NewServer(logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{logger: logger.With("component", "admin")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/health", s.handleHealth)
	mux.HandleFunc("GET /admin/v1/runs/latest", s.handleLatestRun)
	mux.HandleFunc("GET /admin/v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /admin/v1/reconcile", s.handleReconcile)
	mux.HandleFunc("GET /admin/v1/cursors/{address}", s.handleGetCursor)
	mux.HandleFunc("DELETE /admin/v1/cursors/{address}", s.handleDeleteCursor)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSONBody reads and decodes a JSON request body into v. An empty
// body leaves v untouched. Returns false after writing an error response.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, s.health.HealthSnapshot())
}

// --- Runs ---

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store not configured")
		return
	}
	id, err := s.runs.LatestRunID(r.Context())
	if err != nil {
		s.writeRunError(w, err, "")
		return
	}
	s.writeRun(w, r, id)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store not configured")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	s.writeRun(w, r, id)
}

func (s *Server) writeRun(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	run, err := s.runs.LoadRun(r.Context(), id)
	if err != nil {
		s.writeRunError(w, err, id.String())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) writeRunError(w http.ResponseWriter, err error, runID string) {
	if errors.Is(err, reconciliation.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.logger.Error("load run failed", "run_id", runID, "error", err)
	writeError(w, http.StatusInternalServerError, "failed to load run")
}

// --- Reconciliation ---

type reconcileRequest struct {
	Addresses []string `json:"addresses"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciliation not available")
		return
	}

	var req reconcileRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	addresses := s.accounts
	if len(req.Addresses) > 0 {
		addresses = make([]model.Address, 0, len(req.Addresses))
		for _, raw := range req.Addresses {
			addr, err := model.ParseAddress(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			addresses = append(addresses, addr)
		}
	}
	if len(addresses) == 0 {
		writeError(w, http.StatusBadRequest, "no accounts to reconcile")
		return
	}

	result, err := s.reconciler.Reconcile(r.Context(), addresses)
	if err != nil {
		s.logger.Error("reconciliation failed", "accounts", len(addresses), "error", err)
		writeError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Cursors ---

func (s *Server) cursorAddress(w http.ResponseWriter, r *http.Request) (model.Address, bool) {
	if s.cursors == nil {
		writeError(w, http.StatusServiceUnavailable, "cursor store not configured")
		return "", false
	}
	addr, err := model.ParseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return addr, true
}

type cursorResponse struct {
	Address model.Address     `json:"address"`
	Cursor  model.EventCursor `json:"cursor"`
}

func (s *Server) handleGetCursor(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.cursorAddress(w, r)
	if !ok {
		return
	}
	c, err := s.cursors.Load(r.Context(), addr)
	if err != nil {
		s.logger.Error("load cursor failed", "address", addr, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load cursor")
		return
	}
	writeJSON(w, http.StatusOK, cursorResponse{Address: addr, Cursor: c})
}

func (s *Server) handleDeleteCursor(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.cursorAddress(w, r)
	if !ok {
		return
	}
	if err := s.cursors.Delete(r.Context(), addr); err != nil {
		s.logger.Error("delete cursor failed", "address", addr, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete cursor")
		return
	}
	s.logger.Info("cursor reset", "address", addr)
	w.WriteHeader(http.StatusNoContent)
}
