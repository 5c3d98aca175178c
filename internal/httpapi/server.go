// Package httpapi exposes the orchestrator over JSON REST plus SSE and
// WebSocket event streams. Handlers map engine errors onto status codes;
// authentication is applied per route by the auth middleware.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/knowledge"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/policy"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/internal/taskgraph"
)

// Orchestrator is the engine surface the handlers call. Satisfied by
// *orchestrator.Engine.
type Orchestrator interface {
	Submit(ctx context.Context, query string, cfg models.RequestConfig) (string, error)
	GetReport(ctx context.Context, requestID string) (models.Report, error)
	Cancel(requestID string) error
	GetRequest(requestID string) (models.RequestSummary, error)
	ListRequests() []models.RequestSummary
}

// KnowledgeStore is the store surface for lookups and readiness. Satisfied
// by *knowledge.Store.
type KnowledgeStore interface {
	Get(ctx context.Context, key string) (models.KnowledgeEntry, []models.KnowledgeEntry, error)
	Ping(ctx context.Context) error
}

// Deps wires the server's collaborators. Store and Events may be nil; the
// corresponding endpoints then answer 503.
type Deps struct {
	Engine   Orchestrator
	Store    KnowledgeStore
	Registry *registry.Registry
	Events   *streaming.Manager
	Auth     *auth.Middleware
	Logger   *zap.Logger
}

// Server holds the handler set. Build the routes with Routes and serve them
// with a plain http.Server.
type Server struct {
	engine Orchestrator
	store  KnowledgeStore
	reg    *registry.Registry
	events *streaming.Manager
	auth   *auth.Middleware
	logger *zap.Logger
}

// NewServer builds the handler set. A nil logger is replaced with a no-op
// logger.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine: deps.Engine,
		store:  deps.Store,
		reg:    deps.Registry,
		events: deps.Events,
		auth:   deps.Auth,
		logger: logger,
	}
}

// Routes builds the full handler tree. Health and metrics are unguarded;
// everything under /api/v1 passes through the auth middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("POST /api/v1/requests", s.guard(s.handleSubmit))
	mux.Handle("GET /api/v1/requests", s.guard(s.handleListRequests))
	mux.Handle("GET /api/v1/requests/{id}", s.guard(s.handleGetRequest))
	mux.Handle("GET /api/v1/requests/{id}/report", s.guard(s.handleGetReport))
	mux.Handle("POST /api/v1/requests/{id}/cancel", s.guard(s.handleCancel))
	mux.Handle("GET /api/v1/knowledge/{key}", s.guard(s.handleGetKnowledge))
	mux.Handle("GET /api/v1/stream/sse", s.guard(s.handleSSE))
	mux.Handle("GET /api/v1/stream/ws", s.guard(s.handleWS))

	return mux
}

func (s *Server) guard(h http.HandlerFunc) http.Handler {
	if s.auth == nil {
		return h
	}
	return s.auth.Wrap(h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps pipeline errors onto HTTP status codes. Anything
// unrecognized is a 500 with the message passed through.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var ge *taskgraph.GraphError
	switch {
	case errors.Is(err, policy.ErrDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, knowledge.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &ge):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Request handler failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
