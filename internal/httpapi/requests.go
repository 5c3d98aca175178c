package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/models"
)

// submitRequest is the POST /api/v1/requests body.
type submitRequest struct {
	Query  string               `json:"query"`
	Config models.RequestConfig `json:"config"`
}

// submitResponse echoes the assigned id and where to follow progress.
type submitResponse struct {
	RequestID string    `json:"request_id"`
	Status    string    `json:"status"`
	StreamURL string    `json:"stream_url"`
	ReportURL string    `json:"report_url"`
	CreatedAt time.Time `json:"created_at"`
}

// handleSubmit handles POST /api/v1/requests.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := auth.Authorize(r.Context(), auth.ScopeRequestsWrite); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	requestID, err := s.engine.Submit(r.Context(), req.Query, req.Config)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.logger.Info("Request accepted",
		zap.String("request_id", requestID),
		zap.String("user", auth.UserFromContext(r.Context())))

	writeJSON(w, http.StatusAccepted, submitResponse{
		RequestID: requestID,
		Status:    models.StatusRunning,
		StreamURL: "/api/v1/stream/sse?request_id=" + requestID,
		ReportURL: "/api/v1/requests/" + requestID + "/report",
		CreatedAt: time.Now().UTC(),
	})
}

// handleListRequests handles GET /api/v1/requests.
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if err := auth.Authorize(r.Context(), auth.ScopeRequestsRead); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": s.engine.ListRequests()})
}

// handleGetRequest handles GET /api/v1/requests/{id}.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	if err := auth.Authorize(r.Context(), auth.ScopeRequestsRead); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	summary, err := s.engine.GetRequest(r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleGetReport handles GET /api/v1/requests/{id}/report. Running
// requests answer with a version-0 snapshot.
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if err := auth.Authorize(r.Context(), auth.ScopeRequestsRead); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	report, err := s.engine.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleCancel handles POST /api/v1/requests/{id}/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := auth.Authorize(r.Context(), auth.ScopeRequestsWrite); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	id := r.PathValue("id")
	if err := s.engine.Cancel(id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Info("Request cancelled via API",
		zap.String("request_id", id),
		zap.String("user", auth.UserFromContext(r.Context())))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": id,
		"status":     models.StatusCancelled,
	})
}
