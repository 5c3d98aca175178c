package httpapi

import (
	"net/http"

	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/models"
)

// knowledgeResponse carries the latest entry plus the full version chain,
// newest first.
type knowledgeResponse struct {
	Latest  models.KnowledgeEntry   `json:"latest"`
	History []models.KnowledgeEntry `json:"history,omitempty"`
}

// handleGetKnowledge handles GET /api/v1/knowledge/{key}.
func (s *Server) handleGetKnowledge(w http.ResponseWriter, r *http.Request) {
	if err := auth.Authorize(r.Context(), auth.ScopeKnowledgeRead); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge store not configured")
		return
	}
	latest, history, err := s.store.Get(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, knowledgeResponse{Latest: latest, History: history})
}
