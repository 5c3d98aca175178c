package httpapi

import (
	"context"
	"net/http"
	"time"
)

const readyzTimeout = 2 * time.Second

// handleHealthz handles GET /healthz. Liveness is unconditional.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz handles GET /readyz. Ready means the knowledge store answers
// a ping and the registry has at least one capability profile. A nil store
// (persistence disabled) passes.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyzTimeout)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			checks["store"] = err.Error()
			ready = false
		} else {
			checks["store"] = "ok"
		}
	} else {
		checks["store"] = "disabled"
	}

	if s.reg == nil || s.reg.Len() == 0 {
		checks["registry"] = "no capabilities registered"
		ready = false
	} else {
		checks["registry"] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}
