package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/streaming"
)

const sseHeartbeat = 15 * time.Second

// handleSSE streams a request's events as Server-Sent Events.
// GET /api/v1/stream/sse?request_id=<id>&last_event_id=<seq>&types=a,b
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if err := auth.Authorize(r.Context(), auth.ScopeRequestsRead); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming not configured")
		return
	}
	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "request_id required")
		return
	}
	typeFilter := parseTypeFilter(r.URL.Query().Get("types"))

	// Browsers resend the last seen id on reconnect; the query parameter
	// covers manual clients. Presence alone triggers replay so
	// last_event_id=0 returns the full backlog.
	lastID, replay := uint64(0), false
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID, replay = n, true
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && !replay {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID, replay = n, true
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before replaying so nothing falls between backlog and live.
	// The replay loop below skips duplicates by sequence number.
	ch := s.events.Subscribe(requestID, 256)
	defer s.events.Unsubscribe(requestID, ch)

	fmt.Fprintf(w, ": connected to request %s\n\n", requestID)
	flusher.Flush()

	maxSent := lastID
	if replay {
		for _, ev := range s.events.ReplaySince(requestID, lastID) {
			if !typeFilter.allows(ev.Type) {
				continue
			}
			writeSSEEvent(w, ev)
			if ev.Seq > maxSent {
				maxSent = ev.Seq
			}
		}
		flusher.Flush()
	}

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("SSE client disconnected", zap.String("request_id", requestID))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Seq <= maxSent || !typeFilter.allows(evt.Type) {
				continue
			}
			maxSent = evt.Seq
			writeSSEEvent(w, evt)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}

// typeFilter is the optional comma-separated event type allowlist. Empty
// allows everything.
type typeFilter map[streaming.EventType]struct{}

func parseTypeFilter(raw string) typeFilter {
	if raw == "" {
		return nil
	}
	f := make(typeFilter)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			f[streaming.EventType(t)] = struct{}{}
		}
	}
	return f
}

func (f typeFilter) allows(t streaming.EventType) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[t]
	return ok
}
