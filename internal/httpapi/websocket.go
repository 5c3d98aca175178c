package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/auth"
)

const (
	wsReadLimit    = 512
	wsPongWait     = 60 * time.Second
	wsPingInterval = 20 * time.Second
	wsWriteWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced at the proxy; the API itself stays open.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS streams a request's events over a WebSocket.
// GET /api/v1/stream/ws?request_id=<id>&last_event_id=<seq>&types=a,b
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
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
	lastID, replay := uint64(0), false
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID, replay = n, true
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := s.events.Subscribe(requestID, 256)
	defer s.events.Unsubscribe(requestID, ch)

	maxSent := lastID
	if replay {
		for _, ev := range s.events.ReplaySince(requestID, lastID) {
			if !typeFilter.allows(ev.Type) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Seq > maxSent {
				maxSent = ev.Seq
			}
		}
	}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Reader pump: client messages are discarded but reads must run for
	// pong handling and close detection.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Seq <= maxSent || !typeFilter.allows(ev.Type) {
				continue
			}
			maxSent = ev.Seq
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
