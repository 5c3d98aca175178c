package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loomworks/loom/internal/streaming"
)

// readSSEData collects the next n `data:` payloads from the stream.
func readSSEData(t *testing.T, scanner *bufio.Scanner, n int) []streaming.Event {
	t.Helper()
	var out []streaming.Event
	for len(out) < n && scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev streaming.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		out = append(out, ev)
	}
	require.Len(t, out, n, "stream ended early")
	return out
}

func TestSSEReplayAndLive(t *testing.T) {
	mgr := streaming.NewManager(nil, zaptest.NewLogger(t))
	srv := newTestServer(t, Deps{Engine: &stubEngine{}, Events: mgr})

	mgr.Publish("req-s", streaming.Event{Type: streaming.EventRequestSubmitted, Message: "q"})
	mgr.Publish("req-s", streaming.Event{Type: streaming.EventTaskDispatched, TaskID: "t1"})
	mgr.Publish("req-s", streaming.Event{Type: streaming.EventTaskAccepted, TaskID: "t1"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/api/v1/stream/sse?request_id=req-s&last_event_id=0", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	replayed := readSSEData(t, scanner, 3)
	assert.Equal(t, uint64(1), replayed[0].Seq)
	assert.Equal(t, streaming.EventRequestSubmitted, replayed[0].Type)
	assert.Equal(t, uint64(3), replayed[2].Seq)

	// The replay completing means the subscription is live.
	mgr.Publish("req-s", streaming.Event{Type: streaming.EventRequestCompleted})
	live := readSSEData(t, scanner, 1)
	assert.Equal(t, uint64(4), live[0].Seq)
	assert.Equal(t, streaming.EventRequestCompleted, live[0].Type)
}

func TestSSETypeFilter(t *testing.T) {
	mgr := streaming.NewManager(nil, zaptest.NewLogger(t))
	srv := newTestServer(t, Deps{Engine: &stubEngine{}, Events: mgr})

	mgr.Publish("req-f", streaming.Event{Type: streaming.EventRequestSubmitted})
	mgr.Publish("req-f", streaming.Event{Type: streaming.EventTaskDispatched, TaskID: "t1"})
	mgr.Publish("req-f", streaming.Event{Type: streaming.EventTaskRequeued, TaskID: "t1"})
	mgr.Publish("req-f", streaming.Event{Type: streaming.EventTaskDispatched, TaskID: "t1"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/api/v1/stream/sse?request_id=req-f&last_event_id=0&types=TASK_DISPATCHED", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	got := readSSEData(t, scannerFor(resp), 2)
	assert.Equal(t, streaming.EventTaskDispatched, got[0].Type)
	assert.Equal(t, uint64(2), got[0].Seq)
	assert.Equal(t, streaming.EventTaskDispatched, got[1].Type)
	assert.Equal(t, uint64(4), got[1].Seq)
}

func scannerFor(resp *http.Response) *bufio.Scanner {
	return bufio.NewScanner(resp.Body)
}

func TestSSERequiresRequestID(t *testing.T) {
	mgr := streaming.NewManager(nil, zaptest.NewLogger(t))
	srv := newTestServer(t, Deps{Engine: &stubEngine{}, Events: mgr})

	resp, err := http.Get(srv.URL + "/api/v1/stream/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSSEWithoutManager(t *testing.T) {
	srv := newTestServer(t, Deps{Engine: &stubEngine{}})

	resp, err := http.Get(srv.URL + "/api/v1/stream/sse?request_id=x")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebSocketStream(t *testing.T) {
	mgr := streaming.NewManager(nil, zaptest.NewLogger(t))
	srv := newTestServer(t, Deps{Engine: &stubEngine{}, Events: mgr})

	mgr.Publish("req-w", streaming.Event{Type: streaming.EventRequestSubmitted})
	mgr.Publish("req-w", streaming.Event{Type: streaming.EventTaskDispatched, TaskID: "t1"})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream/ws?request_id=req-w&last_event_id=0"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first, second, third streaming.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)

	mgr.Publish("req-w", streaming.Event{Type: streaming.EventRequestCompleted})
	require.NoError(t, conn.ReadJSON(&third))
	assert.Equal(t, uint64(3), third.Seq)
	assert.Equal(t, streaming.EventRequestCompleted, third.Type)
}
