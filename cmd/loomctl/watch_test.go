package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func sseClient(srv *httptest.Server) *client {
	return &client{base: srv.URL, http: srv.Client()}
}

func TestFollowStreamStopsAtTerminalEvent(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": connected\n\n")
		fmt.Fprint(w, "id: 1\nevent: TASK_DISPATCHED\ndata: {\"seq\":1,\"request_id\":\"r1\",\"type\":\"TASK_DISPATCHED\",\"task_id\":\"t1\",\"timestamp\":\"2026-01-02T15:04:05Z\"}\n\n")
		fmt.Fprint(w, "id: 2\nevent: REQUEST_COMPLETED\ndata: {\"seq\":2,\"request_id\":\"r1\",\"type\":\"REQUEST_COMPLETED\",\"timestamp\":\"2026-01-02T15:04:06Z\"}\n\n")
		// Keep the connection open; followStream must exit on the
		// terminal event, not on EOF.
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	from := uint64(0)
	done := make(chan error, 1)
	go func() {
		done <- followStream(context.Background(), sseClient(srv), "r1", &from, []string{"TASK_DISPATCHED", "REQUEST_COMPLETED"})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("followStream returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("followStream did not stop at REQUEST_COMPLETED")
	}

	if !strings.Contains(gotQuery, "request_id=r1") {
		t.Errorf("missing request_id in query: %s", gotQuery)
	}
	if !strings.Contains(gotQuery, "last_event_id=0") {
		t.Errorf("replay parameter not sent: %s", gotQuery)
	}
	if !strings.Contains(gotQuery, "types=TASK_DISPATCHED%2CREQUEST_COMPLETED") {
		t.Errorf("type filter not sent: %s", gotQuery)
	}
}

func TestFollowStreamSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"unknown request"}`)
	}))
	defer srv.Close()

	err := followStream(context.Background(), sseClient(srv), "nope", nil, nil)
	if err == nil {
		t.Fatal("expected an error for 404")
	}
	if !strings.Contains(err.Error(), "unknown request") {
		t.Errorf("error should carry the server message, got: %v", err)
	}
}

func TestPrintEventTerminalDetection(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		terminal bool
		wantErr  bool
	}{
		{"dispatch", `{"seq":1,"type":"TASK_DISPATCHED","timestamp":"2026-01-02T15:04:05Z"}`, false, false},
		{"completed", `{"seq":9,"type":"REQUEST_COMPLETED","timestamp":"2026-01-02T15:04:05Z"}`, true, false},
		{"cancelled", `{"seq":9,"type":"REQUEST_CANCELLED","timestamp":"2026-01-02T15:04:05Z"}`, true, false},
		{"garbage", `not json`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done, err := printEvent(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("printEvent error = %v, wantErr %v", err, tt.wantErr)
			}
			if done != tt.terminal {
				t.Errorf("printEvent terminal = %v, want %v", done, tt.terminal)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 60); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	long := strings.Repeat("x", 80)
	got := truncate(long, 60)
	if len(got) != 60 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate long = %q (len %d)", got, len(got))
	}
}
