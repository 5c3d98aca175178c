package streaming

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishSubscribe(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	ch := m.Subscribe("req-1", 8)
	defer m.Unsubscribe("req-1", ch)

	m.Publish("req-1", Event{Type: EventTaskDispatched, TaskID: "t1"})
	m.Publish("req-1", Event{Type: EventTaskAccepted, TaskID: "t1", Data: map[string]any{"score": 0.9}})

	first := <-ch
	assert.Equal(t, EventTaskDispatched, first.Type)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, "req-1", first.RequestID)
	assert.False(t, first.Timestamp.IsZero())

	second := <-ch
	assert.Equal(t, EventTaskAccepted, second.Type)
	assert.Equal(t, uint64(2), second.Seq)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	ch := m.Subscribe("req-2", 1)
	m.Unsubscribe("req-2", ch)
	_, open := <-ch
	assert.False(t, open, "channel must be closed after Unsubscribe")

	// Double unsubscribe must not panic.
	m.Unsubscribe("req-2", ch)
}

func TestRingOverwritesOldest(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: r.nextSeq})
		r.nextSeq++
	}
	evs := r.since(0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[2].Seq)

	evs = r.since(2)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[1].Seq)
}

func TestReplaySince(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	for i := 0; i < 5; i++ {
		m.Publish("req-3", Event{Type: EventTaskDispatched})
	}
	evs := m.ReplaySince("req-3", 3)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(4), evs[0].Seq)
	assert.Equal(t, uint64(5), evs[1].Seq)

	assert.Empty(t, m.ReplaySince("req-3", 5))
	assert.Nil(t, m.ReplaySince("unknown", 0))
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	ch := m.Subscribe("req-4", 1)
	defer m.Unsubscribe("req-4", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Publish("req-4", Event{Type: EventTaskDispatched})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	// The full history is still replayable even though the channel dropped.
	assert.Len(t, m.ReplaySince("req-4", 0), 10)
}

func TestRedisMirrorSurvivesRestart(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	writer := NewManager(client, zap.NewNop())
	writer.Publish("req-5", Event{Type: EventTaskDispatched, TaskID: "t1"})
	writer.Publish("req-5", Event{Type: EventTaskAccepted, TaskID: "t1"})
	writer.Publish("req-5", Event{Type: EventRequestCompleted})

	// A fresh manager has no ring and must answer from the mirror.
	reader := NewManager(client, zap.NewNop())
	evs := reader.ReplaySince("req-5", 0)
	require.Len(t, evs, 3)
	assert.Equal(t, EventTaskDispatched, evs[0].Type)
	assert.Equal(t, uint64(3), evs[2].Seq)

	evs = reader.ReplaySince("req-5", 2)
	require.Len(t, evs, 1)
	assert.Equal(t, EventRequestCompleted, evs[0].Type)
}

func TestCloseStreams(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	m := NewManager(client, zap.NewNop())
	ch := m.Subscribe("req-6", 4)
	m.Publish("req-6", Event{Type: EventTaskDispatched})
	<-ch

	m.CloseStreams("req-6")

	_, open := <-ch
	assert.False(t, open, "CloseStreams must close subscriber channels")
	assert.Empty(t, m.ReplaySince("req-6", 0), "history and mirror must be gone")
}

func TestConcurrentPublishKeepsSequenceContiguous(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	const goroutines, perGoroutine = 10, 50

	done := make(chan struct{}, goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			for i := 0; i < perGoroutine; i++ {
				m.Publish("req-c", Event{Type: EventTaskDispatched})
			}
			done <- struct{}{}
		}()
	}
	for g := 0; g < goroutines; g++ {
		<-done
	}

	evs := m.ReplaySince("req-c", uint64(goroutines*perGoroutine)-10)
	require.Len(t, evs, 10)
	for i := 1; i < len(evs); i++ {
		assert.Equal(t, evs[i-1].Seq+1, evs[i].Seq, "sequence numbers must be gapless")
	}
}

func TestEventMarshalRoundTrip(t *testing.T) {
	evt := Event{
		Seq:       7,
		RequestID: "req-7",
		Type:      EventTaskRejected,
		TaskID:    "t9",
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"score": 0.42, "reason": "too thin"},
	}
	var got Event
	require.NoError(t, json.Unmarshal(evt.Marshal(), &got))
	assert.Equal(t, evt.Seq, got.Seq)
	assert.Equal(t, evt.Type, got.Type)
	assert.Equal(t, "too thin", got.Data["reason"])
	assert.InDelta(t, 0.42, got.Data["score"], 1e-9)
}
