package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub(10)
	ch, cancel := hub.Subscribe()
	defer cancel()

	id := hub.Publish(TypeDataSync, map[string]any{"timestamp": 123})
	assert.Equal(t, int64(1), id)

	select {
	case ev := <-ch:
		assert.Equal(t, TypeDataSync, ev.Type)
		assert.Equal(t, int64(1), ev.ID)
		assert.JSONEq(t, `{"timestamp":123}`, string(ev.Data))
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestHub_NilDataIsEmptyObject(t *testing.T) {
	hub := NewHub(10)
	hub.Publish(TypeDataSync, nil)

	snap := hub.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.JSONEq(t, `{}`, string(snap[0].Data))
}

func TestHub_TopicFilter(t *testing.T) {
	hub := NewHub(10)
	ch, cancel := hub.Subscribe("invocation.*", TypeDataSync)
	defer cancel()

	hub.Publish(TypeSchedulerTick, nil)
	hub.Publish(TypeInvocationStarted, nil)
	hub.Publish(TypeDataSync, nil)

	got := []string{(<-ch).Type, (<-ch).Type}
	assert.Equal(t, []string{TypeInvocationStarted, TypeDataSync}, got)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
}

func TestHub_SnapshotSince(t *testing.T) {
	hub := NewHub(3)
	for i := 0; i < 5; i++ {
		hub.Publish(TypeInvocationCompleted, map[string]int{"n": i})
	}

	all := hub.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 4, 5}, ids(all))

	since := hub.SnapshotSince(4)
	assert.Equal(t, []int64{5}, ids(since))

	assert.Empty(t, hub.SnapshotSince(0, TypeDataSync))
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub(10)
	_, cancel := hub.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			hub.Publish(TypeInvocationStarted, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	assert.Equal(t, int64(500-128), hub.Dropped())
}

func TestHub_CancelClosesChannel(t *testing.T) {
	hub := NewHub(10)
	ch, cancel := hub.Subscribe()
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel() // idempotent

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers())
}

func TestHub_ConcurrentPublishOrdered(t *testing.T) {
	hub := NewHub(1000)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Publish(TypeInvocationCompleted, nil)
			}
		}()
	}
	wg.Wait()

	snap := hub.SnapshotSince(0)
	require.Len(t, snap, 500)
	for i, ev := range snap {
		assert.Equal(t, int64(i+1), ev.ID)
	}
}

func TestEvent_JSON(t *testing.T) {
	ev := Event{ID: 7, Type: TypeDataSync, Data: json.RawMessage(`{"ok":true}`)}
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"data":{"ok":true}`)
}

func ids(evs []Event) []int64 {
	out := make([]int64, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.ID)
	}
	return out
}

func TestCounted(t *testing.T) {
	hub := NewHub(4)
	var seen []string
	pub := Counted(hub, func(eventType string) { seen = append(seen, eventType) })

	id := pub.Publish(TypeDataSync, nil)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, []string{TypeDataSync}, seen)
	assert.Len(t, hub.SnapshotSince(0), 1)
}
