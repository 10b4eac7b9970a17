package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/aiengine/internal/logger"
	"github.com/loykin/aiengine/internal/manager"
	"github.com/loykin/aiengine/internal/pubsub"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("sink down")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memSink) snapshot() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func TestFromStatus(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	e := FromStatus("engine-a", manager.StatusEvent{
		Status:    manager.Status{State: manager.Error, Reason: "max restart attempts exceeded"},
		Message:   "giving up",
		Attempt:   4,
		PID:       99,
		Timestamp: at,
	})
	assert.Equal(t, EventStatus, e.Type)
	assert.Equal(t, "engine-a", e.Engine)
	assert.Equal(t, "error", e.State)
	assert.Equal(t, "max restart attempts exceeded", e.Reason)
	assert.Equal(t, 4, e.Attempt)
	assert.Equal(t, 99, e.PID)
	assert.Equal(t, time.UTC, e.OccurredAt.Location())
	assert.True(t, e.OccurredAt.Equal(at))
}

func TestRecorderForwardsFeed(t *testing.T) {
	good, bad := &memSink{}, &memSink{fail: true}
	r := NewRecorder("engine-a", time.Second, logger.Discard(), bad, good)

	b := pubsub.NewBroker[manager.StatusEvent]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := b.Subscribe(ctx)
	done := make(chan struct{})
	go func() {
		r.Run(ctx, feed)
		close(done)
	}()

	b.Publish(manager.EventStatus, manager.StatusEvent{Status: manager.Status{State: manager.Starting}})
	b.Publish(manager.EventStatus, manager.StatusEvent{Status: manager.Status{State: manager.Ready}, PID: 7})

	require.Eventually(t, func() bool { return len(good.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	got := good.snapshot()
	assert.Equal(t, "starting", got[0].State)
	assert.Equal(t, "ready", got[1].State)
	assert.Equal(t, 7, got[1].PID)

	sent, failed := r.Stats()
	assert.Equal(t, uint64(2), sent)
	assert.Equal(t, uint64(2), failed)

	b.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recorder did not stop when the feed closed")
	}
	require.NoError(t, r.Close())
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}
