package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/aiengine/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	events := []history.Event{
		{Type: history.EventStatus, OccurredAt: now, Engine: "e1", State: "starting"},
		{Type: history.EventStatus, OccurredAt: now, Engine: "e1", State: "ready", PID: 42},
		{Type: history.EventStatus, OccurredAt: now, Engine: "e1", State: "error", Reason: "max restart attempts exceeded", Attempt: 4},
		{Type: history.EventStatus, OccurredAt: now, Engine: "other", State: "ready"},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	got, err := sink.Recent(ctx, "e1", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "error", got[0].State)
	assert.Equal(t, "max restart attempts exceeded", got[0].Reason)
	assert.Equal(t, 4, got[0].Attempt)
	assert.Equal(t, 42, got[1].PID)
	assert.True(t, got[2].OccurredAt.Equal(now))
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	require.NoError(t, sink.Send(context.Background(), history.Event{OccurredAt: time.Now(), Engine: "m", State: "stopped"}))
	got, err := sink.Recent(context.Background(), "m", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
