package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/wl-restart/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	ctx := context.Background()
	now := time.Now().UTC()
	events := []history.Event{
		{Type: history.EventStart, OccurredAt: now, Session: "s1", Display: "wayland-1", PID: 100},
		{Type: history.EventExit, OccurredAt: now, Session: "s1", Display: "wayland-1", PID: 100, Outcome: "failed", Code: 1, RestartCount: 1},
		{Type: history.EventStart, OccurredAt: now, Session: "s1", Display: "wayland-1", PID: 101, RestartCount: 1},
		{Type: history.EventExit, OccurredAt: now, Session: "s1", Display: "wayland-1", PID: 101, Outcome: "killed", Signal: "SIGTRAP"},
		{Type: history.EventStart, OccurredAt: now, Session: "other", Display: "wayland-2", PID: 7},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	n, err := sink.Count(ctx, "s1", history.EventStart)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = sink.Count(ctx, "s1", history.EventExit)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventGiveUp, OccurredAt: time.Now(), Session: "m", Display: "wayland-0", RestartCount: 10}))
	n, err := sink.Count(ctx, "m", history.EventGiveUp)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteSink_SchemaIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "h.db")
	for i := 0; i < 2; i++ {
		sink, err := New(dbPath)
		require.NoError(t, err)
		require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventStart, Session: "x", Display: "wayland-0", PID: i + 1}))
		require.NoError(t, sink.Close())
	}
	sink, err := New(dbPath)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	n, err := sink.Count(context.Background(), "x", history.EventStart)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
