package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/opsgate/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := t.TempDir() + "/test.db"

	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	events := []history.Event{
		{Kind: history.KindSession, OccurredAt: base, Action: "restart", Outcome: "cancelled", ActorID: "1", ActorLabel: "alice"},
		{Kind: history.KindSession, OccurredAt: base.Add(time.Minute), Action: "restart", Outcome: "approved", ActorID: "2", ActorLabel: "bob"},
		{Kind: history.KindSync, OccurredAt: base.Add(2 * time.Minute), Action: "update", Outcome: history.OutcomeApplied, Detail: "2 changes"},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	got, err := sink.Recent(ctx, "restart", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "approved", got[0].Outcome)
	assert.Equal(t, "bob", got[0].ActorLabel)
	assert.Equal(t, history.KindSession, got[0].Kind)
	assert.True(t, got[0].OccurredAt.Equal(base.Add(time.Minute)))

	got, err = sink.Recent(ctx, "restart", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	e := history.Event{Kind: history.KindSession, OccurredAt: time.Now().UTC(), Action: "shutdown", Outcome: "expired", Reason: "No response before the session expired."}
	require.NoError(t, sink.Send(ctx, e))

	got, err := sink.Recent(ctx, "shutdown", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e.Reason, got[0].Reason)
	assert.Empty(t, got[0].ActorID)
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = sink.Send(ctx, history.Event{Kind: history.KindSync, OccurredAt: time.Now(), Action: "update", Outcome: history.OutcomeUpdateAvailable})
	assert.Error(t, err)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
