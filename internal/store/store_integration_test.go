//go:build integration

package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/companion/internal/scenario"
)

func skipWithoutPostgres(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("COMPANION_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("COMPANION_TEST_PG_DSN not set, skipping integration test")
	}
	s, err := Open(DriverPostgres, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIntegration_PostgresInstanceLifecycle(t *testing.T) {
	s := skipWithoutPostgres(t)
	ctx := context.Background()

	// Unique ids keep reruns against the same database independent.
	user := "u-" + uuid.NewString()
	chat := "c-" + uuid.NewString()
	inst := newInstance(chat+":1", user, scenario.EveningSimplified, t0)
	inst.ChatID = chat
	inst.ThreadID = 1
	require.NoError(t, s.CreateInstance(ctx, inst))

	dup := inst
	dup.ID = chat + ":2"
	err := s.CreateInstance(ctx, dup)
	require.True(t, errors.Is(err, scenario.ErrAlreadyOpen) || errors.Is(err, scenario.ErrAlreadyExists), "got %v", err)

	byThread, err := s.InstanceByThread(ctx, chat, 1)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, byThread.ID)

	require.NoError(t, s.UpdateInstanceState(ctx, inst.ID, "sent", "waiting_negative", []bool{false, false}, t0.Add(time.Minute)))
	err = s.UpdateInstanceState(ctx, inst.ID, "sent", "waiting_negative", []bool{false, false}, t0.Add(time.Minute))
	assert.Error(t, err, "stale from-state must not apply")

	require.NoError(t, s.SetStepPointer(ctx, inst.ID, "waiting_negative", 2, t0.Add(time.Minute)))
	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, scenario.State("waiting_negative"), got.State)
	assert.Equal(t, int64(2), got.StepPointers["waiting_negative"])
}

func TestIntegration_PostgresLedgerAndCommit(t *testing.T) {
	s := skipWithoutPostgres(t)
	ctx := context.Background()

	user := "u-" + uuid.NewString()
	chat := "c-" + uuid.NewString()
	inst := newInstance(chat+":1", user, scenario.EveningSimplified, t0)
	inst.ChatID = chat
	require.NoError(t, s.CreateInstance(ctx, inst))

	entry := LedgerEntry{
		ChatID: chat, MessageID: 10, UserID: user, InstanceID: inst.ID,
		Direction: scenario.DirectionUser, StateAtArrival: "waiting_negative",
		PreviewText: "long day", CreatedAt: t0,
	}
	stored, inserted, err := s.AppendLedger(ctx, entry)
	require.NoError(t, err)
	assert.True(t, inserted)

	_, inserted, err = s.AppendLedger(ctx, entry)
	require.NoError(t, err)
	assert.False(t, inserted)

	ev := ClassifiedEvent{
		ID: uuid.NewString(), IdempotencyKey: inst.ID + ":negative:10", UserID: user,
		SourceInstanceID: inst.ID, Bucket: scenario.BucketNegative, Text: "long day", CreatedAt: t0,
	}
	written, err := s.CommitClassifiedEvent(ctx, ev, []int64{stored.Seq}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, written)

	ev.ID = uuid.NewString()
	written, err = s.CommitClassifiedEvent(ctx, ev, []int64{stored.Seq}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, written)

	marked, err := s.LedgerEntry(ctx, chat, 10)
	require.NoError(t, err)
	assert.True(t, marked.Processed())

	events, err := s.ClassifiedEvents(ctx, inst.ID, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
