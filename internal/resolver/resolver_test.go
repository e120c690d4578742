package resolver

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stellarlinkco/companion/internal/scenario"
	"github.com/stellarlinkco/companion/internal/store"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "companion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *store.Store, id, user string, typ scenario.Type, state scenario.State, thread int64, created time.Time) scenario.Instance {
	t.Helper()
	def, ok := scenario.Lookup(typ)
	require.True(t, ok)
	inst := scenario.Instance{
		ID: id, UserID: user, ChatID: "chat", Type: typ, State: state,
		Mode: scenario.Direct, ThreadID: thread, StepPointers: map[string]int64{},
		CompletionFlags: def.NewFlags(), LaunchDay: created.Format("2006-01-02"),
		CreatedAt: created, LastInteractionAt: created,
	}
	if thread != 0 {
		inst.Mode = scenario.SharedThread
	}
	require.NoError(t, s.CreateInstance(context.Background(), inst))
	return inst
}

func botMessage(t *testing.T, s *store.Store, instanceID string, messageID int64) {
	t.Helper()
	_, _, err := s.AppendLedger(context.Background(), store.LedgerEntry{
		ChatID: "chat", MessageID: messageID, InstanceID: instanceID,
		Direction: scenario.DirectionBot, BotStepKind: "prompt", CreatedAt: t0,
	})
	require.NoError(t, err)
}

func TestResolveByReply(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := seed(t, s, "chat:10", "u1", scenario.EveningSimplified, "waiting_negative", 0, t0)
	seed(t, s, "chat:20", "u1", scenario.Nag, "sent", 0, t0.Add(time.Hour))
	botMessage(t, s, c.ID, 10)

	r := New(s, zap.NewNop(), 0)
	res, err := r.Resolve(ctx, Message{UserID: "u1", ChatID: "chat", MessageID: 11, ReplyToMessageID: 10, Text: "tired", At: t0})
	require.NoError(t, err)
	assert.Equal(t, c.ID, res.Instance.ID)
	assert.Equal(t, RuleReply, res.Rule)
	assert.Equal(t, scenario.State("waiting_negative"), res.Entry.StateAtArrival)
	assert.Equal(t, c.ID, res.Entry.InstanceID)
}

func TestReplyFromOtherUserFallsThrough(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	other := seed(t, s, "chat:10", "u2", scenario.EveningSimplified, "waiting_negative", 0, t0)
	mine := seed(t, s, "chat:20", "u1", scenario.ShortJoy, "waiting_list", 0, t0)
	botMessage(t, s, other.ID, 10)

	r := New(s, zap.NewNop(), 0)
	res, err := r.Resolve(ctx, Message{UserID: "u1", ChatID: "chat", MessageID: 11, ReplyToMessageID: 10, Text: "x", At: t0})
	require.NoError(t, err)
	assert.Equal(t, mine.ID, res.Instance.ID)
	assert.Equal(t, RuleRecentOpen, res.Rule)
}

func TestReplyToUserMessageIsNotAMatch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := seed(t, s, "chat:10", "u1", scenario.EveningSimplified, "waiting_negative", 0, t0)
	b := seed(t, s, "chat:20", "u1", scenario.Nag, "waiting_reason", 0, t0.Add(time.Minute))
	_, _, err := s.AppendLedger(ctx, store.LedgerEntry{
		ChatID: "chat", MessageID: 15, UserID: "u1", InstanceID: a.ID,
		Direction: scenario.DirectionUser, PreviewText: "earlier", CreatedAt: t0,
	})
	require.NoError(t, err)

	inst, rule, err := New(s, nil, 0).Lookup(ctx, Message{UserID: "u1", ChatID: "chat", MessageID: 16, ReplyToMessageID: 15})
	require.NoError(t, err)
	assert.Equal(t, b.ID, inst.ID)
	assert.Equal(t, RuleRecentOpen, rule)
}

// Thread anchors win over a newer unrelated open instance.
func TestThreadMatchBeatsRecentOpen(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	m := seed(t, s, "chat:50", "u1", scenario.Morning, "waiting_mood", 100, t0)
	e := seed(t, s, "chat:60", "u1", scenario.EveningSimplified, "waiting_negative", 0, t0.Add(10*time.Hour))

	r := New(s, zap.NewNop(), 0)
	res, err := r.Resolve(ctx, Message{UserID: "u1", ChatID: "chat", MessageID: 70, ThreadID: 100, Text: "ok", At: t0.Add(11 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, m.ID, res.Instance.ID)
	assert.Equal(t, RuleThread, res.Rule)

	// Morning defers classification, so no state is recorded.
	assert.Empty(t, res.Entry.StateAtArrival)

	gotE, err := s.GetInstance(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.State, gotE.State)
	assert.Equal(t, e.CompletionFlags, gotE.CompletionFlags)

	mLedger, err := s.InstanceLedger(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, mLedger, 1)
	eLedger, err := s.InstanceLedger(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, eLedger)
}

func TestThreadOwnedByOtherUserFallsThrough(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s, "chat:50", "u2", scenario.ShortJoy, "waiting_list", 100, t0)

	_, _, err := New(s, nil, 0).Lookup(ctx, Message{UserID: "u1", ChatID: "chat", MessageID: 70, ThreadID: 100})
	require.ErrorIs(t, err, scenario.ErrResolutionMiss)
}

func TestRecentOpenPicksNewest(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s, "chat:1", "u1", scenario.Morning, "waiting_mood", 0, t0)
	newest := seed(t, s, "chat:2", "u1", scenario.DeepWork, "choosing_task", 0, t0.Add(time.Hour))

	res, err := New(s, nil, 0).Resolve(ctx, Message{UserID: "u1", ChatID: "chat", MessageID: 3, Text: "free text", At: t0})
	require.NoError(t, err)
	assert.Equal(t, newest.ID, res.Instance.ID)
	assert.Equal(t, RuleRecentOpen, res.Rule)
}

func TestMissRecordsUnlinkedEntry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	res, err := New(s, zap.NewNop(), 0).Resolve(ctx, Message{UserID: "u1", ChatID: "chat", MessageID: 5, Text: "hello?", At: t0})
	require.NoError(t, err)
	assert.False(t, res.Resolved())
	assert.Equal(t, RuleNone, res.Rule)

	entry, err := s.LedgerEntry(ctx, "chat", 5)
	require.NoError(t, err)
	assert.False(t, entry.Resolved())
	assert.Equal(t, "hello?", entry.PreviewText)

	pending, err := s.UnprocessedUserEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRedeliveryIsDuplicate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := seed(t, s, "chat:1", "u1", scenario.Nag, "waiting_reason", 0, t0)
	r := New(s, zap.NewNop(), 0)

	msg := Message{UserID: "u1", ChatID: "chat", MessageID: 9, Text: "busy", At: t0}
	first, err := r.Resolve(ctx, msg)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	again, err := r.Resolve(ctx, msg)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, c.ID, again.Instance.ID)
	assert.Equal(t, first.Entry.Seq, again.Entry.Seq)

	ledger, err := s.InstanceLedger(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, ledger, 1)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "héll", Preview("héllo", 4))
	assert.Equal(t, "héllo", Preview("héllo", 0))
	assert.Equal(t, "hi", Preview("hi", 10))
}
