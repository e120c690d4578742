package runner

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

var t0 = time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newRunner(t *testing.T) (*Runner, *store.Store, *clock) {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "companion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	c := &clock{t: t0}
	return New(s, NewSessions(), Options{Now: c.now, Logger: zap.NewNop()}), s, c
}

func launch(t *testing.T, r *Runner, typ scenario.Type, msgID int64) scenario.Instance {
	t.Helper()
	inst, err := r.Launch(context.Background(), LaunchRequest{
		UserID: "u1", ChatID: "c1", Type: typ, FirstStepMessageID: msgID, PromptText: "hi",
	})
	require.NoError(t, err)
	return inst
}

func TestLaunch(t *testing.T) {
	r, s, _ := newRunner(t)
	ctx := context.Background()

	inst := launch(t, r, scenario.EveningSimplified, 10)
	assert.Equal(t, "c1:10", inst.ID)
	assert.Equal(t, scenario.State("sent"), inst.State)
	assert.Equal(t, []bool{false, false}, inst.CompletionFlags)
	assert.Equal(t, "2026-03-02", inst.LaunchDay)

	entry, err := s.LedgerEntry(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, scenario.DirectionBot, entry.Direction)
	assert.Equal(t, inst.ID, entry.InstanceID)
	assert.Equal(t, "sent", entry.BotStepKind)

	open, err := r.HasOpen(ctx, "u1", scenario.EveningSimplified, t0)
	require.NoError(t, err)
	assert.True(t, open)

	_, err = r.Launch(ctx, LaunchRequest{UserID: "u1", ChatID: "c1", Type: scenario.EveningSimplified, FirstStepMessageID: 11})
	require.ErrorIs(t, err, scenario.ErrAlreadyOpen)

	_, err = r.Launch(ctx, LaunchRequest{UserID: "u1", ChatID: "c1", Type: "lunch", FirstStepMessageID: 12})
	require.ErrorIs(t, err, scenario.ErrUnknownScenario)
}

func TestLaunchDayUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	r := New(nil, nil, Options{Location: loc})
	assert.Equal(t, "2026-03-03", r.LaunchDay(t0))
}

func TestAdvanceThroughEvening(t *testing.T) {
	r, s, c := newRunner(t)
	ctx := context.Background()
	inst := launch(t, r, scenario.EveningSimplified, 10)

	out, err := r.Advance(ctx, inst.ID, Event{Name: scenario.EventStart})
	require.NoError(t, err)
	require.True(t, out.Accepted())
	assert.Equal(t, scenario.State("waiting_negative"), out.To)
	assert.Equal(t, []scenario.RenderIntent{scenario.Prompt{Scenario: scenario.EveningSimplified, Step: "waiting_negative"}}, out.Render)

	c.t = c.t.Add(time.Minute)
	out, err = r.Advance(ctx, inst.ID, Event{Name: scenario.EventText, Text: "argued with boss"})
	require.NoError(t, err)
	assert.Empty(t, out.Render)
	assert.Equal(t, scenario.State("waiting_negative"), out.To)

	out, err = r.Advance(ctx, inst.ID, Event{Name: scenario.EventExample})
	require.NoError(t, err)
	assert.Equal(t, []scenario.RenderIntent{scenario.Example{Scenario: scenario.EveningSimplified, Step: "waiting_negative", N: 1}}, out.Render)
	out, err = r.Advance(ctx, inst.ID, Event{Name: scenario.EventExample})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Render[0].(scenario.Example).N)

	out, err = r.Advance(ctx, inst.ID, Event{Name: scenario.EventDone, BotMessageID: 20})
	require.NoError(t, err)
	assert.Equal(t, scenario.State("waiting_positive"), out.To)
	assert.Equal(t, []bool{true, false}, out.Instance.CompletionFlags)

	stored, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), stored.StepPointers["waiting_positive"])
	assert.Equal(t, c.t, stored.LastInteractionAt)

	out, err = r.Advance(ctx, inst.ID, Event{Name: scenario.EventDone})
	require.NoError(t, err)
	assert.Equal(t, []scenario.RenderIntent{scenario.Farewell{Scenario: scenario.EveningSimplified}}, out.Render)
	assert.False(t, out.Instance.Open())
	assert.Equal(t, 0, r.Sessions().Len())

	stored, err = s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, stored.CompletionFlags)
}

func TestSkipEdgeMarksDeclinedTask(t *testing.T) {
	r, s, _ := newRunner(t)
	ctx := context.Background()
	inst := launch(t, r, scenario.ShortJoy, 10)

	out, err := r.Advance(ctx, inst.ID, Event{Name: scenario.EventSkip})
	require.NoError(t, err)
	assert.Equal(t, scenario.State("waiting_choice"), out.To)

	stored, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, stored.CompletionFlags)
	assert.True(t, stored.Open())
}

func TestRejectedTransitionLeavesStateUnchanged(t *testing.T) {
	r, s, c := newRunner(t)
	ctx := context.Background()
	inst := launch(t, r, scenario.DeepWork, 10)
	_, err := r.Advance(ctx, inst.ID, Event{Name: scenario.EventStart})
	require.NoError(t, err)
	before, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)

	c.t = c.t.Add(time.Hour)
	out, err := r.Advance(ctx, inst.ID, Event{Name: scenario.EventSkip})
	require.NoError(t, err)
	require.False(t, out.Accepted())
	assert.ErrorIs(t, out.Rejection, scenario.ErrTransitionRejected)
	assert.Equal(t, []scenario.RenderIntent{scenario.Reprompt{Scenario: scenario.DeepWork, Step: "choosing_task"}}, out.Render)

	after, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAdvanceRejectsOtherUser(t *testing.T) {
	r, s, _ := newRunner(t)
	ctx := context.Background()
	inst := launch(t, r, scenario.Nag, 10)

	out, err := r.Advance(ctx, inst.ID, Event{Name: scenario.EventNotDone, UserID: "intruder"})
	require.NoError(t, err)
	assert.False(t, out.Accepted())

	stored, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, scenario.State("sent"), stored.State)
}

func TestAdvanceAfterTerminalIsRejected(t *testing.T) {
	r, _, _ := newRunner(t)
	ctx := context.Background()
	inst := launch(t, r, scenario.Nag, 10)

	out, err := r.Advance(ctx, inst.ID, Event{Name: scenario.EventDone})
	require.NoError(t, err)
	assert.Equal(t, scenario.State("finished"), out.To)

	out, err = r.Advance(ctx, inst.ID, Event{Name: scenario.EventText, Text: "late"})
	require.NoError(t, err)
	assert.False(t, out.Accepted())
}

func TestAdvanceUnknownInstance(t *testing.T) {
	r, _, _ := newRunner(t)
	_, err := r.Advance(context.Background(), "nope", Event{Name: scenario.EventStart})
	require.ErrorIs(t, err, scenario.ErrNotFound)
}

func TestRecordBotStep(t *testing.T) {
	r, s, _ := newRunner(t)
	ctx := context.Background()
	inst := launch(t, r, scenario.Morning, 10)

	// A step the instance is not in gets a pointer but no button message.
	require.NoError(t, r.RecordBotStep(ctx, inst.ID, "waiting_plan", 11, "Plan?", true))
	assert.Zero(t, r.Sessions().ButtonMessage("u1", inst.ID, "waiting_plan"))

	_, err := r.Advance(ctx, inst.ID, Event{Name: scenario.EventStart})
	require.NoError(t, err)
	require.NoError(t, r.RecordBotStep(ctx, inst.ID, "waiting_mood", 12, "How do you feel?", true))

	stored, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(12), stored.StepPointers["waiting_mood"])

	entry, err := s.LedgerEntry(ctx, "c1", 12)
	require.NoError(t, err)
	assert.Equal(t, scenario.DirectionBot, entry.Direction)
	assert.Equal(t, inst.ID, entry.InstanceID)

	sess, ok := r.Sessions().Get("u1", inst.ID)
	require.True(t, ok)
	assert.Equal(t, int64(12), sess.ButtonMessageID)

	// Redelivered send confirmation is harmless.
	require.NoError(t, r.RecordBotStep(ctx, inst.ID, "waiting_mood", 12, "How do you feel?", false))
	require.Error(t, r.RecordBotStep(ctx, inst.ID, "waiting_mood", 0, "", false))
}

func TestAdvanceRejectsStaleButton(t *testing.T) {
	r, s, _ := newRunner(t)
	ctx := context.Background()
	inst := launch(t, r, scenario.EveningSimplified, 10)

	out, err := r.Advance(ctx, inst.ID, Event{Name: scenario.EventStart, ButtonMessageID: 10})
	require.NoError(t, err)
	require.True(t, out.Accepted())
	require.NoError(t, r.RecordBotStep(ctx, inst.ID, "waiting_negative", 11, "What didn't go well?", true))

	// Skip on the intro message means "skip the reflection", not "skip this step".
	out, err = r.Advance(ctx, inst.ID, Event{Name: scenario.EventSkip, ButtonMessageID: 10})
	require.NoError(t, err)
	require.False(t, out.Accepted())
	assert.ErrorIs(t, out.Rejection, scenario.ErrTransitionRejected)
	assert.Equal(t, ReasonStaleButton, out.Rejection.Reason)

	stored, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, scenario.State("waiting_negative"), stored.State)
	assert.Equal(t, []bool{false, false}, stored.CompletionFlags)

	// An unknown message is stale too.
	out, err = r.Advance(ctx, inst.ID, Event{Name: scenario.EventDone, ButtonMessageID: 99})
	require.NoError(t, err)
	assert.False(t, out.Accepted())

	out, err = r.Advance(ctx, inst.ID, Event{Name: scenario.EventDone, ButtonMessageID: 11})
	require.NoError(t, err)
	require.True(t, out.Accepted())
	assert.Equal(t, scenario.State("waiting_positive"), out.To)

	// A second tap on the same Done lands after the step changed.
	out, err = r.Advance(ctx, inst.ID, Event{Name: scenario.EventDone, ButtonMessageID: 11})
	require.NoError(t, err)
	assert.False(t, out.Accepted())
	stored, err = s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, scenario.State("waiting_positive"), stored.State)
}

func TestStaleButtonFallsBackToLedger(t *testing.T) {
	r, s, _ := newRunner(t)
	ctx := context.Background()
	inst := launch(t, r, scenario.EveningSimplified, 10)

	_, err := r.Advance(ctx, inst.ID, Event{Name: scenario.EventStart})
	require.NoError(t, err)
	require.NoError(t, r.RecordBotStep(ctx, inst.ID, "waiting_negative", 11, "What didn't go well?", true))
	require.NoError(t, r.RecordBotStep(ctx, inst.ID, "waiting_negative", 12, "For example: ...", true))

	// Buttons on an earlier message of the same step still count.
	require.True(t, r.Sessions().Evict("u1", inst.ID))
	out, err := r.Advance(ctx, inst.ID, Event{Name: scenario.EventDone, ButtonMessageID: 11})
	require.NoError(t, err)
	require.True(t, out.Accepted())

	stored, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, stored.CompletionFlags)
}
