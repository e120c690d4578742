package sweep

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/stellarlinkco/companion/internal/classifier"
	"github.com/stellarlinkco/companion/internal/scenario"
	"github.com/stellarlinkco/companion/internal/store"
)

var t0 = time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)

// The store is closed by t.Cleanup, after goleak has looked.
var ignoreDB = goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener")

type fakeClassifier struct {
	mu    sync.Mutex
	calls []string
	fn    func(text string) (classifier.Sentiment, error)
}

func (f *fakeClassifier) Classify(_ context.Context, text string) (classifier.Sentiment, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	fn := f.fn
	f.mu.Unlock()
	return fn(text)
}

func (f *fakeClassifier) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func answer(s classifier.Sentiment) func(string) (classifier.Sentiment, error) {
	return func(string) (classifier.Sentiment, error) { return s, nil }
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []store.ClassifiedEvent
	err    error
}

func (p *recordingPublisher) PublishClassified(_ context.Context, ev store.ClassifiedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() {}

type fixture struct {
	store *store.Store
	seq   int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "companion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{store: s, seq: 100}
}

func (f *fixture) instance(t *testing.T, id, user string, typ scenario.Type) {
	t.Helper()
	def, _ := scenario.Lookup(typ)
	require.NoError(t, f.store.CreateInstance(context.Background(), scenario.Instance{
		ID: id, UserID: user, ChatID: "chat-" + id, Type: typ, State: def.Initial(),
		Mode: scenario.Direct, CompletionFlags: def.NewFlags(), LaunchDay: "2026-03-02",
		CreatedAt: t0, LastInteractionAt: t0,
	}))
}

func (f *fixture) user(t *testing.T, instanceID string, state scenario.State, text string) int64 {
	t.Helper()
	f.seq++
	_, _, err := f.store.AppendLedger(context.Background(), store.LedgerEntry{
		ChatID: "chat-" + instanceID, MessageID: f.seq, UserID: "u1", InstanceID: instanceID,
		Direction: scenario.DirectionUser, StateAtArrival: state, PreviewText: text,
		CreatedAt: t0.Add(time.Duration(f.seq) * time.Second),
	})
	require.NoError(t, err)
	return f.seq
}

func (f *fixture) events(t *testing.T, instanceID string) map[scenario.Bucket]string {
	t.Helper()
	evs, err := f.store.ClassifiedEvents(context.Background(), instanceID, 0)
	require.NoError(t, err)
	out := map[scenario.Bucket]string{}
	for _, ev := range evs {
		_, dup := out[ev.Bucket]
		require.False(t, dup, "two %s events for %s", ev.Bucket, instanceID)
		out[ev.Bucket] = ev.Text
	}
	return out
}

func newSweeper(f *fixture, c classifier.Classifier, opts Options) *Sweeper {
	opts.Logger = zap.NewNop()
	if opts.Now == nil {
		opts.Now = func() time.Time { return t0.Add(time.Hour) }
	}
	return New(f.store, c, opts)
}

func TestSweepBucketsByStateAndClassifiesUnclearOnce(t *testing.T) {
	f := newFixture(t)
	f.instance(t, "C", "u1", scenario.EveningSimplified)
	f.user(t, "C", "waiting_negative", "A")
	f.user(t, "C", "waiting_negative", "B")
	f.user(t, "C", "", "C")

	fc := &fakeClassifier{fn: answer(classifier.Positive)}
	pub := &recordingPublisher{}
	report, err := newSweeper(f, fc, Options{Publisher: pub}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"C"}, fc.Calls())
	assert.Equal(t, map[scenario.Bucket]string{
		scenario.BucketNegative: "A\nB",
		scenario.BucketPositive: "C",
	}, f.events(t, "C"))
	assert.Equal(t, 1, report.InstancesExamined)
	assert.Equal(t, 2, report.EventsWritten)
	assert.Equal(t, 3, report.EntriesProcessed)
	assert.Zero(t, report.GroupsDeferred)
	assert.Len(t, pub.events, 2)

	pending, err := f.store.UnprocessedUserEntries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	last, ok := newSweeper(f, fc, Options{}).LastReport()
	assert.False(t, ok)
	assert.Zero(t, last)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.instance(t, "C", "u1", scenario.EveningSimplified)
	f.user(t, "C", "waiting_negative", "A")
	f.user(t, "C", "waiting_positive", "B")

	fc := &fakeClassifier{fn: answer(classifier.Negative)}
	sw := newSweeper(f, fc, Options{})
	_, err := sw.Run(context.Background())
	require.NoError(t, err)

	before, err := f.store.InstanceLedger(context.Background(), "C")
	require.NoError(t, err)

	report, err := sw.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.EventsWritten)
	assert.Zero(t, report.InstancesExamined)
	assert.Empty(t, fc.Calls())

	after, err := f.store.InstanceLedger(context.Background(), "C")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	last, ok := sw.LastReport()
	require.True(t, ok)
	assert.Equal(t, report, last)
}

func TestSweepNeutralLeavesUnclearUnprocessed(t *testing.T) {
	f := newFixture(t)
	f.instance(t, "C", "u1", scenario.EveningSimplified)
	f.user(t, "C", "waiting_positive", "sunset")
	msg := f.user(t, "C", "", "meh")

	fc := &fakeClassifier{fn: answer(classifier.Neutral)}
	report, err := newSweeper(f, fc, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.NeutralDropped)
	assert.Equal(t, 1, report.EventsWritten)
	assert.Equal(t, map[scenario.Bucket]string{scenario.BucketPositive: "sunset"}, f.events(t, "C"))

	entry, err := f.store.LedgerEntry(context.Background(), "chat-C", msg)
	require.NoError(t, err)
	assert.False(t, entry.Processed())
}

func TestSweepMergesUnclearInArrivalOrder(t *testing.T) {
	f := newFixture(t)
	f.instance(t, "N", "u1", scenario.Nag)
	f.user(t, "N", "waiting_reason", "first")
	f.user(t, "N", "sent", "second")
	f.user(t, "N", "waiting_reason", "third")

	fc := &fakeClassifier{fn: answer(classifier.Negative)}
	_, err := newSweeper(f, fc, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, fc.Calls())
	assert.Equal(t, map[scenario.Bucket]string{scenario.BucketNegative: "first\nsecond\nthird"}, f.events(t, "N"))
}

func TestSweepMorningIsClassifiedByContent(t *testing.T) {
	f := newFixture(t)
	f.instance(t, "M", "u1", scenario.Morning)
	f.user(t, "M", "", "slept well")
	f.user(t, "M", "", "gym then work")

	fc := &fakeClassifier{fn: answer(classifier.Positive)}
	_, err := newSweeper(f, fc, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"slept well\ngym then work"}, fc.Calls())
	assert.Equal(t, map[scenario.Bucket]string{scenario.BucketPositive: "slept well\ngym then work"}, f.events(t, "M"))
}

func TestSweepDeferredGroupDoesNotStopOthers(t *testing.T) {
	f := newFixture(t)
	f.instance(t, "A", "u1", scenario.ShortJoy)
	f.instance(t, "B", "u2", scenario.ShortJoy)
	f.user(t, "A", "waiting_choice", "broken")
	f.user(t, "B", "waiting_choice", "fine")

	fc := &fakeClassifier{fn: func(text string) (classifier.Sentiment, error) {
		if text == "broken" {
			return "", fmt.Errorf("%w: upstream 503", scenario.ErrClassifierUnavailable)
		}
		return classifier.Positive, nil
	}}
	report, err := newSweeper(f, fc, Options{Pause: time.Millisecond}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.InstancesExamined)
	assert.Equal(t, 1, report.GroupsDeferred)
	assert.Equal(t, 1, report.EventsWritten)
	assert.Empty(t, f.events(t, "A"))
	assert.Equal(t, map[scenario.Bucket]string{scenario.BucketPositive: "fine"}, f.events(t, "B"))
}

func TestSweepClassifierTimeoutThenRecovery(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreDB)

	f := newFixture(t)
	f.instance(t, "G", "u1", scenario.EveningSimplified)
	f.user(t, "G", "waiting_negative", "rain")
	f.user(t, "G", "", "hmm")

	release := make(chan struct{})
	defer close(release)
	fc := &fakeClassifier{fn: func(string) (classifier.Sentiment, error) {
		<-release
		return classifier.Negative, nil
	}}
	sw := newSweeper(f, fc, Options{ClassifierDeadline: 20 * time.Millisecond})

	report, err := sw.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.GroupsDeferred)
	assert.Zero(t, report.EventsWritten)
	assert.Empty(t, f.events(t, "G"))

	fc.mu.Lock()
	fc.fn = answer(classifier.Negative)
	fc.mu.Unlock()

	report, err = sw.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.GroupsDeferred)
	assert.Equal(t, 1, report.EventsWritten)
	assert.Equal(t, map[scenario.Bucket]string{scenario.BucketNegative: "rain\nhmm"}, f.events(t, "G"))
}

func TestSweepSingleFlight(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreDB)

	f := newFixture(t)
	f.instance(t, "G", "u1", scenario.Morning)
	f.user(t, "G", "", "x")

	entered := make(chan struct{})
	release := make(chan struct{})
	fc := &fakeClassifier{fn: func(string) (classifier.Sentiment, error) {
		close(entered)
		<-release
		return classifier.Positive, nil
	}}
	sw := newSweeper(f, fc, Options{ClassifierDeadline: 5 * time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := sw.Run(context.Background())
		done <- err
	}()
	<-entered
	assert.True(t, sw.Running())

	_, err := sw.Run(context.Background())
	require.ErrorIs(t, err, ErrInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, sw.Running())
}

func TestSweepPublishFailureKeepsCommit(t *testing.T) {
	f := newFixture(t)
	f.instance(t, "C", "u1", scenario.EveningSimplified)
	f.user(t, "C", "waiting_negative", "A")

	pub := &recordingPublisher{err: errors.New("nats down")}
	report, err := newSweeper(f, &fakeClassifier{fn: answer(classifier.Neutral)}, Options{Publisher: pub}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.EventsWritten)
	assert.Zero(t, report.GroupsDeferred)
	assert.Len(t, pub.events, 1)
}

func TestPartitionUsesExactStates(t *testing.T) {
	g := group{scenario: scenario.EveningSimplified, entries: []store.SweepEntry{
		{LedgerEntry: store.LedgerEntry{StateAtArrival: "waiting_negative"}},
		{LedgerEntry: store.LedgerEntry{StateAtArrival: "waiting_negative_extra"}},
		{LedgerEntry: store.LedgerEntry{StateAtArrival: "waiting_positive"}},
		{LedgerEntry: store.LedgerEntry{StateAtArrival: ""}},
	}}
	b := partition(g)
	assert.Len(t, b[scenario.BucketNegative], 1)
	assert.Len(t, b[scenario.BucketPositive], 1)
	assert.Len(t, b[scenario.BucketUnclear], 2)
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "c:1:negative:42", IdempotencyKey("c:1", scenario.BucketNegative, 42))
}
