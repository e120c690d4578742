// Package sweep runs the deferred classification pass over the ledger: it
// buckets unprocessed user entries per instance, asks the classifier about the
// unclear ones, and writes one classified event per bucket.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarlinkco/companion/internal/classifier"
	"github.com/stellarlinkco/companion/internal/logging"
	"github.com/stellarlinkco/companion/internal/publish"
	"github.com/stellarlinkco/companion/internal/scenario"
	"github.com/stellarlinkco/companion/internal/store"
)

// ErrInProgress is returned when a sweep is requested while one is running.
var ErrInProgress = errors.New("sweep already in progress")

type Store interface {
	UnprocessedUserEntries(ctx context.Context) ([]store.SweepEntry, error)
	CommitClassifiedEvent(ctx context.Context, ev store.ClassifiedEvent, seqs []int64, at time.Time) (bool, error)
}

type Report struct {
	InstancesExamined int       `json:"instancesExamined"`
	EventsWritten     int       `json:"eventsWritten"`
	GroupsDeferred    int       `json:"groupsDeferred"`
	EntriesProcessed  int       `json:"entriesProcessed"`
	NeutralDropped    int       `json:"neutralDropped"`
	StartedAt         time.Time `json:"startedAt"`
	FinishedAt        time.Time `json:"finishedAt"`
}

type Options struct {
	// Pause between instance groups.
	Pause time.Duration
	// ClassifierDeadline bounds one classifier call; an unanswered call
	// defers the group.
	ClassifierDeadline time.Duration
	Publisher          publish.Publisher
	Logger             *zap.Logger
	Now                func() time.Time
	NewID              func() string
}

type Sweeper struct {
	store      Store
	classifier classifier.Classifier
	publisher  publish.Publisher
	pause      time.Duration
	deadline   time.Duration
	now        func() time.Time
	newID      func() string
	logger     *zap.Logger

	running atomic.Bool
	mu      sync.Mutex
	last    *Report
}

func New(s Store, c classifier.Classifier, opts Options) *Sweeper {
	sw := &Sweeper{
		store:      s,
		classifier: c,
		publisher:  opts.Publisher,
		pause:      opts.Pause,
		deadline:   opts.ClassifierDeadline,
		now:        opts.Now,
		newID:      opts.NewID,
		logger:     logging.OrNop(opts.Logger).Named("sweep"),
	}
	if sw.publisher == nil {
		sw.publisher = publish.Nop{}
	}
	if sw.deadline <= 0 {
		sw.deadline = 20 * time.Second
	}
	if sw.now == nil {
		sw.now = time.Now
	}
	if sw.newID == nil {
		sw.newID = uuid.NewString
	}
	return sw
}

// LastReport returns the report of the most recent finished run.
func (s *Sweeper) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Run performs one sweep. A failing group is logged and left for the next
// run; only a failure to read the working set fails the whole run.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrInProgress
	}
	defer s.running.Store(false)

	report := Report{StartedAt: s.now()}
	entries, err := s.store.UnprocessedUserEntries(ctx)
	if err != nil {
		return report, fmt.Errorf("select unprocessed entries: %w", err)
	}
	groups := groupByInstance(entries)
	report.InstancesExamined = len(groups)

	for i, g := range groups {
		if i > 0 && s.pause > 0 {
			select {
			case <-ctx.Done():
				report.GroupsDeferred += len(groups) - i
				s.finish(&report)
				return report, ctx.Err()
			case <-time.After(s.pause):
			}
		}

		res, err := s.processGroup(ctx, g)
		report.EventsWritten += res.eventsWritten
		report.EntriesProcessed += res.entriesProcessed
		report.NeutralDropped += res.neutralDropped
		if err != nil {
			report.GroupsDeferred++
			s.logger.Warn("group deferred",
				zap.String("instance_id", g.instanceID),
				zap.String("user_id", g.ownerID),
				zap.Int("entries", len(g.entries)),
				zap.Error(err))
		}
	}

	s.finish(&report)
	s.logger.Info("sweep finished",
		zap.Int("instances", report.InstancesExamined),
		zap.Int("events", report.EventsWritten),
		zap.Int("deferred", report.GroupsDeferred),
		zap.Int("processed", report.EntriesProcessed),
		zap.Int("neutral", report.NeutralDropped),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

func (s *Sweeper) finish(r *Report) {
	r.FinishedAt = s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.last = &cp
}

type group struct {
	instanceID string
	ownerID    string
	scenario   scenario.Type
	entries    []store.SweepEntry
}

// groupByInstance keeps the first-seen order of instances and the arrival
// order of entries inside each group.
func groupByInstance(entries []store.SweepEntry) []group {
	var out []group
	index := make(map[string]int)
	for _, e := range entries {
		i, ok := index[e.InstanceID]
		if !ok {
			out = append(out, group{instanceID: e.InstanceID, ownerID: e.OwnerID, scenario: e.Scenario})
			i = len(out) - 1
			index[e.InstanceID] = i
		}
		out[i].entries = append(out[i].entries, e)
	}
	for i := range out {
		sortArrival(out[i].entries)
	}
	return out
}

func sortArrival(entries []store.SweepEntry) {
	sort.SliceStable(entries, func(a, b int) bool {
		if !entries[a].CreatedAt.Equal(entries[b].CreatedAt) {
			return entries[a].CreatedAt.Before(entries[b].CreatedAt)
		}
		return entries[a].Seq < entries[b].Seq
	})
}

// partition splits a group by the exact state each entry arrived in.
func partition(g group) map[scenario.Bucket][]store.SweepEntry {
	def, ok := scenario.Lookup(g.scenario)
	buckets := make(map[scenario.Bucket][]store.SweepEntry, 3)
	for _, e := range g.entries {
		b := scenario.BucketUnclear
		if ok && e.StateAtArrival != "" {
			b = def.BucketFor(e.StateAtArrival)
		}
		buckets[b] = append(buckets[b], e)
	}
	return buckets
}

type groupResult struct {
	eventsWritten    int
	entriesProcessed int
	neutralDropped   int
}

func (s *Sweeper) processGroup(ctx context.Context, g group) (groupResult, error) {
	var res groupResult
	buckets := partition(g)

	if unclear := buckets[scenario.BucketUnclear]; len(unclear) > 0 {
		sentiment, err := s.classify(joinPreviews(unclear))
		if err != nil {
			return res, err
		}
		if b, ok := sentiment.Bucket(); ok {
			merged := append(buckets[b], unclear...)
			sortArrival(merged)
			buckets[b] = merged
		} else {
			res.neutralDropped = len(unclear)
			s.logger.Debug("neutral result, entries left unprocessed",
				zap.String("instance_id", g.instanceID),
				zap.Int("entries", len(unclear)))
		}
		delete(buckets, scenario.BucketUnclear)
	}

	for _, b := range []scenario.Bucket{scenario.BucketNegative, scenario.BucketPositive} {
		members := buckets[b]
		if len(members) == 0 {
			continue
		}
		now := s.now()
		ev := store.ClassifiedEvent{
			ID:               s.newID(),
			IdempotencyKey:   IdempotencyKey(g.instanceID, b, members[0].MessageID),
			UserID:           g.ownerID,
			SourceInstanceID: g.instanceID,
			Bucket:           b,
			Text:             joinPreviews(members),
			CreatedAt:        now,
		}
		seqs := make([]int64, len(members))
		for i, m := range members {
			seqs[i] = m.Seq
		}

		written, err := s.store.CommitClassifiedEvent(ctx, ev, seqs, now)
		if err != nil {
			return res, fmt.Errorf("commit %s event: %w", b, err)
		}
		res.entriesProcessed += len(members)
		if !written {
			s.logger.Info("event already recorded, entries marked",
				zap.String("instance_id", g.instanceID),
				zap.String("bucket", string(b)))
			continue
		}
		res.eventsWritten++
		if err := s.publisher.PublishClassified(ctx, ev); err != nil {
			s.logger.Warn("publish classified event",
				zap.String("instance_id", g.instanceID),
				zap.String("bucket", string(b)),
				zap.Error(err))
		}
	}
	return res, nil
}

// classify races the classifier against the deadline. The call itself is not
// canceled; a late answer is discarded.
func (s *Sweeper) classify(text string) (classifier.Sentiment, error) {
	type result struct {
		sentiment classifier.Sentiment
		err       error
	}
	ch := make(chan result, 1)
	go func() {
		sentiment, err := s.classifier.Classify(context.Background(), text)
		ch <- result{sentiment, err}
	}()

	timer := time.NewTimer(s.deadline)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil && !errors.Is(r.err, scenario.ErrClassifierUnavailable) {
			return "", fmt.Errorf("%w: %w", scenario.ErrClassifierUnavailable, r.err)
		}
		return r.sentiment, r.err
	case <-timer.C:
		return "", fmt.Errorf("%w: no answer within %s", scenario.ErrClassifierUnavailable, s.deadline)
	}
}

// IdempotencyKey identifies the event a bucket produces.
func IdempotencyKey(instanceID string, b scenario.Bucket, firstMessageID int64) string {
	return fmt.Sprintf("%s:%s:%d", instanceID, b, firstMessageID)
}

func joinPreviews(entries []store.SweepEntry) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.PreviewText
	}
	return strings.Join(parts, "\n")
}
