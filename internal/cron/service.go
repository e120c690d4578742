// Package cron runs the companion's periodic work: classification sweeps,
// idle session eviction and scheduled scenario launches.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stellarlinkco/companion/internal/logging"
)

var parser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// ValidateExpr reports whether expr is a schedule the service accepts.
func ValidateExpr(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

type Service struct {
	storePath string
	loc       *time.Location
	logger    *zap.Logger

	mu       sync.Mutex
	jobs     []CronJob
	OnJob    func(ctx context.Context, job CronJob) (string, error)
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job ID -> cron entry ID
	runCtx   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
}

// NewService keeps job state in storePath; an empty path keeps it in memory.
func NewService(storePath string, loc *time.Location, logger *zap.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		storePath: storePath,
		loc:       loc,
		logger:    logging.OrNop(logger).Named("cron"),
		entryMap:  make(map[string]rcron.EntryID),
		runCtx:    context.Background(),
	}
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	if err := s.load(); err != nil {
		s.logger.Warn("failed to load jobs", zap.Error(err))
	}

	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(
		rcron.WithParser(parser),
		rcron.WithLocation(s.loc),
		rcron.WithChain(rcron.Recover(cronLogger{s.logger.Sugar()})),
	)
	for i := range s.jobs {
		if s.jobs[i].Enabled && s.jobs[i].Schedule.Kind == KindCron {
			s.registerJob(&s.jobs[i])
		}
	}
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("started", zap.Int("jobs", n))

	go s.tickLoop(runCtx)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
			return
		}
	}()

	return nil
}

// registerJob must be called with s.mu held.
func (s *Service) registerJob(job *CronJob) {
	jobCopy := *job
	id, err := s.cron.AddFunc(job.Schedule.Expr, func() {
		s.executeJob(jobCopy)
	})
	if err != nil {
		s.logger.Error("failed to register job",
			zap.String("job", job.Name),
			zap.String("expr", job.Schedule.Expr),
			zap.Error(err))
		return
	}
	s.entryMap[job.ID] = id
}

func (s *Service) executeJob(job CronJob) {
	s.logger.Info("executing job", zap.String("job", job.Name), zap.String("job_id", job.ID), zap.String("kind", string(job.Payload.Kind)))

	if s.OnJob == nil {
		s.logger.Warn("no OnJob handler set")
		return
	}

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()

	result, err := s.OnJob(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != job.ID {
			continue
		}
		s.jobs[i].State.LastRunAtMs = time.Now().UnixMilli()
		if err != nil {
			s.jobs[i].State.LastStatus = "error"
			s.jobs[i].State.LastError = err.Error()
			s.logger.Error("job failed", zap.String("job", job.Name), zap.Error(err))
		} else {
			s.jobs[i].State.LastStatus = "ok"
			s.jobs[i].State.LastError = ""
			s.logger.Info("job finished", zap.String("job", job.Name), zap.String("result", truncate(result, 100)))
		}

		if s.jobs[i].DeleteAfterRun {
			if entryID, ok := s.entryMap[job.ID]; ok && s.cron != nil {
				s.cron.Remove(entryID)
				delete(s.entryMap, job.ID)
			}
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		}
		break
	}

	if err := s.save(); err != nil {
		s.logger.Warn("failed to save jobs", zap.Error(err))
	}
}

func (s *Service) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, job := range s.dueJobs(time.Now().UnixMilli()) {
				s.executeJob(job)
			}
		case <-ctx.Done():
			return
		}
	}
}

// dueJobs collects "every" and "at" jobs that should run at now. One-shot
// jobs are disabled as they are collected so they fire once.
func (s *Service) dueJobs(now int64) []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []CronJob
	for i := range s.jobs {
		job := &s.jobs[i]
		if !job.Enabled {
			continue
		}
		switch job.Schedule.Kind {
		case KindEvery:
			if job.Schedule.EveryMs > 0 && now >= job.State.LastRunAtMs+job.Schedule.EveryMs {
				// Claim the slot so the next tick does not fire again while
				// this run is in flight.
				job.State.LastRunAtMs = now
				due = append(due, *job)
			}
		case KindAt:
			if job.Schedule.AtMs > 0 && now >= job.Schedule.AtMs {
				job.Enabled = false
				due = append(due, *job)
			}
		}
	}
	return due
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("stop timeout waiting for running jobs")
		}
	}
	s.logger.Info("stopped")
}

func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	if err := validateSchedule(schedule); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewCronJob(name, schedule, payload)
	s.jobs = append(s.jobs, job)

	if job.Schedule.Kind == KindCron && s.cron != nil {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}

	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}

	return &job, nil
}

// AddOnce schedules payload to run once at the given time and then be deleted.
func (s *Service) AddOnce(name string, at time.Time, payload Payload) (*CronJob, error) {
	if at.IsZero() {
		return nil, fmt.Errorf("one-shot job %q needs a time", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewCronJob(name, Schedule{Kind: KindAt, AtMs: at.UnixMilli()}, payload)
	job.DeleteAfterRun = true
	s.jobs = append(s.jobs, job)
	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	return &job, nil
}

// Ensure installs a job by name. An existing job with the same name keeps
// its id and run state but takes the new schedule and payload, so jobs
// derived from configuration survive restarts.
func (s *Service) Ensure(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	if err := validateSchedule(schedule); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		s.logger.Warn("failed to load jobs", zap.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].Name != name {
			continue
		}
		if entryID, ok := s.entryMap[s.jobs[i].ID]; ok && s.cron != nil {
			s.cron.Remove(entryID)
			delete(s.entryMap, s.jobs[i].ID)
		}
		s.jobs[i].Schedule = schedule
		s.jobs[i].Payload = payload
		s.jobs[i].Enabled = true
		if schedule.Kind == KindCron && s.cron != nil {
			s.registerJob(&s.jobs[i])
		}
		job := s.jobs[i]
		if err := s.save(); err != nil {
			return nil, fmt.Errorf("save jobs: %w", err)
		}
		return &job, nil
	}

	job := NewCronJob(name, schedule, payload)
	s.jobs = append(s.jobs, job)
	if schedule.Kind == KindCron && s.cron != nil {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}
	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	return &job, nil
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			if entryID, ok := s.entryMap[id]; ok && s.cron != nil {
				s.cron.Remove(entryID)
				delete(s.entryMap, id)
			}
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			_ = s.save()
			return true
		}
	}
	return false
}

// PruneExcept removes recurring jobs whose name is not in keep. One-shot
// jobs are left alone.
func (s *Service) PruneExcept(keep map[string]bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.jobs[:0]
	removed := 0
	for _, job := range s.jobs {
		if job.Schedule.Kind == KindAt || keep[job.Name] {
			kept = append(kept, job)
			continue
		}
		if entryID, ok := s.entryMap[job.ID]; ok && s.cron != nil {
			s.cron.Remove(entryID)
		}
		delete(s.entryMap, job.ID)
		removed++
	}
	s.jobs = kept
	if removed > 0 {
		_ = s.save()
	}
	return removed
}

func (s *Service) ListJobs() []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]CronJob, len(s.jobs))
	copy(result, s.jobs)
	return result
}

// NextRun returns when the cron job with the given id fires next.
func (s *Service) NextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.entryMap[id]
	if !ok || s.cron == nil {
		return time.Time{}, false
	}
	next := s.cron.Entry(entryID).Next
	return next, !next.IsZero()
}

func (s *Service) EnableJob(id string, enabled bool) (*CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		s.jobs[i].Enabled = enabled
		if s.jobs[i].Schedule.Kind == KindCron && s.cron != nil {
			if enabled {
				if _, ok := s.entryMap[id]; !ok {
					s.registerJob(&s.jobs[i])
				}
			} else if entryID, ok := s.entryMap[id]; ok {
				s.cron.Remove(entryID)
				delete(s.entryMap, id)
			}
		}
		_ = s.save()
		job := s.jobs[i]
		return &job, nil
	}
	return nil, fmt.Errorf("job %s not found", id)
}

// load merges the persisted run state into memory. Jobs already in memory win.
func (s *Service) load() error {
	if s.storePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var stored []CronJob
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	known := make(map[string]bool, len(s.jobs))
	for _, j := range s.jobs {
		known[j.ID] = true
	}
	for _, j := range stored {
		if !known[j.ID] {
			s.jobs = append(s.jobs, j)
		}
	}
	return nil
}

// save must be called with s.mu held.
func (s *Service) save() error {
	if s.storePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

func validateSchedule(sc Schedule) error {
	switch sc.Kind {
	case KindCron:
		return ValidateExpr(sc.Expr)
	case KindEvery:
		if sc.EveryMs <= 0 {
			return fmt.Errorf("interval must be positive, got %dms", sc.EveryMs)
		}
	case KindAt:
		if sc.AtMs <= 0 {
			return fmt.Errorf("one-shot schedule needs a time")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", sc.Kind)
	}
	return nil
}

// cronLogger adapts zap to robfig/cron's logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
