package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/companion/internal/api"
	"github.com/stellarlinkco/companion/internal/config"
	"github.com/stellarlinkco/companion/internal/cron"
	"github.com/stellarlinkco/companion/internal/runner"
	"github.com/stellarlinkco/companion/internal/scenario"
	"github.com/stellarlinkco/companion/internal/sweep"
)

// LaunchScenario sends the first step of a new scenario and persists the
// instance anchored on the delivered message. A user gets at most one open
// instance per scenario type and day.
func (g *Gateway) LaunchScenario(ctx context.Context, spec api.LaunchSpec) (scenario.Instance, error) {
	def, ok := scenario.Lookup(spec.Type)
	if !ok {
		return scenario.Instance{}, fmt.Errorf("%w: %q", scenario.ErrUnknownScenario, spec.Type)
	}
	if spec.Mode == "" {
		spec.Mode = scenario.Direct
	}
	now := g.now()

	open, err := g.runner.HasOpen(ctx, spec.UserID, spec.Type, now)
	if err != nil {
		return scenario.Instance{}, err
	}
	if open {
		return scenario.Instance{}, fmt.Errorf("launch %s for %s: %w", spec.Type, spec.UserID, scenario.ErrAlreadyOpen)
	}

	draft := scenario.Instance{ChatID: spec.ChatID, Type: def.Type, Mode: spec.Mode}
	msg, _ := render(draft, scenario.Prompt{Scenario: def.Type, Step: def.Initial()}, defaultChannel)
	ids, err := g.channels.Deliver(msg)
	if err != nil {
		return scenario.Instance{}, fmt.Errorf("send first step: %w", err)
	}
	if len(ids) == 0 {
		return scenario.Instance{}, fmt.Errorf("send first step: no message delivered")
	}

	req := runner.LaunchRequest{
		UserID:             spec.UserID,
		ChatID:             spec.ChatID,
		Type:               def.Type,
		Mode:               spec.Mode,
		FirstStepMessageID: ids[0],
		PromptText:         g.preview(msg.Content),
		At:                 now,
	}
	if spec.Mode == scenario.SharedThread {
		req.ThreadID = ids[0]
	}
	inst, err := g.runner.Launch(ctx, req)
	if err != nil {
		return scenario.Instance{}, err
	}
	// A split prompt: replies to any part resolve, buttons sit on the last.
	for _, id := range ids[1:] {
		if err := g.runner.RecordBotStep(ctx, inst.ID, string(inst.State), id, req.PromptText, false); err != nil {
			return scenario.Instance{}, err
		}
	}
	if len(msg.Buttons) > 0 {
		g.runner.Sessions().SetButtonMessage(inst.UserID, inst.ID, inst.State, ids[len(ids)-1], now)
	}
	return inst, nil
}

// ScheduleScenario queues a one-shot launch and returns the job id.
func (g *Gateway) ScheduleScenario(spec api.LaunchSpec, at time.Time) (string, error) {
	if _, ok := scenario.Lookup(spec.Type); !ok {
		return "", fmt.Errorf("%w: %q", scenario.ErrUnknownScenario, spec.Type)
	}
	job, err := g.cron.AddOnce(fmt.Sprintf("launch:%s:%s", spec.Type, spec.UserID), at, cron.Payload{
		Kind:       cron.JobLaunch,
		Scenario:   string(spec.Type),
		Mode:       string(spec.Mode),
		Recipients: []config.LaunchRecipient{{UserID: spec.UserID, ChatID: spec.ChatID}},
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

const (
	sweepJobName = "sweep"
	evictJobName = "evict-sessions"
)

// ensureJobs installs the recurring jobs named in config and drops recurring
// jobs that config no longer names.
func (g *Gateway) ensureJobs() error {
	keep := make(map[string]bool)
	var errs []error
	ensure := func(name, expr string, payload cron.Payload) {
		if expr == "" {
			return
		}
		if _, err := g.cron.Ensure(name, cron.Schedule{Kind: cron.KindCron, Expr: expr}, payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		keep[name] = true
	}

	ensure(sweepJobName, g.cfg.Sweep.Schedule, cron.Payload{Kind: cron.JobSweep})
	ensure(evictJobName, g.cfg.Sessions.EvictSchedule, cron.Payload{Kind: cron.JobEvict})
	for i, l := range g.cfg.Launches {
		ensure(fmt.Sprintf("launch:%s:%d", l.Scenario, i), l.Schedule, cron.Payload{
			Kind:       cron.JobLaunch,
			Scenario:   l.Scenario,
			Mode:       l.Mode,
			Recipients: l.Recipients,
		})
	}

	if n := g.cron.PruneExcept(keep); n > 0 {
		g.logger.Info("removed stale jobs", zap.Int("count", n))
	}
	return errors.Join(errs...)
}

func (g *Gateway) onJob(ctx context.Context, job cron.CronJob) (string, error) {
	switch job.Payload.Kind {
	case cron.JobSweep:
		rep, err := g.sweeper.Run(ctx)
		if errors.Is(err, sweep.ErrInProgress) {
			return "skipped: sweep in progress", nil
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("examined %d instances, wrote %d events, deferred %d groups",
			rep.InstancesExamined, rep.EventsWritten, rep.GroupsDeferred), nil

	case cron.JobEvict:
		n := g.runner.EvictIdle(g.idleTimeout)
		return fmt.Sprintf("evicted %d sessions", n), nil

	case cron.JobLaunch:
		return g.launchAll(ctx, job.Payload)

	default:
		return "", fmt.Errorf("unknown job kind %q", job.Payload.Kind)
	}
}

func (g *Gateway) launchAll(ctx context.Context, p cron.Payload) (string, error) {
	typ, err := scenario.ParseType(p.Scenario)
	if err != nil {
		return "", err
	}
	mode, err := scenario.ParseDeliveryMode(p.Mode)
	if err != nil {
		return "", err
	}

	var launched, skipped int
	var errs []error
	for _, r := range p.Recipients {
		_, err := g.LaunchScenario(ctx, api.LaunchSpec{UserID: r.UserID, ChatID: r.ChatID, Type: typ, Mode: mode})
		switch {
		case err == nil:
			launched++
		case errors.Is(err, scenario.ErrAlreadyOpen):
			skipped++
		default:
			g.logger.Error("launch failed",
				zap.String("scenario", string(typ)),
				zap.String("user_id", r.UserID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", r.UserID, err))
		}
	}
	return fmt.Sprintf("launched %d, already open %d", launched, skipped), errors.Join(errs...)
}
