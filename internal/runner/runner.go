// Package runner advances scenario instances through their transition graphs,
// persists every accepted step and tells the presentation layer what to show.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/companion/internal/logging"
	"github.com/stellarlinkco/companion/internal/scenario"
	"github.com/stellarlinkco/companion/internal/store"
)

// Store is the subset of persistence the runner needs.
type Store interface {
	GetInstance(ctx context.Context, id string) (scenario.Instance, error)
	CreateInstance(ctx context.Context, inst scenario.Instance) error
	HasOpenInstance(ctx context.Context, userID string, typ scenario.Type, day string) (bool, error)
	UpdateInstanceState(ctx context.Context, id string, from, to scenario.State, flags []bool, at time.Time) error
	SetStepPointer(ctx context.Context, id, step string, messageID int64, at time.Time) error
	AppendLedger(ctx context.Context, e store.LedgerEntry) (store.LedgerEntry, bool, error)
	LedgerEntry(ctx context.Context, chatID string, messageID int64) (store.LedgerEntry, error)
}

// ReasonStaleButton rejects a press on buttons that were issued for a step
// the instance has already left.
const ReasonStaleButton = "stale button"

// Event is one requested transition. BotMessageID, when set, is the id of the
// message the bot already sent for the target step. ButtonMessageID is the
// message whose button was pressed; zero for typed input.
type Event struct {
	Name            scenario.Event
	UserID          string
	Text            string
	BotMessageID    int64
	ButtonMessageID int64
}

// Outcome reports what an Advance did. A rejected event is not an error: the
// instance is unchanged and Render asks for a re-prompt.
type Outcome struct {
	Instance  scenario.Instance
	From      scenario.State
	To        scenario.State
	Render    []scenario.RenderIntent
	Rejection *scenario.RejectedError
}

func (o Outcome) Accepted() bool { return o.Rejection == nil }

type Options struct {
	Location *time.Location
	Now      func() time.Time
	Logger   *zap.Logger
}

type Runner struct {
	store    Store
	sessions *Sessions
	loc      *time.Location
	now      func() time.Time
	logger   *zap.Logger
}

func New(s Store, sessions *Sessions, opts Options) *Runner {
	if sessions == nil {
		sessions = NewSessions()
	}
	r := &Runner{
		store:    s,
		sessions: sessions,
		loc:      opts.Location,
		now:      opts.Now,
		logger:   logging.OrNop(opts.Logger).Named("runner"),
	}
	if r.loc == nil {
		r.loc = time.UTC
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func (r *Runner) Sessions() *Sessions { return r.sessions }

// Advance applies ev to the instance.
func (r *Runner) Advance(ctx context.Context, instanceID string, ev Event) (Outcome, error) {
	inst, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return Outcome{}, fmt.Errorf("advance %s: %w", instanceID, err)
	}
	def, ok := scenario.Lookup(inst.Type)
	if !ok {
		return Outcome{}, fmt.Errorf("advance %s: %w: %q", instanceID, scenario.ErrUnknownScenario, inst.Type)
	}

	var edge scenario.Edge
	switch {
	case ev.UserID != "" && ev.UserID != inst.UserID:
		err = &scenario.RejectedError{InstanceID: inst.ID, State: inst.State, Event: ev.Name, Reason: "sender does not own instance"}
	case ev.ButtonMessageID != 0:
		current, cerr := r.buttonsCurrent(ctx, inst, ev.ButtonMessageID)
		if cerr != nil {
			return Outcome{}, fmt.Errorf("advance %s: %w", instanceID, cerr)
		}
		if !current {
			err = &scenario.RejectedError{InstanceID: inst.ID, State: inst.State, Event: ev.Name, Reason: ReasonStaleButton}
		}
	}
	if err == nil {
		edge, err = def.Transition(inst.ID, inst.State, ev.Name)
	}
	if err != nil {
		var rej *scenario.RejectedError
		if !errors.As(err, &rej) {
			return Outcome{}, err
		}
		r.logger.Warn("transition rejected",
			zap.String("instance_id", inst.ID),
			zap.String("user_id", inst.UserID),
			zap.String("state", string(inst.State)),
			zap.String("event", string(ev.Name)),
			zap.String("reason", rej.Reason))
		return Outcome{
			Instance:  inst,
			From:      inst.State,
			To:        inst.State,
			Render:    []scenario.RenderIntent{scenario.Reprompt{Scenario: inst.Type, Step: inst.State}},
			Rejection: rej,
		}, nil
	}

	now := r.now()
	flags := def.Apply(inst.CompletionFlags, edge)
	if err := r.store.UpdateInstanceState(ctx, inst.ID, inst.State, edge.To, flags, now); err != nil {
		return Outcome{}, fmt.Errorf("advance %s: %w", instanceID, err)
	}
	if ev.BotMessageID != 0 {
		if err := r.store.SetStepPointer(ctx, inst.ID, string(edge.To), ev.BotMessageID, now); err != nil {
			return Outcome{}, fmt.Errorf("advance %s: %w", instanceID, err)
		}
		inst.StepPointers[string(edge.To)] = ev.BotMessageID
	}

	out := Outcome{From: inst.State, To: edge.To}
	inst.State = edge.To
	inst.CompletionFlags = flags
	inst.LastInteractionAt = now
	out.Instance = inst

	switch {
	case def.IsTerminal(edge.To):
		out.Render = []scenario.RenderIntent{scenario.Farewell{Scenario: inst.Type}}
		r.sessions.Evict(inst.UserID, inst.ID)
	case edge.Render == scenario.RenderExample:
		n := r.sessions.NextExample(inst.UserID, inst.ID, edge.To, now)
		out.Render = []scenario.RenderIntent{scenario.Example{Scenario: inst.Type, Step: edge.To, N: n}}
	case edge.Render == scenario.RenderPrompt:
		out.Render = []scenario.RenderIntent{scenario.Prompt{Scenario: inst.Type, Step: edge.To}}
	}

	r.logger.Debug("transition accepted",
		zap.String("instance_id", inst.ID),
		zap.String("event", string(ev.Name)),
		zap.String("from", string(out.From)),
		zap.String("state", string(out.To)),
		zap.Bool("skip", edge.Skip))
	return out, nil
}

// buttonsCurrent reports whether messageID was issued for the instance's
// current step. The session's button message answers without a read; after
// eviction the ledger row of the message decides.
func (r *Runner) buttonsCurrent(ctx context.Context, inst scenario.Instance, messageID int64) (bool, error) {
	if id := r.sessions.ButtonMessage(inst.UserID, inst.ID, inst.State); id != 0 && id == messageID {
		return true, nil
	}
	entry, err := r.store.LedgerEntry(ctx, inst.ChatID, messageID)
	if errors.Is(err, scenario.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return entry.InstanceID == inst.ID &&
		entry.Direction == scenario.DirectionBot &&
		entry.BotStepKind == string(inst.State), nil
}

// LaunchRequest creates a new instance. ID defaults to the anchor built from
// ChatID and FirstStepMessageID.
type LaunchRequest struct {
	ID                 string
	UserID             string
	ChatID             string
	Type               scenario.Type
	Mode               scenario.DeliveryMode
	ThreadID           int64
	FirstStepMessageID int64
	PromptText         string
	At                 time.Time
}

// LaunchDay is the calendar day, in the runner's timezone, at which at falls.
func (r *Runner) LaunchDay(at time.Time) string {
	return at.In(r.loc).Format("2006-01-02")
}

// HasOpen reports whether the user already runs an open instance of typ today.
func (r *Runner) HasOpen(ctx context.Context, userID string, typ scenario.Type, at time.Time) (bool, error) {
	if at.IsZero() {
		at = r.now()
	}
	return r.store.HasOpenInstance(ctx, userID, typ, r.LaunchDay(at))
}

// Launch persists a new instance in its initial state and records the first
// step message in the ledger.
func (r *Runner) Launch(ctx context.Context, req LaunchRequest) (scenario.Instance, error) {
	def, ok := scenario.Lookup(req.Type)
	if !ok {
		return scenario.Instance{}, fmt.Errorf("launch: %w: %q", scenario.ErrUnknownScenario, req.Type)
	}
	if req.UserID == "" || req.ChatID == "" || req.FirstStepMessageID == 0 {
		return scenario.Instance{}, fmt.Errorf("launch: user, chat and first step message id are required")
	}
	at := req.At
	if at.IsZero() {
		at = r.now()
	}
	mode := req.Mode
	if mode == "" {
		mode = scenario.Direct
	}
	id := req.ID
	if id == "" {
		id = scenario.AnchorID(req.ChatID, req.FirstStepMessageID)
	}

	inst := scenario.Instance{
		ID:                id,
		UserID:            req.UserID,
		ChatID:            req.ChatID,
		Type:              def.Type,
		State:             def.Initial(),
		Mode:              mode,
		ThreadID:          req.ThreadID,
		StepPointers:      map[string]int64{string(def.Initial()): req.FirstStepMessageID},
		CompletionFlags:   def.NewFlags(),
		LaunchDay:         r.LaunchDay(at),
		CreatedAt:         at,
		LastInteractionAt: at,
	}
	if err := r.store.CreateInstance(ctx, inst); err != nil {
		return scenario.Instance{}, fmt.Errorf("launch %s: %w", req.Type, err)
	}
	if _, _, err := r.store.AppendLedger(ctx, store.LedgerEntry{
		ChatID:      req.ChatID,
		MessageID:   req.FirstStepMessageID,
		UserID:      req.UserID,
		InstanceID:  inst.ID,
		Direction:   scenario.DirectionBot,
		BotStepKind: string(def.Initial()),
		PreviewText: req.PromptText,
		CreatedAt:   at,
	}); err != nil {
		return scenario.Instance{}, fmt.Errorf("launch %s: record first step: %w", req.Type, err)
	}

	r.logger.Info("scenario launched",
		zap.String("instance_id", inst.ID),
		zap.String("user_id", inst.UserID),
		zap.String("scenario", string(inst.Type)),
		zap.String("mode", string(inst.Mode)))
	return inst, nil
}

// RecordBotStep stores the message id the bot used for a step and adds the
// message to the ledger so replies to it resolve back to the instance.
func (r *Runner) RecordBotStep(ctx context.Context, instanceID, stepKind string, messageID int64, preview string, hasButtons bool) error {
	if messageID == 0 {
		return fmt.Errorf("record bot step %s: message id is required", instanceID)
	}
	inst, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("record bot step: %w", err)
	}
	now := r.now()
	if stepKind != "" {
		if err := r.store.SetStepPointer(ctx, instanceID, stepKind, messageID, now); err != nil {
			return fmt.Errorf("record bot step: %w", err)
		}
	}
	if _, _, err := r.store.AppendLedger(ctx, store.LedgerEntry{
		ChatID:      inst.ChatID,
		MessageID:   messageID,
		UserID:      inst.UserID,
		InstanceID:  instanceID,
		Direction:   scenario.DirectionBot,
		BotStepKind: stepKind,
		PreviewText: preview,
		CreatedAt:   now,
	}); err != nil {
		return fmt.Errorf("record bot step: %w", err)
	}
	if hasButtons && inst.Open() && stepKind == string(inst.State) {
		r.sessions.SetButtonMessage(inst.UserID, instanceID, inst.State, messageID, now)
	}
	return nil
}

// EvictIdle drops sessions idle for longer than idle.
func (r *Runner) EvictIdle(idle time.Duration) int {
	n := r.sessions.EvictIdle(r.now(), idle)
	if n > 0 {
		r.logger.Info("evicted idle sessions", zap.Int("count", n))
	}
	return n
}
