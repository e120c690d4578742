// Package resolver maps an inbound message to the scenario instance it
// belongs to. Rules are tried in a fixed order and the first match wins.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/stellarlinkco/companion/internal/logging"
	"github.com/stellarlinkco/companion/internal/scenario"
	"github.com/stellarlinkco/companion/internal/store"
)

// Store is the subset of the persistence layer the resolver reads and writes.
type Store interface {
	LedgerEntry(ctx context.Context, chatID string, messageID int64) (store.LedgerEntry, error)
	GetInstance(ctx context.Context, id string) (scenario.Instance, error)
	InstanceByThread(ctx context.Context, chatID string, threadID int64) (scenario.Instance, error)
	LatestOpenInstance(ctx context.Context, userID string) (scenario.Instance, error)
	AppendLedger(ctx context.Context, e store.LedgerEntry) (store.LedgerEntry, bool, error)
}

type Rule int

const (
	RuleNone Rule = iota
	RuleReply
	RuleThread
	RuleRecentOpen
)

func (r Rule) String() string {
	switch r {
	case RuleReply:
		return "reply"
	case RuleThread:
		return "thread"
	case RuleRecentOpen:
		return "recent_open"
	}
	return "none"
}

// Message carries the addressing hints of one inbound message. Zero ids mean
// the hint is absent.
type Message struct {
	UserID           string
	ChatID           string
	MessageID        int64
	ReplyToMessageID int64
	ThreadID         int64
	Text             string
	At               time.Time
}

type Resolution struct {
	Instance scenario.Instance
	Rule     Rule
	Entry    store.LedgerEntry
	// Duplicate is set when the message was already in the ledger; nothing
	// was written and the caller must not act on it again.
	Duplicate bool
}

func (r Resolution) Resolved() bool {
	return r.Instance.ID != ""
}

type Resolver struct {
	store        Store
	logger       *zap.Logger
	previewLimit int
}

func New(s Store, logger *zap.Logger, previewLimit int) *Resolver {
	return &Resolver{
		store:        s,
		logger:       logging.OrNop(logger).Named("resolver"),
		previewLimit: previewLimit,
	}
}

// Lookup applies the resolution rules without writing anything. It returns
// scenario.ErrResolutionMiss when no rule matches.
func (r *Resolver) Lookup(ctx context.Context, msg Message) (scenario.Instance, Rule, error) {
	// 1. Reply to a bot message owned by the sender.
	if msg.ReplyToMessageID != 0 {
		inst, ok, err := r.byReply(ctx, msg)
		if err != nil {
			return scenario.Instance{}, RuleNone, err
		}
		if ok {
			return inst, RuleReply, nil
		}
	}

	// 2. Thread anchor owned by the sender.
	if msg.ThreadID != 0 {
		inst, err := r.store.InstanceByThread(ctx, msg.ChatID, msg.ThreadID)
		switch {
		case err == nil && inst.UserID == msg.UserID:
			return inst, RuleThread, nil
		case err != nil && !errors.Is(err, scenario.ErrNotFound):
			return scenario.Instance{}, RuleNone, fmt.Errorf("thread match: %w", err)
		}
	}

	// 3. Most recent open instance across all scenario types.
	inst, err := r.store.LatestOpenInstance(ctx, msg.UserID)
	if err == nil {
		return inst, RuleRecentOpen, nil
	}
	if !errors.Is(err, scenario.ErrNotFound) {
		return scenario.Instance{}, RuleNone, fmt.Errorf("recent open match: %w", err)
	}
	return scenario.Instance{}, RuleNone, scenario.ErrResolutionMiss
}

func (r *Resolver) byReply(ctx context.Context, msg Message) (scenario.Instance, bool, error) {
	entry, err := r.store.LedgerEntry(ctx, msg.ChatID, msg.ReplyToMessageID)
	if errors.Is(err, scenario.ErrNotFound) {
		return scenario.Instance{}, false, nil
	}
	if err != nil {
		return scenario.Instance{}, false, fmt.Errorf("reply match: %w", err)
	}
	if entry.Direction != scenario.DirectionBot || !entry.Resolved() {
		return scenario.Instance{}, false, nil
	}
	inst, err := r.store.GetInstance(ctx, entry.InstanceID)
	if errors.Is(err, scenario.ErrNotFound) {
		return scenario.Instance{}, false, nil
	}
	if err != nil {
		return scenario.Instance{}, false, fmt.Errorf("reply match: %w", err)
	}
	if inst.UserID != msg.UserID {
		r.logger.Debug("reply target owned by another user",
			zap.String("user_id", msg.UserID),
			zap.String("instance_id", inst.ID),
			zap.Int64("message_id", msg.MessageID))
		return scenario.Instance{}, false, nil
	}
	return inst, true, nil
}

// Resolve runs Lookup and records the message in the ledger exactly once:
// linked to the matched instance with its state at arrival, or unlinked on a
// miss. A message already in the ledger is reported as a duplicate.
func (r *Resolver) Resolve(ctx context.Context, msg Message) (Resolution, error) {
	if msg.ChatID == "" || msg.MessageID == 0 {
		return Resolution{}, fmt.Errorf("resolve: chat and message id are required")
	}

	if existing, err := r.store.LedgerEntry(ctx, msg.ChatID, msg.MessageID); err == nil {
		return r.duplicate(ctx, existing)
	} else if !errors.Is(err, scenario.ErrNotFound) {
		return Resolution{}, err
	}

	inst, rule, err := r.Lookup(ctx, msg)
	if err != nil && !errors.Is(err, scenario.ErrResolutionMiss) {
		return Resolution{}, err
	}

	at := msg.At
	if at.IsZero() {
		at = time.Now()
	}
	entry := store.LedgerEntry{
		ChatID:      msg.ChatID,
		MessageID:   msg.MessageID,
		UserID:      msg.UserID,
		Direction:   scenario.DirectionUser,
		PreviewText: Preview(msg.Text, r.previewLimit),
		CreatedAt:   at,
	}
	if rule != RuleNone {
		entry.InstanceID = inst.ID
		if def, ok := scenario.Lookup(inst.Type); !ok || !def.DefersClassification {
			entry.StateAtArrival = inst.State
		}
	}

	stored, inserted, err := r.store.AppendLedger(ctx, entry)
	if err != nil {
		return Resolution{}, err
	}
	if !inserted {
		return r.duplicate(ctx, stored)
	}

	if rule == RuleNone {
		r.logger.Info("resolution miss",
			zap.String("user_id", msg.UserID),
			zap.Int64("message_id", msg.MessageID),
			zap.Error(scenario.ErrResolutionMiss))
		return Resolution{Entry: stored}, nil
	}
	r.logger.Debug("resolved",
		zap.String("user_id", msg.UserID),
		zap.Int64("message_id", msg.MessageID),
		zap.String("instance_id", inst.ID),
		zap.Stringer("rule", rule),
		zap.String("state", string(inst.State)))
	return Resolution{Instance: inst, Rule: rule, Entry: stored}, nil
}

func (r *Resolver) duplicate(ctx context.Context, entry store.LedgerEntry) (Resolution, error) {
	res := Resolution{Entry: entry, Duplicate: true}
	if !entry.Resolved() {
		return res, nil
	}
	inst, err := r.store.GetInstance(ctx, entry.InstanceID)
	if err != nil && !errors.Is(err, scenario.ErrNotFound) {
		return Resolution{}, err
	}
	res.Instance = inst
	return res, nil
}

// Preview cuts text to at most limit runes. A non-positive limit keeps it whole.
func Preview(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}
