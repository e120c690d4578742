// Package scenario defines the multi-step flows a user can have in flight: their
// typed state sets, transition tables, completion tasks and sentiment buckets.
package scenario

import (
	"fmt"
	"time"
)

// Type identifies a scenario flow.
type Type string

const (
	Morning           Type = "morning"
	EveningSimplified Type = "evening_simplified"
	DeepWork          Type = "deep_work"
	ShortJoy          Type = "short_joy"
	Nag               Type = "nag"
)

// State is one value of a scenario's own finite state set. States are only
// ever compared for exact equality.
type State string

// Event is a symbolic input requested against an instance.
type Event string

const (
	EventStart   Event = "start"
	EventText    Event = "text"
	EventExample Event = "example"
	EventDone    Event = "done"
	EventSkip    Event = "skip"
	EventNotDone Event = "not_done"
)

// DeliveryMode says where an instance lives on the transport.
type DeliveryMode string

const (
	Direct       DeliveryMode = "direct"
	SharedThread DeliveryMode = "shared_thread"
)

// Bucket is the sentiment group a ledger entry is classified into.
type Bucket string

const (
	BucketNegative Bucket = "negative"
	BucketPositive Bucket = "positive"
	BucketUnclear  Bucket = "unclear"
)

// Direction is the author side of a ledger entry.
type Direction string

const (
	DirectionUser Direction = "user"
	DirectionBot  Direction = "bot"
)

// Instance is one in-flight or completed run of a scenario for one user.
// ID is the anchor assigned by the transport when the scenario was launched.
type Instance struct {
	ID                string
	UserID            string
	ChatID            string
	Type              Type
	State             State
	Mode              DeliveryMode
	ThreadID          int64 // 0 when the instance is not anchored to a thread
	StepPointers      map[string]int64
	CompletionFlags   []bool
	LaunchDay         string
	CreatedAt         time.Time
	LastInteractionAt time.Time
}

// Open reports whether at least one major task is still incomplete.
func (i Instance) Open() bool {
	for _, done := range i.CompletionFlags {
		if !done {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate maps and flags freely.
func (i Instance) Clone() Instance {
	out := i
	out.StepPointers = make(map[string]int64, len(i.StepPointers))
	for k, v := range i.StepPointers {
		out.StepPointers[k] = v
	}
	out.CompletionFlags = append([]bool(nil), i.CompletionFlags...)
	return out
}

// AnchorID builds the instance id the transport assigns at launch: the chat and
// the id of the first step message the bot sent there.
func AnchorID(chatID string, messageID int64) string {
	return fmt.Sprintf("%s:%d", chatID, messageID)
}

// ParseType validates a scenario type name.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if _, ok := catalogue[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownScenario, s)
	}
	return t, nil
}

// ParseDeliveryMode validates a delivery mode name. Empty means direct.
func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch DeliveryMode(s) {
	case "", Direct:
		return Direct, nil
	case SharedThread:
		return SharedThread, nil
	}
	return "", fmt.Errorf("unknown delivery mode %q", s)
}
