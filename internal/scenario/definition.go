package scenario

import (
	"fmt"
	"slices"
)

// RenderKind says what an accepted edge asks the presentation layer to show.
type RenderKind int

const (
	RenderPrompt RenderKind = iota
	RenderNone
	RenderExample
)

// Edge is one outgoing transition of a state.
type Edge struct {
	To        State
	Skip      bool  // bypasses at least one intermediate state
	Completes []int // task indexes marked done when the edge is taken
	Render    RenderKind
}

// Definition is the transition graph of one scenario type.
type Definition struct {
	Type  Type
	Tasks []string
	// States lists every state in progression order; the index is the rank used
	// to refuse regressions. States[0] is the initial state.
	States   []State
	Terminal []State
	Edges    map[State]map[Event]Edge
	// Sentiment maps exact state values to a bucket. Unlisted states are unclear.
	Sentiment map[State]Bucket
	// DefersClassification records user entries without a state so the sweep
	// classifies them by content alone.
	DefersClassification bool
}

func (d *Definition) Initial() State {
	return d.States[0]
}

func (d *Definition) Rank(s State) (int, bool) {
	i := slices.Index(d.States, s)
	return i, i >= 0
}

func (d *Definition) IsTerminal(s State) bool {
	return slices.Contains(d.Terminal, s)
}

// BucketFor returns the sentiment bucket for an exact state value.
func (d *Definition) BucketFor(s State) Bucket {
	if b, ok := d.Sentiment[s]; ok {
		return b
	}
	return BucketUnclear
}

// NewFlags returns the completion flags of a freshly launched instance.
func (d *Definition) NewFlags() []bool {
	return make([]bool, len(d.Tasks))
}

// Transition looks up the edge for ev out of from. A missing edge or an edge
// into an already-passed state is refused with a *RejectedError.
func (d *Definition) Transition(instanceID string, from State, ev Event) (Edge, error) {
	reject := func(reason string) (Edge, error) {
		return Edge{}, &RejectedError{InstanceID: instanceID, State: from, Event: ev, Reason: reason}
	}
	fromRank, ok := d.Rank(from)
	if !ok {
		return reject("state not in scenario " + string(d.Type))
	}
	if d.IsTerminal(from) {
		return reject("scenario already finished")
	}
	edge, ok := d.Edges[from][ev]
	if !ok {
		return reject("no outgoing edge")
	}
	toRank, ok := d.Rank(edge.To)
	if !ok || toRank < fromRank {
		return reject("target state already passed")
	}
	return edge, nil
}

// Apply returns the completion flags after taking edge.
func (d *Definition) Apply(flags []bool, edge Edge) []bool {
	out := make([]bool, len(d.Tasks))
	copy(out, flags)
	if d.IsTerminal(edge.To) {
		for i := range out {
			out[i] = true
		}
		return out
	}
	for _, idx := range edge.Completes {
		out[idx] = true
	}
	return out
}

// Validate checks the graph: known targets, at least one terminal state, no
// regression edges, and skip edges that really bypass something.
func (d *Definition) Validate() error {
	if len(d.States) == 0 {
		return fmt.Errorf("%s: no states", d.Type)
	}
	if len(d.Terminal) == 0 {
		return fmt.Errorf("%s: no terminal state", d.Type)
	}
	for _, t := range d.Terminal {
		if _, ok := d.Rank(t); !ok {
			return fmt.Errorf("%s: terminal %q not in states", d.Type, t)
		}
		if len(d.Edges[t]) > 0 {
			return fmt.Errorf("%s: terminal %q has outgoing edges", d.Type, t)
		}
	}
	for from, edges := range d.Edges {
		fromRank, ok := d.Rank(from)
		if !ok {
			return fmt.Errorf("%s: edge source %q not in states", d.Type, from)
		}
		for ev, edge := range edges {
			toRank, ok := d.Rank(edge.To)
			if !ok {
				return fmt.Errorf("%s: %s --%s--> unknown state %q", d.Type, from, ev, edge.To)
			}
			if toRank < fromRank {
				return fmt.Errorf("%s: %s --%s--> %s regresses", d.Type, from, ev, edge.To)
			}
			if edge.Skip && toRank < fromRank+2 {
				return fmt.Errorf("%s: skip edge %s --%s--> %s bypasses nothing", d.Type, from, ev, edge.To)
			}
			for _, idx := range edge.Completes {
				if idx < 0 || idx >= len(d.Tasks) {
					return fmt.Errorf("%s: %s --%s--> completes unknown task %d", d.Type, from, ev, idx)
				}
			}
		}
	}
	for _, s := range d.States {
		if !d.IsTerminal(s) && len(d.Edges[s]) == 0 {
			return fmt.Errorf("%s: state %q is a dead end", d.Type, s)
		}
	}
	for s := range d.Sentiment {
		if _, ok := d.Rank(s); !ok {
			return fmt.Errorf("%s: sentiment state %q not in states", d.Type, s)
		}
	}
	return nil
}
