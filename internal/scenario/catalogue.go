package scenario

import (
	"fmt"
	"sort"
)

var catalogue = map[Type]*Definition{
	Morning: {
		Type:     Morning,
		Tasks:    []string{"mood", "plan"},
		States:   []State{"sent", "waiting_mood", "waiting_plan", "finished"},
		Terminal: []State{"finished"},
		Edges: map[State]map[Event]Edge{
			"sent": {
				EventStart: {To: "waiting_mood"},
				EventSkip:  {To: "waiting_plan", Skip: true, Completes: []int{0}},
			},
			"waiting_mood": {
				EventText: {To: "waiting_mood", Render: RenderNone},
				EventDone: {To: "waiting_plan", Completes: []int{0}},
				EventSkip: {To: "finished", Skip: true},
			},
			"waiting_plan": {
				EventText: {To: "waiting_plan", Render: RenderNone},
				EventDone: {To: "finished"},
			},
		},
		DefersClassification: true,
	},
	EveningSimplified: {
		Type:     EveningSimplified,
		Tasks:    []string{"negative", "positive"},
		States:   []State{"sent", "waiting_negative", "waiting_positive", "finished"},
		Terminal: []State{"finished"},
		Edges: map[State]map[Event]Edge{
			"sent": {
				EventStart: {To: "waiting_negative"},
				EventSkip:  {To: "waiting_positive", Skip: true, Completes: []int{0}},
			},
			"waiting_negative": {
				EventText:    {To: "waiting_negative", Render: RenderNone},
				EventExample: {To: "waiting_negative", Render: RenderExample},
				EventDone:    {To: "waiting_positive", Completes: []int{0}},
				EventSkip:    {To: "finished", Skip: true},
			},
			"waiting_positive": {
				EventText:    {To: "waiting_positive", Render: RenderNone},
				EventExample: {To: "waiting_positive", Render: RenderExample},
				EventDone:    {To: "finished"},
			},
		},
		Sentiment: map[State]Bucket{
			"waiting_negative": BucketNegative,
			"waiting_positive": BucketPositive,
		},
	},
	DeepWork: {
		Type:     DeepWork,
		Tasks:    []string{"task", "focus", "review"},
		States:   []State{"sent", "choosing_task", "focusing", "reviewing", "completed"},
		Terminal: []State{"completed"},
		Edges: map[State]map[Event]Edge{
			"sent": {
				EventStart: {To: "choosing_task"},
			},
			"choosing_task": {
				EventText: {To: "choosing_task", Render: RenderNone},
				EventDone: {To: "focusing", Completes: []int{0}},
			},
			"focusing": {
				EventDone: {To: "reviewing", Completes: []int{1}},
				EventSkip: {To: "completed", Skip: true},
			},
			"reviewing": {
				EventText: {To: "reviewing", Render: RenderNone},
				EventDone: {To: "completed"},
			},
		},
	},
	ShortJoy: {
		Type:     ShortJoy,
		Tasks:    []string{"list", "choice"},
		States:   []State{"sent", "waiting_list", "waiting_choice", "finished"},
		Terminal: []State{"finished"},
		Edges: map[State]map[Event]Edge{
			"sent": {
				EventStart: {To: "waiting_list"},
				EventSkip:  {To: "waiting_choice", Skip: true, Completes: []int{0}},
			},
			"waiting_list": {
				EventText:    {To: "waiting_list", Render: RenderNone},
				EventExample: {To: "waiting_list", Render: RenderExample},
				EventDone:    {To: "waiting_choice", Completes: []int{0}},
			},
			"waiting_choice": {
				EventText: {To: "waiting_choice", Render: RenderNone},
				EventDone: {To: "finished"},
			},
		},
		Sentiment: map[State]Bucket{
			"waiting_list": BucketPositive,
		},
	},
	Nag: {
		Type:     Nag,
		Tasks:    []string{"task"},
		States:   []State{"sent", "waiting_reason", "finished"},
		Terminal: []State{"finished"},
		Edges: map[State]map[Event]Edge{
			"sent": {
				EventDone:    {To: "finished", Skip: true},
				EventNotDone: {To: "waiting_reason"},
			},
			"waiting_reason": {
				EventText: {To: "waiting_reason", Render: RenderNone},
				EventDone: {To: "finished"},
			},
		},
		Sentiment: map[State]Bucket{
			"waiting_reason": BucketNegative,
		},
	},
}

func init() {
	for t, d := range catalogue {
		if t != d.Type {
			panic(fmt.Sprintf("scenario catalogue key %q holds definition %q", t, d.Type))
		}
		if err := d.Validate(); err != nil {
			panic("scenario catalogue: " + err.Error())
		}
	}
}

// Lookup returns the definition of a scenario type.
func Lookup(t Type) (*Definition, bool) {
	d, ok := catalogue[t]
	return d, ok
}

// Types lists every known scenario type in a stable order.
func Types() []Type {
	out := make([]Type, 0, len(catalogue))
	for t := range catalogue {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
