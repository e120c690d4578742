package gateway

import (
	"fmt"

	"github.com/stellarlinkco/companion/internal/bus"
	"github.com/stellarlinkco/companion/internal/scenario"
)

const callbackPrefix = "ev:"

type stepKey struct {
	typ  scenario.Type
	step scenario.State
}

var prompts = map[stepKey]string{
	{scenario.Morning, "sent"}:         "Good morning! Ready for a quick check-in?",
	{scenario.Morning, "waiting_mood"}: "How are you feeling right now? Write as much as you like, then press Done.",
	{scenario.Morning, "waiting_plan"}: "What is the one thing you want to get done today?",

	{scenario.EveningSimplified, "sent"}:             "Evening! Shall we look back at the day?",
	{scenario.EveningSimplified, "waiting_negative"}: "What didn't go well today?",
	{scenario.EveningSimplified, "waiting_positive"}: "And what went well? Even small things count.",

	{scenario.DeepWork, "sent"}:          "Time for a deep work session.",
	{scenario.DeepWork, "choosing_task"}: "Which task will you focus on?",
	{scenario.DeepWork, "focusing"}:      "Focus time. Press Done when the session is over.",
	{scenario.DeepWork, "reviewing"}:     "How did it go? Note anything worth remembering.",

	{scenario.ShortJoy, "sent"}:           "Let's plan a small joy for today.",
	{scenario.ShortJoy, "waiting_list"}:   "List a few small things that make you happy.",
	{scenario.ShortJoy, "waiting_choice"}: "Pick one of them to do today.",

	{scenario.Nag, "sent"}:           "Did you get to the task you planned?",
	{scenario.Nag, "waiting_reason"}: "What got in the way?",
}

var examples = map[stepKey][]string{
	{scenario.EveningSimplified, "waiting_negative"}: {
		"I snapped at a colleague during the standup.",
		"I skipped lunch and felt drained all afternoon.",
		"I put off the report again.",
	},
	{scenario.EveningSimplified, "waiting_positive"}: {
		"I finished the draft before noon.",
		"A walk after dinner cleared my head.",
		"A friend called just to chat.",
	},
	{scenario.ShortJoy, "waiting_list"}: {
		"A coffee in the sun.",
		"Ten minutes with a book.",
		"Calling my sister.",
	},
}

var farewells = map[scenario.Type]string{
	scenario.Morning:           "Thanks! Have a good day.",
	scenario.EveningSimplified: "Thanks for reflecting. Sleep well.",
	scenario.DeepWork:          "Session closed. Nice work.",
	scenario.ShortJoy:          "Enjoy it!",
	scenario.Nag:               "Got it, thanks.",
}

// Button order is fixed so a step always shows the same layout.
var buttonEvents = []scenario.Event{
	scenario.EventStart,
	scenario.EventDone,
	scenario.EventNotDone,
	scenario.EventExample,
	scenario.EventSkip,
}

var buttonLabels = map[scenario.Event]string{
	scenario.EventStart:   "Let's go",
	scenario.EventDone:    "Done",
	scenario.EventNotDone: "Not yet",
	scenario.EventExample: "Show an example",
	scenario.EventSkip:    "Skip",
}

// render turns one intent into the outbound message the transport sends for
// inst. It returns false for intents that show nothing.
func render(inst scenario.Instance, ri scenario.RenderIntent, channel string) (bus.OutboundMessage, bool) {
	msg := bus.OutboundMessage{
		Channel:    channel,
		ChatID:     inst.ChatID,
		InstanceID: inst.ID,
	}
	if inst.Mode == scenario.SharedThread {
		msg.ReplyTo = inst.ThreadID
	}

	switch v := ri.(type) {
	case scenario.Prompt:
		msg.Content = promptText(v.Scenario, v.Step)
		msg.Buttons = buttonsFor(v.Scenario, v.Step)
		msg.StepKind = string(v.Step)
	case scenario.Reprompt:
		msg.Content = "Sorry, I didn't get that.\n\n" + promptText(v.Scenario, v.Step)
		msg.Buttons = buttonsFor(v.Scenario, v.Step)
		msg.StepKind = string(v.Step)
	case scenario.Example:
		msg.Content = exampleText(v.Scenario, v.Step, v.N)
		msg.Buttons = buttonsFor(v.Scenario, v.Step)
		msg.StepKind = string(v.Step)
	case scenario.Farewell:
		msg.Content = farewells[v.Scenario]
		if msg.Content == "" {
			msg.Content = "Done. Thank you!"
		}
	default:
		return bus.OutboundMessage{}, false
	}
	return msg, true
}

func promptText(t scenario.Type, step scenario.State) string {
	if p, ok := prompts[stepKey{t, step}]; ok {
		return p
	}
	return fmt.Sprintf("%s: %s", t, step)
}

// exampleText cycles through the step's examples; n is 1-based.
func exampleText(t scenario.Type, step scenario.State, n int) string {
	list := examples[stepKey{t, step}]
	if len(list) == 0 {
		return promptText(t, step)
	}
	if n < 1 {
		n = 1
	}
	return "For example: " + list[(n-1)%len(list)]
}

// buttonsFor offers one button per non-text event the step accepts.
func buttonsFor(t scenario.Type, step scenario.State) [][]bus.Button {
	def, ok := scenario.Lookup(t)
	if !ok {
		return nil
	}
	edges := def.Edges[step]
	var row []bus.Button
	for _, ev := range buttonEvents {
		if _, ok := edges[ev]; ok {
			row = append(row, bus.Button{Label: buttonLabels[ev], Data: callbackPrefix + string(ev)})
		}
	}
	if len(row) == 0 {
		return nil
	}
	return [][]bus.Button{row}
}
