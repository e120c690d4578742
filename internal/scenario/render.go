package scenario

// RenderIntent is the closed set of things the presentation layer may be asked
// to show after a transition. The core never builds transport payloads itself.
type RenderIntent interface {
	isRenderIntent()
}

// Prompt asks for the prompt of a step.
type Prompt struct {
	Scenario Type
	Step     State
}

// Example asks for the n-th example for a step (1-based).
type Example struct {
	Scenario Type
	Step     State
	N        int
}

// Reprompt is the generic "didn't understand, here is the current prompt again".
type Reprompt struct {
	Scenario Type
	Step     State
}

// Farewell closes a scenario that reached a terminal state.
type Farewell struct {
	Scenario Type
}

func (Prompt) isRenderIntent()   {}
func (Example) isRenderIntent()  {}
func (Reprompt) isRenderIntent() {}
func (Farewell) isRenderIntent() {}

// StepOf returns the step an intent renders, or "" for Farewell.
func StepOf(ri RenderIntent) State {
	switch v := ri.(type) {
	case Prompt:
		return v.Step
	case Example:
		return v.Step
	case Reprompt:
		return v.Step
	}
	return ""
}
