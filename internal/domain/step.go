package domain

// StepKind tags a ReasoningStep variant.
type StepKind string

const (
	StepRespond StepKind = "respond"
	StepCall    StepKind = "call"
	StepError   StepKind = "error"
)

// CapabilityCall is one capability invocation requested by the model.
type CapabilityCall struct {
	CallID string
	Name   string
	Args   map[string]any
}

// ReasoningStep is the tagged model output consumed by the loop: a final
// response, one or more capability calls, or a model-side error.
type ReasoningStep struct {
	Kind      StepKind
	Text      string
	Calls     []CapabilityCall
	ErrKind   string
	ErrDetail string
}

// RespondStep builds a final-answer step.
func RespondStep(text string) ReasoningStep {
	return ReasoningStep{Kind: StepRespond, Text: text}
}

// CallStep builds a capability-call step.
func CallStep(calls ...CapabilityCall) ReasoningStep {
	return ReasoningStep{Kind: StepCall, Calls: calls}
}

// ErrorStep builds a model-error step.
func ErrorStep(kind, detail string) ReasoningStep {
	return ReasoningStep{Kind: StepError, ErrKind: kind, ErrDetail: detail}
}
