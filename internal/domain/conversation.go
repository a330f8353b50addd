package domain

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one entry in a conversation. CallID correlates tool requests with
// their results; Capability names the capability a tool turn belongs to.
type Turn struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	CallID     string `json:"callId,omitempty"`
	Capability string `json:"capability,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// RunStatus is the lifecycle state of one reasoning run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunDone      RunStatus = "done"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunDone || s == RunFailed || s == RunCancelled
}

// FailureReason names why a run terminated abnormally.
type FailureReason string

const (
	FailureLimitExceeded   FailureReason = "LimitExceeded"
	FailureToolUnavailable FailureReason = "ToolUnavailable"
	FailureModelError      FailureReason = "ModelError"
)

// ConversationState is owned by exactly one reasoning run and never shared
// across concurrent runs.
type ConversationState struct {
	Turns      []Turn
	Iterations int
	Status     RunStatus
	Reason     FailureReason
}

// Append records a turn in order.
func (c *ConversationState) Append(turn Turn) {
	c.Turns = append(c.Turns, turn)
}
