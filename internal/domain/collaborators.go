package domain

import "context"

// ChatModel is the model-facing collaborator. Given the conversation so far
// and the capabilities currently resolvable, it produces the next step.
// How text is generated is outside this contract.
type ChatModel interface {
	Step(ctx context.Context, turns []Turn, tools []CapabilityDescriptor) (ReasoningStep, error)
}

// ChatMemory persists conversation turns across a run. Partial progress must
// remain readable even when a run terminates abnormally.
type ChatMemory interface {
	Append(turn Turn) error
	Read() ([]Turn, error)
}

// CapabilityResolver is the read side of the tool repository consumed by the
// reasoning loop.
type CapabilityResolver interface {
	Resolve(name string) (RepositoryEntry, error)
	Descriptors() []CapabilityDescriptor
}

// CapabilityInvoker dispatches one resolved capability call, local or remote.
type CapabilityInvoker interface {
	Invoke(ctx context.Context, entry RepositoryEntry, args map[string]any) (any, error)
}
