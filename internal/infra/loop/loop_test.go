package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"agentd/internal/domain"
	"agentd/internal/infra/memory"
)

type funcModel struct {
	step func(ctx context.Context, turns []domain.Turn, tools []domain.CapabilityDescriptor) (domain.ReasoningStep, error)
}

func (m *funcModel) Step(ctx context.Context, turns []domain.Turn, tools []domain.CapabilityDescriptor) (domain.ReasoningStep, error) {
	return m.step(ctx, turns, tools)
}

type staticResolver struct {
	entries map[string]domain.RepositoryEntry
}

func newStaticResolver(names ...string) *staticResolver {
	entries := make(map[string]domain.RepositoryEntry, len(names))
	for _, name := range names {
		entries[name] = domain.RepositoryEntry{
			Descriptor: domain.CapabilityDescriptor{Name: name, Kind: domain.KindTool},
			Handler: func(_ context.Context, _ map[string]any) (any, error) {
				return nil, nil
			},
		}
	}
	return &staticResolver{entries: entries}
}

func (r *staticResolver) Resolve(name string) (domain.RepositoryEntry, error) {
	entry, ok := r.entries[name]
	if !ok {
		return domain.RepositoryEntry{}, domain.E(domain.CodeUnknownCapability, "resolve", fmt.Sprintf("capability %q", name), domain.ErrUnknownCapability)
	}
	return entry, nil
}

func (r *staticResolver) Descriptors() []domain.CapabilityDescriptor {
	out := make([]domain.CapabilityDescriptor, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.Descriptor)
	}
	return out
}

type countingInvoker struct {
	mu     sync.Mutex
	calls  int
	result any
	err    error
	begin  chan string
	gate   chan struct{}
}

func (i *countingInvoker) Invoke(ctx context.Context, entry domain.RepositoryEntry, _ map[string]any) (any, error) {
	i.mu.Lock()
	i.calls++
	i.mu.Unlock()
	if i.begin != nil {
		i.begin <- entry.Descriptor.Name
	}
	if i.gate != nil {
		select {
		case <-i.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return i.result, i.err
}

func (i *countingInvoker) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls
}

func newTestLoop(t *testing.T, model domain.ChatModel, resolver domain.CapabilityResolver, invoker domain.CapabilityInvoker, mem domain.ChatMemory, mutate func(*Options)) *Loop {
	t.Helper()
	opts := Options{
		Resolver: resolver,
		Invoker:  invoker,
		Model:    model,
		Memory:   mem,
	}
	if mutate != nil {
		mutate(&opts)
	}
	l, err := New(opts)
	require.NoError(t, err)
	return l
}

func TestRun_RespondImmediately(t *testing.T) {
	model := &funcModel{step: func(_ context.Context, _ []domain.Turn, _ []domain.CapabilityDescriptor) (domain.ReasoningStep, error) {
		return domain.RespondStep("forty two"), nil
	}}
	mem := memory.NewBuffer()
	l := newTestLoop(t, model, newStaticResolver(), &countingInvoker{}, mem, nil)

	outcome, err := l.Run(context.Background(), "what is the answer?")
	require.NoError(t, err)
	require.Equal(t, domain.RunDone, outcome.Status)
	require.Equal(t, "forty two", outcome.Answer)
	require.Equal(t, 1, outcome.Iterations)

	turns, err := mem.Read()
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, domain.RoleUser, turns[0].Role)
	require.Equal(t, domain.RoleAssistant, turns[1].Role)
}

func TestRun_StateTransitionsCoverEveryPhase(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	invoker := &countingInvoker{result: "7"}
	iteration := 0
	model := &funcModel{step: func(_ context.Context, _ []domain.Turn, _ []domain.CapabilityDescriptor) (domain.ReasoningStep, error) {
		iteration++
		if iteration == 1 {
			return domain.CallStep(domain.CapabilityCall{CallID: "c1", Name: "add", Args: map[string]any{"a": 3, "b": 4}}), nil
		}
		return domain.RespondStep("seven"), nil
	}}
	l := newTestLoop(t, model, newStaticResolver("add"), invoker, nil, func(opts *Options) {
		opts.Logger = zap.New(core)
	})

	outcome, err := l.Run(context.Background(), "add 3 and 4")
	require.NoError(t, err)
	require.Equal(t, domain.RunDone, outcome.Status)

	var visited []string
	for _, entry := range logs.FilterMessage("state transition").All() {
		visited = append(visited, entry.ContextMap()["to"].(string))
	}
	require.Equal(t, []string{
		"thinking",
		"calling",
		"awaiting_tool_result",
		"thinking",
		"responding",
		"done",
	}, visited)
}

func TestRun_IterationLimitAllowsExactlyMaxCalls(t *testing.T) {
	invoker := &countingInvoker{result: "ok"}
	calls := 0
	model := &funcModel{step: func(_ context.Context, _ []domain.Turn, _ []domain.CapabilityDescriptor) (domain.ReasoningStep, error) {
		calls++
		return domain.CallStep(domain.CapabilityCall{
			CallID: fmt.Sprintf("call-%d", calls),
			Name:   "work",
		}), nil
	}}
	l := newTestLoop(t, model, newStaticResolver("work"), invoker, memory.NewBuffer(), func(o *Options) {
		o.MaxIterations = 3
	})

	outcome, err := l.Run(context.Background(), "work forever")
	require.NoError(t, err)
	require.Equal(t, domain.RunFailed, outcome.Status)
	require.Equal(t, domain.FailureLimitExceeded, outcome.Reason)
	require.Equal(t, 3, invoker.count())
}

func TestRun_ToolResultFeedsNextStep(t *testing.T) {
	invoker := &countingInvoker{result: map[string]any{"sum": 7}}
	model := &funcModel{step: func(_ context.Context, turns []domain.Turn, _ []domain.CapabilityDescriptor) (domain.ReasoningStep, error) {
		last := turns[len(turns)-1]
		if last.Role == domain.RoleTool {
			return domain.RespondStep("the sum is in " + last.Content), nil
		}
		return domain.CallStep(domain.CapabilityCall{CallID: "c1", Name: "add", Args: map[string]any{"a": 3, "b": 4}}), nil
	}}
	mem := memory.NewBuffer()
	l := newTestLoop(t, model, newStaticResolver("add"), invoker, mem, nil)

	outcome, err := l.Run(context.Background(), "add 3 and 4")
	require.NoError(t, err)
	require.Equal(t, domain.RunDone, outcome.Status)
	require.Contains(t, outcome.Answer, `"sum":7`)
	require.Equal(t, 2, outcome.Iterations)

	turns, err := mem.Read()
	require.NoError(t, err)
	require.Len(t, turns, 4)
	require.Equal(t, domain.RoleAssistant, turns[1].Role)
	require.Equal(t, "c1", turns[1].CallID)
	require.Equal(t, domain.RoleTool, turns[2].Role)
	require.Equal(t, "c1", turns[2].CallID)
	require.False(t, turns[2].IsError)
}

func TestRun_UnknownCapabilityGetsCorrectiveTurn(t *testing.T) {
	invoker := &countingInvoker{}
	asked := false
	model := &funcModel{step: func(_ context.Context, turns []domain.Turn, _ []domain.CapabilityDescriptor) (domain.ReasoningStep, error) {
		if !asked {
			asked = true
			return domain.CallStep(domain.CapabilityCall{CallID: "c1", Name: "ghost"}), nil
		}
		last := turns[len(turns)-1]
		if !last.IsError {
			return domain.ReasoningStep{}, errors.New("expected an error turn")
		}
		return domain.RespondStep("recovered"), nil
	}}
	mem := memory.NewBuffer()
	l := newTestLoop(t, model, newStaticResolver(), invoker, mem, nil)

	outcome, err := l.Run(context.Background(), "use the ghost tool")
	require.NoError(t, err)
	require.Equal(t, domain.RunDone, outcome.Status)
	require.Equal(t, "recovered", outcome.Answer)
	require.Zero(t, invoker.count())

	turns, err := mem.Read()
	require.NoError(t, err)
	require.Len(t, turns, 4)
	require.True(t, turns[2].IsError)
	require.Contains(t, turns[2].Content, string(domain.CodeUnknownCapability))
}

func TestRun_RetryExhaustionAbortsRun(t *testing.T) {
	invoker := &countingInvoker{err: domain.E(domain.CodeConnection, "dispatch", "peer unreachable", nil)}
	model := &funcModel{step: func(_ context.Context, _ []domain.Turn, _ []domain.CapabilityDescriptor) (domain.ReasoningStep, error) {
		return domain.CallStep(domain.CapabilityCall{CallID: "c1", Name: "work"}), nil
	}}
	l := newTestLoop(t, model, newStaticResolver("work"), invoker, memory.NewBuffer(), func(o *Options) {
		o.MaxRetriesPerCall = 2
	})

	outcome, err := l.Run(context.Background(), "do the work")
	require.NoError(t, err)
	require.Equal(t, domain.RunFailed, outcome.Status)
	require.Equal(t, domain.FailureToolUnavailable, outcome.Reason)
	require.Equal(t, "work", outcome.Stage)
	require.Equal(t, 2, invoker.count())
}

func TestRun_FanOutJoinsBeforeNextStep(t *testing.T) {
	invoker := &countingInvoker{
		result: "ok",
		begin:  make(chan string, 3),
		gate:   make(chan struct{}),
	}
	asked := false
	model := &funcModel{step: func(_ context.Context, turns []domain.Turn, _ []domain.CapabilityDescriptor) (domain.ReasoningStep, error) {
		if !asked {
			asked = true
			return domain.CallStep(
				domain.CapabilityCall{CallID: "c1", Name: "a"},
				domain.CapabilityCall{CallID: "c2", Name: "b"},
				domain.CapabilityCall{CallID: "c3", Name: "c"},
			), nil
		}
		// Every result must already be present.
		toolTurns := 0
		for _, turn := range turns {
			if turn.Role == domain.RoleTool {
				toolTurns++
			}
		}
		if toolTurns != 3 {
			return domain.ReasoningStep{}, fmt.Errorf("saw %d tool turns, want 3", toolTurns)
		}
		return domain.RespondStep("all three done"), nil
	}}
	mem := memory.NewBuffer()
	l := newTestLoop(t, model, newStaticResolver("a", "b", "c"), invoker, mem, nil)

	type runResult struct {
		outcome Outcome
		err     error
	}
	done := make(chan runResult, 1)
	go func() {
		outcome, err := l.Run(context.Background(), "run all three")
		done <- runResult{outcome: outcome, err: err}
	}()

	// All three dispatches must be in flight at once before any completes.
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case name := <-invoker.begin:
			seen[name] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d calls in flight, want 3", i)
		}
	}
	require.Len(t, seen, 3)
	close(invoker.gate)

	result := <-done
	require.NoError(t, result.err)
	require.Equal(t, domain.RunDone, result.outcome.Status)
	require.Equal(t, "all three done", result.outcome.Answer)

	// Tool results land in request order regardless of completion order.
	turns, err := mem.Read()
	require.NoError(t, err)
	var order []string
	for _, turn := range turns {
		if turn.Role == domain.RoleTool {
			order = append(order, turn.CallID)
		}
	}
	require.Equal(t, []string{"c1", "c2", "c3"}, order)
}

func TestRun_ModelFailureFailsRun(t *testing.T) {
	model := &funcModel{step: func(_ context.Context, _ []domain.Turn, _ []domain.CapabilityDescriptor) (domain.ReasoningStep, error) {
		return domain.ReasoningStep{}, errors.New("provider unavailable")
	}}
	l := newTestLoop(t, model, newStaticResolver(), &countingInvoker{}, memory.NewBuffer(), nil)

	outcome, err := l.Run(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, domain.RunFailed, outcome.Status)
	require.Equal(t, domain.FailureModelError, outcome.Reason)
	require.Equal(t, "model", outcome.Stage)
}

func TestRun_ErrorStepFailsRun(t *testing.T) {
	model := &funcModel{step: func(_ context.Context, _ []domain.Turn, _ []domain.CapabilityDescriptor) (domain.ReasoningStep, error) {
		return domain.ErrorStep("malformed_arguments", "not json"), nil
	}}
	l := newTestLoop(t, model, newStaticResolver(), &countingInvoker{}, memory.NewBuffer(), nil)

	outcome, err := l.Run(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, domain.RunFailed, outcome.Status)
	require.Equal(t, domain.FailureModelError, outcome.Reason)
}

func TestRun_ExternalCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := &funcModel{step: func(ctx context.Context, _ []domain.Turn, _ []domain.CapabilityDescriptor) (domain.ReasoningStep, error) {
		<-ctx.Done()
		return domain.ReasoningStep{}, ctx.Err()
	}}
	mem := memory.NewBuffer()
	l := newTestLoop(t, model, newStaticResolver(), &countingInvoker{}, mem, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	outcome, err := l.Run(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, domain.RunCancelled, outcome.Status)

	// Partial progress stays readable after cancellation.
	turns, err := mem.Read()
	require.NoError(t, err)
	require.NotEmpty(t, turns)
	require.Equal(t, domain.RoleUser, turns[0].Role)
}

func TestRun_WallClockBudgetBehavesAsLimit(t *testing.T) {
	model := &funcModel{step: func(ctx context.Context, _ []domain.Turn, _ []domain.CapabilityDescriptor) (domain.ReasoningStep, error) {
		<-ctx.Done()
		return domain.ReasoningStep{}, ctx.Err()
	}}
	l := newTestLoop(t, model, newStaticResolver(), &countingInvoker{}, memory.NewBuffer(), func(o *Options) {
		o.WallClockBudget = 50 * time.Millisecond
	})

	outcome, err := l.Run(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, domain.RunFailed, outcome.Status)
	require.Equal(t, domain.FailureLimitExceeded, outcome.Reason)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Resolver: newStaticResolver(), Invoker: &countingInvoker{}})
	require.Error(t, err)
}
