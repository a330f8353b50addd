// Package loop runs the bounded reasoning cycle: read the conversation, ask
// the model for a step, respond or dispatch capability calls, and terminate
// deterministically on an answer or an exhausted budget.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentd/internal/domain"
)

// runState enumerates the loop's machine states.
type runState string

const (
	stateAwaitingInput      runState = "awaiting_input"
	stateThinking           runState = "thinking"
	stateResponding         runState = "responding"
	stateCalling            runState = "calling"
	stateAwaitingToolResult runState = "awaiting_tool_result"
	stateDone               runState = "done"
	stateFailed             runState = "failed"
	stateCancelled          runState = "cancelled"
)

// Outcome is what a caller gets back: a final answer or a structured failure
// naming the failing stage. The full turn sequence is always available
// through the memory collaborator.
type Outcome struct {
	Status     domain.RunStatus
	Answer     string
	Reason     domain.FailureReason
	Stage      string
	Iterations int
}

// Options configures a Loop. Resolver, Invoker, and Model are required.
type Options struct {
	Resolver domain.CapabilityResolver
	Invoker  domain.CapabilityInvoker
	Model    domain.ChatModel
	Memory   domain.ChatMemory
	Logger   *zap.Logger
	Metrics  domain.Metrics

	MaxIterations     int
	MaxRetriesPerCall int
	WallClockBudget   time.Duration
}

// Loop drives one conversation at a time. Each Run owns its conversation
// state; a Loop may be reused sequentially but not concurrently.
type Loop struct {
	resolver domain.CapabilityResolver
	invoker  domain.CapabilityInvoker
	model    domain.ChatModel
	memory   domain.ChatMemory
	logger   *zap.Logger
	metrics  domain.Metrics

	maxIterations int
	maxRetries    int
	budget        time.Duration
}

// New validates collaborators and builds a loop.
func New(opts Options) (*Loop, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if opts.Invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if opts.Model == nil {
		return nil, fmt.Errorf("model is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics()
	}
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = domain.DefaultMaxIterations
	}
	maxRetries := opts.MaxRetriesPerCall
	if maxRetries <= 0 {
		maxRetries = domain.DefaultMaxRetriesPerCall
	}
	return &Loop{
		resolver:      opts.Resolver,
		invoker:       opts.Invoker,
		model:         opts.Model,
		memory:        opts.Memory,
		logger:        logger.Named("loop"),
		metrics:       metrics,
		maxIterations: maxIterations,
		maxRetries:    maxRetries,
		budget:        opts.WallClockBudget,
	}, nil
}

// Run executes one reasoning run over the given user input.
func (l *Loop) Run(ctx context.Context, input string) (Outcome, error) {
	started := time.Now()
	runCtx := ctx
	var cancel context.CancelFunc
	if l.budget > 0 {
		runCtx, cancel = context.WithTimeout(ctx, l.budget)
		defer cancel()
	}

	state := &domain.ConversationState{Status: domain.RunRunning}
	machine := stateAwaitingInput

	l.appendTurn(state, domain.Turn{Role: domain.RoleUser, Content: input})
	l.setState(&machine, stateThinking)

	retries := make(map[string]int)
	for {
		if outcome, terminal := l.checkBudgets(ctx, runCtx, &machine, state, started); terminal {
			return outcome, nil
		}

		state.Iterations++
		if state.Iterations > l.maxIterations {
			return l.fail(&machine, state, started, domain.FailureLimitExceeded, "loop"), nil
		}

		step, err := l.model.Step(runCtx, state.Turns, l.resolver.Descriptors())
		if err != nil {
			if outcome, terminal := l.checkBudgets(ctx, runCtx, &machine, state, started); terminal {
				return outcome, nil
			}
			l.metrics.ObserveLoopIteration("model_error")
			l.logger.Error("model step failed", zap.Int("iteration", state.Iterations), zap.Error(err))
			return l.fail(&machine, state, started, domain.FailureModelError, "model"), nil
		}

		switch step.Kind {
		case domain.StepRespond:
			l.setState(&machine, stateResponding)
			l.appendTurn(state, domain.Turn{Role: domain.RoleAssistant, Content: step.Text})
			l.setState(&machine, stateDone)
			state.Status = domain.RunDone
			l.metrics.ObserveLoopIteration("respond")
			l.metrics.ObserveLoopRun(state.Status, time.Since(started))
			return Outcome{
				Status:     domain.RunDone,
				Answer:     step.Text,
				Iterations: state.Iterations,
			}, nil

		case domain.StepCall:
			l.setState(&machine, stateCalling)
			l.metrics.ObserveLoopIteration("call")
			exhausted, cancelled := l.executeCalls(runCtx, &machine, state, step.Calls, retries)
			if cancelled {
				if outcome, terminal := l.checkBudgets(ctx, runCtx, &machine, state, started); terminal {
					return outcome, nil
				}
			}
			if exhausted != "" {
				l.logger.Warn("retry budget exhausted", zap.String("capability", exhausted))
				return l.fail(&machine, state, started, domain.FailureToolUnavailable, exhausted), nil
			}
			l.setState(&machine, stateThinking)

		case domain.StepError:
			l.metrics.ObserveLoopIteration("step_error")
			l.logger.Error("model produced error step",
				zap.String("kind", step.ErrKind),
				zap.String("detail", step.ErrDetail))
			return l.fail(&machine, state, started, domain.FailureModelError, "model"), nil

		default:
			return Outcome{}, fmt.Errorf("unknown step kind %q in state %q", step.Kind, machine)
		}
	}
}

type callOutcome struct {
	call  domain.CapabilityCall
	value any
	err   error
}

// executeCalls dispatches every requested call concurrently and joins before
// returning, so the model always sees the complete result set of one step.
// It returns the capability whose retry budget ran out, if any, and whether
// the context was cancelled mid-flight.
func (l *Loop) executeCalls(ctx context.Context, machine *runState, state *domain.ConversationState, calls []domain.CapabilityCall, retries map[string]int) (exhausted string, cancelled bool) {
	outcomes := make([]callOutcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		if call.CallID == "" {
			call.CallID = uuid.NewString()
		}
		outcomes[i].call = call

		l.appendTurn(state, domain.Turn{
			Role:       domain.RoleAssistant,
			Content:    renderArgs(call.Args),
			CallID:     call.CallID,
			Capability: call.Name,
		})

		entry, err := l.resolver.Resolve(call.Name)
		if err != nil {
			// Not a dispatch failure: the model gets one corrective chance.
			outcomes[i].err = err
			continue
		}

		wg.Add(1)
		go func(i int, entry domain.RepositoryEntry, call domain.CapabilityCall) {
			defer wg.Done()
			value, err := l.invoker.Invoke(ctx, entry, call.Args)
			outcomes[i].value = value
			outcomes[i].err = err
		}(i, entry, call)
	}
	l.setState(machine, stateAwaitingToolResult)
	wg.Wait()

	for _, outcome := range outcomes {
		call := outcome.call
		if outcome.err == nil {
			delete(retries, call.CallID)
			l.appendTurn(state, domain.Turn{
				Role:       domain.RoleTool,
				Content:    renderResult(outcome.value),
				CallID:     call.CallID,
				Capability: call.Name,
			})
			continue
		}

		if errors.Is(outcome.err, context.Canceled) || errors.Is(outcome.err, context.DeadlineExceeded) {
			cancelled = true
		}
		code := domain.CodeInvocation
		if mapped, ok := domain.CodeFrom(outcome.err); ok {
			code = mapped
		}
		l.appendTurn(state, domain.Turn{
			Role:       domain.RoleTool,
			Content:    fmt.Sprintf("%s: %s", code, outcome.err.Error()),
			CallID:     call.CallID,
			Capability: call.Name,
			IsError:    true,
		})
		if code == domain.CodeUnknownCapability {
			continue
		}
		retries[call.CallID]++
		if retries[call.CallID] >= l.maxRetries {
			exhausted = call.Name
		}
	}
	return exhausted, cancelled
}

// checkBudgets distinguishes an external cancellation from an exhausted
// wall-clock budget. Only the latter behaves like an iteration limit.
func (l *Loop) checkBudgets(parent, runCtx context.Context, machine *runState, state *domain.ConversationState, started time.Time) (Outcome, bool) {
	if parent.Err() != nil {
		l.setState(machine, stateCancelled)
		state.Status = domain.RunCancelled
		l.metrics.ObserveLoopRun(state.Status, time.Since(started))
		return Outcome{
			Status:     domain.RunCancelled,
			Stage:      "loop",
			Iterations: state.Iterations,
		}, true
	}
	if runCtx.Err() != nil {
		return l.fail(machine, state, started, domain.FailureLimitExceeded, "loop"), true
	}
	return Outcome{}, false
}

func (l *Loop) fail(machine *runState, state *domain.ConversationState, started time.Time, reason domain.FailureReason, stage string) Outcome {
	l.setState(machine, stateFailed)
	state.Status = domain.RunFailed
	state.Reason = reason
	l.metrics.ObserveLoopRun(state.Status, time.Since(started))
	return Outcome{
		Status:     domain.RunFailed,
		Reason:     reason,
		Stage:      stage,
		Iterations: state.Iterations,
	}
}

// setState records a machine transition. Every phase of a run flows through
// here so the debug log reads as the state sequence.
func (l *Loop) setState(machine *runState, next runState) {
	if *machine == next {
		return
	}
	l.logger.Debug("state transition",
		zap.String("from", string(*machine)),
		zap.String("to", string(next)))
	*machine = next
}

func (l *Loop) appendTurn(state *domain.ConversationState, turn domain.Turn) {
	state.Append(turn)
	if l.memory == nil {
		return
	}
	if err := l.memory.Append(turn); err != nil {
		l.logger.Warn("memory append failed", zap.Error(err))
	}
}

func renderArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(raw)
}

func renderResult(value any) string {
	switch typed := value.(type) {
	case nil:
		return "null"
	case string:
		return typed
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		return string(raw)
	}
}
