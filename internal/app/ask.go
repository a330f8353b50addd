package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"agentd/internal/domain"
	"agentd/internal/infra/catalog"
	"agentd/internal/infra/loop"
	"agentd/internal/infra/memory"
	"agentd/internal/infra/model"
)

// Ask runs one reasoning loop over the configured capability set and prints
// the final answer. The conversation transcript goes to stderr on failure so
// partial progress is never lost.
func (a *App) Ask(ctx context.Context, cfg AskConfig) error {
	question := strings.TrimSpace(cfg.Question)
	if question == "" {
		return fmt.Errorf("question is required")
	}

	loader := catalog.NewLoader(a.logger)
	config, err := loader.Load(ctx, cfg.ConfigPath)
	if err != nil {
		return err
	}
	if config.Runtime.Model.Model == "" {
		return fmt.Errorf("model.model is required for ask")
	}

	rt, err := a.buildRuntime(ctx, config, cfg.DataPath, domain.NopMetrics())
	if err != nil {
		return err
	}
	defer rt.close(a.logger)

	chatModel, err := model.NewChatModel(ctx, model.ChatModelOptions{
		Config: config.Runtime.Model,
		Logger: a.logger,
	})
	if err != nil {
		return err
	}

	buffer := memory.NewBuffer()
	runner, err := loop.New(loop.Options{
		Resolver:          rt.repository,
		Invoker:           rt.dispatcher,
		Model:             chatModel,
		Memory:            buffer,
		Logger:            a.logger,
		MaxIterations:     config.Runtime.MaxIterations,
		MaxRetriesPerCall: config.Runtime.MaxRetriesPerCall,
		WallClockBudget:   time.Duration(config.Runtime.WallClockBudgetSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	outcome, err := runner.Run(ctx, question)
	if err != nil {
		return err
	}

	switch outcome.Status {
	case domain.RunDone:
		fmt.Println(outcome.Answer)
		return nil
	case domain.RunCancelled:
		printTranscript(buffer)
		return fmt.Errorf("run cancelled after %d iterations", outcome.Iterations)
	default:
		printTranscript(buffer)
		return fmt.Errorf("run failed at %s: %s after %d iterations",
			outcome.Stage, outcome.Reason, outcome.Iterations)
	}
}

func printTranscript(buffer *memory.Buffer) {
	turns, err := buffer.Read()
	if err != nil {
		return
	}
	for _, turn := range turns {
		label := string(turn.Role)
		if turn.Capability != "" {
			label = fmt.Sprintf("%s[%s]", label, turn.Capability)
		}
		fmt.Fprintf(os.Stderr, "%s: %s\n", label, turn.Content)
	}
}
