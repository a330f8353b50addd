package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agentd/internal/app"
)

type globalOptions struct {
	configPath string
	dataPath   string
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	root := newRootCmd(logger)
	if err := root.Execute(); err != nil {
		logger.Fatal("command failed", zap.Error(err))
	}
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	opts := globalOptions{
		configPath: "agentd.yaml",
		dataPath:   "agentd.db",
	}

	root := &cobra.Command{
		Use:   "agentd",
		Short: "Capability daemon with a bounded reasoning loop",
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", opts.configPath, "path to config file")
	root.PersistentFlags().StringVar(&opts.dataPath, "data", opts.dataPath, "path to registration store")

	root.AddCommand(
		newServeCmd(logger, &opts),
		newValidateCmd(logger, &opts),
		newAskCmd(logger, &opts),
	)

	return root
}

func newServeCmd(logger *zap.Logger, opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capability daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			application := app.New(logger)
			return application.Serve(ctx, app.ServeConfig{
				ConfigPath: opts.configPath,
				DataPath:   opts.dataPath,
			})
		},
	}

	return cmd
}

func newValidateCmd(logger *zap.Logger, opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration without starting the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			application := app.New(logger)
			return application.ValidateConfig(cmd.Context(), app.ValidateConfig{
				ConfigPath: opts.configPath,
			})
		},
	}

	return cmd
}

func newAskCmd(logger *zap.Logger, opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Run one reasoning loop over the configured capabilities",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			application := app.New(logger)
			return application.Ask(ctx, app.AskConfig{
				ConfigPath: opts.configPath,
				DataPath:   opts.dataPath,
				Question:   strings.Join(args, " "),
			})
		},
	}

	return cmd
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
