package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"agentd/internal/infra/catalog"
	"agentd/internal/infra/model"
)

// ValidateConfig checks the configuration at the provided path without
// touching the network or the store.
func (a *App) ValidateConfig(ctx context.Context, cfg ValidateConfig) error {
	loader := catalog.NewLoader(a.logger)
	config, err := loader.Load(ctx, cfg.ConfigPath)
	if err != nil {
		return err
	}

	if provider := config.Runtime.Model.Provider; provider != "" && !model.SupportedProvider(provider) {
		return fmt.Errorf("model.provider %q is not supported", provider)
	}

	a.logger.Info("configuration validated",
		zap.String("config", cfg.ConfigPath),
		zap.Int("servers", len(config.Servers)),
	)
	return nil
}
