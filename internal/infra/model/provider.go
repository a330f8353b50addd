// Package model adapts LLM providers to the ChatModel collaborator contract.
package model

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	einomodel "github.com/cloudwego/eino/components/model"

	"agentd/internal/domain"
)

// Constructor builds a provider's chat model from configuration.
type Constructor func(ctx context.Context, cfg domain.ModelConfig, apiKey string) (einomodel.ToolCallingChatModel, error)

var providers = map[string]Constructor{
	"openai": newOpenAIModel,
	"":       newOpenAIModel,
}

// SupportedProvider reports whether the provider key resolves to a
// constructor, so configuration can fail fast on an unknown key.
func SupportedProvider(provider string) bool {
	_, ok := providers[strings.TrimSpace(provider)]
	return ok
}

// Initialize resolves the provider and builds its chat model.
func Initialize(ctx context.Context, cfg domain.ModelConfig) (einomodel.ToolCallingChatModel, error) {
	ctor, ok := providers[strings.TrimSpace(cfg.Provider)]
	if !ok {
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
	apiKey, err := resolveAPIKey(cfg)
	if err != nil {
		return nil, err
	}
	return ctor(ctx, cfg, apiKey)
}

func resolveAPIKey(cfg domain.ModelConfig) (string, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey != "" {
		return apiKey, nil
	}
	envVar := strings.TrimSpace(cfg.APIKeyEnvVar)
	if envVar == "" {
		return "", fmt.Errorf("API key is required: set model.apiKey or model.apiKeyEnvVar")
	}
	apiKey = os.Getenv(envVar)
	if apiKey == "" {
		return "", fmt.Errorf("API key not found in env var %s", envVar)
	}
	return apiKey, nil
}

func newOpenAIModel(ctx context.Context, cfg domain.ModelConfig, apiKey string) (einomodel.ToolCallingChatModel, error) {
	modelCfg := &openai.ChatModelConfig{
		Model:  cfg.Model,
		APIKey: apiKey,
	}
	if cfg.BaseURL != "" {
		modelCfg.BaseURL = cfg.BaseURL
	}
	return openai.NewChatModel(ctx, modelCfg)
}
