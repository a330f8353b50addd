package model

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"agentd/internal/domain"
)

const systemPrompt = `You are a capable assistant with access to the listed tools.
Call a tool when it helps complete the task; otherwise answer directly.
Use only the tools that are provided.`

// ChatModel adapts an eino tool-calling model to the collaborator contract
// consumed by the reasoning loop.
type ChatModel struct {
	cfg     domain.ModelConfig
	base    einomodel.ToolCallingChatModel
	metrics domain.Metrics
	logger  *zap.Logger
}

// ChatModelOptions configures a ChatModel.
type ChatModelOptions struct {
	Config  domain.ModelConfig
	Base    einomodel.ToolCallingChatModel
	Metrics domain.Metrics
	Logger  *zap.Logger
}

// NewChatModel wraps a provider model. When Base is nil the provider is
// resolved from configuration.
func NewChatModel(ctx context.Context, opts ChatModelOptions) (*ChatModel, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics()
	}
	base := opts.Base
	if base == nil {
		built, err := Initialize(ctx, opts.Config)
		if err != nil {
			return nil, fmt.Errorf("initialize model: %w", err)
		}
		base = built
	}
	return &ChatModel{
		cfg:     opts.Config,
		base:    base,
		metrics: metrics,
		logger:  logger.Named("chatmodel"),
	}, nil
}

// Step renders the conversation plus the resolvable capabilities, asks the
// model, and maps its output to a ReasoningStep.
func (m *ChatModel) Step(ctx context.Context, turns []domain.Turn, tools []domain.CapabilityDescriptor) (domain.ReasoningStep, error) {
	bound := m.base
	if len(tools) > 0 {
		withTools, err := m.base.WithTools(toolInfos(tools))
		if err != nil {
			return domain.ReasoningStep{}, fmt.Errorf("bind tools: %w", err)
		}
		bound = withTools
	}

	messages := append([]*schema.Message{schema.SystemMessage(systemPrompt)}, toMessages(turns)...)

	started := time.Now()
	response, err := bound.Generate(ctx, messages)
	m.metrics.ObserveModelLatency(m.cfg.Provider, m.cfg.Model, time.Since(started))
	if err != nil {
		return domain.ReasoningStep{}, fmt.Errorf("model generate: %w", err)
	}
	m.observeTokenUsage(response)

	if len(response.ToolCalls) == 0 {
		return domain.RespondStep(response.Content), nil
	}

	calls := make([]domain.CapabilityCall, 0, len(response.ToolCalls))
	for _, tc := range response.ToolCalls {
		args := map[string]any{}
		if raw := tc.Function.Arguments; raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return domain.ErrorStep("malformed_arguments",
					fmt.Sprintf("tool call %s: %s", tc.Function.Name, err)), nil
			}
		}
		calls = append(calls, domain.CapabilityCall{
			CallID: tc.ID,
			Name:   tc.Function.Name,
			Args:   args,
		})
	}
	return domain.CallStep(calls...), nil
}

func (m *ChatModel) observeTokenUsage(response *schema.Message) {
	if response == nil || response.ResponseMeta == nil || response.ResponseMeta.Usage == nil {
		return
	}
	tokens := response.ResponseMeta.Usage.TotalTokens
	if tokens <= 0 {
		return
	}
	m.metrics.ObserveModelTokens(m.cfg.Provider, m.cfg.Model, tokens)
}

func toMessages(turns []domain.Turn) []*schema.Message {
	out := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case domain.RoleSystem:
			out = append(out, schema.SystemMessage(turn.Content))
		case domain.RoleUser:
			out = append(out, schema.UserMessage(turn.Content))
		case domain.RoleAssistant:
			msg := schema.AssistantMessage(turn.Content, nil)
			if turn.CallID != "" {
				msg.ToolCalls = []schema.ToolCall{{
					ID: turn.CallID,
					Function: schema.FunctionCall{
						Name:      turn.Capability,
						Arguments: turn.Content,
					},
				}}
				msg.Content = ""
			}
			out = append(out, msg)
		case domain.RoleTool:
			out = append(out, schema.ToolMessage(turn.Content, turn.CallID))
		}
	}
	return out
}

func toolInfos(tools []domain.CapabilityDescriptor) []*schema.ToolInfo {
	out := make([]*schema.ToolInfo, 0, len(tools))
	for _, tool := range tools {
		params := make(map[string]*schema.ParameterInfo, len(tool.Params))
		for _, p := range tool.Params {
			params[p.Name] = &schema.ParameterInfo{
				Type:     dataType(p.Type),
				Desc:     p.Description,
				Required: p.Required,
			}
		}
		out = append(out, &schema.ToolInfo{
			Name:        tool.Name,
			Desc:        tool.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return out
}

func dataType(t domain.ParamType) schema.DataType {
	switch t {
	case domain.TypeNumber:
		return schema.Number
	case domain.TypeInteger:
		return schema.Integer
	case domain.TypeBoolean:
		return schema.Boolean
	case domain.TypeObject:
		return schema.Object
	case domain.TypeArray:
		return schema.Array
	default:
		return schema.String
	}
}

var _ domain.ChatModel = (*ChatModel)(nil)
