package model

import (
	"context"
	"errors"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"agentd/internal/domain"
)

type fakeBase struct {
	response  *schema.Message
	err       error
	tools     []*schema.ToolInfo
	toolsSet  bool
	messages  []*schema.Message
	generated int
}

func (f *fakeBase) Generate(_ context.Context, in []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	f.generated++
	f.messages = in
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeBase) Stream(_ context.Context, _ []*schema.Message, _ ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func (f *fakeBase) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	f.tools = tools
	f.toolsSet = true
	return f, nil
}

func newFakeChatModel(t *testing.T, base *fakeBase) *ChatModel {
	t.Helper()
	m, err := NewChatModel(context.Background(), ChatModelOptions{
		Config: domain.ModelConfig{Provider: "openai", Model: "gpt-test"},
		Base:   base,
	})
	require.NoError(t, err)
	return m
}

func TestStep_PlainResponse(t *testing.T) {
	base := &fakeBase{response: schema.AssistantMessage("hello there", nil)}
	m := newFakeChatModel(t, base)

	step, err := m.Step(context.Background(), []domain.Turn{
		{Role: domain.RoleUser, Content: "hi"},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StepRespond, step.Kind)
	require.Equal(t, "hello there", step.Text)
	require.False(t, base.toolsSet)

	// System prompt always leads the rendered conversation.
	require.GreaterOrEqual(t, len(base.messages), 2)
	require.Equal(t, schema.System, base.messages[0].Role)
	require.Equal(t, schema.User, base.messages[1].Role)
}

func TestStep_ToolCallsBecomeCallStep(t *testing.T) {
	response := schema.AssistantMessage("", nil)
	response.ToolCalls = []schema.ToolCall{
		{ID: "c1", Function: schema.FunctionCall{Name: "echo", Arguments: `{"text":"ping"}`}},
		{ID: "c2", Function: schema.FunctionCall{Name: "time.now", Arguments: ""}},
	}
	base := &fakeBase{response: response}
	m := newFakeChatModel(t, base)

	tools := []domain.CapabilityDescriptor{
		{Name: "echo", Kind: domain.KindTool, Params: []domain.Parameter{
			{Name: "text", Type: domain.TypeString, Required: true},
		}},
		{Name: "time.now", Kind: domain.KindTool},
	}
	step, err := m.Step(context.Background(), []domain.Turn{
		{Role: domain.RoleUser, Content: "echo ping"},
	}, tools)
	require.NoError(t, err)
	require.Equal(t, domain.StepCall, step.Kind)
	require.Len(t, step.Calls, 2)
	require.Equal(t, "c1", step.Calls[0].CallID)
	require.Equal(t, "echo", step.Calls[0].Name)
	require.Equal(t, map[string]any{"text": "ping"}, step.Calls[0].Args)
	require.Empty(t, step.Calls[1].Args)

	require.True(t, base.toolsSet)
	require.Len(t, base.tools, 2)
	require.Equal(t, "echo", base.tools[0].Name)
}

func TestStep_MalformedArgumentsBecomeErrorStep(t *testing.T) {
	response := schema.AssistantMessage("", nil)
	response.ToolCalls = []schema.ToolCall{
		{ID: "c1", Function: schema.FunctionCall{Name: "echo", Arguments: `{"text":`}},
	}
	m := newFakeChatModel(t, &fakeBase{response: response})

	step, err := m.Step(context.Background(), []domain.Turn{
		{Role: domain.RoleUser, Content: "echo"},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StepError, step.Kind)
	require.Equal(t, "malformed_arguments", step.ErrKind)
	require.Contains(t, step.ErrDetail, "echo")
}

func TestStep_GenerateErrorPropagates(t *testing.T) {
	m := newFakeChatModel(t, &fakeBase{err: errors.New("rate limited")})

	_, err := m.Step(context.Background(), []domain.Turn{
		{Role: domain.RoleUser, Content: "hi"},
	}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limited")
}

func TestStep_ConversationRendering(t *testing.T) {
	base := &fakeBase{response: schema.AssistantMessage("done", nil)}
	m := newFakeChatModel(t, base)

	turns := []domain.Turn{
		{Role: domain.RoleUser, Content: "add 1 and 2"},
		{Role: domain.RoleAssistant, Content: `{"a":1,"b":2}`, CallID: "c1", Capability: "add"},
		{Role: domain.RoleTool, Content: "3", CallID: "c1", Capability: "add"},
	}
	_, err := m.Step(context.Background(), turns, nil)
	require.NoError(t, err)

	require.Len(t, base.messages, 4)
	call := base.messages[2]
	require.Equal(t, schema.Assistant, call.Role)
	require.Empty(t, call.Content)
	require.Len(t, call.ToolCalls, 1)
	require.Equal(t, "c1", call.ToolCalls[0].ID)
	require.Equal(t, "add", call.ToolCalls[0].Function.Name)

	tool := base.messages[3]
	require.Equal(t, schema.Tool, tool.Role)
	require.Equal(t, "3", tool.Content)
	require.Equal(t, "c1", tool.ToolCallID)
}
