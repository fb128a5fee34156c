package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/routing-engine/internal/model"
)

func anthropicRawBody() map[string]interface{} {
	return map[string]interface{}{
		"model":      "claude-3-opus",
		"max_tokens": float64(256),
		"system":     "be terse",
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "hello"},
		},
	}
}

func TestToTargetProtocol_AnthropicToOpenAI(t *testing.T) {
	req := &model.RoutingRequest{
		ID:       "req_1",
		Model:    "claude-3-opus",
		Metadata: model.Metadata{OriginFormat: "anthropic", TargetFormat: "openai"},
		RawBody:  anthropicRawBody(),
	}

	out, err := ToTargetProtocol(req, "gpt-4o", "openai")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", out["model"])

	messages, ok := out["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, messages, 2) // system + user

	first := messages[0].(map[string]interface{})
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "be terse", first["content"])
}

func TestToTargetProtocol_EmptyBodyIsFatal(t *testing.T) {
	req := &model.RoutingRequest{
		ID:       "req_2",
		Metadata: model.Metadata{OriginFormat: "anthropic", TargetFormat: "openai"},
	}
	_, err := ToTargetProtocol(req, "gpt-4o", "openai")
	require.Error(t, err)
	var engErr *model.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, model.ErrProviderFailure, engErr.Kind)
}

func TestToTargetProtocol_PassthroughSameFormat(t *testing.T) {
	req := &model.RoutingRequest{
		ID:       "req_3",
		Metadata: model.Metadata{OriginFormat: "anthropic", TargetFormat: "anthropic"},
		RawBody:  anthropicRawBody(),
	}
	out, err := ToTargetProtocol(req, "claude-3-sonnet", "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "claude-3-sonnet", out["model"])
	assert.Equal(t, "be terse", out["system"])
}

func TestAnthropicToOpenAI_ToolUseRoundTrip(t *testing.T) {
	req := wireshapesAnthropicWithTool()
	out, err := AnthropicToOpenAI(req, "gpt-4o")
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	assistant := out.Messages[0]
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "get_weather", assistant.ToolCalls[0].Function.Name)
	toolMsg := out.Messages[1]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
}

func TestOpenAIToAnthropic_DefaultsMaxTokens(t *testing.T) {
	req := wireshapesOpenAIRequest()
	out, err := OpenAIToAnthropic(req, "claude-3-opus")
	require.NoError(t, err)
	assert.Equal(t, 1024, out.MaxTokens)
	assert.Equal(t, "claude-3-opus", out.Model)
}
