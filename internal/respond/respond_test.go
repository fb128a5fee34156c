package respond

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/routing-engine/internal/wireshapes"
)

func TestToCallerProtocol_OpenAIToAnthropic(t *testing.T) {
	body := map[string]interface{}{
		"id":    "chatcmpl-1",
		"model": "gpt-4o",
		"choices": []interface{}{
			map[string]interface{}{
				"index":         float64(0),
				"finish_reason": "stop",
				"message":       map[string]interface{}{"role": "assistant", "content": "hi there"},
			},
		},
		"usage": map[string]interface{}{"prompt_tokens": float64(10), "completion_tokens": float64(5)},
	}

	out, err := ToCallerProtocol(body, "openai", "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "message", out["type"])
	assert.Equal(t, "assistant", out["role"])
	assert.Equal(t, "end_turn", out["stop_reason"])

	usage := out["usage"].(map[string]interface{})
	assert.Equal(t, float64(10), usage["input_tokens"])
	assert.Equal(t, float64(5), usage["output_tokens"])
}

func TestToCallerProtocol_ErrorPassthroughStripsFlag(t *testing.T) {
	body := map[string]interface{}{
		"__internal_error_passthrough": true,
		"type":                         "error",
		"error":                        map[string]interface{}{"type": "not_found_error", "message": "boom"},
	}
	out, err := ToCallerProtocol(body, "openai", "anthropic")
	require.NoError(t, err)
	_, hasFlag := out["__internal_error_passthrough"]
	assert.False(t, hasFlag)
	assert.Equal(t, "error", out["type"])
}

func TestOpenAIToAnthropicResponse_ToolCallBecomesToolUse(t *testing.T) {
	resp := wireshapes.OpenAIResponse{
		ID:    "chatcmpl-2",
		Model: "gpt-4o",
		Choices: []wireshapes.OpenAIChoice{{
			FinishReason: "tool_calls",
			Message: wireshapes.OpenAIMessage{
				Role: "assistant",
				ToolCalls: []wireshapes.OpenAIToolCall{
					{ID: "call_1", Type: "function", Function: wireshapes.OpenAIFunctionCall{Name: "get_weather", Arguments: `{"city":"SF"}`}},
				},
			},
		}},
	}
	out, err := OpenAIToAnthropicResponse(resp)
	require.NoError(t, err)
	require.Len(t, out.Content, 1)
	assert.Equal(t, "tool_use", out.Content[0].Type)
	assert.Equal(t, wireshapes.StopReasonToolUse, out.StopReason)
}

func TestAnthropicToOpenAIResponse_MapsStopReason(t *testing.T) {
	resp := wireshapes.AnthropicResponse{
		ID:         "msg_1",
		Model:      "claude-3-opus",
		Content:    []wireshapes.AnthropicContentBlock{{Type: "text", Text: "done"}},
		StopReason: wireshapes.StopReasonMaxTokens,
	}
	out, err := AnthropicToOpenAIResponse(resp)
	require.NoError(t, err)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "length", out.Choices[0].FinishReason)
	assert.Equal(t, "done", out.Choices[0].Message.Content)
}
