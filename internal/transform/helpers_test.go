package transform

import "github.com/tributary-ai/routing-engine/internal/wireshapes"

func wireshapesAnthropicWithTool() wireshapes.AnthropicRequest {
	return wireshapes.AnthropicRequest{
		Model:     "claude-3-opus",
		MaxTokens: 256,
		Messages: []wireshapes.AnthropicMessage{
			{
				Role: "assistant",
				Content: []wireshapes.AnthropicContentBlock{
					{Type: "tool_use", ID: "call_1", Name: "get_weather", Input: map[string]interface{}{"city": "SF"}},
				},
			},
			{
				Role: "user",
				Content: []wireshapes.AnthropicContentBlock{
					{Type: "tool_result", ToolUseID: "call_1", Content: "72F and sunny"},
				},
			},
		},
	}
}

func wireshapesOpenAIRequest() wireshapes.OpenAIRequest {
	return wireshapes.OpenAIRequest{
		Model: "gpt-4o",
		Messages: []wireshapes.OpenAIMessage{
			{Role: "user", Content: "hello"},
		},
	}
}
