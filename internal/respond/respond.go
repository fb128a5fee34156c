// Package respond implements the ResponseTransformer layer: converts a
// successful provider response back into the caller's protocol as a pure
// function over wireshapes types.
package respond

import (
	"encoding/json"
	"fmt"

	"github.com/tributary-ai/routing-engine/internal/model"
	"github.com/tributary-ai/routing-engine/internal/wireshapes"
)

// ErrorPassthrough signals the Server layer already produced a shaped error
// response; ResponseTransformer forwards it unchanged after stripping this
// internal flag.
type ErrorPassthrough struct {
	Body map[string]interface{}
}

// ToCallerProtocol converts providerBody (shaped per providerFormat) into
// callerFormat. If body carries the internal error-passthrough marker, it
// is forwarded unchanged (flag stripped).
func ToCallerProtocol(providerBody map[string]interface{}, providerFormat, callerFormat string) (map[string]interface{}, error) {
	if isErrorPassthrough(providerBody) {
		out := make(map[string]interface{}, len(providerBody))
		for k, v := range providerBody {
			if k == "__internal_error_passthrough" {
				continue
			}
			out[k] = v
		}
		return out, nil
	}

	switch {
	case providerFormat == "openai" && callerFormat == "anthropic":
		openaiResp, err := decodeOpenAIResponse(providerBody)
		if err != nil {
			return nil, model.NewError(model.ErrProviderFailure, "respond", err.Error(), err)
		}
		anthResp, err := OpenAIToAnthropicResponse(openaiResp)
		if err != nil {
			return nil, model.NewError(model.ErrProviderFailure, "respond", err.Error(), err)
		}
		return toMap(anthResp)

	case providerFormat == "anthropic" && callerFormat == "openai":
		anthResp, err := decodeAnthropicResponse(providerBody)
		if err != nil {
			return nil, model.NewError(model.ErrProviderFailure, "respond", err.Error(), err)
		}
		openaiResp, err := AnthropicToOpenAIResponse(anthResp)
		if err != nil {
			return nil, model.NewError(model.ErrProviderFailure, "respond", err.Error(), err)
		}
		return toMap(openaiResp)

	default:
		return providerBody, nil
	}
}

func isErrorPassthrough(body map[string]interface{}) bool {
	v, ok := body["__internal_error_passthrough"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func toMap(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return m, nil
}

func decodeOpenAIResponse(raw map[string]interface{}) (wireshapes.OpenAIResponse, error) {
	var resp wireshapes.OpenAIResponse
	b, err := json.Marshal(raw)
	if err != nil {
		return resp, err
	}
	err = json.Unmarshal(b, &resp)
	return resp, err
}

func decodeAnthropicResponse(raw map[string]interface{}) (wireshapes.AnthropicResponse, error) {
	var resp wireshapes.AnthropicResponse
	b, err := json.Marshal(raw)
	if err != nil {
		return resp, err
	}
	err = json.Unmarshal(b, &resp)
	return resp, err
}

// OpenAIToAnthropicResponse converts a chat-completions response into the
// Anthropic message envelope.
func OpenAIToAnthropicResponse(resp wireshapes.OpenAIResponse) (wireshapes.AnthropicResponse, error) {
	if len(resp.Choices) == 0 {
		return wireshapes.AnthropicResponse{}, fmt.Errorf("openai response has no choices")
	}
	choice := resp.Choices[0]

	var content []wireshapes.AnthropicContentBlock
	if choice.Message.Content != "" {
		content = append(content, wireshapes.AnthropicContentBlock{Type: "text", Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		var input interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
			input = tc.Function.Arguments // unparseable arguments pass through as a string
		}
		content = append(content, wireshapes.AnthropicContentBlock{
			Type: "tool_use", ID: tc.ID, Name: tc.Function.Name, Input: input,
		})
	}

	out := wireshapes.AnthropicResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    content,
		StopReason: wireshapes.FinishReasonToStopReason(choice.FinishReason),
	}
	if resp.Usage != nil {
		out.Usage = wireshapes.AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// AnthropicToOpenAIResponse implements the reverse response-direction
// mapping, used when the caller spoke OpenAI but the pipeline that served
// the request was anthropic-native.
func AnthropicToOpenAIResponse(resp wireshapes.AnthropicResponse) (wireshapes.OpenAIResponse, error) {
	var text string
	var toolCalls []wireshapes.OpenAIToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			args := "{}"
			if block.Input != nil {
				if raw, err := json.Marshal(block.Input); err == nil {
					args = string(raw)
				}
			}
			toolCalls = append(toolCalls, wireshapes.OpenAIToolCall{
				ID:   block.ID,
				Type: "function",
				Function: wireshapes.OpenAIFunctionCall{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
	}

	finishReason := "stop"
	switch resp.StopReason {
	case wireshapes.StopReasonMaxTokens:
		finishReason = "length"
	case wireshapes.StopReasonToolUse:
		finishReason = "tool_calls"
	}

	out := wireshapes.OpenAIResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Model:   resp.Model,
		Choices: []wireshapes.OpenAIChoice{{
			Index:        0,
			Message:      wireshapes.OpenAIMessage{Role: "assistant", Content: text, ToolCalls: toolCalls},
			FinishReason: finishReason,
		}},
		Usage: &wireshapes.OpenAIUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	return out, nil
}
