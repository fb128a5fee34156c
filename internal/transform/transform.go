// Package transform implements the Transformer layer: pure
// request-direction wire-format conversion, Anthropic-shaped in to
// OpenAI-chat-completions-shaped out, OpenAI-shaped in to Anthropic-shaped
// out, and the identity/passthrough case when origin and target already
// agree.
package transform

import (
	"encoding/json"
	"fmt"

	"github.com/tributary-ai/routing-engine/internal/model"
	"github.com/tributary-ai/routing-engine/internal/wireshapes"
)

// ToTargetProtocol converts the caller's request (decoded into req.RawBody,
// shaped per req.Metadata.OriginFormat) into the target protocol's wire
// body for targetModel/targetFormat. Output is always a non-nil map
// containing at least the required top-level keys.
func ToTargetProtocol(req *model.RoutingRequest, targetModel, targetFormat string) (map[string]interface{}, error) {
	if req.RawBody == nil {
		return nil, model.NewError(model.ErrProviderFailure, "transform", "request body is empty", nil)
	}

	switch {
	case req.Metadata.OriginFormat == "anthropic" && targetFormat == "openai":
		anthropicReq, err := decodeAnthropic(req.RawBody)
		if err != nil {
			return nil, model.NewError(model.ErrValidation, "transform", err.Error(), err)
		}
		openaiReq, err := AnthropicToOpenAI(anthropicReq, targetModel)
		if err != nil {
			return nil, model.NewError(model.ErrProviderFailure, "transform", err.Error(), err)
		}
		return toMap(openaiReq)

	case req.Metadata.OriginFormat == "openai" && targetFormat == "anthropic":
		openaiReq, err := decodeOpenAI(req.RawBody)
		if err != nil {
			return nil, model.NewError(model.ErrValidation, "transform", err.Error(), err)
		}
		anthropicReq, err := OpenAIToAnthropic(openaiReq, targetModel)
		if err != nil {
			return nil, model.NewError(model.ErrProviderFailure, "transform", err.Error(), err)
		}
		return toMap(anthropicReq)

	default:
		// Same-format passthrough: re-stamp the model the RoutingDecision
		// selected and hand the body through unchanged otherwise.
		out := make(map[string]interface{}, len(req.RawBody))
		for k, v := range req.RawBody {
			out[k] = v
		}
		out["model"] = targetModel
		return validateNonEmpty(out)
	}
}

func validateNonEmpty(m map[string]interface{}) (map[string]interface{}, error) {
	if len(m) == 0 {
		return nil, model.NewError(model.ErrProviderFailure, "transform", "transformer produced an empty body", nil)
	}
	return m, nil
}

func toMap(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal transformed body: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal transformed body: %w", err)
	}
	return validateNonEmpty(m)
}

func decodeAnthropic(raw map[string]interface{}) (wireshapes.AnthropicRequest, error) {
	var req wireshapes.AnthropicRequest
	b, err := json.Marshal(raw)
	if err != nil {
		return req, fmt.Errorf("re-marshal raw body: %w", err)
	}
	if err := json.Unmarshal(b, &req); err != nil {
		return req, fmt.Errorf("decode anthropic request: %w", err)
	}
	return req, nil
}

func decodeOpenAI(raw map[string]interface{}) (wireshapes.OpenAIRequest, error) {
	var req wireshapes.OpenAIRequest
	b, err := json.Marshal(raw)
	if err != nil {
		return req, fmt.Errorf("re-marshal raw body: %w", err)
	}
	if err := json.Unmarshal(b, &req); err != nil {
		return req, fmt.Errorf("decode openai request: %w", err)
	}
	return req, nil
}

// AnthropicToOpenAI converts an Anthropic messages request into the
// chat-completions shape.
func AnthropicToOpenAI(req wireshapes.AnthropicRequest, targetModel string) (wireshapes.OpenAIRequest, error) {
	out := wireshapes.OpenAIRequest{
		Model:     targetModel,
		MaxTokens: req.MaxTokens,
		Stream:    req.Stream,
	}
	if req.Temperature != nil {
		out.Temperature = req.Temperature
	}
	if req.TopP != nil {
		out.TopP = req.TopP
	}
	if len(req.StopSequences) > 0 {
		out.Stop = req.StopSequences
	}

	if req.System != "" {
		out.Messages = append(out.Messages, wireshapes.OpenAIMessage{Role: "system", Content: req.System})
	}

	for _, msg := range req.Messages {
		converted, err := anthropicMessageToOpenAI(msg)
		if err != nil {
			return out, err
		}
		out.Messages = append(out.Messages, converted...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, wireshapes.OpenAITool{
			Type: "function",
			Function: wireshapes.OpenAIFunctionSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	if req.ToolChoice != nil {
		out.ToolChoice = mapAnthropicToolChoice(req.ToolChoice)
	}

	if len(out.Messages) == 0 {
		return out, fmt.Errorf("anthropic request produced no messages")
	}
	return out, nil
}

// anthropicMessageToOpenAI flattens one Anthropic message (possibly a
// typed-block array) into zero or more OpenAI messages: tool_use becomes an
// assistant message with tool_calls[], tool_result becomes a standalone
// `tool`-role message.
func anthropicMessageToOpenAI(msg wireshapes.AnthropicMessage) ([]wireshapes.OpenAIMessage, error) {
	switch content := msg.Content.(type) {
	case string:
		return []wireshapes.OpenAIMessage{{Role: msg.Role, Content: content}}, nil
	case []interface{}:
		blocks, err := decodeBlocks(content)
		if err != nil {
			return nil, err
		}
		return blocksToOpenAIMessages(msg.Role, blocks), nil
	case []wireshapes.AnthropicContentBlock:
		return blocksToOpenAIMessages(msg.Role, content), nil
	case nil:
		return []wireshapes.OpenAIMessage{{Role: msg.Role, Content: ""}}, nil
	default:
		return nil, fmt.Errorf("message %q: unsupported content shape %T", msg.Role, content)
	}
}

func decodeBlocks(raw []interface{}) ([]wireshapes.AnthropicContentBlock, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-marshal content blocks: %w", err)
	}
	var blocks []wireshapes.AnthropicContentBlock
	if err := json.Unmarshal(b, &blocks); err != nil {
		return nil, fmt.Errorf("decode content blocks: %w", err)
	}
	return blocks, nil
}

func blocksToOpenAIMessages(role string, blocks []wireshapes.AnthropicContentBlock) []wireshapes.OpenAIMessage {
	var out []wireshapes.OpenAIMessage
	var text string
	var toolCalls []wireshapes.OpenAIToolCall

	for _, b := range blocks {
		switch b.Type {
		case "text":
			if text != "" {
				text += "\n"
			}
			text += b.Text
		case "tool_use":
			args := "{}"
			if b.Input != nil {
				if raw, err := json.Marshal(b.Input); err == nil {
					args = string(raw)
				}
			}
			toolCalls = append(toolCalls, wireshapes.OpenAIToolCall{
				ID:   b.ID,
				Type: "function",
				Function: wireshapes.OpenAIFunctionCall{
					Name:      b.Name,
					Arguments: args,
				},
			})
		case "tool_result":
			out = append(out, wireshapes.OpenAIMessage{
				Role:       "tool",
				Content:    stringifyToolResult(b.Content),
				ToolCallID: b.ToolUseID,
			})
		}
	}

	switch {
	case text != "" && len(toolCalls) > 0:
		out = append([]wireshapes.OpenAIMessage{{Role: role, Content: text, ToolCalls: toolCalls}}, out...)
	case len(toolCalls) > 0:
		out = append([]wireshapes.OpenAIMessage{{Role: role, ToolCalls: toolCalls}}, out...)
	case text != "":
		out = append([]wireshapes.OpenAIMessage{{Role: role, Content: text}}, out...)
	}
	// A message consisting only of tool_result blocks (no text, no new tool
	// calls) contributes no role-level message of its own; its content is
	// already in out as standalone tool-role messages.
	return out
}

func stringifyToolResult(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapAnthropicToolChoice maps tool_choice values: auto<->auto,
// any<->required, {type:"tool",name}<->{type:"function",function:{name}}.
func mapAnthropicToolChoice(v interface{}) interface{} {
	switch tc := v.(type) {
	case string:
		switch tc {
		case wireshapes.AnthropicToolChoiceAny:
			return wireshapes.OpenAIToolChoiceRequired
		case wireshapes.AnthropicToolChoiceAuto:
			return wireshapes.OpenAIToolChoiceAuto
		default:
			return tc
		}
	case map[string]interface{}:
		if tc["type"] == "tool" {
			if name, ok := tc["name"].(string); ok {
				return wireshapes.OpenAIToolChoiceFunction{
					Type:     "function",
					Function: wireshapes.OpenAIToolChoiceFunctionName{Name: name},
				}
			}
		}
		return tc
	default:
		return v
	}
}

// OpenAIToAnthropic implements the reverse request-direction mapping, used
// when the caller spoke OpenAI but the selected route is anthropic-native.
func OpenAIToAnthropic(req wireshapes.OpenAIRequest, targetModel string) (wireshapes.AnthropicRequest, error) {
	out := wireshapes.AnthropicRequest{
		Model:     targetModel,
		MaxTokens: req.MaxTokens,
		Stream:    req.Stream,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 1024 // Anthropic requires max_tokens
	}
	out.Temperature = req.Temperature
	out.TopP = req.TopP
	out.StopSequences = req.Stop

	pendingToolResults := map[string]string{}
	for _, m := range req.Messages {
		if m.Role == "tool" {
			pendingToolResults[m.ToolCallID] = m.Content
			continue
		}
		if m.Role == "system" {
			if out.System != "" {
				out.System += "\n"
			}
			out.System += m.Content
			continue
		}
		out.Messages = append(out.Messages, openAIMessageToAnthropic(m))
	}
	// Fold tool results into a trailing user message of tool_result blocks,
	// matching how Anthropic expects tool_result content (a user-role turn).
	if len(pendingToolResults) > 0 {
		var blocks []wireshapes.AnthropicContentBlock
		for id, content := range pendingToolResults {
			blocks = append(blocks, wireshapes.AnthropicContentBlock{Type: "tool_result", ToolUseID: id, Content: content})
		}
		out.Messages = append(out.Messages, wireshapes.AnthropicMessage{Role: "user", Content: blocks})
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, wireshapes.AnthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	if req.ToolChoice != nil {
		out.ToolChoice = mapOpenAIToolChoice(req.ToolChoice)
	}

	if len(out.Messages) == 0 {
		return out, fmt.Errorf("openai request produced no messages")
	}
	return out, nil
}

func openAIMessageToAnthropic(m wireshapes.OpenAIMessage) wireshapes.AnthropicMessage {
	if len(m.ToolCalls) == 0 {
		return wireshapes.AnthropicMessage{Role: m.Role, Content: m.Content}
	}
	var blocks []wireshapes.AnthropicContentBlock
	if m.Content != "" {
		blocks = append(blocks, wireshapes.AnthropicContentBlock{Type: "text", Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		var input interface{}
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		blocks = append(blocks, wireshapes.AnthropicContentBlock{
			Type: "tool_use", ID: tc.ID, Name: tc.Function.Name, Input: input,
		})
	}
	return wireshapes.AnthropicMessage{Role: m.Role, Content: blocks}
}

func mapOpenAIToolChoice(v interface{}) interface{} {
	switch tc := v.(type) {
	case string:
		switch tc {
		case wireshapes.OpenAIToolChoiceRequired:
			return wireshapes.AnthropicToolChoiceAny
		case wireshapes.OpenAIToolChoiceAuto:
			return wireshapes.AnthropicToolChoiceAuto
		default:
			return tc
		}
	case map[string]interface{}:
		if fn, ok := tc["function"].(map[string]interface{}); ok {
			if name, ok := fn["name"].(string); ok {
				return map[string]interface{}{"type": "tool", "name": name}
			}
		}
		return tc
	default:
		return v
	}
}
