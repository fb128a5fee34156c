// Package compat implements the ServerCompatibility layer:
// provider-specific quirks applied to an already-transformed wire body
// without changing its target-protocol shape. Tool-schema normalization
// rebuilds tool entries through the target SDK's own param types
// (go-openai for OpenAI-compatible targets, anthropic-sdk-go for
// anthropic-native ones) so only fields the provider accepts survive.
package compat

import (
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/sashabaranov/go-openai"

	"github.com/tributary-ai/routing-engine/internal/model"
)

// Quirks is the per-provider compatibility configuration a RouteInfo (or its
// provider-level config group) carries.
type Quirks struct {
	MaxTokensCeiling    int  // 0 = no ceiling
	ForceNonStreaming   bool // suppress stream:true
	NormalizeToolSchema bool
}

// Apply mutates a copy of body per the configured quirks and returns it.
// body must already be target-protocol shaped (the Transformer layer's
// output); Apply never changes which protocol it is.
func Apply(body map[string]interface{}, q Quirks) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(body))
	for k, v := range body {
		out[k] = v
	}

	if q.MaxTokensCeiling > 0 {
		clampMaxTokens(out, q.MaxTokensCeiling)
	}
	if q.ForceNonStreaming {
		out["stream"] = false
	}
	if q.NormalizeToolSchema {
		if err := normalizeToolSchema(out); err != nil {
			return nil, model.NewError(model.ErrProviderFailure, "compat", err.Error(), err)
		}
	}

	if len(out) == 0 {
		return nil, model.NewError(model.ErrProviderFailure, "compat", "compatibility layer produced an empty body", nil)
	}
	return out, nil
}

func clampMaxTokens(body map[string]interface{}, ceiling int) {
	key := "max_tokens"
	raw, ok := body[key]
	if !ok {
		return
	}
	var current float64
	switch v := raw.(type) {
	case float64:
		current = v
	case int:
		current = float64(v)
	default:
		return
	}
	if current > float64(ceiling) {
		body[key] = ceiling
	}
}

// normalizeToolSchema re-marshals each tool entry through the target
// protocol's SDK param types, which some providers require for their
// stricter JSON-schema dialect. OpenAI-shaped entries (nested "function")
// go through go-openai's Tool/FunctionDefinition; Anthropic-shaped entries
// (top-level "input_schema") go through anthropic-sdk-go's
// ToolParam/ToolInputSchemaParam.
func normalizeToolSchema(body map[string]interface{}) error {
	rawTools, ok := body["tools"]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(rawTools)
	if err != nil {
		return err
	}

	if entries, ok := rawTools.([]interface{}); ok && len(entries) > 0 {
		if first, ok := entries[0].(map[string]interface{}); ok {
			if _, anthropicShaped := first["input_schema"]; anthropicShaped {
				return normalizeAnthropicToolSchema(body, raw)
			}
		}
	}

	var entries []struct {
		Type     string `json:"type"`
		Function struct {
			Name        string      `json:"name"`
			Description string      `json:"description"`
			Parameters  interface{} `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return err
	}

	normalized := make([]openai.Tool, 0, len(entries))
	for _, e := range entries {
		params := e.Function.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		normalized = append(normalized, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        e.Function.Name,
				Description: e.Function.Description,
				Parameters:  params,
			},
		})
	}

	reEncoded, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	var asMap []interface{}
	if err := json.Unmarshal(reEncoded, &asMap); err != nil {
		return err
	}
	body["tools"] = asMap
	return nil
}

// normalizeAnthropicToolSchema is the anthropic-native counterpart: each
// {name, description, input_schema} entry is rebuilt through the SDK's
// ToolParam so only the schema fields Anthropic accepts (type, properties,
// required) survive.
func normalizeAnthropicToolSchema(body map[string]interface{}, raw []byte) error {
	var entries []struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		InputSchema map[string]interface{} `json:"input_schema"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return err
	}

	normalized := make([]anthropic.ToolUnionParam, 0, len(entries))
	for _, e := range entries {
		toolParam := anthropic.ToolParam{
			Name:        e.Name,
			Description: anthropic.String(e.Description),
		}
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if typeVal, ok := e.InputSchema["type"].(string); ok {
			schema.Type = constant.Object(typeVal)
		}
		if props, ok := e.InputSchema["properties"].(map[string]interface{}); ok {
			schema.Properties = props
		} else {
			schema.Properties = map[string]interface{}{}
		}
		if requiredVal, ok := e.InputSchema["required"].([]interface{}); ok {
			required := make([]string, 0, len(requiredVal))
			for _, v := range requiredVal {
				if s, ok := v.(string); ok {
					required = append(required, s)
				}
			}
			schema.Required = required
		}
		toolParam.InputSchema = schema
		normalized = append(normalized, anthropic.ToolUnionParam{OfTool: &toolParam})
	}

	reEncoded, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	var asMap []interface{}
	if err := json.Unmarshal(reEncoded, &asMap); err != nil {
		return err
	}
	body["tools"] = asMap
	return nil
}
