package compat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply_ClampsMaxTokens(t *testing.T) {
	body := map[string]interface{}{"max_tokens": float64(8192)}
	out, err := Apply(body, Quirks{MaxTokensCeiling: 4096})
	require.NoError(t, err)
	assert.Equal(t, 4096, out["max_tokens"])
}

func TestApply_LeavesMaxTokensUnderCeiling(t *testing.T) {
	body := map[string]interface{}{"max_tokens": float64(1000)}
	out, err := Apply(body, Quirks{MaxTokensCeiling: 4096})
	require.NoError(t, err)
	assert.Equal(t, float64(1000), out["max_tokens"])
}

func TestApply_ForcesNonStreaming(t *testing.T) {
	body := map[string]interface{}{"stream": true}
	out, err := Apply(body, Quirks{ForceNonStreaming: true})
	require.NoError(t, err)
	assert.Equal(t, false, out["stream"])
}

func TestApply_NormalizesToolSchema(t *testing.T) {
	body := map[string]interface{}{
		"tools": []interface{}{
			map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        "get_weather",
					"description": "fetch the weather",
				},
			},
		},
	}
	out, err := Apply(body, Quirks{NormalizeToolSchema: true})
	require.NoError(t, err)
	tools, ok := out["tools"].([]interface{})
	require.True(t, ok)
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]interface{})["function"].(map[string]interface{})
	assert.Equal(t, "get_weather", fn["name"])
	params, ok := fn["parameters"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "object", params["type"])
}

func TestApply_NormalizesAnthropicToolSchema(t *testing.T) {
	body := map[string]interface{}{
		"tools": []interface{}{
			map[string]interface{}{
				"name":        "get_weather",
				"description": "fetch the weather",
				"input_schema": map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{"city": map[string]interface{}{"type": "string"}},
					"required":   []interface{}{"city"},
					"$defs":      map[string]interface{}{"unused": true},
				},
			},
		},
	}
	out, err := Apply(body, Quirks{NormalizeToolSchema: true})
	require.NoError(t, err)
	tools, ok := out["tools"].([]interface{})
	require.True(t, ok)
	require.Len(t, tools, 1)
	tool := tools[0].(map[string]interface{})
	assert.Equal(t, "get_weather", tool["name"])
	schema, ok := tool["input_schema"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "object", schema["type"])
	assert.Contains(t, schema, "properties")
	assert.NotContains(t, schema, "$defs")
	required, ok := schema["required"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"city"}, required)
}

func TestApply_EmptyBodyIsFatal(t *testing.T) {
	_, err := Apply(map[string]interface{}{}, Quirks{})
	require.Error(t, err)
}
