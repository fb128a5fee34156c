// Package wireshapes defines the caller- and provider-facing wire structs
// the Transformer/ResponseTransformer layers convert between. These are
// pure JSON shapes, not SDK client types: the engine never calls a model
// itself, it only serializes/deserializes against the shapes
// anthropic-sdk-go and go-openai already describe.
package wireshapes

// AnthropicRequest is the inbound/outbound Anthropic Messages API shape.
type AnthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []AnthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice    interface{}        `json:"tool_choice,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

// AnthropicMessage is one turn in the Anthropic messages array. Content may
// be a plain string or a []AnthropicContentBlock; both shapes are accepted
// on decode.
type AnthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// AnthropicContentBlock is one typed content block: text, image, tool_use,
// or tool_result.
type AnthropicContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *AnthropicImageSource `json:"source,omitempty"`

	// tool_use
	ID    string      `json:"id,omitempty"`
	Name  string      `json:"name,omitempty"`
	Input interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   interface{} `json:"content,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`
}

// AnthropicImageSource is the base64-or-URL image payload of an image
// content block.
type AnthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// AnthropicTool is Anthropic's {name, description, input_schema} tool shape.
type AnthropicTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema interface{} `json:"input_schema"`
}

// AnthropicToolChoiceAny / AnthropicToolChoiceAuto are the string-shaped
// tool_choice variants; the object-shaped {"type":"tool","name":...} variant
// decodes straight into a map and is handled by internal/transform.
const (
	AnthropicToolChoiceAuto = "auto"
	AnthropicToolChoiceAny  = "any"
)

// AnthropicResponse is the caller-facing Anthropic message envelope.
type AnthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []AnthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      AnthropicUsage          `json:"usage"`
}

// AnthropicUsage is the caller-facing token accounting.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicErrorResponse is the caller-facing error envelope: `{"type":"error","error":{"type","message"}}`.
type AnthropicErrorResponse struct {
	Type  string              `json:"type"`
	Error AnthropicErrorBody `json:"error"`
}

type AnthropicErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Anthropic stop_reason values.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonMaxTokens = "max_tokens"
	StopReasonToolUse   = "tool_use"
)

// FinishReasonToStopReason maps an OpenAI finish_reason to the Anthropic
// stop_reason vocabulary.
func FinishReasonToStopReason(finishReason string) string {
	switch finishReason {
	case "stop":
		return StopReasonEndTurn
	case "length":
		return StopReasonMaxTokens
	case "tool_calls":
		return StopReasonToolUse
	case "content_filter":
		return StopReasonEndTurn
	default:
		return StopReasonEndTurn
	}
}
