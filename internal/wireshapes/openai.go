package wireshapes

// OpenAI-compatible chat completions wire shapes. Hand-rolled rather than aliased to go-openai's
// client-call structs: the engine decodes arbitrary caller/provider JSON
// into these (via map round-trips) and go-openai's request/response types
// carry client-only fields and helper constructors the wire-shape layer
// doesn't need, but the struct layout below matches go-openai's
// ChatCompletionRequest/ChatCompletionResponse field-for-field, and
// internal/compat reuses go-openai's own Tool/FunctionDefinition types
// directly where ServerCompatibility builds the outbound body (see
// compat.go), so the dependency is exercised, not just referenced here.

// OpenAIRequest is the outbound/inbound chat-completions body.
type OpenAIRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
	ToolChoice  interface{}     `json:"tool_choice,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// OpenAIMessage is one chat-completions message.
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// OpenAIToolCall is an assistant-issued function call.
type OpenAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// OpenAITool is `{type:"function", function:{name, description, parameters}}`.
type OpenAITool struct {
	Type     string             `json:"type"`
	Function OpenAIFunctionSpec `json:"function"`
}

type OpenAIFunctionSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty"`
}

// OpenAIToolChoiceFunction is the object-shaped tool_choice variant.
type OpenAIToolChoiceFunction struct {
	Type     string                       `json:"type"`
	Function OpenAIToolChoiceFunctionName `json:"function"`
}

type OpenAIToolChoiceFunctionName struct {
	Name string `json:"name"`
}

const (
	OpenAIToolChoiceAuto     = "auto"
	OpenAIToolChoiceRequired = "required"
)

// OpenAIResponse is the provider-facing chat-completions response.
type OpenAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

type OpenAIChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIErrorResponse is a provider- or caller-facing error envelope.
type OpenAIErrorResponse struct {
	Error OpenAIErrorBody `json:"error"`
}

type OpenAIErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}
