// Package providers is the inference backend abstraction the tool loop (C5)
// and the Compactor (C4) call through: a chat-completion request/response
// shape shared by every concrete backend (Claude, OpenAI-compatible) plus an
// optional streaming extension, mirroring the teacher's pkg/providers split
// between a generic LLMProvider interface and per-vendor implementations.
package providers

import "context"

// Message is one turn in a chat-completion request, shaped to carry either
// plain content or tool-call/tool-result payloads depending on Role.
type Message struct {
	Role         string
	Content      string
	ContentParts []ContentPart
	ToolCalls    []ToolCall
	ToolCallID   string // set on role "tool": which call this result answers
}

// ContentPart is one multimodal fragment of a user message (text or an
// attachment rendered for vision input). Nothing in the gateway fills
// Message.ContentParts and neither provider sends it; the pipeline folds
// attachment descriptions into Content instead.
type ContentPart struct {
	Type     string // "text", "image", "audio"
	Text     string
	MimeType string
	Data     []byte
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
	Function  *FunctionCall // present when decoded from an OpenAI-shaped response
}

// FunctionCall carries the raw (name, json-arguments) pair some backends
// return instead of a pre-decoded argument map.
type FunctionCall struct {
	Name      string
	Arguments string
}

// ToolDefinition is the JSON-schema tool specification sent to the backend,
// matching the OpenAI function-calling shape both Claude's and OpenAI's Go
// SDKs translate from.
type ToolDefinition struct {
	Type     string
	Function FunctionDefinition
}

// FunctionDefinition is the name/description/parameters triple for one tool.
type FunctionDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// UsageInfo reports token accounting for one completion.
type UsageInfo struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// LLMResponse is the normalized result of one non-streaming chat-completion
// call.
type LLMResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string // "stop" | "tool_calls" | "length"
	Usage        *UsageInfo
}

// StreamCallback receives each content delta as it arrives.
type StreamCallback func(delta string)

// LLMProvider is the minimal backend contract the tool loop (C5) and
// Compactor (C4) depend on.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error)
	GetDefaultModel() string
}

// StreamingProvider is the optional extension a backend implements to
// support the pipeline's streaming tool-loop path (§4.11 step 13a).
type StreamingProvider interface {
	LLMProvider
	ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}, onContent StreamCallback) (*LLMResponse, error)
}
