package modelwire

import (
	"context"
	"strings"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the outgoing conversation.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// ToolDefinition describes a tool the model may call (serializable metadata).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the input to a single model turn.
type Request struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	PromptID    string           `json:"prompt_id,omitempty"`
}

// Part is one piece of streamed model output. Text carries ordinary content;
// Thought marks the text as an internal planning note; Reasoning carries
// provider-native reasoning traces separate from visible text.
type Part struct {
	Text      string `json:"text,omitempty"`
	Thought   bool   `json:"thought,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// FunctionCall is a model-initiated tool invocation as it appears on the
// wire. Args may be nil and ID may be empty when the model emits malformed
// output; RawArgs preserves the original argument text for diagnostics.
type FunctionCall struct {
	ID      string         `json:"id,omitempty"`
	Name    string         `json:"name"`
	Args    map[string]any `json:"args,omitempty"`
	RawArgs string         `json:"raw_args,omitempty"`
}

// FinishReason describes why the model stopped generating.
type FinishReason string

const (
	FinishStop                  FinishReason = "stop"
	FinishMaxTokens             FinishReason = "max_tokens"
	FinishSafety                FinishReason = "safety"
	FinishMalformedFunctionCall FinishReason = "malformed_function_call"
	FinishOther                 FinishReason = "other"
)

// Usage tracks token consumption for one response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
	CachedTokens int `json:"cached_tokens"`
}

// Add returns the element-wise sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
		CachedTokens: u.CachedTokens + other.CachedTokens,
	}
}

// Chunk is one unit of a streamed model response.
//
// A stream is a sequence of chunks terminated either by a chunk carrying a
// FinishReason or by a chunk carrying Err; after either, no further chunks
// are sent and the channel is closed.
type Chunk struct {
	Parts         []Part         `json:"parts,omitempty"`
	FunctionCalls []FunctionCall `json:"function_calls,omitempty"`
	FinishReason  FinishReason   `json:"finish_reason,omitempty"`
	Usage         *Usage         `json:"usage,omitempty"`
	Model         string         `json:"model,omitempty"` // model that actually served the request
	Err           error          `json:"-"`
}

// Text returns the concatenation of all plain (non-thought) text parts.
func (c Chunk) Text() string {
	var sb strings.Builder
	for _, p := range c.Parts {
		if !p.Thought && p.Reasoning == "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// StreamClient is the consumed model-client contract. Implementations must
// close the returned channel after the terminal chunk and must honor ctx
// cancellation by terminating the stream.
type StreamClient interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// AuthType identifies how the current session authenticates to the provider.
// It gates quota-driven model fallback and nothing else.
type AuthType string

const (
	AuthOAuthPersonal  AuthType = "oauth-personal"
	AuthAPIKey         AuthType = "api-key"
	AuthServiceAccount AuthType = "service-account"
)

// SystemMessage creates a system Message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Text: text}
}

// UserMessage creates a user Message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// AssistantMessage creates an assistant Message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Text: text}
}
