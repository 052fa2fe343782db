package turnloop

import (
	"strings"

	"github.com/relaydev/turncore/modelwire"
)

// EventKind identifies the type of turn event.
type EventKind string

const (
	EventContent         EventKind = "content"
	EventThought         EventKind = "thought"
	EventReasoning       EventKind = "reasoning"
	EventToolCallRequest EventKind = "tool_call_request"
	EventTokenUsage      EventKind = "token_usage"
	EventFinished        EventKind = "finished"
	EventError           EventKind = "error"
	EventUserCancelled   EventKind = "user_cancelled"
	EventLoopDetected    EventKind = "loop_detected"
)

// Thought is an internal planning note from the model, split into a bold
// subject and the trailing description.
type Thought struct {
	Subject     string `json:"subject"`
	Description string `json:"description"`
}

// TokenUsage reports token consumption for the turn so far, tagged with the
// model that actually served the request.
type TokenUsage struct {
	modelwire.Usage
	Model string `json:"model"`
}

// Finished carries the terminal reason for a completed stream. Diagnostic is
// set for malformed-function-call finishes and names the offending function
// and its raw arguments.
type Finished struct {
	Reason     modelwire.FinishReason `json:"reason"`
	Diagnostic string                 `json:"diagnostic,omitempty"`
}

// ErrorDetail is the structured form of a provider failure surfaced as a
// stream event rather than an exception.
type ErrorDetail struct {
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// Event is a tagged union: Kind selects which field is populated.
type Event struct {
	Kind      EventKind              `json:"kind"`
	Content   string                 `json:"content,omitempty"`
	Thought   *Thought               `json:"thought,omitempty"`
	Reasoning string                 `json:"reasoning,omitempty"`
	ToolCall  *ToolCallRequest       `json:"tool_call,omitempty"`
	Usage     *TokenUsage            `json:"usage,omitempty"`
	Finished  *Finished              `json:"finished,omitempty"`
	Error     *ErrorDetail           `json:"error,omitempty"`
	Loop      LoopKind               `json:"loop,omitempty"`
}

// parseThought splits thought text of the form "**Subject** description"
// into its parts. Text without a bold prefix becomes a description-only
// thought.
func parseThought(text string) Thought {
	if strings.HasPrefix(text, "**") {
		if end := strings.Index(text[2:], "**"); end != -1 {
			return Thought{
				Subject:     strings.TrimSpace(text[2 : 2+end]),
				Description: strings.TrimSpace(text[2+end+2:]),
			}
		}
	}
	return Thought{Description: strings.TrimSpace(text)}
}
