package turnloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/relaydev/turncore/modelwire"
)

// TurnConfig wires a Turn's collaborators. Client and Model are required;
// everything else is optional.
type TurnConfig struct {
	Client       modelwire.StreamClient
	Model        string
	PromptID     string // generated when empty
	Capabilities *Registry
	Hooks        *HookCoordinator
	Detector     *LoopDetector
	Logger       *slog.Logger
}

// Turn drives one request/response exchange with the model provider. It is
// owned by a single logical conversation exchange: create one per prompt,
// run it once, and discard it when the event stream ends.
type Turn struct {
	client   modelwire.StreamClient
	hooks    *HookCoordinator
	detector *LoopDetector
	caps     *Registry
	log      *slog.Logger

	promptID string
	model    string
	profile  CapabilityProfile

	mu      sync.Mutex
	pending []ToolCallRequest
	debug   []modelwire.Chunk
	usage   modelwire.Usage
	err     error
	ran     bool
}

// NewTurn creates a Turn. The capability profile is captured here, once, and
// is not re-queried for the lifetime of the turn; model fallback creates a
// new Turn instead of mutating this one.
func NewTurn(cfg TurnConfig) *Turn {
	caps := cfg.Capabilities
	if caps == nil {
		caps = NewRegistry()
	}
	promptID := cfg.PromptID
	if promptID == "" {
		promptID = uuid.NewString()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Turn{
		client:   cfg.Client,
		hooks:    cfg.Hooks,
		detector: cfg.Detector,
		caps:     caps,
		log:      log,
		promptID: promptID,
		model:    cfg.Model,
		profile:  caps.GetCapabilities(cfg.Model),
	}
}

// PromptID returns the prompt identifier for this turn.
func (t *Turn) PromptID() string { return t.promptID }

// Model returns the model this turn was created for.
func (t *Turn) Model() string { return t.model }

// Profile returns the capability profile captured at construction.
func (t *Turn) Profile() CapabilityProfile { return t.profile }

// PendingToolCalls returns the tool-call requests accumulated so far.
func (t *Turn) PendingToolCalls() []ToolCallRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ToolCallRequest, len(t.pending))
	copy(out, t.pending)
	return out
}

// DebugChunks returns every raw chunk received, for diagnostics and hooks.
// The slice is valid only for the Turn's lifetime.
func (t *Turn) DebugChunks() []modelwire.Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]modelwire.Chunk, len(t.debug))
	copy(out, t.debug)
	return out
}

// Usage returns the token usage accumulated across every chunk of the turn.
func (t *Turn) Usage() modelwire.Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// Err returns the fatal error, if any, that terminated the turn. Unauthorized
// provider errors propagate here unchanged so the caller can re-authenticate.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Run executes the turn and returns its event stream. The stream is
// single-consumer and pull-driven: the engine blocks on the unread event, so
// the consumer's pace is the engine's pace. The channel closes after the
// terminal event (Finished, Error, UserCancelled, or LoopDetected).
func (t *Turn) Run(ctx context.Context, req modelwire.Request) <-chan Event {
	events := make(chan Event, 1)

	t.mu.Lock()
	if t.ran {
		t.mu.Unlock()
		events <- Event{Kind: EventError, Error: &ErrorDetail{Message: "turn already ran"}}
		close(events)
		return events
	}
	t.ran = true
	t.mu.Unlock()

	go func() {
		defer close(events)
		t.run(ctx, req, events)
	}()
	return events
}

// emit sends one event, first routing it through the loop detector. It
// returns false when a loop was confirmed and the turn should stop.
func (t *Turn) emit(events chan<- Event, ev Event) bool {
	if t.detector != nil && ev.Kind != EventLoopDetected {
		if t.detector.AddAndCheck(ev) {
			events <- ev
			events <- Event{Kind: EventLoopDetected, Loop: t.detector.Kind()}
			return false
		}
	}
	events <- ev
	return true
}

func (t *Turn) run(ctx context.Context, req modelwire.Request, events chan<- Event) {
	if t.detector != nil {
		t.detector.Reset(t.promptID)
	}
	if req.Model == "" {
		req.Model = t.model
	}
	if req.PromptID == "" {
		req.PromptID = t.promptID
	}

	if t.hooks != nil {
		before := t.hooks.FireBeforeModel(ctx, req)
		if out := before.FinalOutput; out != nil && out.RequestMutation != nil {
			req = out.RequestMutation(req)
		}
		toolNames := make([]string, len(req.Tools))
		for i, td := range req.Tools {
			toolNames[i] = td.Name
		}
		t.hooks.FireBeforeToolSelection(ctx, toolNames)
	}

	stream, err := t.client.Stream(ctx, req)
	if err != nil {
		t.finishWithError(ctx, events, err)
		return
	}

	var lastMalformed *modelwire.FunctionCall

	for chunk := range stream {
		// Cooperative cancellation: checked once per chunk, before any
		// processing; no further chunks are read once observed.
		if ctx.Err() != nil {
			events <- Event{Kind: EventUserCancelled}
			return
		}

		t.mu.Lock()
		t.debug = append(t.debug, chunk)
		t.mu.Unlock()

		if chunk.Err != nil {
			t.finishWithError(ctx, events, chunk.Err)
			return
		}

		consumed, ok := t.processParts(events, chunk)
		if !ok {
			return
		}
		if consumed {
			continue
		}

		for _, fc := range chunk.FunctionCalls {
			reqEvent, ok := t.admitFunctionCall(fc)
			if !ok {
				lastMalformed = &fc
				continue
			}
			if !t.emit(events, Event{Kind: EventToolCallRequest, ToolCall: reqEvent}) {
				return
			}
		}

		// Usage before the terminal event: providers attach usage to the
		// final chunk, and consumers stop reading after Finished.
		if chunk.Usage != nil {
			t.mu.Lock()
			t.usage = t.usage.Add(*chunk.Usage)
			t.mu.Unlock()
			model := chunk.Model
			if model == "" {
				model = t.model
			}
			if !t.emit(events, Event{Kind: EventTokenUsage, Usage: &TokenUsage{Usage: *chunk.Usage, Model: model}}) {
				return
			}
		}

		if chunk.FinishReason != "" {
			if t.hooks != nil {
				t.hooks.FireAfterModel(ctx, t.model, chunk.FinishReason)
			}
			fin := Finished{Reason: chunk.FinishReason}
			if chunk.FinishReason == modelwire.FinishMalformedFunctionCall {
				fin.Diagnostic = malformedDiagnostic(chunk, lastMalformed)
			}
			t.emit(events, Event{Kind: EventFinished, Finished: &fin})
			return
		}
	}
}

// processParts emits thought, reasoning, or content events for one chunk.
// consumed reports that a thought or reasoning part was emitted, which
// claims the entire chunk: its function calls, usage, and finish reason are
// not processed. ok is false when a loop was confirmed.
func (t *Turn) processParts(events chan<- Event, chunk modelwire.Chunk) (consumed, ok bool) {
	for _, p := range chunk.Parts {
		if p.Thought {
			th := parseThought(p.Text)
			return true, t.emit(events, Event{Kind: EventThought, Thought: &th})
		}
		if p.Reasoning != "" {
			return true, t.emit(events, Event{Kind: EventReasoning, Reasoning: p.Reasoning})
		}
	}
	if text := chunk.Text(); text != "" {
		return false, t.emit(events, Event{Kind: EventContent, Content: text})
	}
	return false, true
}

// admitFunctionCall runs one wire-level function call through validation and
// repair and converts it into a pending ToolCallRequest. It returns false
// for unfixable calls, which are logged and excluded.
func (t *Turn) admitFunctionCall(fc modelwire.FunctionCall) (*ToolCallRequest, bool) {
	result := t.caps.ValidateCall(fc, t.model)
	call := fc
	if !result.Valid || !result.Complete {
		fixed := t.caps.FixCall(fc, t.model)
		if fixed == nil {
			t.log.Warn("dropping unfixable function call",
				"name", fc.Name, "errors", result.Errors, "prompt_id", t.promptID)
			return nil, false
		}
		call = *fixed
	}

	req := ToolCallRequest{
		CallID:   call.ID,
		Name:     call.Name,
		Args:     call.Args,
		PromptID: t.promptID,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// CallID uniqueness within the turn's pending set.
	for i := range t.pending {
		if t.pending[i].CallID == req.CallID {
			req.CallID = syntheticCallID(call.Name)
			break
		}
	}
	t.pending = append(t.pending, req)
	return &req, true
}

// finishWithError classifies a provider failure into a terminal event.
// Cancellation short-circuits to UserCancelled; unauthorized errors are
// recorded on the turn unchanged; everything else becomes a structured
// Error event.
func (t *Turn) finishWithError(ctx context.Context, events chan<- Event, err error) {
	if modelwire.IsCancellation(err) || ctx.Err() != nil {
		events <- Event{Kind: EventUserCancelled}
		return
	}
	if modelwire.IsUnauthorized(err) {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		events <- Event{Kind: EventError, Error: &ErrorDetail{Message: err.Error(), Status: 401}}
		return
	}
	events <- Event{Kind: EventError, Error: &ErrorDetail{
		Message: err.Error(),
		Status:  modelwire.StatusOf(err),
	}}
}

// malformedDiagnostic builds a human-readable description of the function
// call that broke the stream, naming the function and its raw arguments.
func malformedDiagnostic(chunk modelwire.Chunk, last *modelwire.FunctionCall) string {
	call := last
	if call == nil && len(chunk.FunctionCalls) > 0 {
		call = &chunk.FunctionCalls[len(chunk.FunctionCalls)-1]
	}
	if call == nil {
		return "the model emitted a malformed function call"
	}
	name := call.Name
	if name == "" {
		name = "(unnamed)"
	}
	args := call.RawArgs
	if args == "" {
		args = canonicalArgs(call.Args)
	}
	return fmt.Sprintf("the model emitted a malformed function call: %s with arguments: %s", name, args)
}
