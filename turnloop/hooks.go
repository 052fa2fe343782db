package turnloop

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaydev/turncore/modelwire"
)

// HookEventName identifies a lifecycle point that external hooks can attach
// to.
type HookEventName string

const (
	HookBeforeTool          HookEventName = "before_tool"
	HookAfterTool           HookEventName = "after_tool"
	HookBeforeAgent         HookEventName = "before_agent"
	HookAfterAgent          HookEventName = "after_agent"
	HookNotification        HookEventName = "notification"
	HookSessionStart        HookEventName = "session_start"
	HookSessionEnd          HookEventName = "session_end"
	HookPreCompress         HookEventName = "pre_compress"
	HookBeforeModel         HookEventName = "before_model"
	HookAfterModel          HookEventName = "after_model"
	HookBeforeToolSelection HookEventName = "before_tool_selection"
)

// Envelope is the common header sent with every fired hook event.
type Envelope struct {
	SessionID  string        `json:"session_id"`
	WorkingDir string        `json:"working_dir"`
	EventName  HookEventName `json:"event_name"`
	Timestamp  string        `json:"timestamp"` // ISO 8601
}

// HookPayload is the envelope plus event-specific fields.
type HookPayload struct {
	Envelope
	Fields map[string]any `json:"fields,omitempty"`
}

// HookConfig describes one external hook as planned by the HookPlanner. How
// hooks are located and spawned is not this package's concern.
type HookConfig struct {
	ID      string
	Command string
	Timeout time.Duration
}

// ExecutionPlan is the planner's answer for one event: which hooks apply and
// whether they may run in parallel.
type ExecutionPlan struct {
	Hooks    []HookConfig
	Parallel bool
}

// HookPlanner decides which hook configs apply to an event.
type HookPlanner interface {
	Plan(event HookEventName, payload HookPayload) (ExecutionPlan, error)
}

// HookRunner executes a plan and returns per-hook results. Execution order
// follows the plan's Parallel flag; the coordinator only aggregates.
type HookRunner interface {
	Run(ctx context.Context, plan ExecutionPlan, payload HookPayload) ([]HookResult, error)
}

// HookOutput is the structured output of one hook.
type HookOutput struct {
	SystemMessage  string
	SuppressOutput bool
	StopExecution  bool
	StopReason     string
	// RequestMutation, when set on a BeforeModel hook's output, transforms
	// the outgoing request before it is sent.
	RequestMutation   func(modelwire.Request) modelwire.Request
	AdditionalContext string
}

// HookResult is one hook's execution record.
type HookResult struct {
	HookID   string
	Success  bool
	Output   *HookOutput
	Err      error
	Duration time.Duration
}

// MessageKind grades a queued user-visible message.
type MessageKind string

const (
	MessageInfo    MessageKind = "info"
	MessageWarning MessageKind = "warning"
	MessageError   MessageKind = "error"
)

// QueuedMessage is a user-visible message held until the caller decides it
// is safe to flush (for example, not mid-stream).
type QueuedMessage struct {
	Kind MessageKind
	Text string
}

// AggregatedHookResult is the merged outcome of all hooks fired for one
// event. StopExecution is surfaced here for the caller to act on; the
// coordinator itself never stops anything.
type AggregatedHookResult struct {
	Success       bool
	AllOutputs    []HookOutput
	Errors        []error
	TotalDuration time.Duration
	FinalOutput   *HookOutput
	StopExecution bool
}

// HookCoordinator fires lifecycle events, delegates planning and execution
// to external collaborators, and centralizes result interpretation. Hook
// failures degrade (the hook's effect is skipped); they never abort a turn.
type HookCoordinator struct {
	planner    HookPlanner
	runner     HookRunner
	sessionID  string
	workingDir string
	log        *slog.Logger

	mu    sync.Mutex
	queue []QueuedMessage
}

// NewHookCoordinator creates a coordinator. planner and runner may be nil,
// in which case every fire is a successful no-op.
func NewHookCoordinator(planner HookPlanner, runner HookRunner, sessionID, workingDir string, logger *slog.Logger) *HookCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &HookCoordinator{
		planner:    planner,
		runner:     runner,
		sessionID:  sessionID,
		workingDir: workingDir,
		log:        logger,
	}
}

// DrainMessages returns and clears all queued user-visible messages.
func (c *HookCoordinator) DrainMessages() []QueuedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}

func (c *HookCoordinator) queueMessage(kind MessageKind, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, QueuedMessage{Kind: kind, Text: text})
}

// fire runs the full plan/execute/aggregate cycle for one event.
func (c *HookCoordinator) fire(ctx context.Context, event HookEventName, fields map[string]any) AggregatedHookResult {
	result := AggregatedHookResult{Success: true}
	if c.planner == nil || c.runner == nil {
		return result
	}

	payload := HookPayload{
		Envelope: Envelope{
			SessionID:  c.sessionID,
			WorkingDir: c.workingDir,
			EventName:  event,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		},
		Fields: fields,
	}

	plan, err := c.planner.Plan(event, payload)
	if err != nil {
		c.log.Error("hook planning failed", "event", event, "error", err)
		c.queueMessage(MessageWarning, "hook planning failed for "+string(event)+": "+err.Error())
		result.Success = false
		result.Errors = append(result.Errors, err)
		return result
	}
	if len(plan.Hooks) == 0 {
		return result
	}

	results, err := c.runner.Run(ctx, plan, payload)
	if err != nil {
		c.log.Error("hook execution failed", "event", event, "error", err)
		c.queueMessage(MessageWarning, "hooks failed for "+string(event)+": "+err.Error())
		result.Success = false
		result.Errors = append(result.Errors, err)
		return result
	}

	for _, hr := range results {
		result.TotalDuration += hr.Duration
		if !hr.Success || hr.Err != nil {
			result.Success = false
			if hr.Err != nil {
				result.Errors = append(result.Errors, hr.Err)
			}
			c.log.Error("hook failed", "event", event, "hook", hr.HookID, "error", hr.Err)
			c.queueMessage(MessageError, "hook "+hr.HookID+" failed for "+string(event))
			continue
		}
		c.log.Debug("hook succeeded", "event", event, "hook", hr.HookID, "duration", hr.Duration)
		if hr.Output != nil {
			result.AllOutputs = append(result.AllOutputs, *hr.Output)
			// Later outputs override earlier ones.
			out := *hr.Output
			result.FinalOutput = &out
		}
	}

	if out := result.FinalOutput; out != nil {
		if out.SystemMessage != "" && !out.SuppressOutput {
			c.queueMessage(MessageInfo, out.SystemMessage)
		}
		if out.StopExecution {
			result.StopExecution = true
			reason := out.StopReason
			if reason == "" {
				reason = "a hook requested that execution stop"
			}
			c.queueMessage(MessageWarning, reason)
		}
	}
	return result
}

// FireBeforeModel fires before the outgoing request is sent. The final
// output's RequestMutation, if any, is applied by the turn engine.
func (c *HookCoordinator) FireBeforeModel(ctx context.Context, req modelwire.Request) AggregatedHookResult {
	return c.fire(ctx, HookBeforeModel, map[string]any{
		"model":     req.Model,
		"prompt_id": req.PromptID,
	})
}

// FireAfterModel fires after the model stream reports a finish reason.
func (c *HookCoordinator) FireAfterModel(ctx context.Context, model string, reason modelwire.FinishReason) AggregatedHookResult {
	return c.fire(ctx, HookAfterModel, map[string]any{
		"model":         model,
		"finish_reason": string(reason),
	})
}

// FireBeforeToolSelection fires before the model chooses among tools.
func (c *HookCoordinator) FireBeforeToolSelection(ctx context.Context, toolNames []string) AggregatedHookResult {
	return c.fire(ctx, HookBeforeToolSelection, map[string]any{
		"tools": toolNames,
	})
}

// FireBeforeTool fires before one tool call executes.
func (c *HookCoordinator) FireBeforeTool(ctx context.Context, req ToolCallRequest) AggregatedHookResult {
	return c.fire(ctx, HookBeforeTool, map[string]any{
		"call_id":   req.CallID,
		"tool_name": req.Name,
		"args":      req.Args,
	})
}

// FireAfterTool fires after one tool call completes.
func (c *HookCoordinator) FireAfterTool(ctx context.Context, req ToolCallRequest, resp ToolCallResponse) AggregatedHookResult {
	fields := map[string]any{
		"call_id":   req.CallID,
		"tool_name": req.Name,
	}
	if resp.Err != nil {
		fields["error"] = resp.Err.Error()
	}
	return c.fire(ctx, HookAfterTool, fields)
}

// FireBeforeAgent fires when an agent (main or sub) begins work.
func (c *HookCoordinator) FireBeforeAgent(ctx context.Context, execCtx ExecutionContext) AggregatedHookResult {
	return c.fire(ctx, HookBeforeAgent, execCtx.hookFields())
}

// FireAfterAgent fires when an agent finishes.
func (c *HookCoordinator) FireAfterAgent(ctx context.Context, execCtx ExecutionContext) AggregatedHookResult {
	return c.fire(ctx, HookAfterAgent, execCtx.hookFields())
}

// FireNotification fires for a user-facing notification.
func (c *HookCoordinator) FireNotification(ctx context.Context, message string) AggregatedHookResult {
	return c.fire(ctx, HookNotification, map[string]any{
		"message": message,
	})
}

// FireSessionStart fires at session start.
func (c *HookCoordinator) FireSessionStart(ctx context.Context) AggregatedHookResult {
	return c.fire(ctx, HookSessionStart, nil)
}

// FireSessionEnd fires at session end.
func (c *HookCoordinator) FireSessionEnd(ctx context.Context) AggregatedHookResult {
	return c.fire(ctx, HookSessionEnd, nil)
}

// FirePreCompress fires before conversation history is compressed.
func (c *HookCoordinator) FirePreCompress(ctx context.Context, tokenCount int) AggregatedHookResult {
	return c.fire(ctx, HookPreCompress, map[string]any{
		"token_count": tokenCount,
	})
}
