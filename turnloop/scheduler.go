package turnloop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ToolCallState is the lifecycle state of one scheduled tool call.
type ToolCallState string

const (
	StatePending    ToolCallState = "pending"
	StateConfirming ToolCallState = "confirming"
	StateExecuting  ToolCallState = "executing"
	StateSuccess    ToolCallState = "success"
	StateError      ToolCallState = "error"
	StateCancelled  ToolCallState = "cancelled"
)

// AgentType distinguishes the main agent from spawned sub-agents.
type AgentType string

const (
	AgentMain AgentType = "main"
	AgentSub  AgentType = "sub"
)

// ExecutionContext identifies which agent a batch of tool calls runs for, so
// that status updates can be routed to the right surface.
type ExecutionContext struct {
	AgentID         string
	AgentType       AgentType
	TaskDescription string
	DisplayName     string
}

func (e ExecutionContext) hookFields() map[string]any {
	return map[string]any{
		"agent_id":   e.AgentID,
		"agent_type": string(e.AgentType),
		"task":       e.TaskDescription,
	}
}

// ConfirmationDetails describes what a tool wants the user to approve before
// it runs.
type ConfirmationDetails struct {
	Title       string
	Description string
	// Command is set for shell-style tools so the prompt can show exactly
	// what would run.
	Command string
	// EditorType is the user's preferred diff editor, stamped on by the
	// scheduler before the confirmation prompt is shown.
	EditorType string
}

// ToolExecutor runs tool calls. ShouldConfirm returning nil details means the
// call needs no approval.
type ToolExecutor interface {
	ShouldConfirm(ctx context.Context, req ToolCallRequest) (*ConfirmationDetails, error)
	Execute(ctx context.Context, req ToolCallRequest, onOutput func(string)) (ToolCallResponse, error)
}

// CompletedToolCall is the final record of one scheduled call.
type CompletedToolCall struct {
	Request  ToolCallRequest
	Response ToolCallResponse
	State    ToolCallState
	Duration time.Duration
}

// SchedulerCallbacks let the host observe and steer scheduling. Any field may
// be nil.
type SchedulerCallbacks struct {
	// OnStatusChange reports every state transition for a call.
	OnStatusChange func(callID string, state ToolCallState, execCtx ExecutionContext)
	// OnOutputUpdate streams incremental tool output for live display.
	OnOutputUpdate func(callID string, output string)
	// PreExecute runs after confirmation and before execution; a non-nil
	// error vetoes the call, which completes in StateError.
	PreExecute func(ctx context.Context, req ToolCallRequest) error
	// Confirm asks the user to approve a call that requested confirmation.
	// Returning false cancels the call. A nil Confirm approves everything.
	Confirm func(ctx context.Context, req ToolCallRequest, details ConfirmationDetails) (bool, error)
	// OnComplete receives the whole batch once every call has settled.
	OnComplete func(completed []CompletedToolCall)
	// EditorType supplies the user's preferred diff editor for
	// confirmation prompts.
	EditorType func() string
	// SyncStatus mirrors state transitions for sub-agent executions, so a
	// parent surface can track nested tool activity. It fires alongside
	// OnStatusChange, only when the execution context is a sub-agent.
	SyncStatus func(execCtx ExecutionContext, callID string, state ToolCallState)
}

// Scheduler executes batches of tool calls with bounded parallelism. The
// concurrency cap comes from the model's capability profile, so small models
// that interleave poorly run fewer tools at once.
type Scheduler struct {
	executor  ToolExecutor
	caps      *Registry
	callbacks SchedulerCallbacks
	hooks     *HookCoordinator
	log       *slog.Logger
}

// NewScheduler creates a scheduler. hooks may be nil.
func NewScheduler(executor ToolExecutor, caps *Registry, callbacks SchedulerCallbacks, hooks *HookCoordinator, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		executor:  executor,
		caps:      caps,
		callbacks: callbacks,
		hooks:     hooks,
		log:       logger,
	}
}

// Schedule runs reqs to completion and returns one CompletedToolCall per
// request, in request order. It returns an error only for batch-level
// problems (duplicate call IDs); per-call failures are recorded in the
// completed slice.
func (s *Scheduler) Schedule(ctx context.Context, reqs []ToolCallRequest, model string, execCtx ExecutionContext) ([]CompletedToolCall, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		if _, dup := seen[req.CallID]; dup {
			return nil, fmt.Errorf("duplicate tool call id %q in batch", req.CallID)
		}
		seen[req.CallID] = struct{}{}
	}

	profile := s.caps.GetCapabilities(model)
	completed := make([]CompletedToolCall, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(profile.MaxConcurrentTools)
	for i, req := range reqs {
		g.Go(func() error {
			completed[i] = s.runOne(gctx, req, profile, execCtx)
			return nil
		})
	}
	// Workers never return errors; Wait only orders completion.
	_ = g.Wait()

	if s.callbacks.OnComplete != nil {
		s.callbacks.OnComplete(completed)
	}
	return completed, nil
}

func (s *Scheduler) runOne(ctx context.Context, req ToolCallRequest, profile CapabilityProfile, execCtx ExecutionContext) CompletedToolCall {
	start := time.Now()
	done := func(state ToolCallState, resp ToolCallResponse) CompletedToolCall {
		s.setState(req.CallID, state, execCtx)
		return CompletedToolCall{
			Request:  req,
			Response: resp,
			State:    state,
			Duration: time.Since(start),
		}
	}
	errResp := func(err error) ToolCallResponse {
		return ToolCallResponse{CallID: req.CallID, Err: err}
	}

	s.setState(req.CallID, StatePending, execCtx)
	if err := ctx.Err(); err != nil {
		return done(StateCancelled, errResp(err))
	}

	details, err := s.executor.ShouldConfirm(ctx, req)
	if err != nil {
		s.log.Warn("confirmation check failed", "call_id", req.CallID, "tool", req.Name, "error", err)
		return done(StateError, errResp(err))
	}
	if details != nil && !req.IsRuntimeConfirmation {
		s.setState(req.CallID, StateConfirming, execCtx)
		if s.callbacks.EditorType != nil {
			details.EditorType = s.callbacks.EditorType()
		}
		approved, err := s.askConfirmation(ctx, req, *details)
		if err != nil {
			return done(StateError, errResp(err))
		}
		if !approved {
			s.log.Info("tool call denied by user", "call_id", req.CallID, "tool", req.Name)
			return done(StateCancelled, errResp(fmt.Errorf("user denied tool call %s", req.Name)))
		}
	}

	if s.callbacks.PreExecute != nil {
		if err := s.callbacks.PreExecute(ctx, req); err != nil {
			s.log.Warn("tool call vetoed", "call_id", req.CallID, "tool", req.Name, "error", err)
			return done(StateError, errResp(err))
		}
	}
	if err := ctx.Err(); err != nil {
		return done(StateCancelled, errResp(err))
	}

	if s.hooks != nil {
		s.hooks.FireBeforeTool(ctx, req)
	}

	s.setState(req.CallID, StateExecuting, execCtx)
	execCtx2 := ctx
	cancel := func() {}
	if profile.FunctionCallTimeout > 0 {
		execCtx2, cancel = context.WithTimeout(ctx, profile.FunctionCallTimeout)
	}
	resp, err := s.executor.Execute(execCtx2, req, func(out string) {
		if s.callbacks.OnOutputUpdate != nil {
			s.callbacks.OnOutputUpdate(req.CallID, out)
		}
	})
	cancel()
	if resp.CallID == "" {
		resp.CallID = req.CallID
	}
	if err != nil && resp.Err == nil {
		resp.Err = err
	}

	if s.hooks != nil {
		s.hooks.FireAfterTool(ctx, req, resp)
	}

	switch {
	case ctx.Err() != nil:
		return done(StateCancelled, resp)
	case resp.Err != nil:
		s.log.Warn("tool call failed", "call_id", req.CallID, "tool", req.Name, "error", resp.Err)
		return done(StateError, resp)
	default:
		return done(StateSuccess, resp)
	}
}

func (s *Scheduler) askConfirmation(ctx context.Context, req ToolCallRequest, details ConfirmationDetails) (bool, error) {
	if s.callbacks.Confirm == nil {
		return true, nil
	}
	return s.callbacks.Confirm(ctx, req, details)
}

func (s *Scheduler) setState(callID string, state ToolCallState, execCtx ExecutionContext) {
	if s.callbacks.OnStatusChange != nil {
		s.callbacks.OnStatusChange(callID, state, execCtx)
	}
	if s.callbacks.SyncStatus != nil && execCtx.AgentType == AgentSub {
		s.callbacks.SyncStatus(execCtx, callID, state)
	}
}
