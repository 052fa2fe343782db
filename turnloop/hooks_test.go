package turnloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaydev/turncore/modelwire"
)

// recordingPlanner plans the same hooks for every event and keeps the
// payloads it saw.
type recordingPlanner struct {
	hooks []HookConfig
	err   error

	mu       sync.Mutex
	payloads []HookPayload
}

func (p *recordingPlanner) Plan(event HookEventName, payload HookPayload) (ExecutionPlan, error) {
	p.mu.Lock()
	p.payloads = append(p.payloads, payload)
	p.mu.Unlock()
	if p.err != nil {
		return ExecutionPlan{}, p.err
	}
	return ExecutionPlan{Hooks: p.hooks}, nil
}

func (p *recordingPlanner) last() HookPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payloads[len(p.payloads)-1]
}

func okResult(id string, out *HookOutput) HookResult {
	return HookResult{HookID: id, Success: true, Output: out, Duration: 5 * time.Millisecond}
}

func TestFireWithoutPlannerIsNoOp(t *testing.T) {
	c := NewHookCoordinator(nil, nil, "s1", "/work", nil)
	res := c.FireSessionStart(context.Background())
	if !res.Success || len(res.AllOutputs) != 0 || len(res.Errors) != 0 {
		t.Errorf("result = %+v, want an empty success", res)
	}
	if msgs := c.DrainMessages(); len(msgs) != 0 {
		t.Errorf("messages = %v", msgs)
	}
}

func TestFirePayloadEnvelope(t *testing.T) {
	planner := &recordingPlanner{hooks: []HookConfig{{ID: "h1"}}}
	c := NewHookCoordinator(planner, staticRunner{results: []HookResult{okResult("h1", nil)}},
		"session-42", "/repo", nil)

	c.FireBeforeTool(context.Background(), ToolCallRequest{CallID: "c1", Name: "read_file"})

	payload := planner.last()
	if payload.SessionID != "session-42" || payload.WorkingDir != "/repo" {
		t.Errorf("envelope = %+v", payload.Envelope)
	}
	if payload.EventName != HookBeforeTool {
		t.Errorf("event = %q, want %q", payload.EventName, HookBeforeTool)
	}
	if _, err := time.Parse(time.RFC3339, payload.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC 3339: %v", payload.Timestamp, err)
	}
	if payload.Fields["tool_name"] != "read_file" {
		t.Errorf("fields = %v", payload.Fields)
	}
}

func TestFireAggregatesOutputs(t *testing.T) {
	planner := &recordingPlanner{hooks: []HookConfig{{ID: "h1"}, {ID: "h2"}}}
	runner := staticRunner{results: []HookResult{
		okResult("h1", &HookOutput{SystemMessage: "first"}),
		okResult("h2", &HookOutput{SystemMessage: "second"}),
	}}
	c := NewHookCoordinator(planner, runner, "s1", "/work", nil)

	res := c.FireNotification(context.Background(), "hello")
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(res.AllOutputs) != 2 {
		t.Errorf("AllOutputs = %d, want 2", len(res.AllOutputs))
	}
	if res.FinalOutput == nil || res.FinalOutput.SystemMessage != "second" {
		t.Errorf("FinalOutput = %+v, want the last hook's output", res.FinalOutput)
	}
	if res.TotalDuration != 10*time.Millisecond {
		t.Errorf("TotalDuration = %v", res.TotalDuration)
	}

	msgs := c.DrainMessages()
	if len(msgs) != 1 || msgs[0].Kind != MessageInfo || msgs[0].Text != "second" {
		t.Errorf("messages = %v, want the final system message queued once", msgs)
	}
}

func TestFireSuppressedOutputIsNotQueued(t *testing.T) {
	planner := &recordingPlanner{hooks: []HookConfig{{ID: "h1"}}}
	runner := staticRunner{results: []HookResult{
		okResult("h1", &HookOutput{SystemMessage: "hidden", SuppressOutput: true}),
	}}
	c := NewHookCoordinator(planner, runner, "s1", "/work", nil)

	c.FireNotification(context.Background(), "hello")
	if msgs := c.DrainMessages(); len(msgs) != 0 {
		t.Errorf("messages = %v, want none", msgs)
	}
}

func TestFireStopExecutionIsSurfacedNotActed(t *testing.T) {
	planner := &recordingPlanner{hooks: []HookConfig{{ID: "h1"}}}
	runner := staticRunner{results: []HookResult{
		okResult("h1", &HookOutput{StopExecution: true, StopReason: "budget exhausted"}),
	}}
	c := NewHookCoordinator(planner, runner, "s1", "/work", nil)

	res := c.FireAfterModel(context.Background(), "gemini-2.5-pro", modelwire.FinishStop)
	if !res.StopExecution {
		t.Error("StopExecution should be surfaced to the caller")
	}
	if !res.Success {
		t.Error("a stop request is not a hook failure")
	}
	msgs := c.DrainMessages()
	if len(msgs) != 1 || msgs[0].Kind != MessageWarning || msgs[0].Text != "budget exhausted" {
		t.Errorf("messages = %v", msgs)
	}
}

func TestFireHookFailureDegrades(t *testing.T) {
	hookErr := errors.New("hook exited 1")
	planner := &recordingPlanner{hooks: []HookConfig{{ID: "bad"}, {ID: "good"}}}
	runner := staticRunner{results: []HookResult{
		{HookID: "bad", Success: false, Err: hookErr, Duration: time.Millisecond},
		okResult("good", &HookOutput{SystemMessage: "still ran"}),
	}}
	c := NewHookCoordinator(planner, runner, "s1", "/work", nil)

	res := c.FireSessionEnd(context.Background())
	if res.Success {
		t.Error("a failed hook should mark the aggregate unsuccessful")
	}
	if len(res.Errors) != 1 || !errors.Is(res.Errors[0], hookErr) {
		t.Errorf("errors = %v", res.Errors)
	}
	// The surviving hook's output is still aggregated.
	if res.FinalOutput == nil || res.FinalOutput.SystemMessage != "still ran" {
		t.Errorf("FinalOutput = %+v", res.FinalOutput)
	}

	msgs := c.DrainMessages()
	foundFailure := false
	for _, m := range msgs {
		if m.Kind == MessageError {
			foundFailure = true
		}
	}
	if !foundFailure {
		t.Errorf("messages = %v, want a queued failure notice", msgs)
	}
}

func TestFirePlannerFailureDegrades(t *testing.T) {
	planner := &recordingPlanner{err: errors.New("bad hook config")}
	c := NewHookCoordinator(planner, staticRunner{}, "s1", "/work", nil)

	res := c.FireSessionStart(context.Background())
	if res.Success || len(res.Errors) != 1 {
		t.Errorf("result = %+v, want a degraded failure", res)
	}
	if msgs := c.DrainMessages(); len(msgs) != 1 || msgs[0].Kind != MessageWarning {
		t.Errorf("messages = %v", msgs)
	}
}

func TestDrainMessagesClearsQueue(t *testing.T) {
	planner := &recordingPlanner{hooks: []HookConfig{{ID: "h1"}}}
	runner := staticRunner{results: []HookResult{
		okResult("h1", &HookOutput{SystemMessage: "once"}),
	}}
	c := NewHookCoordinator(planner, runner, "s1", "/work", nil)

	c.FireNotification(context.Background(), "x")
	if msgs := c.DrainMessages(); len(msgs) != 1 {
		t.Fatalf("first drain = %v", msgs)
	}
	if msgs := c.DrainMessages(); len(msgs) != 0 {
		t.Errorf("second drain = %v, want empty", msgs)
	}
}
