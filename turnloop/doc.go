// Package turnloop implements the agentic execution core of a coding
// assistant: one conversational turn against a model provider, from request
// to terminal event.
//
// It is organized around these pieces:
//
//   - Registry: static model-name to capability-profile lookup that tunes
//     validation strictness, tool concurrency, and loop-detection thresholds.
//   - Function-call validation and repair (funcall.go): tolerates malformed
//     output from weaker models and caps per-turn tool concurrency.
//   - Turn: streams the model client, extracts content, thoughts, reasoning,
//     and function calls from each chunk, and emits typed events.
//   - LoopDetector: stateful per-prompt detection of runaway tool-call and
//     content repetition.
//   - Scheduler: drives validated tool calls through their lifecycle
//     (pending, confirming, executing, terminal) with bounded parallelism.
//   - HookCoordinator: brackets model and tool operations with pluggable
//     external hooks and aggregates their results.
//
// # Quick start
//
//	caps := turnloop.NewRegistry()
//	turn := turnloop.NewTurn(turnloop.TurnConfig{
//	    Client:       client, // any modelwire.StreamClient
//	    Model:        "gemini-2.5-pro",
//	    PromptID:     promptID,
//	    Capabilities: caps,
//	})
//	for ev := range turn.Run(ctx, req) {
//	    switch ev.Kind {
//	    case turnloop.EventContent:
//	        fmt.Print(ev.Content)
//	    case turnloop.EventToolCallRequest:
//	        // hand to a Scheduler
//	    }
//	}
package turnloop
