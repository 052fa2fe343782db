package turnloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaydev/turncore/modelwire"
)

// ToolCallRequest is a validated, scheduler-ready tool invocation. CallID
// values are unique among the pending calls of one turn.
type ToolCallRequest struct {
	CallID                string         `json:"call_id"`
	Name                  string         `json:"name"`
	Args                  map[string]any `json:"args"`
	IsClientInitiated     bool           `json:"is_client_initiated"`
	PromptID              string         `json:"prompt_id"`
	IsRuntimeConfirmation bool           `json:"is_runtime_confirmation,omitempty"`
}

// ToolCallResponse is produced by the executor and correlated back to its
// request by CallID.
type ToolCallResponse struct {
	CallID        string           `json:"call_id"`
	ResponseParts []modelwire.Part `json:"response_parts,omitempty"`
	ResultDisplay string           `json:"result_display,omitempty"`
	Err           error            `json:"-"`
}

// ValidationResult reports the outcome of validating one function call.
// Valid means the call can execute as-is; Complete means no fields had to be
// inferred. Under strict validation an incomplete call is also invalid.
type ValidationResult struct {
	Valid    bool
	Complete bool
	Errors   []string
}

// ValidateCall checks one function call against the model's capability
// profile. A call is invalid if its name is empty or its args are absent;
// a missing call ID makes it incomplete, and under strict validation also
// invalid.
func (r *Registry) ValidateCall(call modelwire.FunctionCall, model string) ValidationResult {
	profile := r.GetCapabilities(model)
	result := ValidationResult{Valid: true, Complete: true}

	if call.Name == "" {
		result.Valid = false
		result.Errors = append(result.Errors, "function call has no name")
	}
	if call.Args == nil {
		result.Valid = false
		result.Errors = append(result.Errors, "function call has no arguments object")
	}
	if call.ID == "" {
		result.Complete = false
		result.Errors = append(result.Errors, "function call has no call ID")
		if profile.RequiresStrictValidation || !profile.NeedsFormatTolerance {
			result.Valid = false
		}
	}
	return result
}

// FixCall repairs a malformed function call when the model's profile allows
// format tolerance. It synthesizes a call ID if absent, defaults absent args
// to an empty object, and drops null argument values. A call with no name is
// unfixable and returns nil, as does any call for a strict-profile model.
func (r *Registry) FixCall(call modelwire.FunctionCall, model string) *modelwire.FunctionCall {
	profile := r.GetCapabilities(model)
	if !profile.NeedsFormatTolerance {
		return nil
	}
	if call.Name == "" {
		return nil
	}

	fixed := call
	if fixed.ID == "" {
		fixed.ID = syntheticCallID(fixed.Name)
	}
	if fixed.Args == nil {
		fixed.Args = map[string]any{}
	} else {
		args := make(map[string]any, len(fixed.Args))
		for k, v := range fixed.Args {
			if v == nil {
				continue
			}
			args[k] = v
		}
		fixed.Args = args
	}
	return &fixed
}

// syntheticCallID builds a callId of the form name-timestamp-random.
func syntheticCallID(name string) string {
	return fmt.Sprintf("%s-%d-%s", name, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// TruncationError reports that tool-call requests beyond the concurrency cap
// were dropped. It is reported, not fatal: the surviving calls still run.
type TruncationError struct {
	Dropped int
	Limit   int
}

func (e *TruncationError) Error() string {
	return fmt.Sprintf("dropped %d tool call(s) beyond the concurrency limit of %d", e.Dropped, e.Limit)
}

// UnfixableCallError reports a function call that could not be validated or
// repaired and was excluded from scheduling.
type UnfixableCallError struct {
	Name   string
	Detail string
}

func (e *UnfixableCallError) Error() string {
	name := e.Name
	if name == "" {
		name = "(unnamed)"
	}
	return fmt.Sprintf("unfixable function call %s: %s", name, e.Detail)
}

// EnhanceToolCalls validates and, where the profile permits, repairs each
// request, then truncates the list to the profile's MaxConcurrentTools.
//
// Truncation drops the overflow outright rather than queueing it for a later
// wave; the drop is reported as a non-fatal *TruncationError. This preserves
// the historical behavior callers depend on.
func (r *Registry) EnhanceToolCalls(requests []ToolCallRequest, model string) ([]ToolCallRequest, []error) {
	profile := r.GetCapabilities(model)
	var reported []error

	enhanced := make([]ToolCallRequest, 0, len(requests))
	for _, req := range requests {
		call := modelwire.FunctionCall{ID: req.CallID, Name: req.Name, Args: req.Args}
		result := r.ValidateCall(call, model)
		if result.Valid && result.Complete {
			enhanced = append(enhanced, req)
			continue
		}
		fixed := r.FixCall(call, model)
		if fixed == nil {
			reported = append(reported, &UnfixableCallError{
				Name:   req.Name,
				Detail: fmt.Sprintf("%v", result.Errors),
			})
			continue
		}
		req.CallID = fixed.ID
		req.Args = fixed.Args
		enhanced = append(enhanced, req)
	}

	if limit := profile.MaxConcurrentTools; limit > 0 && len(enhanced) > limit {
		reported = append(reported, &TruncationError{
			Dropped: len(enhanced) - limit,
			Limit:   limit,
		})
		enhanced = enhanced[:limit]
	}
	return enhanced, reported
}

// canonicalArgs renders an argument map deterministically (JSON object keys
// sort on marshal).
func canonicalArgs(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(b)
}

// callSignature computes a deterministic signature for a tool call
// (name + hash of canonical arguments).
func callSignature(name string, args map[string]any) string {
	h := sha256.Sum256([]byte(canonicalArgs(args)))
	return fmt.Sprintf("%s:%x", name, h[:8])
}
