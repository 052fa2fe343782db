package turnloop

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/relaydev/turncore/modelwire"
)

const (
	strictModel   = "gemini-2.5-pro"   // RequiresStrictValidation
	tolerantModel = "gemini-2.5-flash" // NeedsFormatTolerance
)

func TestValidateCall(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name     string
		call     modelwire.FunctionCall
		model    string
		valid    bool
		complete bool
	}{
		{
			name:     "well formed",
			call:     modelwire.FunctionCall{ID: "c1", Name: "read_file", Args: map[string]any{"path": "a.go"}},
			model:    strictModel,
			valid:    true,
			complete: true,
		},
		{
			name:     "no name",
			call:     modelwire.FunctionCall{ID: "c1", Args: map[string]any{}},
			model:    tolerantModel,
			valid:    false,
			complete: true,
		},
		{
			name:     "nil args",
			call:     modelwire.FunctionCall{ID: "c1", Name: "read_file"},
			model:    tolerantModel,
			valid:    false,
			complete: true,
		},
		{
			name:     "missing id under strict validation",
			call:     modelwire.FunctionCall{Name: "read_file", Args: map[string]any{}},
			model:    strictModel,
			valid:    false,
			complete: false,
		},
		{
			name:     "missing id under tolerant validation",
			call:     modelwire.FunctionCall{Name: "read_file", Args: map[string]any{}},
			model:    tolerantModel,
			valid:    true,
			complete: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.ValidateCall(tt.call, tt.model)
			if got.Valid != tt.valid || got.Complete != tt.complete {
				t.Errorf("got valid=%v complete=%v, want valid=%v complete=%v (errors: %v)",
					got.Valid, got.Complete, tt.valid, tt.complete, got.Errors)
			}
			if (tt.valid && tt.complete) != (len(got.Errors) == 0) {
				t.Errorf("errors = %v inconsistent with valid=%v complete=%v", got.Errors, got.Valid, got.Complete)
			}
		})
	}
}

func TestFixCallSynthesizesMissingFields(t *testing.T) {
	r := NewRegistry()

	fixed := r.FixCall(modelwire.FunctionCall{Name: "read_file"}, tolerantModel)
	if fixed == nil {
		t.Fatal("tolerant model should fix a call with a name")
	}
	if fixed.ID == "" {
		t.Error("fixed call should have a synthesized ID")
	}
	if !strings.HasPrefix(fixed.ID, "read_file-") {
		t.Errorf("synthesized ID %q should start with the function name", fixed.ID)
	}
	if fixed.Args == nil || len(fixed.Args) != 0 {
		t.Errorf("absent args should become an empty object, got %v", fixed.Args)
	}
}

func TestFixCallDropsNullArgValues(t *testing.T) {
	r := NewRegistry()

	fixed := r.FixCall(modelwire.FunctionCall{
		ID:   "c1",
		Name: "grep",
		Args: map[string]any{"pattern": "func", "path": nil},
	}, tolerantModel)
	if fixed == nil {
		t.Fatal("expected a fixed call")
	}
	if _, ok := fixed.Args["path"]; ok {
		t.Error("null argument values should be dropped")
	}
	if fixed.Args["pattern"] != "func" {
		t.Errorf("non-null values must survive, got %v", fixed.Args)
	}
}

func TestFixCallRefusals(t *testing.T) {
	r := NewRegistry()

	if got := r.FixCall(modelwire.FunctionCall{Name: "read_file"}, strictModel); got != nil {
		t.Error("strict-profile models must not repair calls")
	}
	if got := r.FixCall(modelwire.FunctionCall{Args: map[string]any{}}, tolerantModel); got != nil {
		t.Error("a call with no name is unfixable")
	}
}

func TestEnhanceToolCallsTruncatesAtConcurrencyLimit(t *testing.T) {
	r := NewRegistry()

	reqs := make([]ToolCallRequest, 7)
	for i := range reqs {
		reqs[i] = ToolCallRequest{
			CallID: fmt.Sprintf("c%d", i),
			Name:   "read_file",
			Args:   map[string]any{"path": fmt.Sprintf("f%d.go", i)},
		}
	}

	enhanced, reported := r.EnhanceToolCalls(reqs, tolerantModel) // limit 3
	if len(enhanced) != 3 {
		t.Fatalf("len(enhanced) = %d, want 3", len(enhanced))
	}
	for i, req := range enhanced {
		if req.CallID != fmt.Sprintf("c%d", i) {
			t.Errorf("truncation must keep the leading calls in order, got %q at %d", req.CallID, i)
		}
	}

	var trunc *TruncationError
	found := false
	for _, err := range reported {
		if errors.As(err, &trunc) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a *TruncationError among %v", reported)
	}
	if trunc.Dropped != 4 || trunc.Limit != 3 {
		t.Errorf("TruncationError = %+v, want Dropped=4 Limit=3", trunc)
	}
}

func TestEnhanceToolCallsRepairsAndReports(t *testing.T) {
	r := NewRegistry()

	reqs := []ToolCallRequest{
		{CallID: "c0", Name: "read_file", Args: map[string]any{"path": "a.go"}},
		{Name: "grep", Args: map[string]any{"pattern": "x"}}, // missing ID, repairable
		{CallID: "c2", Args: map[string]any{}},               // no name, unfixable
	}

	enhanced, reported := r.EnhanceToolCalls(reqs, tolerantModel)
	if len(enhanced) != 2 {
		t.Fatalf("len(enhanced) = %d, want 2", len(enhanced))
	}
	if enhanced[1].CallID == "" {
		t.Error("repaired call should carry a synthesized ID")
	}

	var unfixable *UnfixableCallError
	found := false
	for _, err := range reported {
		if errors.As(err, &unfixable) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an *UnfixableCallError among %v", reported)
	}
}

func TestEnhanceToolCallsStrictModelDropsIncomplete(t *testing.T) {
	r := NewRegistry()

	reqs := []ToolCallRequest{
		{Name: "read_file", Args: map[string]any{"path": "a.go"}}, // missing ID
	}
	enhanced, reported := r.EnhanceToolCalls(reqs, strictModel)
	if len(enhanced) != 0 {
		t.Fatalf("strict model must drop incomplete calls, got %d", len(enhanced))
	}
	if len(reported) != 1 {
		t.Fatalf("expected one reported error, got %v", reported)
	}
}

func TestCallSignature(t *testing.T) {
	a := callSignature("read_file", map[string]any{"path": "a.go", "limit": 10})
	b := callSignature("read_file", map[string]any{"limit": 10, "path": "a.go"})
	if a != b {
		t.Error("signature must not depend on argument map ordering")
	}
	if c := callSignature("read_file", map[string]any{"path": "b.go", "limit": 10}); c == a {
		t.Error("different arguments must produce different signatures")
	}
	if d := callSignature("list_directory", map[string]any{"path": "a.go", "limit": 10}); d == a {
		t.Error("different names must produce different signatures")
	}
	if !strings.HasPrefix(a, "read_file:") {
		t.Errorf("signature %q should be prefixed with the tool name", a)
	}
}
