package turnloop

import "testing"

func TestGetCapabilitiesExactMatches(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		model      string
		tier       ReliabilityTier
		concurrent int
		tolerant   bool
	}{
		{"gemini-1.5-flash-8b", TierLow, 2, true},
		{"gemini-2.0-flash-lite", TierLow, 2, true},
		{"gemini-2.5-flash-lite", TierLow, 2, true},
		{"gemini-2.5-flash", TierMedium, 3, true},
		{"gemini-2.5-pro", TierHigh, 5, false},
		{"gemini-3-pro-preview", TierHigh, 5, false},
		{"gemini-3-flash-preview", TierMedium, 3, true},
	}
	for _, tt := range tests {
		p := r.GetCapabilities(tt.model)
		if p.ReliabilityTier != tt.tier {
			t.Errorf("%s: tier = %s, want %s", tt.model, p.ReliabilityTier, tt.tier)
		}
		if p.MaxConcurrentTools != tt.concurrent {
			t.Errorf("%s: MaxConcurrentTools = %d, want %d", tt.model, p.MaxConcurrentTools, tt.concurrent)
		}
		if p.NeedsFormatTolerance != tt.tolerant {
			t.Errorf("%s: NeedsFormatTolerance = %v, want %v", tt.model, p.NeedsFormatTolerance, tt.tolerant)
		}
	}
}

func TestGetCapabilitiesHeuristics(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		model string
		tier  ReliabilityTier
	}{
		// Family+tier rules must win over the generic family rule.
		{"gemini-4.0-flash-8b-exp", TierLow},
		{"future-flash-lite-001", TierLow},
		{"gpt-5-nano", TierLow},
		{"gpt-4o-mini", TierMedium},
		{"gemini-9-flash", TierMedium},
		{"gemini-9-pro-preview-0601", TierHigh},
		{"gemini-9-pro", TierHigh},
		{"claude-opus-4", TierHigh},
		{"claude-sonnet-4", TierHigh},
		{"claude-haiku-3", TierMedium},
		{"GEMINI-9-FLASH", TierMedium}, // case-insensitive
	}
	for _, tt := range tests {
		if got := r.GetCapabilities(tt.model).ReliabilityTier; got != tt.tier {
			t.Errorf("%s: tier = %s, want %s", tt.model, got, tt.tier)
		}
	}
}

func TestGetCapabilitiesUnknownModelIsTotal(t *testing.T) {
	r := NewRegistry()
	for _, model := range []string{"", "mystery-model-9000", "llama-3-70b"} {
		if got := r.GetCapabilities(model); got != DefaultProfile() {
			t.Errorf("%q: got %+v, want the default profile", model, got)
		}
	}
}

func TestProPreviewIsProneToIncompleteStream(t *testing.T) {
	r := NewRegistry()
	if !r.GetCapabilities("gemini-3-pro-preview").ProneToIncompleteStream {
		t.Error("pro preview should be marked prone to incomplete streams")
	}
	if r.GetCapabilities("gemini-2.5-pro").ProneToIncompleteStream {
		t.Error("stable pro should not be marked prone to incomplete streams")
	}
}

func TestIsSmallModelAndTolerantMode(t *testing.T) {
	r := NewRegistry()
	if !r.IsSmallModel("gemini-2.5-flash-lite") {
		t.Error("flash-lite should be a small model")
	}
	if r.IsSmallModel("gemini-2.5-pro") {
		t.Error("pro should not be a small model")
	}
	if !r.ShouldUseTolerantMode("gemini-2.5-flash") {
		t.Error("flash should use tolerant mode")
	}
	if r.ShouldUseTolerantMode("gemini-2.5-pro") {
		t.Error("pro should not use tolerant mode")
	}
}

func TestIsPreviewModel(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"gemini-3-pro-preview", true},
		{"gemini-3-flash-preview-0520", true},
		{"Gemini-3-Pro-PREVIEW", true},
		{"gemini-2.5-pro", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsPreviewModel(tt.model); got != tt.want {
			t.Errorf("IsPreviewModel(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}
