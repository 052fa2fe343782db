package turnloop

import (
	"strings"
	"time"
)

// ReliabilityTier grades how dependable a model's structured output is.
type ReliabilityTier string

const (
	TierHigh   ReliabilityTier = "high"
	TierMedium ReliabilityTier = "medium"
	TierLow    ReliabilityTier = "low"
)

// CapabilityProfile describes how much format tolerance, concurrency, and
// retry leniency a model needs. Profiles are immutable; one profile is
// selected per turn and never re-queried mid-turn.
type CapabilityProfile struct {
	ReliabilityTier              ReliabilityTier
	RequiresStrictValidation     bool
	MaxConcurrentTools           int
	NeedsFormatTolerance         bool
	ProneToIncompleteStream      bool
	EnableMalformedRetry         bool
	FunctionCallTimeout          time.Duration
	EnableProgressiveDegradation bool
}

// DefaultProfile returns the conservative profile used for unrecognized
// models.
func DefaultProfile() CapabilityProfile {
	return CapabilityProfile{
		ReliabilityTier:          TierMedium,
		RequiresStrictValidation: true,
		MaxConcurrentTools:       3,
		FunctionCallTimeout:      30 * time.Second,
	}
}

// capabilityRule matches a model name when every keyword appears in the
// lowercased name. Rules are evaluated in order; the first match wins, so
// family+tier rules must precede generic family rules.
type capabilityRule struct {
	keywords []string
	profile  CapabilityProfile
}

func (r capabilityRule) matches(normalized string) bool {
	for _, kw := range r.keywords {
		if !strings.Contains(normalized, kw) {
			return false
		}
	}
	return true
}

// Registry resolves model names to capability profiles. It is a pure lookup
// over a static table: exact match first, then ordered substring heuristics,
// then the conservative default.
type Registry struct {
	exact map[string]CapabilityProfile
	rules []capabilityRule
}

// NewRegistry returns a Registry with the built-in capability table.
func NewRegistry() *Registry {
	smallTolerant := CapabilityProfile{
		ReliabilityTier:              TierLow,
		MaxConcurrentTools:           2,
		NeedsFormatTolerance:         true,
		ProneToIncompleteStream:      true,
		EnableMalformedRetry:         true,
		FunctionCallTimeout:          45 * time.Second,
		EnableProgressiveDegradation: true,
	}
	flash := CapabilityProfile{
		ReliabilityTier:      TierMedium,
		MaxConcurrentTools:   3,
		NeedsFormatTolerance: true,
		EnableMalformedRetry: true,
		FunctionCallTimeout:  30 * time.Second,
	}
	pro := CapabilityProfile{
		ReliabilityTier:          TierHigh,
		RequiresStrictValidation: true,
		MaxConcurrentTools:       5,
		FunctionCallTimeout:      30 * time.Second,
	}
	proPreview := pro
	proPreview.ProneToIncompleteStream = true

	return &Registry{
		exact: map[string]CapabilityProfile{
			"gemini-1.5-flash-8b":    smallTolerant,
			"gemini-2.0-flash-lite":  smallTolerant,
			"gemini-2.5-flash-lite":  smallTolerant,
			"gemini-2.5-flash":       flash,
			"gemini-2.5-pro":         pro,
			"gemini-3-pro-preview":   proPreview,
			"gemini-3-flash-preview": flash,
		},
		rules: []capabilityRule{
			// Family + tier before generic family.
			{keywords: []string{"flash", "8b"}, profile: smallTolerant},
			{keywords: []string{"flash", "lite"}, profile: smallTolerant},
			{keywords: []string{"nano"}, profile: smallTolerant},
			{keywords: []string{"mini"}, profile: flash},
			{keywords: []string{"flash"}, profile: flash},
			{keywords: []string{"pro", "preview"}, profile: proPreview},
			{keywords: []string{"pro"}, profile: pro},
			{keywords: []string{"opus"}, profile: pro},
			{keywords: []string{"sonnet"}, profile: pro},
			{keywords: []string{"haiku"}, profile: flash},
		},
	}
}

// GetCapabilities returns the capability profile for a model name. It is
// total: unrecognized names get DefaultProfile.
func (r *Registry) GetCapabilities(model string) CapabilityProfile {
	if p, ok := r.exact[model]; ok {
		return p
	}
	normalized := strings.ToLower(model)
	for _, rule := range r.rules {
		if rule.matches(normalized) {
			return rule.profile
		}
	}
	return DefaultProfile()
}

// IsSmallModel reports whether the model sits in the lowest reliability tier.
func (r *Registry) IsSmallModel(model string) bool {
	return r.GetCapabilities(model).ReliabilityTier == TierLow
}

// ShouldUseTolerantMode reports whether function-call validation should
// tolerate missing call IDs and repair malformed calls for this model.
func (r *Registry) ShouldUseTolerantMode(model string) bool {
	return r.GetCapabilities(model).NeedsFormatTolerance
}

// IsPreviewModel reports whether a model name denotes a preview release.
// Preview models get stricter loop-detection thresholds.
func IsPreviewModel(model string) bool {
	normalized := strings.ToLower(model)
	return strings.HasSuffix(normalized, "-preview") ||
		strings.Contains(normalized, "preview")
}
