package turnloop

import (
	"crypto/sha256"
	"encoding/hex"
)

// LoopKind identifies what kind of repetition was confirmed.
type LoopKind string

const (
	LoopToolCalls LoopKind = "tool_calls"
	LoopContent   LoopKind = "content"
)

// Loop detection thresholds.
const (
	// DefaultToolCallThreshold is the consecutive identical-call count that
	// confirms a tool-call loop for regular models.
	DefaultToolCallThreshold = 10
	// Preview models repeat themselves sooner; they get tighter thresholds
	// and argument-insensitive matching.
	previewIntensiveThreshold = 4
	previewDefaultThreshold   = 5

	// ContentChunkSize is the window, in bytes, whose repetition is tracked.
	ContentChunkSize = 500
	// ContentLoopThreshold is how many near-contiguous repetitions of one
	// chunk confirm a content loop.
	ContentLoopThreshold = 20

	// maxContentBuffer bounds detector memory; the oldest half is discarded
	// on overflow.
	maxContentBuffer = 50000
)

// intensiveTools are read/search-style tools that preview models hammer in
// loops with superficially varying arguments.
var intensiveTools = map[string]bool{
	"read_file":           true,
	"read_many_files":     true,
	"search_file_content": true,
	"grep":                true,
	"glob":                true,
	"list_directory":      true,
}

// TelemetryFunc receives exactly one call per confirmed loop.
type TelemetryFunc func(kind LoopKind, promptID string)

// LoopDetector watches a turn's event stream for runaway repetition. It
// holds single-writer state for one prompt: callers must invoke AddAndCheck
// sequentially and call Reset at prompt boundaries.
type LoopDetector struct {
	preview  bool
	onLoop   TelemetryFunc
	promptID string

	confirmed bool
	loopKind  LoopKind

	toolCounts map[string]int

	content    []byte
	contentIdx map[string][]int
	basePos    int // absolute position of content[0], survives pruning
}

// NewLoopDetector creates a detector for the given model. onLoop may be nil.
func NewLoopDetector(model string, onLoop TelemetryFunc) *LoopDetector {
	d := &LoopDetector{
		preview: IsPreviewModel(model),
		onLoop:  onLoop,
	}
	d.Reset("")
	return d
}

// Reset clears all loop state and associates the detector with a new prompt.
func (d *LoopDetector) Reset(promptID string) {
	d.promptID = promptID
	d.confirmed = false
	d.loopKind = ""
	d.toolCounts = make(map[string]int)
	d.resetContent()
}

func (d *LoopDetector) resetContent() {
	d.content = d.content[:0]
	d.contentIdx = make(map[string][]int)
	d.basePos = 0
}

// AddAndCheck feeds one emitted event into the detector. It returns true
// when a loop is confirmed; the caller should abort the turn. After
// confirmation it keeps returning true without re-firing telemetry until
// Reset is called. Unrecognized event kinds neither set nor clear state.
func (d *LoopDetector) AddAndCheck(ev Event) bool {
	if d.confirmed {
		return true
	}

	switch ev.Kind {
	case EventToolCallRequest:
		if ev.ToolCall == nil {
			return false
		}
		// Tool activity invalidates any content run in progress.
		d.resetContent()
		d.checkToolCall(*ev.ToolCall)
	case EventContent:
		d.checkContent(ev.Content)
	}
	return d.confirmed
}

// checkToolCall tracks per-signature counters. Counters are independent: a
// different signature does not increment or reset another's count, and
// non-tool events never reset them.
func (d *LoopDetector) checkToolCall(call ToolCallRequest) {
	var sig string
	threshold := DefaultToolCallThreshold
	if d.preview {
		// Argument-insensitive: preview models vary arguments while looping.
		sig = call.Name
		if intensiveTools[call.Name] {
			threshold = previewIntensiveThreshold
		} else {
			threshold = previewDefaultThreshold
		}
	} else {
		sig = callSignature(call.Name, call.Args)
	}

	d.toolCounts[sig]++
	if d.toolCounts[sig] >= threshold {
		d.confirm(LoopToolCalls)
	}
}

// checkContent appends text to the rolling buffer and tracks the hash of
// every ContentChunkSize-byte window. A loop is confirmed once one window
// hash accumulates ContentLoopThreshold occurrences whose average spacing is
// at most 1.5 chunk lengths; distinct filler between repeats stretches the
// spacing past that bound and defeats the check.
func (d *LoopDetector) checkContent(text string) {
	if text == "" {
		return
	}
	prevLen := len(d.content)
	d.content = append(d.content, text...)

	start := prevLen + 1
	if start < ContentChunkSize {
		start = ContentChunkSize
	}
	for end := start; end <= len(d.content); end++ {
		sum := sha256.Sum256(d.content[end-ContentChunkSize : end])
		key := hex.EncodeToString(sum[:8])
		d.contentIdx[key] = append(d.contentIdx[key], d.basePos+end)

		if idx := d.contentIdx[key]; len(idx) >= ContentLoopThreshold {
			recent := idx[len(idx)-ContentLoopThreshold:]
			span := recent[len(recent)-1] - recent[0]
			avg := float64(span) / float64(len(recent)-1)
			if avg <= float64(ContentChunkSize)*1.5 {
				d.confirm(LoopContent)
				return
			}
		}
	}

	d.pruneContent()
}

// pruneContent discards the oldest half of the buffer once it exceeds
// maxContentBuffer, dropping window records that fell out of range.
func (d *LoopDetector) pruneContent() {
	if len(d.content) <= maxContentBuffer {
		return
	}
	drop := len(d.content) / 2
	d.content = append(d.content[:0], d.content[drop:]...)
	d.basePos += drop

	for key, idx := range d.contentIdx {
		kept := idx[:0]
		for _, pos := range idx {
			if pos >= d.basePos+ContentChunkSize {
				kept = append(kept, pos)
			}
		}
		if len(kept) == 0 {
			delete(d.contentIdx, key)
		} else {
			d.contentIdx[key] = kept
		}
	}
}

// confirm records the loop and fires telemetry exactly once.
func (d *LoopDetector) confirm(kind LoopKind) {
	if d.confirmed {
		return
	}
	d.confirmed = true
	d.loopKind = kind
	if d.onLoop != nil {
		d.onLoop(kind, d.promptID)
	}
}

// Kind returns the confirmed loop kind, or empty if none.
func (d *LoopDetector) Kind() LoopKind {
	return d.loopKind
}
