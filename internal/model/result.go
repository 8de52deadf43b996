package model

import "time"

// Capability identifies one step of the fallback chain. Lower values run first.
type Capability int

const (
	CapDirectFetch Capability = iota + 1
	CapSessionNavigate
	CapScreenshotCapture
	CapSearchFallback
)

// String returns the capability name used in logs, metrics and state files.
func (c Capability) String() string {
	switch c {
	case CapDirectFetch:
		return "direct_fetch"
	case CapSessionNavigate:
		return "session_navigate"
	case CapScreenshotCapture:
		return "screenshot_capture"
	case CapSearchFallback:
		return "search_fallback"
	default:
		return "unknown"
	}
}

// ExtractionResult is what a single extractor variant returns for a target.
type ExtractionResult struct {
	Source         string        `json:"source"`
	Capability     Capability    `json:"capability"`
	ImageRefs      []ImageRef    `json:"image_refs"`
	Fields         []SourceField `json:"fields"`
	ConfidenceHint float64       `json:"confidence_hint"`

	// DiscoveredID is a stable listing identifier learned while navigating,
	// to be reused by the direct step on later runs.
	DiscoveredID string `json:"discovered_id,omitempty"`
}

// Outcome is the terminal result of one chain step.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeTransient   Outcome = "transient_exhausted"
	OutcomePermanent   Outcome = "permanent"
	OutcomeFatal       Outcome = "fatal"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeNoData      Outcome = "no_viable_data"
)

// StepAttempt is one entry in the per-target attempt log.
type StepAttempt struct {
	Source     string        `json:"source"`
	Capability string        `json:"capability"`
	Outcome    Outcome       `json:"outcome"`
	Tries      int           `json:"tries"`
	Reason     string        `json:"reason,omitempty"`
	Duration   time.Duration `json:"duration"`
	StartedAt  time.Time     `json:"started_at"`
}
