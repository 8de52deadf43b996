package model

import "time"

// Status is the lifecycle state of a target's extraction.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ExtractionState is the durable per-target progress record.
type ExtractionState struct {
	TargetID        string            `json:"-"`
	Address         string            `json:"address,omitempty"`
	Status          Status            `json:"status"`
	LastUpdated     time.Time         `json:"last_updated"`
	ClaimedAt       *time.Time        `json:"claimed_at,omitempty"`
	RunID           string            `json:"run_id,omitempty"`
	SourceSubStatus map[string]string `json:"source_sub_status"`
	RetryCounts     map[string]int    `json:"retry_counts"`
	SourceIDs       map[string]string `json:"source_ids,omitempty"`
	Attempts        []StepAttempt     `json:"attempts,omitempty"`
	Reason          string            `json:"reason,omitempty"`
}

// Clone returns a deep copy so callers never alias store internals.
func (s ExtractionState) Clone() ExtractionState {
	out := s
	if s.ClaimedAt != nil {
		t := *s.ClaimedAt
		out.ClaimedAt = &t
	}
	out.SourceSubStatus = cloneMap(s.SourceSubStatus)
	out.RetryCounts = cloneMap(s.RetryCounts)
	out.SourceIDs = cloneMap(s.SourceIDs)
	if s.Attempts != nil {
		out.Attempts = append([]StepAttempt(nil), s.Attempts...)
	}
	return out
}

func cloneMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
