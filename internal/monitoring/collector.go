package monitoring

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-evidence/internal/model"
)

// HealthSnapshot holds a point-in-time view of extraction health.
type HealthSnapshot struct {
	// Current state counts, across all targets.
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`

	// StaleClaims are in-progress targets claimed before the stale cutoff.
	StaleClaims []string `json:"stale_claims,omitempty"`

	// Within the lookback window.
	RecentCompleted int     `json:"recent_completed"`
	RecentFailed    int     `json:"recent_failed"`
	FailRate        float64 `json:"fail_rate"`
	ImagesStored    int     `json:"images_stored"`
	NearDuplicates  int     `json:"near_duplicates"`
	// SourceFailures counts, per source, attempts in the window that ended
	// in transient_exhausted, permanent or circuit_open.
	SourceFailures map[string]int `json:"source_failures,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StateLister is the slice of the state store the collector reads.
type StateLister interface {
	List() ([]model.ExtractionState, error)
}

// EntryLister is the slice of the manifest the collector reads.
type EntryLister interface {
	Entries() ([]model.ManifestEntry, error)
}

// Collector gathers health snapshots from the state store and manifest.
type Collector struct {
	states     StateLister
	entries    EntryLister
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a collector. entries may be nil.
func NewCollector(states StateLister, entries EntryLister, staleAfter time.Duration) *Collector {
	return &Collector{states: states, entries: entries, staleAfter: staleAfter, now: time.Now}
}

// Collect builds a snapshot over the given lookback window.
func (c *Collector) Collect(lookbackHours int) (*HealthSnapshot, error) {
	now := c.now().UTC()
	snap := &HealthSnapshot{
		LookbackHours:  lookbackHours,
		CollectedAt:    now,
		SourceFailures: map[string]int{},
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	states, err := c.states.List()
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list states")
	}

	for _, s := range states {
		recent := !s.LastUpdated.Before(cutoff)
		switch s.Status {
		case model.StatusPending:
			snap.Pending++
		case model.StatusInProgress:
			snap.InProgress++
			if c.staleAfter > 0 && s.ClaimedAt != nil && now.Sub(*s.ClaimedAt) > c.staleAfter {
				snap.StaleClaims = append(snap.StaleClaims, s.TargetID)
			}
		case model.StatusCompleted:
			snap.Completed++
			if recent {
				snap.RecentCompleted++
			}
		case model.StatusFailed:
			snap.Failed++
			if recent {
				snap.RecentFailed++
			}
		}

		for _, a := range s.Attempts {
			if a.StartedAt.Before(cutoff) {
				continue
			}
			switch a.Outcome {
			case model.OutcomeTransient, model.OutcomePermanent, model.OutcomeCircuitOpen:
				snap.SourceFailures[a.Source]++
			}
		}
	}

	if finished := snap.RecentCompleted + snap.RecentFailed; finished > 0 {
		snap.FailRate = float64(snap.RecentFailed) / float64(finished)
	}

	if c.entries != nil {
		entries, err := c.entries.Entries()
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list manifest entries")
		}
		for _, e := range entries {
			if e.CreatedAt.Before(cutoff) {
				continue
			}
			snap.ImagesStored++
			if e.NearDuplicateOf != "" {
				snap.NearDuplicates++
			}
		}
	}

	return snap, nil
}
