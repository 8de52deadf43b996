package model

import "time"

// ImageRef is a candidate image produced by an extractor. Exactly one of URL
// or Data is set: URL for references to fetch, Data for bytes captured
// in-session (screenshots).
type ImageRef struct {
	URL        string  `json:"url,omitempty"`
	Data       []byte  `json:"-"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

// Inline reports whether the ref already carries its bytes.
func (r ImageRef) Inline() bool {
	return len(r.Data) > 0
}

// Location returns a printable origin for the ref.
func (r ImageRef) Location() string {
	if r.URL != "" {
		return r.URL
	}
	return "inline:" + r.Source
}

// ManifestEntry records one stored image against one target. The same
// ContentHash may appear on several entries (one per target that produced it).
type ManifestEntry struct {
	ContentHash     string    `json:"content_hash"`
	PerceptualHash  string    `json:"perceptual_hash"`
	SourceURL       string    `json:"source_url"`
	SourceName      string    `json:"source_name"`
	TargetID        string    `json:"target_id"`
	RunID           string    `json:"run_id"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	ByteSize        int64     `json:"byte_size"`
	CreatedAt       time.Time `json:"created_at"`
	NearDuplicateOf string    `json:"near_duplicate_of,omitempty"`
}

// ImageRecord is an alias kept for readability at call sites that deal with
// stored images rather than manifest bookkeeping.
type ImageRecord = ManifestEntry
