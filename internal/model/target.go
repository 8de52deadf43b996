package model

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Target is one listing being researched, identified by the normalized
// address supplied by the ingestion step.
type Target struct {
	Address string `json:"address" yaml:"address"`

	// SourceIDs maps a site name to a stable listing identifier on that site,
	// when one is already known (from ingestion or a prior extraction).
	SourceIDs map[string]string `json:"source_ids,omitempty" yaml:"source_ids,omitempty"`
}

// ID returns the storage key for the target.
func (t Target) ID() string {
	return TargetID(t.Address)
}

// SourceID returns the known stable identifier for site, if any.
func (t Target) SourceID(site string) (string, bool) {
	id, ok := t.SourceIDs[site]
	return id, ok && id != ""
}

// WithSourceIDs returns a copy of t with ids merged over its own.
func (t Target) WithSourceIDs(ids map[string]string) Target {
	if len(ids) == 0 {
		return t
	}
	merged := make(map[string]string, len(t.SourceIDs)+len(ids))
	for k, v := range t.SourceIDs {
		merged[k] = v
	}
	for k, v := range ids {
		if _, ok := merged[k]; !ok && v != "" {
			merged[k] = v
		}
	}
	t.SourceIDs = merged
	return t
}

// stripMarks returns a fresh diacritic-folding transformer. Chained
// transformers keep internal buffers, so one is never shared between
// goroutines.
func stripMarks() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// TargetID derives a path- and key-safe identifier from an address:
// "123 Example St, Springfield" becomes "123-example-st-springfield".
// The address itself is assumed to be normalized upstream; this only folds
// case, diacritics and punctuation.
func TargetID(address string) string {
	folded, _, err := transform.String(stripMarks(), address)
	if err != nil {
		folded = address
	}

	var b strings.Builder
	b.Grow(len(folded))
	dash := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
