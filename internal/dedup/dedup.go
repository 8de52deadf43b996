// Package dedup detects visually identical images that differ in bytes,
// using a 64-bit perceptual hash compared by Hamming distance.
package dedup

import (
	"fmt"
	"image"
	"strconv"

	"github.com/corona10/goimagehash"
	"github.com/rotisserie/eris"
)

// DefaultThreshold is the maximum bit distance treated as a near-duplicate.
const DefaultThreshold = 10

// Fingerprint returns the perceptual hash of img as 16 hex characters.
func Fingerprint(img image.Image) (string, error) {
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return "", eris.Wrap(err, "dedup: perception hash")
	}
	return fmt.Sprintf("%016x", h.GetHash()), nil
}

func parse(s string) (*goimagehash.ImageHash, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return nil, eris.Wrapf(err, "dedup: invalid fingerprint %q", s)
	}
	return goimagehash.NewImageHash(v, goimagehash.PHash), nil
}

// Distance returns the Hamming distance between two fingerprints.
func Distance(a, b string) (int, error) {
	ha, err := parse(a)
	if err != nil {
		return 0, err
	}
	hb, err := parse(b)
	if err != nil {
		return 0, err
	}
	d, err := ha.Distance(hb)
	if err != nil {
		return 0, eris.Wrap(err, "dedup: distance")
	}
	return d, nil
}

// IsNearDuplicate reports whether newHash is within threshold bits of any
// existing fingerprint. Malformed fingerprints never match.
func IsNearDuplicate(newHash string, existing []string, threshold int) bool {
	for _, e := range existing {
		if d, err := Distance(newHash, e); err == nil && d <= threshold {
			return true
		}
	}
	return false
}

// Candidate is a previously stored image for the same target.
type Candidate struct {
	ContentHash    string
	PerceptualHash string
}

// Deduplicator finds the closest near-duplicate among candidates.
type Deduplicator struct {
	Threshold int
}

// New returns a Deduplicator. A negative threshold falls back to DefaultThreshold.
func New(threshold int) *Deduplicator {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	return &Deduplicator{Threshold: threshold}
}

// Match returns the nearest candidate within the threshold whose content
// hash differs from contentHash. Exact byte matches are the content store's
// business, not this package's.
func (d *Deduplicator) Match(contentHash, perceptual string, candidates []Candidate) (Candidate, bool) {
	best, bestDist := Candidate{}, -1
	for _, c := range candidates {
		if c.ContentHash == contentHash || c.PerceptualHash == "" {
			continue
		}
		dist, err := Distance(perceptual, c.PerceptualHash)
		if err != nil || dist > d.Threshold {
			continue
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = c, dist
		}
	}
	return best, bestDist >= 0
}
