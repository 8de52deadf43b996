package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/dedup"
	"github.com/sells-group/listing-evidence/internal/model"
)

// storeImages downloads a step's refs, writes the normalized bytes to the
// content store and records one manifest entry per distinct image. Near
// duplicates of this target's earlier images are stored and flagged. It
// returns how many distinct images the target now holds from this step; only
// fatal store errors are returned.
func (c *Coordinator) storeImages(ctx context.Context, targetID string, res *model.ExtractionResult) (stored, nearDups int, err error) {
	if len(res.ImageRefs) == 0 {
		return 0, 0, nil
	}
	log := zap.L().With(zap.String("target", targetID), zap.String("source", res.Source))

	existing, err := c.deps.Manifest.ForTarget(targetID)
	if err != nil {
		return 0, 0, err
	}
	candidates := make([]dedup.Candidate, 0, len(existing))
	for _, e := range existing {
		candidates = append(candidates, dedup.Candidate{ContentHash: e.ContentHash, PerceptualHash: e.PerceptualHash})
	}

	results := c.deps.Downloads.FetchAll(ctx, res.ImageRefs, c.opts.MaxConcurrency)

	seen := map[string]bool{}
	var entries []model.ManifestEntry
	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
			log.Debug("pipeline: image fetch failed", zap.String("ref", r.Ref.Location()), zap.Int("tries", r.Tries), zap.Error(r.Err))
			continue
		}
		put, err := c.deps.Store.Put(r.Image.Data)
		if err != nil {
			return stored, nearDups, err
		}
		c.deps.Metrics.ObserveArtifact(put.Created)
		if seen[put.Hash] {
			continue
		}
		seen[put.Hash] = true

		entry := model.ManifestEntry{
			ContentHash: put.Hash,
			SourceURL:   r.Ref.URL,
			SourceName:  r.Ref.Source,
			TargetID:    targetID,
			RunID:       c.runID,
			Width:       r.Image.Width,
			Height:      r.Image.Height,
			ByteSize:    put.Size,
			CreatedAt:   time.Now().UTC(),
		}
		if entry.SourceName == "" {
			entry.SourceName = res.Source
		}
		if fp, err := dedup.Fingerprint(r.Image.Image); err != nil {
			log.Debug("pipeline: fingerprint failed", zap.String("hash", put.Hash), zap.Error(err))
		} else {
			entry.PerceptualHash = fp
			if match, ok := c.deps.Dedup.Match(put.Hash, fp, candidates); ok {
				entry.NearDuplicateOf = match.ContentHash
				nearDups++
				c.deps.Metrics.ObserveNearDuplicate()
			}
			candidates = append(candidates, dedup.Candidate{ContentHash: put.Hash, PerceptualHash: fp})
		}
		entries = append(entries, entry)
	}

	added, err := c.deps.Manifest.Add(entries...)
	if err != nil {
		return 0, 0, err
	}
	log.Info("pipeline: images stored",
		zap.Int("refs", len(res.ImageRefs)),
		zap.Int("stored", len(entries)),
		zap.Int("new_entries", len(added)),
		zap.Int("near_duplicates", nearDups),
		zap.Int("failed", failed),
	)
	return len(entries), nearDups, nil
}
