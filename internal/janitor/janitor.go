// Package janitor evicts aged artifacts together with their manifest entries.
package janitor

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/contentstore"
	"github.com/sells-group/listing-evidence/internal/model"
	"github.com/sells-group/listing-evidence/internal/monitoring"
)

// DefaultOrphanGrace is the minimum age of an unreferenced artifact before
// it is treated as an orphan. A fresh artifact may belong to a run that has
// stored the bytes but not yet written its manifest entry.
const DefaultOrphanGrace = time.Hour

// Report describes one cleanup pass.
type Report struct {
	DryRun  bool          `json:"dry_run"`
	MaxAge  time.Duration `json:"max_age"`
	Scanned int           `json:"scanned"`
	// Expired are the manifest entries older than MaxAge.
	Expired []model.ManifestEntry `json:"expired"`
	// Dangling are entries whose artifact is missing.
	Dangling []model.ManifestEntry `json:"dangling"`
	// Artifacts are hashes whose files are deleted because their last
	// reference expired.
	Artifacts []string `json:"artifacts"`
	// Orphans are hashes with no manifest entry at all.
	Orphans    []string `json:"orphans"`
	BytesFreed int64    `json:"bytes_freed"`
}

// EntriesRemoved is the number of manifest entries removed (or that would be).
func (r *Report) EntriesRemoved() int { return len(r.Expired) + len(r.Dangling) }

// Janitor cleans one content store and its manifest.
type Janitor struct {
	store       *contentstore.Store
	manifest    *contentstore.Manifest
	metrics     *monitoring.Metrics
	orphanGrace time.Duration
	now         func() time.Time
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithMetrics records removals.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(j *Janitor) { j.metrics = m }
}

// WithOrphanGrace overrides DefaultOrphanGrace.
func WithOrphanGrace(d time.Duration) Option {
	return func(j *Janitor) { j.orphanGrace = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// New returns a Janitor.
func New(store *contentstore.Store, manifest *contentstore.Manifest, opts ...Option) *Janitor {
	j := &Janitor{store: store, manifest: manifest, orphanGrace: DefaultOrphanGrace, now: time.Now}
	for _, o := range opts {
		o(j)
	}
	return j
}

type plan struct {
	report *Report
	keep   []model.ManifestEntry
	sizes  map[string]int64
}

// Clean removes every manifest entry created more than maxAge ago together
// with its artifact. Bytes still referenced by a surviving entry, possibly of
// another target, are kept. Unreferenced artifacts older than the orphan
// grace are removed as well. With dryRun nothing is mutated and the report
// describes what would be removed.
func (j *Janitor) Clean(ctx context.Context, maxAge time.Duration, dryRun bool) (*Report, error) {
	if maxAge < 0 {
		return nil, eris.Errorf("janitor: negative max age %s", maxAge)
	}
	now := j.now()

	artifacts, err := j.store.Walk()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "janitor: clean")
	}

	var p *plan
	if dryRun {
		entries, err := j.manifest.Entries()
		if err != nil {
			return nil, err
		}
		p = j.plan(entries, artifacts, now, maxAge)
	} else {
		// Entries go first: a crash before the files are deleted leaves
		// orphans, which the next pass collects, rather than entries that
		// point at nothing.
		err := j.manifest.Update(func(entries []model.ManifestEntry) ([]model.ManifestEntry, error) {
			p = j.plan(entries, artifacts, now, maxAge)
			return p.keep, nil
		})
		if err != nil {
			return nil, err
		}
	}
	rep := p.report
	rep.DryRun = dryRun

	for _, h := range append(append([]string(nil), rep.Artifacts...), rep.Orphans...) {
		if dryRun {
			rep.BytesFreed += p.sizes[h]
			continue
		}
		n, err := j.store.Remove(h)
		if err != nil {
			return rep, err
		}
		rep.BytesFreed += n
	}

	if !dryRun {
		j.metrics.ObserveJanitor(rep.EntriesRemoved(), len(rep.Artifacts), len(rep.Orphans), rep.BytesFreed)
	}
	zap.L().Info("janitor: clean finished",
		zap.Bool("dry_run", dryRun),
		zap.Duration("max_age", maxAge),
		zap.Int("scanned", rep.Scanned),
		zap.Int("expired", len(rep.Expired)),
		zap.Int("dangling", len(rep.Dangling)),
		zap.Int("artifacts", len(rep.Artifacts)),
		zap.Int("orphans", len(rep.Orphans)),
		zap.Int64("bytes_freed", rep.BytesFreed),
	)
	return rep, nil
}

func (j *Janitor) plan(entries []model.ManifestEntry, artifacts []contentstore.Artifact, now time.Time, maxAge time.Duration) *plan {
	cutoff := now.Add(-maxAge)
	onDisk := make(map[string]contentstore.Artifact, len(artifacts))
	sizes := make(map[string]int64, len(artifacts))
	for _, a := range artifacts {
		onDisk[a.Hash] = a
		sizes[a.Hash] = a.Size
	}

	rep := &Report{MaxAge: maxAge, Scanned: len(entries)}
	keep := make([]model.ManifestEntry, 0, len(entries))
	referenced := map[string]bool{}
	expiredHashes := map[string]bool{}
	for _, e := range entries {
		switch {
		case e.CreatedAt.After(cutoff):
			if _, ok := onDisk[e.ContentHash]; !ok {
				rep.Dangling = append(rep.Dangling, e)
				continue
			}
			keep = append(keep, e)
			referenced[e.ContentHash] = true
		default:
			rep.Expired = append(rep.Expired, e)
			expiredHashes[e.ContentHash] = true
		}
	}

	for h := range expiredHashes {
		if _, ok := onDisk[h]; ok && !referenced[h] {
			rep.Artifacts = append(rep.Artifacts, h)
		}
	}

	grace := min(j.orphanGrace, maxAge)
	for h, a := range onDisk {
		if referenced[h] || expiredHashes[h] {
			continue
		}
		if now.Sub(a.ModTime) >= grace {
			rep.Orphans = append(rep.Orphans, h)
		}
	}
	sort.Strings(rep.Artifacts)
	sort.Strings(rep.Orphans)
	return &plan{report: rep, keep: keep, sizes: sizes}
}
