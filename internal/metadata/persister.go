package metadata

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/model"
	"github.com/sells-group/listing-evidence/internal/resilience"
)

// MergeResult reports what a merge did to the record.
type MergeResult struct {
	Record *model.MetadataRecord
	// Changed lists keys whose winning value changed.
	Changed []string
	// Tries is how many read-merge-save rounds were needed.
	Tries int
}

// Persister merges fields into stored records.
type Persister struct {
	repo    Repository
	retry   resilience.RetryConfig
	now     func() time.Time
	onRetry func()
}

// Option configures a Persister.
type Option func(*Persister)

// WithRetry sets the conflict retry policy used by MergeWithRetry.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(p *Persister) { p.retry = cfg }
}

// WithClock overrides the time source for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(p *Persister) { p.now = now }
}

// OnConflict registers a callback fired for each conflict MergeWithRetry
// absorbs.
func OnConflict(fn func()) Option {
	return func(p *Persister) { p.onRetry = fn }
}

// NewPersister returns a Persister over repo.
func NewPersister(repo Repository, opts ...Option) *Persister {
	p := &Persister{
		repo: repo,
		retry: resilience.RetryConfig{
			MaxAttempts:    8,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     500 * time.Millisecond,
			Multiplier:     2,
			JitterFraction: 0.5,
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Merge reads the current record, folds fields into it and saves it against
// the version read. If another writer saved in between, Merge returns an
// error wrapping ErrConflict and the caller should retry.
func (p *Persister) Merge(ctx context.Context, targetID string, fields []model.SourceField) (*MergeResult, error) {
	rec, err := p.repo.Load(ctx, targetID)
	if err != nil {
		return nil, resilience.Fatal(eris.Wrap(err, "metadata: load"))
	}
	if len(fields) == 0 {
		return &MergeResult{Record: rec, Tries: 1}, nil
	}
	expected := rec.Version

	changed := Apply(rec, fields)
	rec.UpdatedAt = p.now().UTC()

	if err := p.repo.Save(ctx, rec, expected); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, resilience.NewTransientError(err, 0)
		}
		return nil, resilience.Fatal(eris.Wrap(err, "metadata: save"))
	}
	return &MergeResult{Record: rec, Changed: changed, Tries: 1}, nil
}

// MergeWithRetry is Merge retried on conflict.
func (p *Persister) MergeWithRetry(ctx context.Context, targetID string, fields []model.SourceField) (*MergeResult, error) {
	cfg := p.retry
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, ErrConflict) }
	cfg.OnRetry = func(attempt int, err error) {
		if p.onRetry != nil {
			p.onRetry()
		}
		zap.L().Debug("metadata: merge conflict, retrying",
			zap.String("target", targetID),
			zap.Int("attempt", attempt),
		)
	}
	res, tries, err := resilience.DoValTries(ctx, cfg, func(ctx context.Context) (*MergeResult, error) {
		return p.Merge(ctx, targetID, fields)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "metadata: merge %s", targetID)
	}
	res.Tries = tries
	return res, nil
}

// Snapshot returns the collaborator mapping key -> {value, confidence, source}.
func (p *Persister) Snapshot(ctx context.Context, targetID string) (map[string]model.FieldView, error) {
	rec, err := p.repo.Load(ctx, targetID)
	if err != nil {
		return nil, eris.Wrap(err, "metadata: snapshot")
	}
	return rec.View(), nil
}

// Record returns the full stored record, provenance history included.
func (p *Persister) Record(ctx context.Context, targetID string) (*model.MetadataRecord, error) {
	rec, err := p.repo.Load(ctx, targetID)
	return rec, eris.Wrap(err, "metadata: load record")
}

// Apply folds fields into rec in place and returns the keys whose winner
// changed. Every distinct (source, value) observation lands in its key's
// history once; seeing it again only refreshes that entry's fetch time and
// confidence, so re-runs do not grow the history.
func Apply(rec *model.MetadataRecord, fields []model.SourceField) []string {
	if rec.Fields == nil {
		rec.Fields = map[string]model.FieldRecord{}
	}
	changedSet := map[string]bool{}
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		fr, ok := rec.Fields[f.Key]
		fr.Key = f.Key
		fr.History = observe(fr.History, f)
		if !ok || Beats(f, fr.Winner) {
			if !ok || !model.SameObservation(f, fr.Winner) {
				changedSet[f.Key] = true
			}
			fr.Winner = f
		}
		rec.Fields[f.Key] = fr
	}
	changed := make([]string, 0, len(changedSet))
	for k := range changedSet {
		changed = append(changed, k)
	}
	sort.Strings(changed)
	return changed
}

// observe records f in history, refreshing an existing entry for the same
// observation instead of appending a copy.
func observe(history []model.SourceField, f model.SourceField) []model.SourceField {
	for i, h := range history {
		if !model.SameObservation(h, f) {
			continue
		}
		if !f.FetchedAt.Before(h.FetchedAt) {
			history[i].FetchedAt = f.FetchedAt
			history[i].Confidence = f.Confidence
		}
		return history
	}
	return append(history, f)
}

// Beats reports whether candidate should replace current: higher confidence
// wins, and on equal confidence the later fetch wins.
func Beats(candidate, current model.SourceField) bool {
	if candidate.Confidence != current.Confidence {
		return candidate.Confidence > current.Confidence
	}
	return candidate.FetchedAt.After(current.FetchedAt)
}
