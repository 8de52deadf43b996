// Package state is the durable, resumable per-target extraction record.
// The whole state lives in one JSON document that is re-read and atomically
// replaced on every mutation, so a crash at any point leaves either the old
// or the new document on disk.
package state

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/atomicfile"
	"github.com/sells-group/listing-evidence/internal/model"
	"github.com/sells-group/listing-evidence/internal/resilience"
)

// DefaultStaleAfter is how long an in_progress entry may go without an
// update before Sweep reclaims it.
const DefaultStaleAfter = 15 * time.Minute

var (
	// ErrNotFound is returned for targets that were never enqueued.
	ErrNotFound = errors.New("state: target not found")
	// ErrClaimed is returned when another worker holds the target.
	ErrClaimed = errors.New("state: target already in progress")
	// ErrCompleted is returned when claiming a completed target without force.
	ErrCompleted = errors.New("state: target already completed")
	// ErrNotOwner is returned when a worker mutates a claim it no longer holds.
	ErrNotOwner = errors.New("state: claim is held by another run")
)

// Store is the extraction state file.
type Store struct {
	path string
	lock *atomicfile.Locker
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open loads path, migrating an older schema in place. A missing file is an
// empty store.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, lock: atomicfile.NewLocker(path), now: time.Now}
	for _, o := range opts {
		o(s)
	}

	if err := s.lock.Lock(); err != nil {
		return nil, err
	}
	defer s.lock.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, resilience.Fatal(eris.Wrapf(err, "state: read %s", path))
	}
	doc, found, err := decode(data)
	if err != nil {
		return nil, err
	}
	if found != SchemaVersion {
		zap.L().Info("state: migrating state file",
			zap.String("path", path),
			zap.Int("from", found),
			zap.Int("to", SchemaVersion),
		)
		if err := s.write(doc); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

func (s *Store) read() (*fileDoc, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &fileDoc{SchemaVersion: SchemaVersion, Targets: make(map[string]*model.ExtractionState)}, nil
	}
	if err != nil {
		return nil, resilience.Fatal(eris.Wrapf(err, "state: read %s", s.path))
	}
	doc, _, err := decode(data)
	return doc, err
}

func (s *Store) write(doc *fileDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return eris.Wrap(err, "state: marshal")
	}
	return atomicfile.Write(s.path, data)
}

// mutate runs fn against the current document and persists it unless fn
// fails. The file lock is held from read to write, so processes sharing the
// state file never overwrite each other's transitions.
func (s *Store) mutate(fn func(doc *fileDoc, now time.Time) error) error {
	if err := s.lock.Lock(); err != nil {
		return err
	}
	defer s.lock.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(doc, s.now().UTC()); err != nil {
		return err
	}
	return s.write(doc)
}

// Enqueue creates pending entries for targets not yet known and merges
// newly supplied source ids into existing ones. It returns the ids created.
func (s *Store) Enqueue(targets ...model.Target) ([]string, error) {
	var created []string
	err := s.mutate(func(doc *fileDoc, now time.Time) error {
		for _, t := range targets {
			id := t.ID()
			if id == "" {
				return eris.Errorf("state: target %q has an empty id", t.Address)
			}
			if st, ok := doc.Targets[id]; ok {
				st.SourceIDs = model.Target{SourceIDs: st.SourceIDs}.WithSourceIDs(t.SourceIDs).SourceIDs
				continue
			}
			doc.Targets[id] = &model.ExtractionState{
				TargetID:        id,
				Address:         t.Address,
				Status:          model.StatusPending,
				LastUpdated:     now,
				SourceSubStatus: map[string]string{},
				RetryCounts:     map[string]int{},
				SourceIDs:       model.Target{}.WithSourceIDs(t.SourceIDs).SourceIDs,
			}
			created = append(created, id)
		}
		return nil
	})
	return created, err
}

// Claim moves a target to in_progress for runID. Pending and failed targets
// can be claimed; completed ones only with force; in_progress ones never.
func (s *Store) Claim(targetID, runID string, force bool) (*model.ExtractionState, error) {
	var out model.ExtractionState
	err := s.mutate(func(doc *fileDoc, now time.Time) error {
		st, ok := doc.Targets[targetID]
		if !ok {
			return eris.Wrap(ErrNotFound, targetID)
		}
		switch st.Status {
		case model.StatusInProgress:
			return eris.Wrapf(ErrClaimed, "%s held by run %s", targetID, st.RunID)
		case model.StatusCompleted:
			if !force {
				return eris.Wrap(ErrCompleted, targetID)
			}
		}
		claimed := now
		st.Status = model.StatusInProgress
		st.ClaimedAt = &claimed
		st.LastUpdated = now
		st.RunID = runID
		st.Reason = ""
		st.SourceSubStatus = map[string]string{}
		st.Attempts = nil
		out = st.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.TargetID = targetID
	return &out, nil
}

// owned fetches the entry and checks runID still holds it.
func owned(doc *fileDoc, targetID, runID string) (*model.ExtractionState, error) {
	st, ok := doc.Targets[targetID]
	if !ok {
		return nil, eris.Wrap(ErrNotFound, targetID)
	}
	if st.Status != model.StatusInProgress || st.RunID != runID {
		return nil, eris.Wrapf(ErrNotOwner, "%s (status %s, run %s)", targetID, st.Status, st.RunID)
	}
	return st, nil
}

// RecordAttempt appends a step attempt, updates the per-source sub-status
// and retry counter, and refreshes the heartbeat.
func (s *Store) RecordAttempt(targetID, runID string, a model.StepAttempt) error {
	return s.mutate(func(doc *fileDoc, now time.Time) error {
		st, err := owned(doc, targetID, runID)
		if err != nil {
			return err
		}
		key := a.Source + "/" + a.Capability
		st.SourceSubStatus[key] = string(a.Outcome)
		if a.Tries > 1 {
			st.RetryCounts[key] += a.Tries - 1
		}
		st.Attempts = append(st.Attempts, a)
		st.LastUpdated = now
		return nil
	})
}

// Touch refreshes the heartbeat of an in_progress target.
func (s *Store) Touch(targetID, runID string) error {
	return s.mutate(func(doc *fileDoc, now time.Time) error {
		st, err := owned(doc, targetID, runID)
		if err != nil {
			return err
		}
		st.LastUpdated = now
		return nil
	})
}

// Complete marks the target completed and records any source ids learned
// during the run.
func (s *Store) Complete(targetID, runID string, sourceIDs map[string]string) error {
	return s.finish(targetID, runID, model.StatusCompleted, "", sourceIDs)
}

// Fail marks the target failed with the terminal reason.
func (s *Store) Fail(targetID, runID, reason string) error {
	return s.finish(targetID, runID, model.StatusFailed, reason, nil)
}

func (s *Store) finish(targetID, runID string, status model.Status, reason string, sourceIDs map[string]string) error {
	return s.mutate(func(doc *fileDoc, now time.Time) error {
		st, err := owned(doc, targetID, runID)
		if err != nil {
			return err
		}
		st.Status = status
		st.Reason = reason
		st.ClaimedAt = nil
		st.LastUpdated = now
		if st.SourceIDs == nil {
			st.SourceIDs = map[string]string{}
		}
		for k, v := range sourceIDs {
			if v != "" {
				st.SourceIDs[k] = v
			}
		}
		return nil
	})
}

// Sweep resets in_progress entries not updated within staleAfter to pending
// and returns their ids.
func (s *Store) Sweep(staleAfter time.Duration) ([]string, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	var reclaimed []string
	err := s.mutate(func(doc *fileDoc, now time.Time) error {
		for id, st := range doc.Targets {
			if st.Status != model.StatusInProgress || now.Sub(st.LastUpdated) <= staleAfter {
				continue
			}
			zap.L().Warn("state: reclaiming stale target",
				zap.String("target", id),
				zap.String("run_id", st.RunID),
				zap.Time("last_updated", st.LastUpdated),
			)
			st.Status = model.StatusPending
			st.ClaimedAt = nil
			st.RunID = ""
			st.LastUpdated = now
			reclaimed = append(reclaimed, id)
		}
		return nil
	})
	sort.Strings(reclaimed)
	return reclaimed, err
}

// Get returns a copy of one target's state.
func (s *Store) Get(targetID string) (*model.ExtractionState, error) {
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	st, ok := doc.Targets[targetID]
	if !ok {
		return nil, eris.Wrap(ErrNotFound, targetID)
	}
	out := st.Clone()
	return &out, nil
}

// List returns copies of every target's state, ordered by id.
func (s *Store) List() ([]model.ExtractionState, error) {
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]model.ExtractionState, 0, len(doc.Targets))
	for _, st := range doc.Targets {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out, nil
}

// Counts returns the number of targets per status.
func (s *Store) Counts() (map[model.Status]int, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make(map[model.Status]int)
	for _, st := range all {
		out[st.Status]++
	}
	return out, nil
}
