// Package pipeline drives targets through the fallback chain and persists
// whatever evidence the winning step produced.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/listing-evidence/internal/contentstore"
	"github.com/sells-group/listing-evidence/internal/dedup"
	"github.com/sells-group/listing-evidence/internal/download"
	"github.com/sells-group/listing-evidence/internal/extract"
	"github.com/sells-group/listing-evidence/internal/lease"
	"github.com/sells-group/listing-evidence/internal/metadata"
	"github.com/sells-group/listing-evidence/internal/model"
	"github.com/sells-group/listing-evidence/internal/monitoring"
	"github.com/sells-group/listing-evidence/internal/resilience"
	"github.com/sells-group/listing-evidence/internal/state"
)

// Status values reported in an Outcome in addition to model.Status.
const (
	// StatusSkipped means the target was not run: completed already, or
	// in flight elsewhere.
	StatusSkipped = "skipped"
)

// Deps are the stores and services a Coordinator drives.
type Deps struct {
	State     *state.Store
	Store     *contentstore.Store
	Manifest  *contentstore.Manifest
	Downloads *download.Manager
	Dedup     *dedup.Deduplicator
	Metadata  *metadata.Persister
	Locker    lease.Locker
	Chain     *Chain
	Metrics   *monitoring.Metrics
}

// Options tune a Coordinator.
type Options struct {
	// Workers bounds how many targets RunBatch processes at once.
	Workers int
	// MaxConcurrency lowers the download manager's shared bound when set.
	MaxConcurrency int
	// TargetTimeout bounds the wall-clock time spent on one target.
	TargetTimeout time.Duration
	// LeaseMargin is added to TargetTimeout for the lease TTL.
	LeaseMargin time.Duration
	// Heartbeat is how often an in-flight claim is touched in the state
	// file. It must stay well under the sweep's stale threshold.
	Heartbeat time.Duration
	// Force re-extracts completed targets.
	Force bool
	// RunID identifies this run in state and manifest; generated when empty.
	RunID string
}

// Outcome is the per-target result of Run.
type Outcome struct {
	TargetID       string              `json:"target_id"`
	Status         string              `json:"status"`
	Reason         string              `json:"reason,omitempty"`
	Source         string              `json:"source,omitempty"`
	Capability     string              `json:"capability,omitempty"`
	Images         int                 `json:"images"`
	NearDuplicates int                 `json:"near_duplicates"`
	Fields         int                 `json:"fields"`
	Attempts       []model.StepAttempt `json:"attempts,omitempty"`
	Duration       time.Duration       `json:"duration"`
}

// Coordinator runs targets through claim, chain, store and completion.
type Coordinator struct {
	deps  Deps
	opts  Options
	runID string
}

// New returns a Coordinator. Unset options get defaults.
func New(deps Deps, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.TargetTimeout <= 0 {
		opts.TargetTimeout = 10 * time.Minute
	}
	if opts.LeaseMargin <= 0 {
		opts.LeaseMargin = time.Minute
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = time.Minute
	}
	if deps.Locker == nil {
		deps.Locker = lease.NewLocal()
	}
	if deps.Dedup == nil {
		deps.Dedup = dedup.New(dedup.DefaultThreshold)
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Coordinator{deps: deps, opts: opts, runID: runID}
}

// RunID identifies this coordinator's run.
func (c *Coordinator) RunID() string { return c.runID }

// RunBatch runs targets with at most Workers in flight. A fatal error on one
// target stops new targets from starting and is returned after in-flight
// ones finish; outcomes are in input order.
func (c *Coordinator) RunBatch(ctx context.Context, targets []model.Target) ([]Outcome, error) {
	if _, err := c.deps.State.Enqueue(targets...); err != nil {
		return nil, eris.Wrap(err, "pipeline: enqueue batch")
	}

	outcomes := make([]Outcome, len(targets))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)

	for i, t := range targets {
		if gCtx.Err() != nil {
			outcomes[i] = Outcome{TargetID: t.ID(), Status: StatusSkipped, Reason: "batch aborted"}
			continue
		}
		g.Go(func() error {
			out, err := c.Run(gCtx, t)
			if out != nil {
				outcomes[i] = *out
			}
			return err
		})
	}
	err := g.Wait()

	counts := map[string]int{}
	for _, o := range outcomes {
		counts[o.Status]++
	}
	zap.L().Info("pipeline: batch complete",
		zap.String("run_id", c.runID),
		zap.Int("targets", len(targets)),
		zap.Int("completed", counts[string(model.StatusCompleted)]),
		zap.Int("failed", counts[string(model.StatusFailed)]),
		zap.Int("skipped", counts[StatusSkipped]),
	)
	return outcomes, err
}

// Run extracts one target. It returns an error only for fatal faults; a
// target that exhausts its chain is an Outcome with status failed.
func (c *Coordinator) Run(ctx context.Context, target model.Target) (*Outcome, error) {
	start := time.Now()
	id := target.ID()
	out := &Outcome{TargetID: id}
	log := zap.L().With(zap.String("target", id), zap.String("run_id", c.runID))

	if id == "" {
		out.Status, out.Reason = string(model.StatusFailed), "empty target id"
		return out, nil
	}
	if ctx.Err() != nil {
		out.Status, out.Reason = StatusSkipped, "cancelled before start"
		return out, nil
	}
	if _, err := c.deps.State.Enqueue(target); err != nil {
		return out, err
	}

	l, err := c.deps.Locker.Acquire(ctx, lease.Key(id), c.opts.TargetTimeout+c.opts.LeaseMargin)
	if errors.Is(err, lease.ErrHeld) {
		out.Status, out.Reason = StatusSkipped, "in flight in another worker"
		log.Info("pipeline: target leased elsewhere, skipping")
		return out, nil
	}
	if err != nil {
		return out, resilience.Fatal(err)
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("pipeline: release lease", zap.Error(err))
		}
	}()

	st, err := c.deps.State.Claim(id, c.runID, c.opts.Force)
	switch {
	case errors.Is(err, state.ErrCompleted):
		out.Status, out.Reason = StatusSkipped, "already completed"
		log.Info("pipeline: target already completed, skipping")
		return out, nil
	case errors.Is(err, state.ErrClaimed):
		out.Status, out.Reason = StatusSkipped, "claimed by another run"
		log.Info("pipeline: target claimed by another run, skipping")
		return out, nil
	case err != nil:
		return out, err
	}

	stopBeat := c.heartbeat(ctx, id, log)
	defer stopBeat()

	log.Info("pipeline: starting target", zap.Int("known_source_ids", len(st.SourceIDs)))
	req := extract.Request{Target: target.WithSourceIDs(st.SourceIDs)}

	tCtx, cancel := context.WithTimeout(ctx, c.opts.TargetTimeout)
	defer cancel()

	var images, nearDups int
	accept := func(ctx context.Context, res *model.ExtractionResult) (int, error) {
		stored, near, err := c.storeImages(ctx, id, res)
		images, nearDups = stored, near
		return stored, err
	}
	observe := func(a model.StepAttempt) {
		if err := c.deps.State.RecordAttempt(id, c.runID, a); err != nil {
			log.Warn("pipeline: record attempt", zap.Error(err))
		}
	}

	res, err := c.deps.Chain.Run(tCtx, req, accept, observe)
	out.Attempts = res.Attempts
	out.Duration = time.Since(start)
	if err != nil {
		c.fail(id, out, "fatal: "+err.Error(), log)
		log.Error("pipeline: fatal error, target aborted", zap.Error(err))
		return out, err
	}

	if !res.Succeeded() {
		reason := res.Reason()
		if errors.Is(tCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			reason = "target timeout: " + reason
		}
		c.fail(id, out, reason, log)
		return out, nil
	}

	win := res.Result
	out.Source, out.Capability = win.Source, win.Capability.String()
	out.Images, out.NearDuplicates = images, nearDups

	fields := capConfidence(win.Fields, win.ConfidenceHint)
	if len(fields) > 0 && c.deps.Metadata != nil {
		merged, err := c.deps.Metadata.MergeWithRetry(ctx, id, fields)
		if err != nil {
			if resilience.IsFatal(err) {
				c.fail(id, out, "fatal: "+err.Error(), log)
				return out, err
			}
			c.fail(id, out, "metadata merge: "+err.Error(), log)
			return out, nil
		}
		out.Fields = len(merged.Record.Fields)
	}

	var learned map[string]string
	if win.DiscoveredID != "" {
		learned = map[string]string{win.Source: win.DiscoveredID}
	}
	if err := c.deps.State.Complete(id, c.runID, learned); err != nil {
		return out, err
	}
	out.Status = string(model.StatusCompleted)
	out.Duration = time.Since(start)
	c.deps.Metrics.ObserveTarget(out.Status, out.Duration)
	log.Info("pipeline: target completed",
		zap.String("source", out.Source),
		zap.String("capability", out.Capability),
		zap.Int("images", out.Images),
		zap.Int("near_duplicates", out.NearDuplicates),
		zap.Int("fields", out.Fields),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}

// heartbeat touches the claim every Heartbeat until stop is called or the
// claim ends, so a long-running target never looks abandoned to Sweep.
func (c *Coordinator) heartbeat(ctx context.Context, id string, log *zap.Logger) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				err := c.deps.State.Touch(id, c.runID)
				if errors.Is(err, state.ErrNotOwner) {
					return
				}
				if err != nil {
					log.Warn("pipeline: heartbeat", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (c *Coordinator) fail(id string, out *Outcome, reason string, log *zap.Logger) {
	out.Status, out.Reason = string(model.StatusFailed), reason
	if err := c.deps.State.Fail(id, c.runID, reason); err != nil {
		log.Error("pipeline: mark failed", zap.Error(err))
	}
	c.deps.Metrics.ObserveTarget(out.Status, out.Duration)
	log.Warn("pipeline: target failed", zap.String("reason", reason), zap.Int("attempts", len(out.Attempts)))
}

// capConfidence lowers each field's confidence to the step's hint, so a
// downgraded step can never claim more than it was trusted with.
func capConfidence(fields []model.SourceField, hint float64) []model.SourceField {
	if hint <= 0 {
		return fields
	}
	out := make([]model.SourceField, len(fields))
	for i, f := range fields {
		f.Confidence = min(f.Confidence, hint)
		out[i] = f
	}
	return out
}
