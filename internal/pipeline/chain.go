package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/extract"
	"github.com/sells-group/listing-evidence/internal/model"
	"github.com/sells-group/listing-evidence/internal/monitoring"
	"github.com/sells-group/listing-evidence/internal/resilience"
)

// AcceptFunc persists a step's result and reports how many images it stored.
// Only a fatal error may be returned; anything else is folded into the count.
type AcceptFunc func(ctx context.Context, res *model.ExtractionResult) (stored int, err error)

// ChainResult is the outcome of running the fallback chain for one target.
type ChainResult struct {
	// Result is the winning step's output; nil when every step failed.
	Result   *model.ExtractionResult
	Stored   int
	Attempts []model.StepAttempt
}

// Succeeded reports whether some step produced viable data.
func (r *ChainResult) Succeeded() bool { return r != nil && r.Result != nil }

// Reason summarizes the terminal reason of a failed chain.
func (r *ChainResult) Reason() string {
	if r == nil || len(r.Attempts) == 0 {
		return "no steps attempted"
	}
	last := r.Attempts[len(r.Attempts)-1]
	return fmt.Sprintf("exhausted %d steps; last %s/%s: %s", len(r.Attempts), last.Source, last.Capability, last.Outcome)
}

// ChainOptions configures a Chain.
type ChainOptions struct {
	// Retry is the per-step transient retry policy.
	Retry resilience.RetryConfig
	// StepTimeout bounds one attempt of one step.
	StepTimeout time.Duration
	// MinImages is how many stored images make a step successful.
	MinImages int
	Breakers  *resilience.ServiceBreakers
	Metrics   *monitoring.Metrics
}

// Chain runs extractors in strict fallback order and stops at the first step
// whose result yields viable data.
type Chain struct {
	steps []extract.Extractor
	opts  ChainOptions
}

// NewChain returns a Chain over steps, which must already be in fallback order.
func NewChain(steps []extract.Extractor, opts ChainOptions) *Chain {
	if opts.MinImages <= 0 {
		opts.MinImages = 1
	}
	return &Chain{steps: steps, opts: opts}
}

// Steps returns the extractors in the order they are tried.
func (c *Chain) Steps() []extract.Extractor { return c.steps }

// Run tries each step in order. observe, if set, sees every attempt as soon
// as it ends. The returned error is non-nil only for fatal faults; every other
// failure is an entry in the attempt log.
func (c *Chain) Run(ctx context.Context, req extract.Request, accept AcceptFunc, observe func(model.StepAttempt)) (*ChainResult, error) {
	out := &ChainResult{}
	log := zap.L().With(zap.String("target", req.Target.ID()))

	record := func(a model.StepAttempt) {
		out.Attempts = append(out.Attempts, a)
		c.opts.Metrics.ObserveStep(a.Source, a.Capability, string(a.Outcome))
		if a.Outcome != model.OutcomeSuccess {
			log.Warn("pipeline: step failed",
				zap.String("source", a.Source),
				zap.String("capability", a.Capability),
				zap.String("outcome", string(a.Outcome)),
				zap.Int("tries", a.Tries),
				zap.String("reason", a.Reason),
			)
		}
		if observe != nil {
			observe(a)
		}
	}

	for _, step := range c.steps {
		if ctx.Err() != nil {
			log.Warn("pipeline: target deadline reached, abandoning chain", zap.Error(ctx.Err()))
			break
		}

		attempt := model.StepAttempt{
			Source:     step.Source(),
			Capability: step.Capability().String(),
			StartedAt:  time.Now().UTC(),
		}
		var breaker *resilience.CircuitBreaker
		if c.opts.Breakers != nil {
			breaker = c.opts.Breakers.Get(attempt.Source + "/" + attempt.Capability)
			if err := breaker.Allow(); err != nil {
				attempt.Outcome = model.OutcomeCircuitOpen
				attempt.Reason = err.Error()
				record(attempt)
				continue
			}
		}

		res, tries, err := c.extract(ctx, step, req)
		attempt.Tries = tries
		if breaker != nil && !errors.Is(err, extract.ErrSkipped) {
			breaker.Record(err)
		}

		if err != nil {
			attempt.Outcome, attempt.Reason = classify(err)
			attempt.Duration = time.Since(attempt.StartedAt)
			record(attempt)
			if attempt.Outcome == model.OutcomeFatal {
				return out, err
			}
			continue
		}

		stored, err := accept(ctx, res)
		attempt.Duration = time.Since(attempt.StartedAt)
		if err != nil {
			attempt.Outcome, attempt.Reason = model.OutcomeFatal, err.Error()
			record(attempt)
			return out, err
		}
		if stored < c.opts.MinImages {
			attempt.Outcome = model.OutcomeNoData
			attempt.Reason = fmt.Sprintf("stored %d of %d refs, need %d", stored, len(res.ImageRefs), c.opts.MinImages)
			record(attempt)
			continue
		}

		attempt.Outcome = model.OutcomeSuccess
		record(attempt)
		out.Result = res
		out.Stored = stored
		return out, nil
	}
	return out, nil
}

// extract runs one step under the retry policy, each try bounded by the
// step timeout. A step timeout is transient; the target deadline is not.
func (c *Chain) extract(ctx context.Context, step extract.Extractor, req extract.Request) (*model.ExtractionResult, int, error) {
	cfg := c.opts.Retry
	cfg.OnRetry = resilience.RetryLogger("pipeline", step.Source()+"/"+step.Capability().String())

	return resilience.DoValTries(ctx, cfg, func(ctx context.Context) (*model.ExtractionResult, error) {
		stepCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.opts.StepTimeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, c.opts.StepTimeout)
		}
		defer cancel()

		res, err := step.Extract(stepCtx, req)
		if err != nil {
			if ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
				return nil, resilience.NewTransientError(eris.Wrap(err, "pipeline: step timeout"), 0)
			}
			return nil, err
		}
		if res == nil {
			return nil, resilience.NewPermanentError(eris.Wrap(extract.ErrNoData, "extractor returned nothing"), 0)
		}
		return res, nil
	})
}

func classify(err error) (model.Outcome, string) {
	switch {
	case errors.Is(err, extract.ErrSkipped):
		return model.OutcomeSkipped, err.Error()
	case resilience.IsFatal(err):
		return model.OutcomeFatal, err.Error()
	case errors.Is(err, extract.ErrNoData):
		return model.OutcomeNoData, err.Error()
	case resilience.Classify(err) == resilience.ClassTransient:
		return model.OutcomeTransient, err.Error()
	default:
		return model.OutcomePermanent, err.Error()
	}
}
