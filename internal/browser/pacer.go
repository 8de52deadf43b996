package browser

import (
	"context"
	"math/rand/v2"
	"time"
)

// Pacer inserts randomized, human-like pauses between simulated actions.
type Pacer struct {
	lo, hi time.Duration
}

// NewPacer returns a Pacer drawing delays uniformly from [lo, hi].
func NewPacer(lo, hi time.Duration) *Pacer {
	if hi < lo {
		hi = lo
	}
	return &Pacer{lo: lo, hi: hi}
}

// Delay returns the next pause length.
func (p *Pacer) Delay() time.Duration {
	if p == nil || p.hi <= 0 {
		return 0
	}
	if p.hi == p.lo {
		return p.lo
	}
	return p.lo + rand.N(p.hi-p.lo+1)
}

// Pause waits for the next delay or until ctx is done.
func (p *Pacer) Pause(ctx context.Context) error {
	d := p.Delay()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
