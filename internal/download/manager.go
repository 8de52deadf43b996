// Package download fetches candidate image references concurrently under a
// counting semaphore, retrying transient failures, and normalizes what it
// fetches into the canonical stored encoding.
package download

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/listing-evidence/internal/imaging"
	"github.com/sells-group/listing-evidence/internal/model"
	"github.com/sells-group/listing-evidence/internal/monitoring"
	"github.com/sells-group/listing-evidence/internal/resilience"
)

// DefaultMaxConcurrency is the default number of in-flight fetches.
const DefaultMaxConcurrency = 5

const acceptImages = "image/avif,image/webp,image/apng,image/*,*/*;q=0.8"

// Options configures a Manager.
type Options struct {
	MaxConcurrency int
	// Timeout bounds a single HTTP attempt.
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
	// HostRate is the initial per-host request rate; zero disables limiting.
	HostRate float64
	Retry    resilience.RetryConfig
	Imaging  imaging.Options
	Client   *http.Client
	Metrics  *monitoring.Metrics
}

// Result is the per-reference outcome of FetchAll. Exactly one of Image or
// Err is set.
type Result struct {
	Ref      model.ImageRef
	Image    *imaging.Normalized
	Tries    int
	Duration time.Duration
	Err      error
}

// OK reports whether the reference was fetched and normalized.
func (r Result) OK() bool { return r.Err == nil && r.Image != nil }

// Manager fetches image references.
type Manager struct {
	opts     Options
	client   *http.Client
	limiters *hostLimiters
	// sem bounds in-flight fetches across every concurrent FetchAll call.
	sem *semaphore.Weighted

	inFlight atomic.Int64
	peak     atomic.Int64
}

// New creates a Manager, filling unset options with defaults.
func New(opts Options) *Manager {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 25 << 20
	}
	if opts.Imaging.Quality == 0 {
		opts.Imaging = imaging.DefaultOptions()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Manager{
		opts:     opts,
		client:   client,
		limiters: newHostLimiters(opts.HostRate),
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrency)),
	}
}

// Peak returns the highest number of simultaneous in-flight fetches observed.
func (m *Manager) Peak() int64 { return m.peak.Load() }

// FetchAll fetches and normalizes refs. The Manager's MaxConcurrency bounds
// in-flight fetches across all callers; a positive maxConcurrency below it
// lowers the bound for this call only. Results are returned in input order;
// partial failure is reported per item, never as a batch error.
func (m *Manager) FetchAll(ctx context.Context, refs []model.ImageRef, maxConcurrency int) []Result {
	if maxConcurrency <= 0 || maxConcurrency > m.opts.MaxConcurrency {
		maxConcurrency = m.opts.MaxConcurrency
	}
	results := make([]Result, len(refs))
	sem := semaphore.NewWeighted(int64(maxConcurrency))

	var g errgroup.Group
	for i, ref := range refs {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(refs); j++ {
				results[j] = Result{
					Ref: refs[j],
					Err: resilience.NewTransientError(eris.Wrap(err, "download: waiting for slot"), 0),
				}
			}
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if err := m.sem.Acquire(ctx, 1); err != nil {
				results[i] = Result{
					Ref: ref,
					Err: resilience.NewTransientError(eris.Wrap(err, "download: waiting for slot"), 0),
				}
				return nil
			}
			defer m.sem.Release(1)
			results[i] = m.fetchOne(ctx, ref)
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, r := range results {
		if r.OK() {
			ok++
		}
	}
	zap.L().Debug("download: batch finished",
		zap.Int("refs", len(refs)),
		zap.Int("ok", ok),
		zap.Int("max_concurrency", maxConcurrency),
	)
	return results
}

func (m *Manager) fetchOne(ctx context.Context, ref model.ImageRef) Result {
	start := time.Now()
	cur := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if cur <= p || m.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	m.opts.Metrics.DownloadStarted()

	res := Result{Ref: ref}
	var raw []byte
	if ref.Inline() {
		raw = ref.Data
	} else {
		cfg := m.opts.Retry
		if cfg.OnRetry == nil {
			cfg.OnRetry = resilience.RetryLogger("download", ref.URL)
		}
		raw, res.Tries, res.Err = resilience.DoValTries(ctx, cfg, func(ctx context.Context) ([]byte, error) {
			return m.get(ctx, ref.URL)
		})
	}
	if res.Err == nil {
		res.Image, res.Err = imaging.Normalize(raw, m.opts.Imaging)
	}
	res.Duration = time.Since(start)

	outcome := "ok"
	if res.Err != nil {
		outcome = resilience.Classify(res.Err).String()
		zap.L().Debug("download: ref failed",
			zap.String("ref", ref.Location()),
			zap.Int("tries", res.Tries),
			zap.Error(res.Err),
		)
	}
	m.opts.Metrics.DownloadFinished(outcome, res.Duration)
	return res
}

// get performs one HTTP attempt.
func (m *Manager) get(ctx context.Context, rawURL string) ([]byte, error) {
	lim := m.limiters.forURL(rawURL)
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "download: rate limiter wait")
		}
	}

	actx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrapf(err, "download: build request %s", rawURL), 0)
	}
	if m.opts.UserAgent != "" {
		req.Header.Set("User-Agent", m.opts.UserAgent)
	}
	req.Header.Set("Accept", acceptImages)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "download: get %s", rawURL), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests && lim != nil {
		lim.OnRateLimit()
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, resilience.HTTPStatusError("download", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, m.opts.MaxBytes+1))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "download: read body %s", rawURL), 0)
	}
	if int64(len(data)) > m.opts.MaxBytes {
		return nil, resilience.NewPermanentError(eris.Errorf("download: %s exceeds %d bytes", rawURL, m.opts.MaxBytes), 0)
	}
	if lim != nil {
		lim.OnSuccess()
	}
	return data, nil
}
