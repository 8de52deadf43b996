package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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

// fakeStep is a scripted extractor.
type fakeStep struct {
	source     string
	capability model.Capability
	priority   int
	calls      atomic.Int32
	fn         func(ctx context.Context, req extract.Request) (*model.ExtractionResult, error)
}

func (f *fakeStep) Source() string               { return f.source }
func (f *fakeStep) Capability() model.Capability { return f.capability }
func (f *fakeStep) Priority() int                { return f.priority }

func (f *fakeStep) Extract(ctx context.Context, req extract.Request) (*model.ExtractionResult, error) {
	f.calls.Add(1)
	return f.fn(ctx, req)
}

func step(source string, c model.Capability, fn func(context.Context, extract.Request) (*model.ExtractionResult, error)) *fakeStep {
	return &fakeStep{source: source, capability: c, fn: fn}
}

func failing(err error) func(context.Context, extract.Request) (*model.ExtractionResult, error) {
	return func(context.Context, extract.Request) (*model.ExtractionResult, error) { return nil, err }
}

func returning(res *model.ExtractionResult) func(context.Context, extract.Request) (*model.ExtractionResult, error) {
	return func(context.Context, extract.Request) (*model.ExtractionResult, error) { return res, nil }
}

// noisePNG encodes an 8x8 grid of pseudo-random gray cells; distinct seeds
// give perceptually distinct images.
func noisePNG(seed uint32, size int) []byte {
	img := image.NewGray(image.Rect(0, 0, size, size))
	cell := size / 8
	for cy := range 8 {
		for cx := range 8 {
			seed = seed*1664525 + 1013904223
			v := color.Gray{Y: uint8(seed >> 24)}
			for x := cx * cell; x < (cx+1)*cell; x++ {
				for y := cy * cell; y < (cy+1)*cell; y++ {
					img.SetGray(x, y, v)
				}
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// imageServer serves /img/<seed>.png (64px) and /big/<seed>.png (128px) and
// 404s everything else.
func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var seed uint32
		size := 64
		switch {
		case strings.HasPrefix(r.URL.Path, "/img/"):
		case strings.HasPrefix(r.URL.Path, "/big/"):
			size = 128
		default:
			http.NotFound(w, r)
			return
		}
		if _, err := fmt.Sscanf(filepath.Base(r.URL.Path), "%d.png", &seed); err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(noisePNG(seed, size))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func refs(base, source string, paths ...string) []model.ImageRef {
	out := make([]model.ImageRef, len(paths))
	for i, p := range paths {
		out[i] = model.ImageRef{URL: base + p, Source: source, Confidence: 0.9}
	}
	return out
}

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
}

type harness struct {
	coord    *Coordinator
	state    *state.Store
	store    *contentstore.Store
	manifest *contentstore.Manifest
	meta     *metadata.Persister
	metrics  *monitoring.Metrics
	locker   *lease.LocalLocker
	chain    *Chain
}

type harnessOpts struct {
	opts     Options
	chain    ChainOptions
	breakers *resilience.ServiceBreakers
}

func newHarness(t *testing.T, steps []extract.Extractor, ho harnessOpts) *harness {
	t.Helper()
	dir := t.TempDir()

	st, err := state.Open(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	store, err := contentstore.New(filepath.Join(dir, "images"))
	require.NoError(t, err)
	manifest, err := contentstore.OpenManifest(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)
	repo, err := metadata.NewSQLite(context.Background(), filepath.Join(dir, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	metrics := monitoring.NewMetrics()
	meta := metadata.NewPersister(repo, metadata.WithRetry(fastRetry(5)))
	locker := lease.NewLocal()

	chainOpts := ho.chain
	if chainOpts.Retry.MaxAttempts == 0 {
		chainOpts.Retry = fastRetry(2)
	}
	chainOpts.Metrics = metrics
	chainOpts.Breakers = ho.breakers
	chain := NewChain(steps, chainOpts)

	opts := ho.opts
	if opts.TargetTimeout == 0 {
		opts.TargetTimeout = 10 * time.Second
	}
	coord := New(Deps{
		State:    st,
		Store:    store,
		Manifest: manifest,
		Downloads: download.New(download.Options{
			MaxConcurrency: 3,
			Timeout:        5 * time.Second,
			Retry:          fastRetry(2),
			Metrics:        metrics,
		}),
		Dedup:    dedup.New(dedup.DefaultThreshold),
		Metadata: meta,
		Locker:   locker,
		Chain:    chain,
		Metrics:  metrics,
	}, opts)

	return &harness{
		coord: coord, state: st, store: store, manifest: manifest,
		meta: meta, metrics: metrics, locker: locker, chain: chain,
	}
}
