package download

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-evidence/internal/model"
	"github.com/sells-group/listing-evidence/internal/resilience"
)

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := range 8 {
		for y := range 8 {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func newTestManager(retry resilience.RetryConfig) *Manager {
	return New(Options{
		MaxConcurrency: 5,
		Timeout:        5 * time.Second,
		UserAgent:      "test-agent",
		Retry:          retry,
	})
}

func TestFetchAll_Success(t *testing.T) {
	body := pngBytes(t, color.RGBA{R: 255, A: 255})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	m := newTestManager(fastRetry(3))
	results := m.FetchAll(context.Background(), []model.ImageRef{{URL: srv.URL + "/a.png", Source: "alpha"}}, 0)

	require.Len(t, results, 1)
	require.True(t, results[0].OK(), "err: %v", results[0].Err)
	assert.Equal(t, 1, results[0].Tries)
	assert.Equal(t, "png", results[0].Image.SourceFormat)
	assert.Equal(t, 8, results[0].Image.Width)
}

func TestFetchAll_429ThreeTimesThenOK(t *testing.T) {
	body := pngBytes(t, color.White)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	m := New(Options{Retry: fastRetry(5), HostRate: 1000})
	results := m.FetchAll(context.Background(), []model.ImageRef{{URL: srv.URL}}, 1)

	require.True(t, results[0].OK(), "err: %v", results[0].Err)
	assert.Equal(t, 4, results[0].Tries)
	assert.Equal(t, int32(4), calls.Load())
}

func TestFetchAll_PermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	results := newTestManager(fastRetry(5)).FetchAll(context.Background(), []model.ImageRef{{URL: srv.URL}}, 1)

	require.Error(t, results[0].Err)
	assert.Equal(t, resilience.ClassPermanent, resilience.Classify(results[0].Err))
	assert.Equal(t, 1, results[0].Tries)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchAll_TransientExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	results := newTestManager(fastRetry(3)).FetchAll(context.Background(), []model.ImageRef{{URL: srv.URL}}, 1)

	require.Error(t, results[0].Err)
	assert.Equal(t, resilience.ClassTransient, resilience.Classify(results[0].Err))
	assert.Equal(t, 3, results[0].Tries)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchAll_ConcurrencyBound(t *testing.T) {
	body := pngBytes(t, color.Black)
	var cur, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := cur.Add(1)
		defer cur.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	refs := make([]model.ImageRef, 20)
	for i := range refs {
		refs[i] = model.ImageRef{URL: srv.URL}
	}

	m := newTestManager(fastRetry(1))
	results := m.FetchAll(context.Background(), refs, 3)

	for _, r := range results {
		assert.True(t, r.OK())
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.LessOrEqual(t, m.Peak(), int64(3))
	assert.Positive(t, m.Peak())
}

func TestFetchAll_BoundSharedAcrossCalls(t *testing.T) {
	body := pngBytes(t, color.Black)
	var cur, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := cur.Add(1)
		defer cur.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	m := newTestManager(fastRetry(1))

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			refs := make([]model.ImageRef, 5)
			for i := range refs {
				refs[i] = model.ImageRef{URL: srv.URL}
			}
			for _, r := range m.FetchAll(context.Background(), refs, 0) {
				assert.True(t, r.OK())
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, m.Peak(), int64(5))
	assert.LessOrEqual(t, peak.Load(), int32(5))
}

func TestFetchAll_PerCallLimitCannotRaiseBound(t *testing.T) {
	body := pngBytes(t, color.Black)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(10 * time.Millisecond)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	refs := make([]model.ImageRef, 12)
	for i := range refs {
		refs[i] = model.ImageRef{URL: srv.URL}
	}
	m := newTestManager(fastRetry(1))
	m.FetchAll(context.Background(), refs, 50)

	assert.LessOrEqual(t, m.Peak(), int64(5))
}

func TestFetchAll_MixedResultsInOrder(t *testing.T) {
	body := pngBytes(t, color.White)
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(body) })
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusGone) })
	mux.HandleFunc("/html", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("<html></html>")) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	refs := []model.ImageRef{{URL: srv.URL + "/ok"}, {URL: srv.URL + "/gone"}, {URL: srv.URL + "/html"}}
	results := newTestManager(fastRetry(3)).FetchAll(context.Background(), refs, 2)

	require.Len(t, results, 3)
	assert.True(t, results[0].OK())
	assert.Equal(t, refs[1], results[1].Ref)
	assert.Equal(t, resilience.ClassPermanent, resilience.Classify(results[1].Err))
	assert.Equal(t, resilience.ClassPermanent, resilience.Classify(results[2].Err), "undecodable body is permanent")
}

func TestFetchAll_InlineSkipsNetwork(t *testing.T) {
	m := newTestManager(fastRetry(3))
	results := m.FetchAll(context.Background(), []model.ImageRef{{Data: pngBytes(t, color.White), Source: "alpha"}}, 1)

	require.True(t, results[0].OK())
	assert.Zero(t, results[0].Tries)
}

func TestFetchAll_MaxBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	m := New(Options{MaxBytes: 1024, Retry: fastRetry(3)})
	results := m.FetchAll(context.Background(), []model.ImageRef{{URL: srv.URL}}, 1)

	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Err.Error(), "exceeds")
	assert.Equal(t, 1, results[0].Tries)
}

func TestFetchAll_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := newTestManager(fastRetry(3)).FetchAll(ctx, []model.ImageRef{{URL: "http://127.0.0.1:1/x"}, {URL: "http://127.0.0.1:1/y"}}, 1)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Error(t, r.Err)
	}
}
