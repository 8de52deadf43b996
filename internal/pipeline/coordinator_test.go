package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-evidence/internal/extract"
	"github.com/sells-group/listing-evidence/internal/lease"
	"github.com/sells-group/listing-evidence/internal/model"
	"github.com/sells-group/listing-evidence/internal/resilience"
)

func TestRun_ExampleTargetFirstRun(t *testing.T) {
	srv := imageServer(t)
	example := model.Target{Address: "123 Example St"}

	var h *harness
	var duringStatus model.Status
	direct := step("acme", model.CapDirectFetch, func(_ context.Context, r extract.Request) (*model.ExtractionResult, error) {
		if _, ok := r.Target.SourceID("acme"); !ok {
			return nil, extract.Skip("no known listing id")
		}
		return &model.ExtractionResult{
			Source:     "acme",
			Capability: model.CapDirectFetch,
			ImageRefs:  refs(srv.URL, "acme", "/img/1.png"),
		}, nil
	})
	session := step("acme", model.CapSessionNavigate, func(context.Context, extract.Request) (*model.ExtractionResult, error) {
		st, err := h.state.Get("123-example-st")
		require.NoError(t, err)
		duringStatus = st.Status
		return &model.ExtractionResult{
			Source:         "acme",
			Capability:     model.CapSessionNavigate,
			ImageRefs:      refs(srv.URL, "acme", "/img/1.png", "/img/2.png", "/missing.png"),
			Fields:         []model.SourceField{{Key: "beds", Value: int64(3), SourceName: "acme", Confidence: 0.9, FetchedAt: time.Now().UTC()}},
			ConfidenceHint: 0.9,
			DiscoveredID:   "L-123",
		}, nil
	})
	h = newHarness(t, []extract.Extractor{direct, session}, harnessOpts{})

	_, err := h.state.Enqueue(example)
	require.NoError(t, err)
	before, err := h.state.Get("123-example-st")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, before.Status)

	out, err := h.coord.Run(context.Background(), example)
	require.NoError(t, err)

	assert.Equal(t, model.StatusInProgress, duringStatus)
	assert.Equal(t, "completed", out.Status)
	assert.Equal(t, "session_navigate", out.Capability)
	assert.Equal(t, 2, out.Images)
	assert.Equal(t, 1, out.Fields)

	after, err := h.state.Get("123-example-st")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, after.Status)
	assert.Equal(t, "L-123", after.SourceIDs["acme"])
	require.Len(t, after.Attempts, 2)
	assert.Equal(t, model.OutcomeSkipped, after.Attempts[0].Outcome)
	assert.Equal(t, model.OutcomeSuccess, after.Attempts[1].Outcome)

	entries, err := h.manifest.ForTarget("123-example-st")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		ok, err := h.store.Exists(e.ContentHash)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, h.coord.RunID(), e.RunID)
		assert.Equal(t, 64, e.Width)
		assert.Len(t, e.PerceptualHash, 16)
	}

	view, err := h.meta.Snapshot(context.Background(), "123-example-st")
	require.NoError(t, err)
	assert.Equal(t, model.FieldView{Value: int64(3), Confidence: 0.9, Source: "acme"}, view["beds"])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TargetsTotal.WithLabelValues("completed")))

	// the discovered id feeds the direct step on a forced re-run.
	h.coord.opts.Force = true
	out, err = h.coord.Run(context.Background(), example)
	require.NoError(t, err)
	assert.Equal(t, "direct_fetch", out.Capability)
}

func TestRun_IdenticalBytesAcrossTargets(t *testing.T) {
	srv := imageServer(t)
	s := step("acme", model.CapDirectFetch, func(_ context.Context, r extract.Request) (*model.ExtractionResult, error) {
		return &model.ExtractionResult{
			Source:    "acme",
			ImageRefs: refs(srv.URL, "acme", "/img/42.png"),
		}, nil
	})
	h := newHarness(t, []extract.Extractor{s}, harnessOpts{})

	for _, addr := range []string{"1 First Ave", "2 Second Ave"} {
		out, err := h.coord.Run(context.Background(), model.Target{Address: addr})
		require.NoError(t, err)
		require.Equal(t, "completed", out.Status)
	}

	entries, err := h.manifest.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].ContentHash, entries[1].ContentHash)
	assert.NotEqual(t, entries[0].TargetID, entries[1].TargetID)

	arts, err := h.store.Walk()
	require.NoError(t, err)
	assert.Len(t, arts, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ArtifactsTotal.WithLabelValues("stored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ArtifactsTotal.WithLabelValues("reused")))
}

func TestRun_NearDuplicateFlagged(t *testing.T) {
	srv := imageServer(t)
	s := step("acme", model.CapDirectFetch, returning(&model.ExtractionResult{
		Source:    "acme",
		ImageRefs: refs(srv.URL, "acme", "/img/7.png", "/big/7.png"),
	}))
	h := newHarness(t, []extract.Extractor{s}, harnessOpts{})

	out, err := h.coord.Run(context.Background(), model.Target{Address: "9 Elm Rd"})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Images)
	assert.Equal(t, 1, out.NearDuplicates)

	entries, err := h.manifest.ForTarget("9-elm-rd")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	flagged := 0
	for _, e := range entries {
		if e.NearDuplicateOf != "" {
			flagged++
			assert.NotEqual(t, e.ContentHash, e.NearDuplicateOf)
		}
	}
	assert.Equal(t, 1, flagged)
}

func TestRun_DownloadFailuresFallThrough(t *testing.T) {
	srv := imageServer(t)
	broken := step("acme", model.CapDirectFetch, returning(&model.ExtractionResult{
		Source:    "acme",
		ImageRefs: refs(srv.URL, "acme", "/missing/1.png", "/missing/2.png"),
	}))
	search := step("acme", model.CapSearchFallback, returning(&model.ExtractionResult{
		Source:         "acme",
		Capability:     model.CapSearchFallback,
		ImageRefs:      refs(srv.URL, "acme", "/img/3.png"),
		Fields:         []model.SourceField{{Key: "sqft", Value: 1200.0, SourceName: "acme", Confidence: 0.9}},
		ConfidenceHint: 0.5,
	}))
	h := newHarness(t, []extract.Extractor{broken, search}, harnessOpts{})

	out, err := h.coord.Run(context.Background(), model.Target{Address: "5 Oak Ln"})
	require.NoError(t, err)
	assert.Equal(t, "completed", out.Status)
	assert.Equal(t, model.OutcomeNoData, out.Attempts[0].Outcome)
	assert.Equal(t, "search_fallback", out.Capability)

	view, err := h.meta.Snapshot(context.Background(), "5-oak-ln")
	require.NoError(t, err)
	assert.Equal(t, 0.5, view["sqft"].Confidence)
}

func TestRun_ChainExhausted(t *testing.T) {
	a := step("acme", model.CapDirectFetch, failing(extract.Skip("no id")))
	b := step("acme", model.CapSessionNavigate, failing(resilience.NewTransientError(errors.New("challenge"), 0)))
	c := step("acme", model.CapSearchFallback, failing(resilience.NewPermanentError(errors.New("unreachable"), 0)))
	h := newHarness(t, []extract.Extractor{a, b, c}, harnessOpts{})

	out, err := h.coord.Run(context.Background(), model.Target{Address: "7 Nowhere"})
	require.NoError(t, err)
	assert.Equal(t, "failed", out.Status)
	assert.Contains(t, out.Reason, "exhausted 3 steps")
	assert.Len(t, out.Attempts, 3)

	st, err := h.state.Get("7-nowhere")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, st.Status)
	assert.Equal(t, out.Reason, st.Reason)
	assert.Equal(t, "transient_exhausted", st.SourceSubStatus["acme/session_navigate"])
	assert.Equal(t, 1, st.RetryCounts["acme/session_navigate"])

	entries, err := h.manifest.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_FatalPropagates(t *testing.T) {
	boom := step("acme", model.CapDirectFetch, failing(resilience.Fatal(eris.New("disk full"))))
	h := newHarness(t, []extract.Extractor{boom}, harnessOpts{})

	out, err := h.coord.Run(context.Background(), model.Target{Address: "1 Fatal Way"})
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
	assert.Equal(t, "failed", out.Status)

	st, err := h.state.Get("1-fatal-way")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, st.Status)
}

func TestRun_CompletedSkippedUnlessForced(t *testing.T) {
	srv := imageServer(t)
	s := step("acme", model.CapDirectFetch, returning(&model.ExtractionResult{
		Source:    "acme",
		ImageRefs: refs(srv.URL, "acme", "/img/1.png"),
	}))
	h := newHarness(t, []extract.Extractor{s}, harnessOpts{})
	target := model.Target{Address: "3 Done St"}

	_, err := h.coord.Run(context.Background(), target)
	require.NoError(t, err)
	out, err := h.coord.Run(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, int32(1), s.calls.Load())

	h.coord.opts.Force = true
	out, err = h.coord.Run(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, "completed", out.Status)
	assert.Equal(t, int32(2), s.calls.Load())

	entries, err := h.manifest.ForTarget("3-done-st")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "re-extraction reuses the existing entry")
}

func TestRun_LeaseHeldSkips(t *testing.T) {
	s := step("acme", model.CapDirectFetch, returning(oneImage("acme", model.CapDirectFetch)))
	h := newHarness(t, []extract.Extractor{s}, harnessOpts{})

	held, err := h.locker.Acquire(context.Background(), lease.Key("4-busy-rd"), time.Minute)
	require.NoError(t, err)
	defer held.Release(context.Background())

	out, err := h.coord.Run(context.Background(), model.Target{Address: "4 Busy Rd"})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, int32(0), s.calls.Load())
}

func TestRun_TargetTimeout(t *testing.T) {
	slow := step("acme", model.CapSessionNavigate, func(ctx context.Context, _ extract.Request) (*model.ExtractionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	never := step("acme", model.CapSearchFallback, returning(oneImage("acme", model.CapSearchFallback)))
	h := newHarness(t, []extract.Extractor{slow, never}, harnessOpts{
		opts: Options{TargetTimeout: 50 * time.Millisecond},
	})

	out, err := h.coord.Run(context.Background(), model.Target{Address: "8 Slow Ct"})
	require.NoError(t, err)
	assert.Equal(t, "failed", out.Status)
	assert.Contains(t, out.Reason, "target timeout")
	assert.Equal(t, int32(0), never.calls.Load())
}

func TestRun_HeartbeatKeepsLongClaimFresh(t *testing.T) {
	var h *harness
	var swept []string
	var sweepErr error
	slow := step("acme", model.CapSessionNavigate, func(ctx context.Context, _ extract.Request) (*model.ExtractionResult, error) {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		swept, sweepErr = h.state.Sweep(100 * time.Millisecond)
		return nil, resilience.NewPermanentError(errors.New("no gallery"), 0)
	})
	h = newHarness(t, []extract.Extractor{slow}, harnessOpts{
		opts: Options{Heartbeat: 20 * time.Millisecond},
	})

	out, err := h.coord.Run(context.Background(), model.Target{Address: "9 Long Rd"})
	require.NoError(t, err)
	require.NoError(t, sweepErr)
	assert.Empty(t, swept, "a claim with a live heartbeat is not stale")
	assert.Equal(t, "failed", out.Status)

	st, err := h.state.Get(out.TargetID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, st.Status)
}

func TestRunBatch_AtMostOneInFlightPerTarget(t *testing.T) {
	srv := imageServer(t)
	var mu sync.Mutex
	inFlight := map[string]int{}
	maxSeen := 0
	s := step("acme", model.CapDirectFetch, func(_ context.Context, r extract.Request) (*model.ExtractionResult, error) {
		id := r.Target.ID()
		mu.Lock()
		inFlight[id]++
		maxSeen = max(maxSeen, inFlight[id])
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight[id]--
		mu.Unlock()
		return &model.ExtractionResult{Source: "acme", ImageRefs: refs(srv.URL, "acme", "/img/5.png")}, nil
	})
	h := newHarness(t, []extract.Extractor{s}, harnessOpts{opts: Options{Workers: 4}})

	var targets []model.Target
	for i := range 3 {
		addr := fmt.Sprintf("%d Batch Blvd", i)
		targets = append(targets, model.Target{Address: addr}, model.Target{Address: addr})
	}

	outs, err := h.coord.RunBatch(context.Background(), targets)
	require.NoError(t, err)
	require.Len(t, outs, 6)
	assert.Equal(t, 1, maxSeen)

	completed := 0
	for i, o := range outs {
		assert.Equal(t, targets[i].ID(), o.TargetID)
		if o.Status == "completed" {
			completed++
		}
	}
	assert.Equal(t, 3, completed)
	assert.Equal(t, int32(3), s.calls.Load())

	counts, err := h.state.Counts()
	require.NoError(t, err)
	assert.Equal(t, 3, counts[model.StatusCompleted])
}

func TestRunBatch_FatalStopsNewTargets(t *testing.T) {
	boom := step("acme", model.CapDirectFetch, failing(resilience.Fatal(eris.New("disk full"))))
	h := newHarness(t, []extract.Extractor{boom}, harnessOpts{opts: Options{Workers: 1}})

	targets := []model.Target{{Address: "a"}, {Address: "b"}, {Address: "c"}}
	outs, err := h.coord.RunBatch(context.Background(), targets)
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
	assert.Equal(t, "failed", outs[0].Status)
	assert.Equal(t, int32(1), boom.calls.Load())
}
