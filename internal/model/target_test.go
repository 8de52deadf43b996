package model

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargetID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		address string
		want    string
	}{
		{"123 Example St", "123-example-st"},
		{"123 Example St, Springfield, IL 62701", "123-example-st-springfield-il-62701"},
		{"  Apt #4 -- 9 Rue Crème  ", "apt-4-9-rue-creme"},
		{"ÅNGSTRÖM WAY", "angstrom-way"},
		{"", ""},
		{"!!!", ""},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, TargetID(tt.address))
		})
	}
}

func TestTargetID_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := "Çafé Ñoño Plaza"
			want := "cafe-nono-plaza"
			if i%2 == 1 {
				addr, want = "12 Élan Way", "12-elan-way"
			}
			for range 50 {
				assert.Equal(t, want, TargetID(addr))
			}
		}()
	}
	wg.Wait()
}

func TestTarget_ID(t *testing.T) {
	t.Parallel()
	tgt := Target{Address: "123 Example St"}
	assert.Equal(t, "123-example-st", tgt.ID())
	assert.Equal(t, TargetID("123 EXAMPLE st"), tgt.ID())
}

func TestTarget_SourceID(t *testing.T) {
	t.Parallel()
	tgt := Target{Address: "1 A St", SourceIDs: map[string]string{"alpha": "A-1", "beta": ""}}

	id, ok := tgt.SourceID("alpha")
	assert.True(t, ok)
	assert.Equal(t, "A-1", id)

	_, ok = tgt.SourceID("beta")
	assert.False(t, ok, "empty ids are unknown")

	_, ok = tgt.SourceID("gamma")
	assert.False(t, ok)
}

func TestTarget_WithSourceIDs(t *testing.T) {
	t.Parallel()
	orig := Target{Address: "1 A St", SourceIDs: map[string]string{"alpha": "A-1"}}

	merged := orig.WithSourceIDs(map[string]string{"alpha": "A-2", "beta": "B-7", "gamma": ""})

	assert.Equal(t, map[string]string{"alpha": "A-1", "beta": "B-7"}, merged.SourceIDs)
	assert.Equal(t, map[string]string{"alpha": "A-1"}, orig.SourceIDs, "original is untouched")
	assert.Equal(t, orig, orig.WithSourceIDs(nil))
}

func TestCapability_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "direct_fetch", CapDirectFetch.String())
	assert.Equal(t, "session_navigate", CapSessionNavigate.String())
	assert.Equal(t, "screenshot_capture", CapScreenshotCapture.String())
	assert.Equal(t, "search_fallback", CapSearchFallback.String())
	assert.Equal(t, "unknown", Capability(0).String())
	assert.Less(t, int(CapDirectFetch), int(CapSearchFallback))
}

func TestStatus(t *testing.T) {
	t.Parallel()
	assert.True(t, StatusPending.Valid())
	assert.False(t, Status("done").Valid())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusInProgress.Terminal())
}

func TestExtractionState_Clone(t *testing.T) {
	t.Parallel()
	st := ExtractionState{
		Status:          StatusInProgress,
		SourceSubStatus: map[string]string{"alpha": "success"},
		RetryCounts:     map[string]int{"alpha": 2},
		Attempts:        []StepAttempt{{Source: "alpha"}},
	}
	cp := st.Clone()
	cp.SourceSubStatus["alpha"] = "failed"
	cp.RetryCounts["alpha"] = 9
	cp.Attempts[0].Source = "beta"

	assert.Equal(t, "success", st.SourceSubStatus["alpha"])
	assert.Equal(t, 2, st.RetryCounts["alpha"])
	assert.Equal(t, "alpha", st.Attempts[0].Source)
}

func TestMetadataRecord_View(t *testing.T) {
	t.Parallel()
	rec := &MetadataRecord{Fields: map[string]FieldRecord{
		"beds": {Key: "beds", Winner: SourceField{Key: "beds", Value: 3, SourceName: "alpha", Confidence: 0.9}},
	}}
	assert.Equal(t, map[string]FieldView{"beds": {Value: 3, Confidence: 0.9, Source: "alpha"}}, rec.View())
}
