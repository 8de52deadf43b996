package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "evidence"

// Metrics holds the pipeline's Prometheus collectors. All methods are safe
// on a nil receiver so components can run without instrumentation.
type Metrics struct {
	Registry *prometheus.Registry

	TargetsTotal        *prometheus.CounterVec
	TargetDuration      prometheus.Histogram
	StepAttempts        *prometheus.CounterVec
	DownloadsInFlight   prometheus.Gauge
	DownloadsTotal      *prometheus.CounterVec
	DownloadDuration    prometheus.Histogram
	ArtifactsTotal      *prometheus.CounterVec
	NearDuplicatesTotal prometheus.Counter
	MetadataConflicts   prometheus.Counter
	JanitorRemovedTotal *prometheus.CounterVec
	JanitorBytesTotal   prometheus.Counter
	StateTargets        *prometheus.GaugeVec
	StaleClaims         prometheus.Gauge
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		TargetsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "targets_total",
			Help:      "Targets processed, by terminal status.",
		}, []string{"status"}),
		TargetDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "target_duration_seconds",
			Help:      "Wall-clock time spent per target.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		StepAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_step_attempts_total",
			Help:      "Fallback chain steps attempted, by source, capability and outcome.",
		}, []string{"source", "capability", "outcome"}),
		DownloadsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "downloads_in_flight",
			Help:      "Image fetches currently holding a semaphore slot.",
		}),
		DownloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Image fetches, by outcome class.",
		}, []string{"outcome"}),
		DownloadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Duration of a single image fetch including retries.",
			Buckets:   prometheus.DefBuckets,
		}),
		ArtifactsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_total",
			Help:      "Normalized artifacts, by whether bytes were newly stored or reused.",
		}, []string{"result"}),
		NearDuplicatesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "near_duplicates_total",
			Help:      "Stored images flagged as perceptual near-duplicates.",
		}),
		MetadataConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_conflicts_total",
			Help:      "Optimistic concurrency conflicts on metadata merge.",
		}),
		JanitorRemovedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_removed_total",
			Help:      "Items removed by the cache janitor, by kind.",
		}, []string{"kind"}),
		JanitorBytesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_freed_bytes_total",
			Help:      "Bytes freed by the cache janitor.",
		}),
		StateTargets: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_targets",
			Help:      "Targets in the extraction state file, by status.",
		}, []string{"status"}),
		StaleClaims: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_claims",
			Help:      "In-progress targets claimed longer than the stale threshold.",
		}),
	}
}

// ObserveTarget records a finished target.
func (m *Metrics) ObserveTarget(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TargetsTotal.WithLabelValues(status).Inc()
	m.TargetDuration.Observe(d.Seconds())
}

// ObserveStep records one chain step outcome.
func (m *Metrics) ObserveStep(source, capability, outcome string) {
	if m == nil {
		return
	}
	m.StepAttempts.WithLabelValues(source, capability, outcome).Inc()
}

// DownloadStarted increments the in-flight gauge.
func (m *Metrics) DownloadStarted() {
	if m == nil {
		return
	}
	m.DownloadsInFlight.Inc()
}

// DownloadFinished decrements the in-flight gauge and records the outcome.
func (m *Metrics) DownloadFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DownloadsInFlight.Dec()
	m.DownloadsTotal.WithLabelValues(outcome).Inc()
	m.DownloadDuration.Observe(d.Seconds())
}

// ObserveArtifact records whether a put created new bytes.
func (m *Metrics) ObserveArtifact(created bool) {
	if m == nil {
		return
	}
	result := "reused"
	if created {
		result = "stored"
	}
	m.ArtifactsTotal.WithLabelValues(result).Inc()
}

// ObserveNearDuplicate counts a flagged near-duplicate.
func (m *Metrics) ObserveNearDuplicate() {
	if m == nil {
		return
	}
	m.NearDuplicatesTotal.Inc()
}

// ObserveConflict counts a metadata version conflict.
func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.MetadataConflicts.Inc()
}

// ObserveJanitor records one cleanup pass.
func (m *Metrics) ObserveJanitor(entries, artifacts, orphans int, bytes int64) {
	if m == nil {
		return
	}
	m.JanitorRemovedTotal.WithLabelValues("entry").Add(float64(entries))
	m.JanitorRemovedTotal.WithLabelValues("artifact").Add(float64(artifacts))
	m.JanitorRemovedTotal.WithLabelValues("orphan").Add(float64(orphans))
	m.JanitorBytesTotal.Add(float64(bytes))
}

// ObserveSnapshot sets the state gauges from a health snapshot.
func (m *Metrics) ObserveSnapshot(s *HealthSnapshot) {
	if m == nil || s == nil {
		return
	}
	m.StateTargets.WithLabelValues("pending").Set(float64(s.Pending))
	m.StateTargets.WithLabelValues("in_progress").Set(float64(s.InProgress))
	m.StateTargets.WithLabelValues("completed").Set(float64(s.Completed))
	m.StateTargets.WithLabelValues("failed").Set(float64(s.Failed))
	m.StaleClaims.Set(float64(len(s.StaleClaims)))
}
