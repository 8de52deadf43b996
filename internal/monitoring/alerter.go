package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate    AlertType = "target_failure_rate"
	AlertStaleClaims    AlertType = "stale_claims"
	AlertSourceDegraded AlertType = "source_degraded"
)

// sourceDegradedMin is the number of failed attempts in the window before a
// source is reported.
const sourceDegradedMin = 10

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a HealthSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitorConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitor config.
func NewAlerter(cfg config.MonitorConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *HealthSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	minFinished := a.cfg.MinFinished
	if minFinished <= 0 {
		minFinished = 5
	}
	finished := snap.RecentCompleted + snap.RecentFailed
	if finished >= minFinished && a.cfg.FailureRateThreshold > 0 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Target failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RecentFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RecentFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if len(snap.StaleClaims) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleClaims,
			Severity: "medium",
			Message:  fmt.Sprintf("%d target(s) stuck in progress; run sweep", len(snap.StaleClaims)),
			Details: map[string]any{
				"targets": snap.StaleClaims,
			},
			Timestamp: now,
		})
	}

	sources := make([]string, 0, len(snap.SourceFailures))
	for src, n := range snap.SourceFailures {
		if n >= sourceDegradedMin {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	for _, src := range sources {
		alerts = append(alerts, Alert{
			Type:     AlertSourceDegraded,
			Severity: "medium",
			Message: fmt.Sprintf("Source %s failed %d step(s) in last %dh",
				src, snap.SourceFailures[src], snap.LookbackHours),
			Details: map[string]any{
				"source":   src,
				"failures": snap.SourceFailures[src],
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
