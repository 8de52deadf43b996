package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/config"
)

// Checker runs periodic health checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	metrics   *Metrics
	cfg       config.MonitorConfig
}

// NewChecker creates a background health checker. Each check also refreshes
// the state gauges on metrics, which may be nil.
func NewChecker(collector *Collector, alerter *Alerter, metrics *Metrics, cfg config.MonitorConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		metrics:   metrics,
		cfg:       cfg,
	}
}

// Run checks once immediately, then on every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	if ctx.Err() != nil {
		return
	}
	c.Check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check collects one snapshot, refreshes gauges and sends any alerts.
func (c *Checker) Check(ctx context.Context) *HealthSnapshot {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect snapshot", zap.Error(err))
		return nil
	}
	c.metrics.ObserveSnapshot(snap)

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return snap
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: health check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return snap
}
