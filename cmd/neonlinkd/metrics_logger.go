package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/neonlink/neonlinkd/internal/metrics"
)

// startMetricsLogger periodically logs the atomic metrics mirror, for
// deployments that don't scrape /metrics. Disabled when interval <= 0.
func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"samples", snap.Samples,
					"sample_errors", snap.SampleErrors,
					"ticks_dropped", snap.TicksDropped,
					"overwrites", snap.Overwrites,
					"rejected_ip", snap.RejectedIP,
					"rejected_capacity", snap.RejectedCap,
					"closed_timeout", snap.ClosedTimeout,
					"rate_limited", snap.RateLimited,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
