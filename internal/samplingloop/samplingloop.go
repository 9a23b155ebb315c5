// Package samplingloop runs the periodic Sampler.Sample → TelemetryChannel
// producer. Its ticker-driven shape, rebuilt whenever the configured
// period changes, mirrors the teacher's backend receive loop generalized
// from a blocking device read to a polled sensor sample.
package samplingloop

import (
	"context"
	"time"

	"github.com/neonlink/neonlinkd/internal/clock"
	"github.com/neonlink/neonlinkd/internal/config"
	"github.com/neonlink/neonlinkd/internal/logging"
	"github.com/neonlink/neonlinkd/internal/metrics"
	"github.com/neonlink/neonlinkd/internal/sampler"
	"github.com/neonlink/neonlinkd/internal/telemetrychan"
)

// Loop drives Sampler.Sample at cfg().PollingIntervalMs, publishing every
// successful result — failures are logged and counted, publish nothing for
// that tick, are never retried out of cadence, and never block the next
// tick (no catch-up).
type Loop struct {
	clock clock.Clock
	s     sampler.Sampler
	ch    *telemetrychan.Channel
	cfg   *config.Atomic
}

// New builds a Loop. cfg is polled once per tick so set_polling_interval
// takes effect on the very next iteration.
func New(c clock.Clock, s sampler.Sampler, ch *telemetrychan.Channel, cfg *config.Atomic) *Loop {
	return &Loop{clock: c, s: s, ch: ch, cfg: cfg}
}

// Run blocks until ctx is cancelled, rebuilding its ticker whenever the
// configured period changes.
func (l *Loop) Run(ctx context.Context) {
	periodMs := l.cfg.Load().PollingIntervalMs
	ticker := l.clock.NewTicker(time.Duration(periodMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			l.tick(ctx)
			if newPeriod := l.cfg.Load().PollingIntervalMs; newPeriod != periodMs {
				periodMs = newPeriod
				ticker.Reset(time.Duration(periodMs) * time.Millisecond)
			}
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	start := l.clock.Now()
	snap, err := l.s.Sample(ctx)
	if err != nil {
		metrics.IncSampleError()
		logging.L().Warn("sample_failed", "error", err)
		return
	}
	sampler.Stamp(l.clock, &snap)
	for _, warn := range snap.Clamp() {
		logging.L().Warn("sample_clamped", "warning", warn)
	}
	metrics.IncSample()

	select {
	case <-ctx.Done():
		return
	default:
	}
	if since := l.clock.Since(start); since > time.Duration(l.cfg.Load().PollingIntervalMs)*time.Millisecond {
		metrics.IncTickDropped()
		logging.L().Debug("sample_overran_period", "elapsed", since)
	}
	l.ch.Publish(snap)
}
