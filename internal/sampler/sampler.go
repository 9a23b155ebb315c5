// Package sampler converts raw hardware readings into telemetry.Snapshot
// values. It is the one narrow capability interface standing in for the
// concrete hardware-sensor drivers, which are out of scope for this core.
package sampler

import (
	"context"

	"github.com/neonlink/neonlinkd/internal/clock"
	"github.com/neonlink/neonlinkd/internal/telemetry"
)

// Sampler returns a Snapshot for the current instant. Implementations must
// be safe to call from exactly one fixed goroutine (the sampling loop) and
// must re-open any cached device handle on failure rather than staying
// permanently broken.
type Sampler interface {
	Sample(ctx context.Context) (telemetry.Snapshot, error)
}

// Options configures which sensor groups a Sampler should populate. A
// hardware.enable{Cpu,Gpu,Ram,Storage,Network} config maps 1:1 onto this.
type Options struct {
	EnableCPU     bool
	EnableGPU     bool
	EnableRAM     bool
	EnableStorage bool
	EnableNetwork bool

	GamingProcessWhitelist []string
	GamingGpuThreshold     float64
	GamingCpuThreshold     float64
}

// Stamp fills in the schema version and wall-clock timestamp common to
// every Sampler implementation, so each one only has to build the readings.
func Stamp(c clock.Clock, s *telemetry.Snapshot) {
	s.SchemaVersion = telemetry.SchemaVersion
	s.TimestampMs = clock.NowMs(c)
}
