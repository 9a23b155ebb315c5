package sampler

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/neonlink/neonlinkd/internal/clock"
	"github.com/neonlink/neonlinkd/internal/telemetry"
)

// MockSampler produces deterministic, synthetic readings. It never fails,
// so it is suitable for development, demos, and tests where no hardware
// probe is available. Grounded on the retrieval pack's best-effort
// runtime-stats samplers (progressdb/sensor): a monotonically ticking
// counter stands in for an actual device read.
type MockSampler struct {
	clock clock.Clock
	opts  Options
	tick  atomic.Uint64
}

// NewMock builds a MockSampler using the given clock and sensor options.
func NewMock(c clock.Clock, opts Options) *MockSampler {
	return &MockSampler{clock: c, opts: opts}
}

func (m *MockSampler) Sample(_ context.Context) (telemetry.Snapshot, error) {
	n := m.tick.Add(1)
	phase := float64(n%100) / 100.0
	wobble := math.Sin(float64(n) / 7.0)

	snap := telemetry.Snapshot{AdminLevel: telemetry.AdminFull}
	Stamp(m.clock, &snap)

	if m.opts.EnableCPU {
		usage := 20 + 60*phase
		temp := 45 + 25*phase
		cores := make([]telemetry.CoreReading, 8)
		for i := range cores {
			cu := usage + wobble*5
			if cu < 0 {
				cu = 0
			}
			if cu > 100 {
				cu = 100
			}
			ct := temp
			cc := 3200.0
			cores[i] = telemetry.CoreReading{ID: i, UsagePercent: cu, TempC: &ct, ClockMHz: &cc}
		}
		snap.CPU = &telemetry.CpuReading{
			Name:         "Mock CPU",
			UsagePercent: usage,
			TempC:        temp,
			ClockMHz:     3400 + 400*phase,
			Cores:        cores,
		}
	}

	if m.opts.EnableGPU {
		vramUsed := 2 + 4*phase
		snap.GPU = &telemetry.GpuReading{
			Name:         "Mock GPU",
			Vendor:       telemetry.GpuNVIDIA,
			UsagePercent: 10 + 70*phase,
			TempC:        40 + 30*phase,
			VramUsedGiB:  vramUsed,
			VramTotalGiB: 12,
			CoreClockMHz: 1800 + 200*phase,
		}
	}

	if m.opts.EnableRAM {
		snap.RAM = &telemetry.RamReading{
			UsedGiB:  8 + 8*phase,
			TotalGiB: 32,
		}
	}

	if m.opts.EnableStorage {
		health := 96.0
		temp := 38.0
		snap.Storage = []telemetry.StorageReading{
			{Name: "Mock NVMe 0", TempC: &temp, HealthPercent: &health},
		}
	}

	if m.opts.EnableNetwork {
		ip := "127.0.0.1"
		snap.Network = &telemetry.NetworkReading{
			DownloadMBps: 5 + 20*phase,
			UploadMBps:   1 + 4*phase,
			PingMs:       10 + 5*wobble,
			LocalIP:      &ip,
		}
	}

	active := phase > 0.5
	if active {
		fps := 60 + 30*wobble
		frametime := 1000.0 / fps
		name := "mock-game.exe"
		snap.Gaming = &telemetry.GamingReading{
			Active:      true,
			Fps:         &fps,
			FrametimeMs: &frametime,
			ProcessName: &name,
		}
	} else {
		snap.Gaming = &telemetry.GamingReading{Active: false}
	}

	warnings := snap.Clamp()
	_ = warnings // MockSampler's synthetic values never actually need clamping
	return snap, nil
}
