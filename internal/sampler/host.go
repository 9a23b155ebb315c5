package sampler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gopsutilcpu "github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gopsutilnet "github.com/shirou/gopsutil/v3/net"

	"github.com/neonlink/neonlinkd/internal/cache"
	"github.com/neonlink/neonlinkd/internal/clock"
	"github.com/neonlink/neonlinkd/internal/logging"
	"github.com/neonlink/neonlinkd/internal/telemetry"
)

// cpuIdentityTTLMs bounds how long the static CPU name/clock-speed lookup
// is memoized; these almost never change while the process is running, so
// re-querying gopsutil on every sampling tick is wasted work.
const cpuIdentityTTLMs = 30_000

type cpuIdentity struct {
	name string
	mhz  float64
}

// HostSampler reads real host sensors via gopsutil. GPU and gaming-activity
// readings have no portable gopsutil equivalent and stay absent unless a
// GpuProbe/GameProbe is injected via WithGpuProbe/WithGameProbe.
type HostSampler struct {
	clock      clock.Clock
	opts       Options
	adminLevel telemetry.AdminLevel
	logger     *slog.Logger

	gpuProbe  GpuProbe
	gameProbe GameProbe

	identityCache *cache.Cache

	netMu       sync.Mutex
	lastNetIO   gopsutilnet.IOCountersStat
	lastNetAt   time.Time
	netFailures int
}

// GpuProbe is a narrow capability a vendor-specific GPU library can satisfy
// to populate GpuReading; HostSampler treats it as optional.
type GpuProbe interface {
	ReadGPU() (telemetry.GpuReading, error)
}

// GameProbe is a narrow capability for foreground-game detection.
type GameProbe interface {
	ReadGaming() (telemetry.GamingReading, error)
}

// HostOption configures a HostSampler at construction.
type HostOption func(*HostSampler)

func WithGpuProbe(p GpuProbe) HostOption   { return func(h *HostSampler) { h.gpuProbe = p } }
func WithGameProbe(p GameProbe) HostOption { return func(h *HostSampler) { h.gameProbe = p } }
func WithAdminLevel(lvl telemetry.AdminLevel) HostOption {
	return func(h *HostSampler) { h.adminLevel = lvl }
}

// NewHost builds a HostSampler. adminLevel defaults to Full; pass
// WithAdminLevel to report a reduced privilege level when the process was
// started without elevated rights.
func NewHost(c clock.Clock, opts Options, hostOpts ...HostOption) *HostSampler {
	h := &HostSampler{clock: c, opts: opts, adminLevel: telemetry.AdminFull, logger: logging.L(), identityCache: cache.New(c)}
	for _, o := range hostOpts {
		o(h)
	}
	return h
}

func (h *HostSampler) Sample(ctx context.Context) (telemetry.Snapshot, error) {
	snap := telemetry.Snapshot{AdminLevel: h.adminLevel}
	Stamp(h.clock, &snap)

	if h.opts.EnableCPU {
		if r, err := h.readCPU(ctx); err != nil {
			h.logger.Warn("sampler_cpu_unavailable", "error", err)
		} else {
			snap.CPU = r
		}
	}
	if h.opts.EnableRAM {
		if r, err := h.readRAM(); err != nil {
			h.logger.Warn("sampler_ram_unavailable", "error", err)
		} else {
			snap.RAM = r
		}
	}
	if h.opts.EnableStorage {
		snap.Storage = h.readStorage()
	}
	if h.opts.EnableNetwork {
		if r, err := h.readNetwork(); err != nil {
			h.logger.Warn("sampler_network_unavailable", "error", err)
		} else {
			snap.Network = r
		}
	}
	if h.opts.EnableGPU && h.gpuProbe != nil {
		if r, err := h.gpuProbe.ReadGPU(); err != nil {
			h.logger.Warn("sampler_gpu_unavailable", "error", err)
		} else {
			snap.GPU = &r
		}
	}
	if h.gameProbe != nil {
		if r, err := h.gameProbe.ReadGaming(); err != nil {
			h.logger.Warn("sampler_gaming_unavailable", "error", err)
		} else {
			snap.Gaming = &r
		}
	}

	for _, w := range snap.Clamp() {
		h.logger.Warn("sampler_reading_clamped", "detail", w)
	}
	return snap, nil
}

func (h *HostSampler) readCPU(ctx context.Context) (*telemetry.CpuReading, error) {
	overall, err := gopsutilcpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(overall) == 0 {
		return nil, err
	}
	perCore, err := gopsutilcpu.PercentWithContext(ctx, 0, true)
	if err != nil {
		perCore = nil // per-core is best-effort; overall reading still stands
	}
	id := h.cpuIdentity(ctx)
	reading := &telemetry.CpuReading{
		Name:         id.name,
		UsagePercent: clampPercent(overall[0]),
		ClockMHz:     id.mhz,
	}
	for i, u := range perCore {
		reading.Cores = append(reading.Cores, telemetry.CoreReading{ID: i, UsagePercent: clampPercent(u)})
	}
	return reading, nil
}

// cpuIdentity returns the cached static CPU name/clock, re-querying
// gopsutil at most once per cpuIdentityTTLMs. A lookup failure is not
// cached, so transient errors retry on the very next tick.
func (h *HostSampler) cpuIdentity(ctx context.Context) cpuIdentity {
	v, err := h.identityCache.Get("cpu_identity", cpuIdentityTTLMs, func() (any, error) {
		info, err := gopsutilcpu.InfoWithContext(ctx)
		if err != nil || len(info) == 0 {
			return cpuIdentity{name: "Unknown CPU"}, err
		}
		return cpuIdentity{name: info[0].ModelName, mhz: info[0].Mhz}, nil
	})
	if err != nil {
		return cpuIdentity{name: "Unknown CPU"}
	}
	return v.(cpuIdentity)
}

func (h *HostSampler) readRAM() (*telemetry.RamReading, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	const gib = 1024 * 1024 * 1024
	return &telemetry.RamReading{
		UsedGiB:  float64(vm.Used) / gib,
		TotalGiB: float64(vm.Total) / gib,
	}, nil
}

func (h *HostSampler) readStorage() []telemetry.StorageReading {
	parts, err := disk.Partitions(false)
	if err != nil {
		h.logger.Warn("sampler_storage_unavailable", "error", err)
		return nil
	}
	out := make([]telemetry.StorageReading, 0, len(parts))
	for _, p := range parts {
		if _, err := disk.Usage(p.Mountpoint); err != nil {
			continue // this device is absent from the sample, not zero-filled
		}
		// gopsutil has no portable SMART access; tempC/health/smart stay
		// absent here unless a vendor-specific probe is wired in later.
		out = append(out, telemetry.StorageReading{Name: p.Device})
	}
	return out
}

func (h *HostSampler) readNetwork() (*telemetry.NetworkReading, error) {
	counters, err := gopsutilnet.IOCounters(false)
	if err != nil || len(counters) == 0 {
		return nil, err
	}
	cur := counters[0]
	now := h.clock.Now()

	h.netMu.Lock()
	defer h.netMu.Unlock()

	if h.lastNetAt.IsZero() {
		h.lastNetIO, h.lastNetAt = cur, now
		return &telemetry.NetworkReading{}, nil
	}
	elapsed := now.Sub(h.lastNetAt).Seconds()
	if elapsed <= 0 {
		h.netFailures++
		return nil, nil
	}
	const mb = 1024 * 1024
	down := float64(cur.BytesRecv-h.lastNetIO.BytesRecv) / mb / elapsed
	up := float64(cur.BytesSent-h.lastNetIO.BytesSent) / mb / elapsed
	h.lastNetIO, h.lastNetAt = cur, now
	h.netFailures = 0
	return &telemetry.NetworkReading{DownloadMBps: down, UploadMBps: up}, nil
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
