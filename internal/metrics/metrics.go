// Package metrics exposes Prometheus counters/gauges for the sampling,
// broadcast, dispatch, and security layers, plus a lightweight in-process
// snapshot for periodic metrics-to-log summaries (teacher's pattern: a
// Prometheus registry for scraping, mirrored by cheap atomics for logging).
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neonlink/neonlinkd/internal/logging"
)

var (
	SamplesTaken = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sampler_samples_total",
		Help: "Total successful Sampler.Sample calls.",
	})
	SamplesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sampler_errors_total",
		Help: "Total Sampler.Sample calls that returned an error.",
	})
	TicksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sampling_loop_ticks_dropped_total",
		Help: "Total sampling ticks skipped because sampling overran the period.",
	})
	ChannelOverwrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_channel_overwrites_total",
		Help: "Total snapshots replaced in the channel before a consumer read them.",
	})
	BroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broadcast_fanout",
		Help: "Number of streaming sessions targeted in the most recent broadcast.",
	})
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_dropped_total",
		Help: "Total snapshots dropped because the sink was still busy with the previous one.",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_active",
		Help: "Current number of connected client sessions.",
	})
	SessionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_accepted_total",
		Help: "Total sessions that completed admission and the WS upgrade.",
	})
	SessionsRejectedCapacity = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_rejected_capacity_total",
		Help: "Total connection attempts refused because maxConnections was reached.",
	})
	SessionsRejectedIP = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_rejected_ip_total",
		Help: "Total connection attempts refused because the peer address was out of scope.",
	})
	SessionsClosedTimeout = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_closed_timeout_total",
		Help: "Total sessions closed for missing their heartbeat deadline.",
	})
	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commands_dispatched_total",
		Help: "Total command frames dispatched, by command name and outcome.",
	}, []string{"command", "outcome"})
	CommandsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commands_rate_limited_total",
		Help: "Total command frames short-circuited by the per-session token bucket.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// local mirrors a subset of the counters above (the ones in Snapshot) as
// cheap atomics for the periodic metrics-to-log summary (startMetricsLogger
// in cmd/neonlinkd), avoiding a Prometheus self-scrape on every tick.
var local struct {
	samples, sampleErrors, ticksDropped    uint64
	overwrites, rejectedCapacity           uint64
	rejectedIP, closedTimeout, rateLimited uint64
	errors                                 uint64
}

// Snapshot is a cheap copy of the local counters for log-based observability.
type Snapshot struct {
	Samples       uint64
	SampleErrors  uint64
	TicksDropped  uint64
	Overwrites    uint64
	RejectedIP    uint64
	RejectedCap   uint64
	ClosedTimeout uint64
	RateLimited   uint64
	Errors        uint64
}

func Snap() Snapshot {
	return Snapshot{
		Samples:       atomic.LoadUint64(&local.samples),
		SampleErrors:  atomic.LoadUint64(&local.sampleErrors),
		TicksDropped:  atomic.LoadUint64(&local.ticksDropped),
		Overwrites:    atomic.LoadUint64(&local.overwrites),
		RejectedIP:    atomic.LoadUint64(&local.rejectedIP),
		RejectedCap:   atomic.LoadUint64(&local.rejectedCapacity),
		ClosedTimeout: atomic.LoadUint64(&local.closedTimeout),
		RateLimited:   atomic.LoadUint64(&local.rateLimited),
		Errors:        atomic.LoadUint64(&local.errors),
	}
}

func IncSample()      { SamplesTaken.Inc(); atomic.AddUint64(&local.samples, 1) }
func IncSampleError() { SamplesFailed.Inc(); atomic.AddUint64(&local.sampleErrors, 1) }
func IncTickDropped() { TicksDropped.Inc(); atomic.AddUint64(&local.ticksDropped, 1) }
func IncChannelOverwrite() {
	ChannelOverwrites.Inc()
	atomic.AddUint64(&local.overwrites, 1)
}
func SetActiveSessions(n int)  { ActiveSessions.Set(float64(n)) }
func SetBroadcastFanout(n int) { BroadcastFanout.Set(float64(n)) }
func IncBroadcastDropped()     { BroadcastDropped.Inc() }
func IncSessionAccepted()      { SessionsAccepted.Inc() }
func IncSessionRejectedCapacity() {
	SessionsRejectedCapacity.Inc()
	atomic.AddUint64(&local.rejectedCapacity, 1)
}
func IncSessionRejectedIP() {
	SessionsRejectedIP.Inc()
	atomic.AddUint64(&local.rejectedIP, 1)
}
func IncSessionClosedTimeout() {
	SessionsClosedTimeout.Inc()
	atomic.AddUint64(&local.closedTimeout, 1)
}
func IncCommandDispatched(command, outcome string) {
	CommandsDispatched.WithLabelValues(command, outcome).Inc()
}
func IncCommandRateLimited() {
	CommandsRateLimited.Inc()
	atomic.AddUint64(&local.rateLimited, 1)
}
func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&local.errors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers common error
// label series, matching the teacher's startup call.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{"listener", "upgrade", "protocol", "sensor", "rate_limited", "forbidden", "unknown_command", "timeout", "capacity", "other"} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers the function backing /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}
