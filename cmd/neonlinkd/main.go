package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/neonlink/neonlinkd/internal/broadcast"
	"github.com/neonlink/neonlinkd/internal/clock"
	"github.com/neonlink/neonlinkd/internal/config"
	"github.com/neonlink/neonlinkd/internal/discovery"
	"github.com/neonlink/neonlinkd/internal/dispatch"
	"github.com/neonlink/neonlinkd/internal/metrics"
	"github.com/neonlink/neonlinkd/internal/sampler"
	"github.com/neonlink/neonlinkd/internal/samplingloop"
	"github.com/neonlink/neonlinkd/internal/session"
	"github.com/neonlink/neonlinkd/internal/telemetry"
	"github.com/neonlink/neonlinkd/internal/telemetrychan"
	"github.com/neonlink/neonlinkd/internal/wsconn"
)

const schemaVersion = telemetry.SchemaVersion

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 2
	}

	l := setupLogger(cfg)
	l.Info("starting", "version", version, "commit", commit, "date", date)

	cl := clock.Real()
	atomicCfg := config.NewAtomic(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	startMetricsLogger(ctx, time.Duration(cfg.LogMetricsEveryMs)*time.Millisecond, l, &wg)

	hostSampler := sampler.NewHost(cl, sampler.Options{
		EnableCPU:              cfg.EnableCPU,
		EnableGPU:              cfg.EnableGPU,
		EnableRAM:              cfg.EnableRAM,
		EnableStorage:          cfg.EnableStorage,
		EnableNetwork:          cfg.EnableNetwork,
		GamingProcessWhitelist: cfg.GamingProcessWhitelist,
		GamingGpuThreshold:     cfg.GamingGpuThreshold,
		GamingCpuThreshold:     cfg.GamingCpuThreshold,
	})

	ch := telemetrychan.New(1)
	loop := samplingloop.New(cl, hostSampler, ch, atomicCfg)

	scripts := dispatch.NewScriptRegistry("boot_sequence", "ambient_fade", "alert_flash")
	rgbState := &dispatch.RgbState{}
	fanState := &dispatch.FanState{}

	startedAtMs := clock.NowMs(cl)

	onReply := func(sess *session.Session, resp dispatch.Response) {
		payload, err := json.Marshal(resp)
		if err != nil {
			l.Error("response_encode_failed", "error", err)
			return
		}
		sess.SendReply(payload)
	}

	dsp := dispatch.New(ctx, cl, 4, 256, func() dispatch.Config {
		c := atomicCfg.Load()
		return dispatch.Config{DangerousCommandsEnabled: c.DangerousCommandsEnabled}
	}, onReply)

	mgr := wsconn.New(fmt.Sprintf(":%d", cfg.ServerPort), cl, func() wsconn.Limits {
		c := atomicCfg.Load()
		return wsconn.Limits{
			MaxConnections:      c.MaxConnections,
			AllowExternalIP:     c.AllowExternalIP,
			HeartbeatIntervalMs: c.HeartbeatIntervalMs,
			PingTimeoutMs:       c.PingTimeoutMs,
			RateLimitPerMinute:  c.RateLimitPerMinute,
		}
	}, dsp, schemaVersion)

	dsp.Register("ping", dispatch.PingHandler())
	dsp.Register("get_status", dispatch.GetStatusHandler(cl, startedAtMs, mgr.ActiveSessions, schemaVersion))
	dsp.Register("get_config", dispatch.GetConfigHandler(atomicCfg))
	dsp.Register("set_polling_interval", dispatch.SetPollingIntervalHandler(atomicCfg))
	dsp.Register("set_config", dispatch.SetConfigHandler(atomicCfg))
	dsp.Register("get_scripts", dispatch.GetScriptsHandler(scripts))
	dsp.Register("run_script", dispatch.RunScriptHandler(scripts))
	dsp.Register("stop_script", dispatch.StopScriptHandler(scripts))
	dsp.Register("rgb_effect", dispatch.RgbEffectHandler(rgbState))
	dsp.Register("set_fan_speed", dispatch.SetFanSpeedHandler(fanState))

	bcast := broadcast.New(ch, mgr)

	wg.Add(1)
	go func() { defer wg.Done(); loop.Run(ctx) }()
	wg.Add(1)
	go func() { defer wg.Done(); bcast.Run(ctx) }()
	wg.Add(1)
	go func() { defer wg.Done(); discovery.Run(ctx, cfg.DiscoveryPort, cfg.ServerPort, schemaVersion) }()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- mgr.Serve(ctx) }()

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	var metricsSrv interface{ Shutdown(context.Context) error }
	if cfg.MetricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsSrv = metrics.StartHTTP(cfg.MetricsAddr)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		l.Info("shutdown_signal", "signal", sig.String())
	case err := <-serveErrCh:
		if err != nil {
			l.Error("ws_server_error", "error", err)
			exitCode = 3
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		l.Error("shutdown_error", "error", err)
	}
	dsp.Close()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(context.Background())
	}
	wg.Wait()
	l.Info("shutdown_complete")
	return exitCode
}
