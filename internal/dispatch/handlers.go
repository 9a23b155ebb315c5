package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/neonlink/neonlinkd/internal/clock"
	"github.com/neonlink/neonlinkd/internal/config"
	"github.com/neonlink/neonlinkd/internal/session"
)

// PingHandler answers "pong" immediately; it carries no params.
func PingHandler() Handler {
	return func(_ context.Context, _ *session.Session, _ json.RawMessage) (any, error) {
		return "pong", nil
	}
}

// GetStatusHandler reports process-level status: uptime, active session
// count, and the schema version, read fresh on every call (idempotent
// modulo uptimeSec/timestampMs per the testable-properties contract).
func GetStatusHandler(c clock.Clock, startedAtMs int64, activeSessions func() int, schemaVersion string) Handler {
	return func(_ context.Context, _ *session.Session, _ json.RawMessage) (any, error) {
		nowMs := clock.NowMs(c)
		return map[string]any{
			"uptimeSec":     (nowMs - startedAtMs) / 1000,
			"clients":       activeSessions(),
			"schemaVersion": schemaVersion,
		}, nil
	}
}

// GetConfigHandler returns the subset of the live config considered
// client-visible. Secret-free by construction: there are no credentials
// in Config.
func GetConfigHandler(cfg *config.Atomic) Handler {
	return func(_ context.Context, _ *session.Session, _ json.RawMessage) (any, error) {
		c := cfg.Load()
		return map[string]any{
			"pollingIntervalMs":        c.PollingIntervalMs,
			"maxConnections":           c.MaxConnections,
			"heartbeatIntervalMs":      c.HeartbeatIntervalMs,
			"pingTimeoutMs":            c.PingTimeoutMs,
			"dangerousCommandsEnabled": c.DangerousCommandsEnabled,
			"rateLimitPerMinute":       c.RateLimitPerMinute,
			"enableCpu":                c.EnableCPU,
			"enableGpu":                c.EnableGPU,
			"enableRam":                c.EnableRAM,
			"enableStorage":            c.EnableStorage,
			"enableNetwork":            c.EnableNetwork,
		}, nil
	}
}

type setPollingIntervalParams struct {
	IntervalMs int `json:"intervalMs"`
}

// SetPollingIntervalHandler mutates the shared config's polling interval;
// the sampling loop's next tick observes the new cadence (it re-reads the
// period from the same Atomic on every iteration).
func SetPollingIntervalHandler(cfg *config.Atomic) Handler {
	return func(_ context.Context, _ *session.Session, params json.RawMessage) (any, error) {
		var p setPollingIntervalParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if p.IntervalMs < 50 || p.IntervalMs > 10000 {
			return nil, fmt.Errorf("intervalMs must be 50..10000")
		}
		if err := cfg.Mutate(func(c *config.Config) { c.PollingIntervalMs = p.IntervalMs }); err != nil {
			return nil, err
		}
		return map[string]any{"pollingIntervalMs": p.IntervalMs}, nil
	}
}

type setConfigParams struct {
	DangerousCommandsEnabled *bool `json:"dangerousCommandsEnabled"`
	RateLimitPerMinute       *int  `json:"rateLimitPerMinute"`
}

// SetConfigHandler applies a narrow set of hot-reloadable fields. Fields
// left unset in params are unchanged.
func SetConfigHandler(cfg *config.Atomic) Handler {
	return func(_ context.Context, _ *session.Session, params json.RawMessage) (any, error) {
		var p setConfigParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		err := cfg.Mutate(func(c *config.Config) {
			if p.DangerousCommandsEnabled != nil {
				c.DangerousCommandsEnabled = *p.DangerousCommandsEnabled
			}
			if p.RateLimitPerMinute != nil {
				c.RateLimitPerMinute = *p.RateLimitPerMinute
			}
		})
		if err != nil {
			return nil, err
		}
		return GetConfigHandler(cfg)(nil, nil, nil)
	}
}

// ScriptRegistry holds named scripts and tracks which are currently
// "running" as an in-memory state machine. There is no original_source/
// reference implementation for this subsystem, so scripts are typed
// records rather than real process control — see DESIGN.md.
type ScriptRegistry struct {
	mu      sync.Mutex
	scripts map[string]bool // name -> running
}

// NewScriptRegistry seeds the registry with the given script names, all
// initially stopped.
func NewScriptRegistry(names ...string) *ScriptRegistry {
	r := &ScriptRegistry{scripts: make(map[string]bool)}
	for _, n := range names {
		r.scripts[n] = false
	}
	return r
}

func (r *ScriptRegistry) list() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]any, 0, len(r.scripts))
	for name, running := range r.scripts {
		out = append(out, map[string]any{"name": name, "running": running})
	}
	return out
}

func (r *ScriptRegistry) start(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scripts[name]; !ok {
		return fmt.Errorf("unknown script: %s", name)
	}
	r.scripts[name] = true
	return nil
}

func (r *ScriptRegistry) stop(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scripts[name]; !ok {
		return fmt.Errorf("unknown script: %s", name)
	}
	r.scripts[name] = false
	return nil
}

// GetScriptsHandler lists known scripts and whether each is running.
func GetScriptsHandler(reg *ScriptRegistry) Handler {
	return func(_ context.Context, _ *session.Session, _ json.RawMessage) (any, error) {
		return map[string]any{"scripts": reg.list()}, nil
	}
}

type scriptNameParams struct {
	Name string `json:"name"`
}

// RunScriptHandler marks a registered script as running.
func RunScriptHandler(reg *ScriptRegistry) Handler {
	return func(_ context.Context, _ *session.Session, params json.RawMessage) (any, error) {
		var p scriptNameParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if err := reg.start(p.Name); err != nil {
			return nil, err
		}
		return map[string]any{"name": p.Name, "running": true}, nil
	}
}

// StopScriptHandler marks a registered script as stopped.
func StopScriptHandler(reg *ScriptRegistry) Handler {
	return func(_ context.Context, _ *session.Session, params json.RawMessage) (any, error) {
		var p scriptNameParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if err := reg.stop(p.Name); err != nil {
			return nil, err
		}
		return map[string]any{"name": p.Name, "running": false}, nil
	}
}

// RgbState is the in-memory lighting state mutated by rgb_effect.
type RgbState struct {
	mu     sync.Mutex
	Effect string
	Color  string
}

type rgbEffectParams struct {
	Effect string `json:"effect"`
	Color  string `json:"color"`
}

// RgbEffectHandler validates and applies an RGB effect request. Color is
// expected as a "#RRGGBB" hex triplet; effect is any non-empty name (the
// set of supported effects is a UI concern, not enforced server-side).
func RgbEffectHandler(state *RgbState) Handler {
	return func(_ context.Context, _ *session.Session, params json.RawMessage) (any, error) {
		var p rgbEffectParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if p.Effect == "" {
			return nil, fmt.Errorf("effect is required")
		}
		if !isHexColor(p.Color) {
			return nil, fmt.Errorf("color must be a #RRGGBB hex triplet")
		}
		state.mu.Lock()
		state.Effect = p.Effect
		state.Color = p.Color
		state.mu.Unlock()
		return map[string]any{"effect": p.Effect, "color": p.Color}, nil
	}
}

func isHexColor(s string) bool {
	if len(s) != 7 || s[0] != '#' {
		return false
	}
	for _, r := range s[1:] {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

type setFanSpeedParams struct {
	Percent float64 `json:"percent"`
}

// FanState is the in-memory fan speed setpoint mutated by set_fan_speed.
type FanState struct {
	mu      sync.Mutex
	Percent float64
}

// SetFanSpeedHandler validates and applies a fan speed setpoint in 0..100.
func SetFanSpeedHandler(state *FanState) Handler {
	return func(_ context.Context, _ *session.Session, params json.RawMessage) (any, error) {
		var p setFanSpeedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if p.Percent < 0 || p.Percent > 100 {
			return nil, fmt.Errorf("percent must be 0..100")
		}
		state.mu.Lock()
		state.Percent = p.Percent
		state.mu.Unlock()
		return map[string]any{"percent": p.Percent}, nil
	}
}
