// Package config loads and holds NeonLink's configuration. Precedence is
// flag > env > file (YAML) > default, matching the teacher's
// applyEnvOverrides "only override if the flag wasn't explicitly set"
// rule, extended here with a file layer beneath the environment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/neonlink/neonlinkd/internal/errs"
)

// Config is the full, validated process configuration. Fields that the
// running server may mutate at runtime (PollingIntervalMs,
// DangerousCommandsEnabled and RateLimitPerMinute today) are read through
// the atomic-swap Atomic below rather than held directly by long-lived
// goroutines.
type Config struct {
	ServerPort          int
	DiscoveryPort       int
	PollingIntervalMs   int
	MaxConnections      int
	HeartbeatIntervalMs int
	PingTimeoutMs       int

	AllowExternalIP          bool
	RateLimitPerMinute       int
	DangerousCommandsEnabled bool
	AllowedCommands          []string

	EnableCPU     bool
	EnableGPU     bool
	EnableRAM     bool
	EnableStorage bool
	EnableNetwork bool

	GamingProcessWhitelist []string
	GamingGpuThreshold     float64
	GamingCpuThreshold     float64

	LogLevel          string
	LogFileEnabled    bool
	LogConsoleEnabled bool
	LogFormat         string

	MetricsAddr       string
	LogMetricsEveryMs int
	ConfigFile        string
}

// Default returns the built-in defaults, matching §6 of the external
// interface contract (port 9876, discovery 9877, etc).
func Default() *Config {
	return &Config{
		ServerPort:               9876,
		DiscoveryPort:            9877,
		PollingIntervalMs:        1000,
		MaxConnections:           32,
		HeartbeatIntervalMs:      5000,
		PingTimeoutMs:            15000,
		AllowExternalIP:          false,
		RateLimitPerMinute:       100,
		DangerousCommandsEnabled: false,
		AllowedCommands: []string{
			"get_status", "ping", "get_config", "set_polling_interval",
			"set_config", "get_scripts", "run_script", "stop_script",
			"rgb_effect", "set_fan_speed",
		},
		EnableCPU:          true,
		EnableGPU:          true,
		EnableRAM:          true,
		EnableStorage:      true,
		EnableNetwork:      true,
		GamingGpuThreshold: 30.0,
		GamingCpuThreshold: 20.0,
		LogLevel:           "info",
		LogFileEnabled:     false,
		LogConsoleEnabled:  true,
		LogFormat:          "text",
	}
}

// Validate performs semantic range checks. It never touches the network
// or filesystem beyond what's already been read.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil config", errs.ErrConfigInvalid)
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("%w: server.port out of range: %d", errs.ErrConfigInvalid, c.ServerPort)
	}
	if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("%w: server.discoveryPort out of range: %d", errs.ErrConfigInvalid, c.DiscoveryPort)
	}
	if c.PollingIntervalMs < 50 || c.PollingIntervalMs > 10000 {
		return fmt.Errorf("%w: server.pollingIntervalMs must be 50..10000: %d", errs.ErrConfigInvalid, c.PollingIntervalMs)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: server.maxConnections must be > 0: %d", errs.ErrConfigInvalid, c.MaxConnections)
	}
	if c.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("%w: server.heartbeatIntervalMs must be > 0", errs.ErrConfigInvalid)
	}
	if c.PingTimeoutMs <= c.HeartbeatIntervalMs {
		return fmt.Errorf("%w: server.pingTimeoutMs must exceed heartbeatIntervalMs", errs.ErrConfigInvalid)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("%w: security.rateLimitPerMinute must be > 0", errs.ErrConfigInvalid)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level invalid: %s", errs.ErrConfigInvalid, c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: logging.format invalid: %s", errs.ErrConfigInvalid, c.LogFormat)
	}
	return nil
}

// fileLayer is the subset of Config fields recognized in the YAML file,
// as lowerCamelCase keys nested under server, security, hardware, gaming
// and logging (server.pollingIntervalMs and so on).
type fileLayer struct {
	Server struct {
		Port                int `yaml:"port"`
		DiscoveryPort       int `yaml:"discoveryPort"`
		PollingIntervalMs   int `yaml:"pollingIntervalMs"`
		MaxConnections      int `yaml:"maxConnections"`
		HeartbeatIntervalMs int `yaml:"heartbeatIntervalMs"`
		PingTimeoutMs       int `yaml:"pingTimeoutMs"`
	} `yaml:"server"`
	Security struct {
		AllowExternalIP          *bool    `yaml:"allowExternalIp"`
		RateLimitPerMinute       int      `yaml:"rateLimitPerMinute"`
		DangerousCommandsEnabled *bool    `yaml:"dangerousCommandsEnabled"`
		AllowedCommands          []string `yaml:"allowedCommands"`
	} `yaml:"security"`
	Hardware struct {
		EnableCPU     *bool `yaml:"enableCpu"`
		EnableGPU     *bool `yaml:"enableGpu"`
		EnableRAM     *bool `yaml:"enableRam"`
		EnableStorage *bool `yaml:"enableStorage"`
		EnableNetwork *bool `yaml:"enableNetwork"`
	} `yaml:"hardware"`
	Gaming struct {
		ProcessWhitelist []string `yaml:"processWhitelist"`
		GpuUsageThreshold float64 `yaml:"gpuUsageThreshold"`
		CpuUsageThreshold float64 `yaml:"cpuUsageThreshold"`
	} `yaml:"gaming"`
	Logging struct {
		Level          string `yaml:"level"`
		FileEnabled    *bool  `yaml:"fileEnabled"`
		ConsoleEnabled *bool  `yaml:"consoleEnabled"`
		Format         string `yaml:"format"`
	} `yaml:"logging"`
}

func applyFileLayer(c *Config, f fileLayer) {
	if f.Server.Port != 0 {
		c.ServerPort = f.Server.Port
	}
	if f.Server.DiscoveryPort != 0 {
		c.DiscoveryPort = f.Server.DiscoveryPort
	}
	if f.Server.PollingIntervalMs != 0 {
		c.PollingIntervalMs = f.Server.PollingIntervalMs
	}
	if f.Server.MaxConnections != 0 {
		c.MaxConnections = f.Server.MaxConnections
	}
	if f.Server.HeartbeatIntervalMs != 0 {
		c.HeartbeatIntervalMs = f.Server.HeartbeatIntervalMs
	}
	if f.Server.PingTimeoutMs != 0 {
		c.PingTimeoutMs = f.Server.PingTimeoutMs
	}
	if f.Security.AllowExternalIP != nil {
		c.AllowExternalIP = *f.Security.AllowExternalIP
	}
	if f.Security.RateLimitPerMinute != 0 {
		c.RateLimitPerMinute = f.Security.RateLimitPerMinute
	}
	if f.Security.DangerousCommandsEnabled != nil {
		c.DangerousCommandsEnabled = *f.Security.DangerousCommandsEnabled
	}
	if len(f.Security.AllowedCommands) > 0 {
		c.AllowedCommands = f.Security.AllowedCommands
	}
	if f.Hardware.EnableCPU != nil {
		c.EnableCPU = *f.Hardware.EnableCPU
	}
	if f.Hardware.EnableGPU != nil {
		c.EnableGPU = *f.Hardware.EnableGPU
	}
	if f.Hardware.EnableRAM != nil {
		c.EnableRAM = *f.Hardware.EnableRAM
	}
	if f.Hardware.EnableStorage != nil {
		c.EnableStorage = *f.Hardware.EnableStorage
	}
	if f.Hardware.EnableNetwork != nil {
		c.EnableNetwork = *f.Hardware.EnableNetwork
	}
	if len(f.Gaming.ProcessWhitelist) > 0 {
		c.GamingProcessWhitelist = f.Gaming.ProcessWhitelist
	}
	if f.Gaming.GpuUsageThreshold != 0 {
		c.GamingGpuThreshold = f.Gaming.GpuUsageThreshold
	}
	if f.Gaming.CpuUsageThreshold != 0 {
		c.GamingCpuThreshold = f.Gaming.CpuUsageThreshold
	}
	if f.Logging.Level != "" {
		c.LogLevel = f.Logging.Level
	}
	if f.Logging.FileEnabled != nil {
		c.LogFileEnabled = *f.Logging.FileEnabled
	}
	if f.Logging.ConsoleEnabled != nil {
		c.LogConsoleEnabled = *f.Logging.ConsoleEnabled
	}
	if f.Logging.Format != "" {
		c.LogFormat = f.Logging.Format
	}
}

// loadFile reads and merges a YAML config file into c. A missing path is
// not an error (the file layer is optional); a malformed file is.
func loadFile(c *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: reading config file: %v", errs.ErrConfigInvalid, err)
	}
	var f fileLayer
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: parsing config file: %v", errs.ErrConfigInvalid, err)
	}
	applyFileLayer(c, f)
	return nil
}

// Load builds the final Config from defaults, an optional file, the
// environment, and command-line flags parsed from args by a private
// FlagSet (in that ascending order of precedence). args is normally
// os.Args[1:].
func Load(args []string) (*Config, error) {
	c := Default()

	fs := flag.NewFlagSet("neonlinkd", flag.ContinueOnError)
	port := fs.Int("port", c.ServerPort, "WebSocket listen port")
	discoveryPort := fs.Int("discovery-port", c.DiscoveryPort, "UDP discovery beacon port")
	pollingMs := fs.Int("polling-interval-ms", c.PollingIntervalMs, "Sampling period in milliseconds")
	maxConn := fs.Int("max-connections", c.MaxConnections, "Maximum simultaneous sessions")
	heartbeatMs := fs.Int("heartbeat-interval-ms", c.HeartbeatIntervalMs, "Keepalive interval in milliseconds")
	pingTimeoutMs := fs.Int("ping-timeout-ms", c.PingTimeoutMs, "Heartbeat deadline in milliseconds")
	allowExternalIP := fs.Bool("allow-external-ip", c.AllowExternalIP, "Admit non-private-scope peers")
	rateLimit := fs.Int("rate-limit-per-minute", c.RateLimitPerMinute, "Per-session command rate limit")
	dangerous := fs.Bool("dangerous-commands-enabled", c.DangerousCommandsEnabled, "Enable run_script/stop_script/rgb_effect/set_fan_speed")
	logLevel := fs.String("log-level", c.LogLevel, "Log level: debug|info|warn|error")
	logFormat := fs.String("log-format", c.LogFormat, "Log format: text|json")
	metricsAddr := fs.String("metrics-addr", "", "Prometheus metrics listen address (empty disables)")
	logMetricsEveryMs := fs.Int("log-metrics-interval-ms", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	configFile := fs.String("config-file", "", "Path to an optional YAML config file")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConfigInvalid, err)
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	if err := loadFile(c, *configFile); err != nil {
		return nil, err
	}
	c.ConfigFile = *configFile

	applyEnvOverrides(c, setFlags)

	if setFlags["port"] {
		c.ServerPort = *port
	}
	if setFlags["discovery-port"] {
		c.DiscoveryPort = *discoveryPort
	}
	if setFlags["polling-interval-ms"] {
		c.PollingIntervalMs = *pollingMs
	}
	if setFlags["max-connections"] {
		c.MaxConnections = *maxConn
	}
	if setFlags["heartbeat-interval-ms"] {
		c.HeartbeatIntervalMs = *heartbeatMs
	}
	if setFlags["ping-timeout-ms"] {
		c.PingTimeoutMs = *pingTimeoutMs
	}
	if setFlags["allow-external-ip"] {
		c.AllowExternalIP = *allowExternalIP
	}
	if setFlags["rate-limit-per-minute"] {
		c.RateLimitPerMinute = *rateLimit
	}
	if setFlags["dangerous-commands-enabled"] {
		c.DangerousCommandsEnabled = *dangerous
	}
	if setFlags["log-level"] {
		c.LogLevel = *logLevel
	}
	if setFlags["log-format"] {
		c.LogFormat = *logFormat
	}
	if setFlags["metrics-addr"] {
		c.MetricsAddr = *metricsAddr
	}
	if setFlags["log-metrics-interval-ms"] {
		c.LogMetricsEveryMs = *logMetricsEveryMs
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnvOverrides maps NEONLINK_* environment variables onto c, skipping
// any field whose flag was explicitly set (flags win over environment).
func applyEnvOverrides(c *Config, setFlags map[string]bool) {
	getInt := func(flagName, env string, dst *int) {
		if setFlags[flagName] {
			return
		}
		if v, ok := os.LookupEnv(env); ok && strings.TrimSpace(v) != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	getFloat := func(flagName, env string, dst *float64) {
		if setFlags[flagName] {
			return
		}
		if v, ok := os.LookupEnv(env); ok && strings.TrimSpace(v) != "" {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = n
			}
		}
	}
	getBool := func(flagName, env string, dst *bool) {
		if setFlags[flagName] {
			return
		}
		if v, ok := os.LookupEnv(env); ok {
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}
	getStr := func(flagName, env string, dst *string) {
		if setFlags[flagName] {
			return
		}
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}

	getInt("port", "NEONLINK_PORT", &c.ServerPort)
	getInt("discovery-port", "NEONLINK_DISCOVERY_PORT", &c.DiscoveryPort)
	getInt("polling-interval-ms", "NEONLINK_POLLING_INTERVAL_MS", &c.PollingIntervalMs)
	getInt("max-connections", "NEONLINK_MAX_CONNECTIONS", &c.MaxConnections)
	getInt("heartbeat-interval-ms", "NEONLINK_HEARTBEAT_INTERVAL_MS", &c.HeartbeatIntervalMs)
	getInt("ping-timeout-ms", "NEONLINK_PING_TIMEOUT_MS", &c.PingTimeoutMs)
	getBool("allow-external-ip", "NEONLINK_ALLOW_EXTERNAL_IP", &c.AllowExternalIP)
	getInt("rate-limit-per-minute", "NEONLINK_RATE_LIMIT_PER_MINUTE", &c.RateLimitPerMinute)
	getBool("dangerous-commands-enabled", "NEONLINK_DANGEROUS_COMMANDS_ENABLED", &c.DangerousCommandsEnabled)
	getStr("log-level", "NEONLINK_LOG_LEVEL", &c.LogLevel)
	getStr("log-format", "NEONLINK_LOG_FORMAT", &c.LogFormat)
	getStr("metrics-addr", "NEONLINK_METRICS_ADDR", &c.MetricsAddr)
	getFloat("", "NEONLINK_GAMING_GPU_THRESHOLD", &c.GamingGpuThreshold)
	getFloat("", "NEONLINK_GAMING_CPU_THRESHOLD", &c.GamingCpuThreshold)
}

// Atomic is a process-wide hot-swappable Config snapshot. Only
// PollingIntervalMs (via set_polling_interval) and DangerousCommandsEnabled
// and RateLimitPerMinute (via set_config) are mutated at runtime today;
// every other field is fixed at startup.
type Atomic struct {
	ptr atomic.Pointer[Config]
}

// NewAtomic wraps an initial Config for hot-swap access.
func NewAtomic(c *Config) *Atomic {
	a := &Atomic{}
	cp := *c
	a.ptr.Store(&cp)
	return a
}

// Load returns the current snapshot. Callers must not mutate the result.
func (a *Atomic) Load() *Config { return a.ptr.Load() }

// Store atomically replaces the snapshot with a copy of next.
func (a *Atomic) Store(next *Config) {
	cp := *next
	a.ptr.Store(&cp)
}

// Mutate reads the current snapshot, applies fn to a copy, validates it,
// and stores it only if valid. It returns the validation error otherwise,
// leaving the prior snapshot untouched.
func (a *Atomic) Mutate(fn func(*Config)) error {
	cur := *a.Load()
	fn(&cur)
	if err := cur.Validate(); err != nil {
		return err
	}
	a.ptr.Store(&cur)
	return nil
}
