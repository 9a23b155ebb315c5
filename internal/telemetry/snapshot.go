// Package telemetry defines the immutable, wire-encodable snapshot of host
// hardware sensors broadcast to every connected client. Types here are
// value types: once built, a Snapshot is never mutated in place.
package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/neonlink/neonlinkd/internal/errs"
)

// SchemaVersion is the wire schema version stamped on every outbound frame.
const SchemaVersion = "1.0.0"

// AdminLevel reflects the observational privilege the sampler process was
// granted. Limited/None omit restricted fields rather than fail the sample.
type AdminLevel string

const (
	AdminFull    AdminLevel = "Full"
	AdminLimited AdminLevel = "Limited"
	AdminNone    AdminLevel = "None"
)

// Snapshot is one immutable sample of all enabled sensors at a single instant.
type Snapshot struct {
	SchemaVersion string          `json:"schemaVersion"`
	TimestampMs   int64           `json:"timestampMs"`
	CPU           *CpuReading     `json:"cpu,omitempty"`
	GPU           *GpuReading     `json:"gpu,omitempty"`
	RAM           *RamReading     `json:"ram,omitempty"`
	Storage       []StorageReading `json:"storage,omitempty"`
	Network       *NetworkReading `json:"network,omitempty"`
	Gaming        *GamingReading  `json:"gaming,omitempty"`
	AdminLevel    AdminLevel      `json:"adminLevel"`
}

// CoreReading is one CPU core's reading within CpuReading.
type CoreReading struct {
	ID           int      `json:"id"`
	UsagePercent float64  `json:"usagePercent"`
	TempC        *float64 `json:"tempC,omitempty"`
	ClockMHz     *float64 `json:"clockMHz,omitempty"`
}

// CpuReading is the aggregate + per-core CPU sample.
type CpuReading struct {
	Name         string        `json:"name"`
	UsagePercent float64       `json:"usagePercent"`
	TempC        float64       `json:"tempC"`
	ClockMHz     float64       `json:"clockMHz"`
	PowerW       *float64      `json:"powerW,omitempty"`
	Cores        []CoreReading `json:"cores,omitempty"`
}

// GpuVendor enumerates known GPU vendors; Unknown covers unrecognized adapters.
type GpuVendor string

const (
	GpuNVIDIA  GpuVendor = "NVIDIA"
	GpuAMD     GpuVendor = "AMD"
	GpuIntel   GpuVendor = "Intel"
	GpuUnknown GpuVendor = "Unknown"
)

// GpuReading is one GPU adapter's sample.
type GpuReading struct {
	Name           string    `json:"name"`
	Vendor         GpuVendor `json:"vendor"`
	UsagePercent   float64   `json:"usagePercent"`
	TempC          float64   `json:"tempC"`
	VramUsedGiB    float64   `json:"vramUsedGiB"`
	VramTotalGiB   float64   `json:"vramTotalGiB"`
	CoreClockMHz   float64   `json:"coreClockMHz"`
	MemoryClockMHz *float64  `json:"memoryClockMHz,omitempty"`
	PowerW         *float64  `json:"powerW,omitempty"`
	FanRpm         *float64  `json:"fanRpm,omitempty"`
}

// RamReading is the system memory sample.
type RamReading struct {
	UsedGiB  float64  `json:"usedGiB"`
	TotalGiB float64  `json:"totalGiB"`
	SpeedMHz *float64 `json:"speedMHz,omitempty"`
}

// SmartReading holds optional SMART counters for a storage device.
type SmartReading struct {
	TBW                *float64 `json:"tbw,omitempty"`
	PowerOnHours       *float64 `json:"powerOnHours,omitempty"`
	ReallocatedSectors *int64   `json:"reallocatedSectors,omitempty"`
	TempC              *float64 `json:"tempC,omitempty"`
}

// StorageReading is one storage device's sample.
type StorageReading struct {
	Name          string        `json:"name"`
	TempC         *float64      `json:"tempC,omitempty"`
	HealthPercent *float64      `json:"healthPercent,omitempty"`
	Smart         *SmartReading `json:"smart,omitempty"`
}

// NetworkReading is the primary network interface's sample.
type NetworkReading struct {
	DownloadMBps float64 `json:"downloadMBps"`
	UploadMBps   float64 `json:"uploadMBps"`
	PingMs       float64 `json:"pingMs"`
	LocalIP      *string `json:"localIp,omitempty"`
}

// GamingReading is the detected foreground-game activity sample. FrametimeMs
// is always encoded as a float; UnmarshalJSON below rejects a bare integer
// token for the field as a protocol error rather than silently accepting it,
// since this server only ever populates it from a GameProbe, never decodes
// one off the wire itself.
type GamingReading struct {
	Active      bool     `json:"active"`
	Fps         *float64 `json:"fps,omitempty"`
	Fps1Low     *float64 `json:"fps1Low,omitempty"`
	FrametimeMs *float64 `json:"frametimeMs,omitempty"`
	ProcessName *string  `json:"processName,omitempty"`
}

// gamingReadingAlias has the same fields as GamingReading except
// FrametimeMs, which is decoded as a json.Number so UnmarshalJSON can
// inspect the raw token before committing to a float64.
type gamingReadingAlias struct {
	Active      bool     `json:"active"`
	Fps         *float64 `json:"fps,omitempty"`
	Fps1Low     *float64 `json:"fps1Low,omitempty"`
	ProcessName *string  `json:"processName,omitempty"`
}

// MarshalJSON forces frametimeMs to always carry a decimal point, even when
// the value is a whole number. encoding/json's default float64 encoding
// drops the fraction for values like 16.0, which would otherwise make this
// server's own encoder produce the very integer-shaped token UnmarshalJSON
// rejects, breaking the encode/decode round trip for an unremarkable value.
func (g GamingReading) MarshalJSON() ([]byte, error) {
	aux := struct {
		Active      bool            `json:"active"`
		Fps         *float64        `json:"fps,omitempty"`
		Fps1Low     *float64        `json:"fps1Low,omitempty"`
		FrametimeMs json.RawMessage `json:"frametimeMs,omitempty"`
		ProcessName *string         `json:"processName,omitempty"`
	}{
		Active:      g.Active,
		Fps:         g.Fps,
		Fps1Low:     g.Fps1Low,
		ProcessName: g.ProcessName,
	}
	if g.FrametimeMs != nil {
		token := strconv.FormatFloat(*g.FrametimeMs, 'f', -1, 64)
		if !strings.ContainsAny(token, ".eE") {
			token += ".0"
		}
		aux.FrametimeMs = json.RawMessage(token)
	}
	return json.Marshal(aux)
}

// UnmarshalJSON rejects a frametimeMs token with no decimal point or
// exponent (e.g. "16" rather than "16.7") with errs.ErrProtocolError. A
// frame-time value that round-trips as a bare integer almost always means
// an upstream probe truncated real timing data rather than that the frame
// genuinely took an exact whole number of milliseconds.
func (g *GamingReading) UnmarshalJSON(data []byte) error {
	aux := struct {
		gamingReadingAlias
		FrametimeMs json.Number `json:"frametimeMs,omitempty"`
	}{}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&aux); err != nil {
		return err
	}

	g.Active = aux.Active
	g.Fps = aux.Fps
	g.Fps1Low = aux.Fps1Low
	g.ProcessName = aux.ProcessName

	if aux.FrametimeMs == "" {
		g.FrametimeMs = nil
		return nil
	}
	if !strings.ContainsAny(string(aux.FrametimeMs), ".eE") {
		return fmt.Errorf("%w: frametimeMs must be encoded as a float, got integer token %q", errs.ErrProtocolError, aux.FrametimeMs)
	}
	f, err := aux.FrametimeMs.Float64()
	if err != nil {
		return fmt.Errorf("%w: frametimeMs: %v", errs.ErrProtocolError, err)
	}
	g.FrametimeMs = &f
	return nil
}

// Clamp enforces the used<=total invariants for ram/vram, clamping and
// reporting whether a clamp occurred so callers can emit a structured
// warning per spec.md §4.1's "clamp and warn" edge case.
func (s *Snapshot) Clamp() (warnings []string) {
	if s.RAM != nil && s.RAM.UsedGiB > s.RAM.TotalGiB {
		warnings = append(warnings, "ram.usedGiB clamped to ram.totalGiB")
		s.RAM.UsedGiB = s.RAM.TotalGiB
	}
	if s.GPU != nil && s.GPU.VramUsedGiB > s.GPU.VramTotalGiB {
		warnings = append(warnings, "gpu.vramUsedGiB clamped to gpu.vramTotalGiB")
		s.GPU.VramUsedGiB = s.GPU.VramTotalGiB
	}
	return warnings
}
