package sampler

import (
	"context"
	"errors"
	"testing"

	"github.com/neonlink/neonlinkd/internal/clock"
	"github.com/neonlink/neonlinkd/internal/telemetry"
)

func TestClampPercent(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{-5, 0},
		{0, 0},
		{50, 50},
		{100, 100},
		{150, 100},
	}
	for _, tc := range cases {
		if got := clampPercent(tc.in); got != tc.want {
			t.Errorf("clampPercent(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

type fakeGpuProbe struct {
	reading telemetry.GpuReading
	err     error
}

func (f fakeGpuProbe) ReadGPU() (telemetry.GpuReading, error) { return f.reading, f.err }

type fakeGameProbe struct {
	reading telemetry.GamingReading
	err     error
}

func (f fakeGameProbe) ReadGaming() (telemetry.GamingReading, error) { return f.reading, f.err }

func TestHostSampler_GpuProbeWiredWhenEnabled(t *testing.T) {
	fake := clock.NewFake()
	probe := fakeGpuProbe{reading: telemetry.GpuReading{Name: "RTX", UsagePercent: 42}}
	h := NewHost(fake, Options{EnableGPU: true}, WithGpuProbe(probe))

	snap, err := h.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if snap.GPU == nil || snap.GPU.Name != "RTX" {
		t.Fatalf("GPU = %+v, want populated from probe", snap.GPU)
	}
}

func TestHostSampler_GpuProbeErrorLeavesFieldAbsent(t *testing.T) {
	fake := clock.NewFake()
	probe := fakeGpuProbe{err: errors.New("no vendor driver")}
	h := NewHost(fake, Options{EnableGPU: true}, WithGpuProbe(probe))

	snap, err := h.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if snap.GPU != nil {
		t.Fatalf("GPU = %+v, want nil on probe error", snap.GPU)
	}
}

func TestHostSampler_GpuDisabledIgnoresProbe(t *testing.T) {
	fake := clock.NewFake()
	probe := fakeGpuProbe{reading: telemetry.GpuReading{Name: "RTX"}}
	h := NewHost(fake, Options{EnableGPU: false}, WithGpuProbe(probe))

	snap, err := h.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if snap.GPU != nil {
		t.Fatalf("GPU = %+v, want nil when EnableGPU is false", snap.GPU)
	}
}

func TestHostSampler_GameProbeIndependentOfSensorFlags(t *testing.T) {
	fake := clock.NewFake()
	process := "game.exe"
	probe := fakeGameProbe{reading: telemetry.GamingReading{Active: true, ProcessName: &process}}
	h := NewHost(fake, Options{}, WithGameProbe(probe))

	snap, err := h.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if snap.Gaming == nil || !snap.Gaming.Active || snap.Gaming.ProcessName == nil || *snap.Gaming.ProcessName != "game.exe" {
		t.Fatalf("Gaming = %+v, want populated from probe", snap.Gaming)
	}
}

func TestHostSampler_AdminLevelOverride(t *testing.T) {
	fake := clock.NewFake()
	h := NewHost(fake, Options{}, WithAdminLevel(telemetry.AdminLimited))

	snap, err := h.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if snap.AdminLevel != telemetry.AdminLimited {
		t.Fatalf("AdminLevel = %v, want %v", snap.AdminLevel, telemetry.AdminLimited)
	}
}

func TestHostSampler_AllSensorsDisabledStillStamps(t *testing.T) {
	fake := clock.NewFake()
	h := NewHost(fake, Options{})

	snap, err := h.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if snap.SchemaVersion != telemetry.SchemaVersion {
		t.Fatalf("SchemaVersion = %q, want %q", snap.SchemaVersion, telemetry.SchemaVersion)
	}
	if snap.CPU != nil || snap.RAM != nil || snap.Network != nil || snap.Storage != nil {
		t.Fatalf("expected all disabled sensor groups to stay nil, got %+v", snap)
	}
}
