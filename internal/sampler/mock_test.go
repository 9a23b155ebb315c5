package sampler

import (
	"context"
	"testing"

	"github.com/neonlink/neonlinkd/internal/clock"
)

func TestMockSampler_NeverFails(t *testing.T) {
	m := NewMock(clock.NewFake(), Options{EnableCPU: true, EnableGPU: true, EnableRAM: true, EnableStorage: true, EnableNetwork: true})
	for i := 0; i < 50; i++ {
		if _, err := m.Sample(context.Background()); err != nil {
			t.Fatalf("Sample() error = %v", err)
		}
	}
}

func TestMockSampler_RespectsDisabledSensors(t *testing.T) {
	m := NewMock(clock.NewFake(), Options{})
	snap, err := m.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if snap.CPU != nil || snap.GPU != nil || snap.RAM != nil || snap.Network != nil || len(snap.Storage) != 0 {
		t.Fatalf("expected all disabled sensors omitted, got %+v", snap)
	}
}

func TestMockSampler_StampsSchemaAndTimestamp(t *testing.T) {
	fake := clock.NewFake()
	m := NewMock(fake, Options{})
	snap, err := m.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if snap.SchemaVersion == "" {
		t.Error("expected non-empty schema version")
	}
	if snap.TimestampMs != clock.NowMs(fake) {
		t.Errorf("TimestampMs = %d, want %d", snap.TimestampMs, clock.NowMs(fake))
	}
}

func TestMockSampler_CpuUsageWithinBounds(t *testing.T) {
	m := NewMock(clock.NewFake(), Options{EnableCPU: true})
	for i := 0; i < 200; i++ {
		snap, _ := m.Sample(context.Background())
		if snap.CPU.UsagePercent < 0 || snap.CPU.UsagePercent > 100 {
			t.Fatalf("CPU.UsagePercent = %v out of [0,100]", snap.CPU.UsagePercent)
		}
		for _, core := range snap.CPU.Cores {
			if core.UsagePercent < 0 || core.UsagePercent > 100 {
				t.Fatalf("core usage %v out of [0,100]", core.UsagePercent)
			}
		}
	}
}
