package config

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.ServerPort != 9876 {
		t.Errorf("ServerPort = %d, want 9876", c.ServerPort)
	}
	if c.DiscoveryPort != 9877 {
		t.Errorf("DiscoveryPort = %d, want 9877", c.DiscoveryPort)
	}
}

func TestLoad_FlagOverridesDefault(t *testing.T) {
	c, err := Load([]string{"-port", "1234"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.ServerPort != 1234 {
		t.Errorf("ServerPort = %d, want 1234", c.ServerPort)
	}
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	os.Setenv("NEONLINK_PORT", "5555")
	t.Cleanup(func() { os.Unsetenv("NEONLINK_PORT") })
	c, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.ServerPort != 5555 {
		t.Errorf("ServerPort = %d, want 5555", c.ServerPort)
	}
}

func TestLoad_FlagTakesPrecedenceOverEnv(t *testing.T) {
	os.Setenv("NEONLINK_PORT", "5555")
	t.Cleanup(func() { os.Unsetenv("NEONLINK_PORT") })
	c, err := Load([]string{"-port", "1234"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.ServerPort != 1234 {
		t.Errorf("ServerPort = %d, want 1234 (flag must win over env)", c.ServerPort)
	}
}

func TestLoad_RejectsOutOfRangePollingInterval(t *testing.T) {
	if _, err := Load([]string{"-polling-interval-ms", "1"}); err == nil {
		t.Fatal("expected validation error for pollingIntervalMs below range")
	}
}

func TestLoad_FileLayerOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	if err := os.WriteFile(path, []byte("server:\n  port: 7000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c, err := Load([]string{"-config-file", path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.ServerPort != 7000 {
		t.Errorf("ServerPort = %d, want 7000 from file", c.ServerPort)
	}
}

func TestAtomic_MutateValidatesBeforeStoring(t *testing.T) {
	c, _ := Load(nil)
	a := NewAtomic(c)
	err := a.Mutate(func(c *Config) { c.PollingIntervalMs = 5 })
	if err == nil {
		t.Fatal("expected validation error for out-of-range pollingIntervalMs")
	}
	if a.Load().PollingIntervalMs != c.PollingIntervalMs {
		t.Error("expected snapshot unchanged after failed mutate")
	}
}

func TestAtomic_MutateAppliesOnSuccess(t *testing.T) {
	c, _ := Load(nil)
	a := NewAtomic(c)
	if err := a.Mutate(func(c *Config) { c.PollingIntervalMs = 2000 }); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if a.Load().PollingIntervalMs != 2000 {
		t.Errorf("PollingIntervalMs = %d, want 2000", a.Load().PollingIntervalMs)
	}
}
