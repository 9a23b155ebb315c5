package discovery

import (
	"encoding/json"
	"testing"
)

func TestBeacon_JSONShape(t *testing.T) {
	b := Beacon{Service: "neonlink", Port: 9876, Host: "rig-1", SchemaVersion: "1.0.0"}
	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"service", "port", "host", "schemaVersion"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing key %q in beacon JSON", key)
		}
	}
	var round Beacon
	if err := json.Unmarshal(raw, &round); err != nil {
		t.Fatalf("round-trip Unmarshal: %v", err)
	}
	if round != b {
		t.Errorf("round-trip = %+v, want %+v", round, b)
	}
}
