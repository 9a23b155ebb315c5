// Package discovery broadcasts a periodic UDP beacon so clients on the
// local network can find the server without a fixed address. It replaces
// the teacher's mDNS/zeroconf registration (not wired here — see
// DESIGN.md) with a raw UDP broadcast, since the spec calls for a fixed
// wire beacon format rather than a generic service-discovery protocol.
package discovery

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"time"

	"github.com/neonlink/neonlinkd/internal/logging"
)

const beaconInterval = 5 * time.Second

// Beacon is the JSON payload broadcast on the discovery port.
type Beacon struct {
	Service       string `json:"service"`
	Port          int    `json:"port"`
	Host          string `json:"host"`
	SchemaVersion string `json:"schemaVersion"`
}

// Run broadcasts a Beacon on discoveryPort every 5s until ctx is
// cancelled. It logs and retries on transient send errors rather than
// exiting, matching the teacher's pattern of never letting an ancillary
// subsystem bring down the main server loop.
func Run(ctx context.Context, discoveryPort, servicePort int, schemaVersion string) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	beacon := Beacon{Service: "neonlink", Port: servicePort, Host: host, SchemaVersion: schemaVersion}
	payload, err := json.Marshal(beacon)
	if err != nil {
		logging.L().Error("discovery_encode_failed", "error", err)
		return
	}

	addr := &net.UDPAddr{IP: net.IPv4bcast, Port: discoveryPort}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		logging.L().Error("discovery_socket_failed", "error", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(beaconInterval)
	defer ticker.Stop()

	logging.L().Info("discovery_started", "port", discoveryPort)
	send := func() {
		if _, err := conn.WriteTo(payload, addr); err != nil {
			logging.L().Warn("discovery_send_failed", "error", err)
		}
	}
	send()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}
