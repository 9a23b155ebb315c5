// Package telemetrychan implements the bounded, overwrite-on-full hand-off
// between the sampling loop and the broadcaster. Live telemetry only values
// the freshest observation, so a full channel drops its stale contents
// rather than applying backpressure to the producer.
package telemetrychan

import (
	"github.com/neonlink/neonlinkd/internal/metrics"
	"github.com/neonlink/neonlinkd/internal/telemetry"
)

// Channel is a single-producer/multi-consumer-via-broadcaster handoff of
// capacity C. The default capacity is 1, matching spec.md §4.3.
type Channel struct {
	ch chan telemetry.Snapshot
}

// New builds a Channel with the given capacity (use 1 for the spec default).
func New(capacity int) *Channel {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel{ch: make(chan telemetry.Snapshot, capacity)}
}

// Publish never blocks: when the channel is full, it drains the oldest
// unread snapshot and replaces it with snap.
func (c *Channel) Publish(snap telemetry.Snapshot) {
	for {
		select {
		case c.ch <- snap:
			return
		default:
			select {
			case <-c.ch:
				metrics.IncChannelOverwrite()
			default:
			}
		}
	}
}

// C exposes the underlying receive side for the broadcaster's select loop.
func (c *Channel) C() <-chan telemetry.Snapshot { return c.ch }
