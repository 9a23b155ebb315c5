// Package broadcast consumes the TelemetryChannel and fans each snapshot
// out to every live session. It is adapted from the teacher's hub
// broadcast loop: encode once per tick, then push to every client — but
// replacing the per-client buffered channel with the connection manager's
// single-slot overwrite mailbox, so a slow session can never build a
// backlog or block the fan-out of a fast one.
//
// The same overwrite-on-full idea is applied one level up, between the
// sampling loop and the sink call itself: a snapshot still being pushed to
// every session when the next one arrives is replaced, not queued behind.
// Telemetry is only ever worth delivering fresh, so discarding a stale
// pending snapshot in favor of the newest one (counted via
// metrics.IncBroadcastDropped) is strictly better here than a FIFO buffer
// that would eventually deliver data a client no longer cares about.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/neonlink/neonlinkd/internal/logging"
	"github.com/neonlink/neonlinkd/internal/metrics"
	"github.com/neonlink/neonlinkd/internal/telemetry"
	"github.com/neonlink/neonlinkd/internal/telemetrychan"
)

// Sink receives an encoded frame to push to every live session and
// reports how many sessions it targeted.
type Sink interface {
	Broadcast(payload []byte) int
}

// Broadcaster drains ch and pushes each Snapshot, JSON-encoded once, to
// sink. Delivery to the sink runs on its own goroutine behind a
// single-slot overwrite queue so a sink still busy with the previous
// snapshot never stalls the channel consumer (and, behind it, the
// sampling loop).
type Broadcaster struct {
	ch   *telemetrychan.Channel
	sink Sink

	mu      sync.Mutex
	pending []byte
	signal  chan struct{}
}

// New builds a Broadcaster over ch, pushing into sink.
func New(ch *telemetrychan.Channel, sink Sink) *Broadcaster {
	return &Broadcaster{ch: ch, sink: sink, signal: make(chan struct{}, 1)}
}

// Run blocks until ctx is cancelled or ch's producer side is torn down.
func (b *Broadcaster) Run(ctx context.Context) {
	sendDone := make(chan struct{})
	go b.sendLoop(ctx, sendDone)
	defer func() { <-sendDone }()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-b.ch.C():
			if !ok {
				return
			}
			b.deliver(snap)
		}
	}
}

func (b *Broadcaster) deliver(snap telemetry.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		logging.L().Error("snapshot_encode_failed", "error", err)
		return
	}

	b.mu.Lock()
	if b.pending != nil {
		metrics.IncBroadcastDropped()
	}
	b.pending = payload
	select {
	case b.signal <- struct{}{}:
	default:
	}
	b.mu.Unlock()
}

func (b *Broadcaster) take() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return nil, false
	}
	payload := b.pending
	b.pending = nil
	return payload, true
}

func (b *Broadcaster) sendLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.signal:
			payload, ok := b.take()
			if !ok {
				continue
			}
			n := b.sink.Broadcast(payload)
			metrics.SetBroadcastFanout(n)
		}
	}
}
