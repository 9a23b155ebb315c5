// Package clock wraps github.com/jonboulle/clockwork so the sampling loop,
// token buckets, and heartbeat timers can be driven by a fake clock in
// tests instead of real wall time.
package clock

import "github.com/jonboulle/clockwork"

// Clock is the subset of clockwork.Clock the core depends on.
type Clock = clockwork.Clock

// Real returns the real, system wall-clock implementation.
func Real() Clock { return clockwork.NewRealClock() }

// NewFake returns a fake clock frozen at a fixed instant, advanced
// explicitly by tests via its Advance method.
func NewFake() clockwork.FakeClock { return clockwork.NewFakeClock() }

// NowMs returns the clock's current time as Unix milliseconds, the unit
// every wire timestamp in the telemetry schema uses.
func NowMs(c Clock) int64 { return c.Now().UnixMilli() }
