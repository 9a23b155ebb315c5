// Package session holds per-connection state: identity, admin level, the
// rate limiter, the single-slot outbound mailbox the broadcaster writes
// into, and a separate FIFO for command responses so a snapshot tick can
// never overwrite (and lose) a reply still waiting to go out.
package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/neonlink/neonlinkd/internal/clock"
	"github.com/neonlink/neonlinkd/internal/security"
	"github.com/neonlink/neonlinkd/internal/telemetry"
)

// Session tracks one connected client for the lifetime of its WebSocket
// connection.
type Session struct {
	ID         string
	RemoteAddr string
	AdminLevel telemetry.AdminLevel
	Limiter    *security.TokenBucket

	ConnectedAtMs  int64
	lastHeartbeatMs atomic64

	mailbox mailbox
	replies replyQueue
}

// atomic64 is an int64 guarded by its own mutex rather than sync/atomic, to
// stay consistent with the rest of this package's locking style.
type atomic64 struct {
	mu sync.Mutex
	v  int64
}

func (a *atomic64) Store(v int64) { a.mu.Lock(); a.v = v; a.mu.Unlock() }
func (a *atomic64) Load() int64   { a.mu.Lock(); defer a.mu.Unlock(); return a.v }

// New builds a Session with a fresh UUID, a full bucket, and no pending
// heartbeat deadline beyond "now".
func New(c clock.Clock, remoteAddr string, adminLevel telemetry.AdminLevel, bucketCapacity, refillPerMinute float64) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr,
		AdminLevel: adminLevel,
		Limiter:    security.NewTokenBucket(c, bucketCapacity, refillPerMinute),
	}
	now := clock.NowMs(c)
	s.ConnectedAtMs = now
	s.lastHeartbeatMs.Store(now)
	return s
}

// TouchHeartbeat records that a pong (or any inbound frame) was just seen.
func (s *Session) TouchHeartbeat(nowMs int64) { s.lastHeartbeatMs.Store(nowMs) }

// LastHeartbeatMs returns the last time a heartbeat was observed.
func (s *Session) LastHeartbeatMs() int64 { return s.lastHeartbeatMs.Load() }

// Send places a telemetry broadcast frame in the outbound mailbox,
// overwriting any unsent frame. It never blocks. Only the broadcaster
// should call this — command responses must go through SendReply so a
// broadcast tick can never overwrite a reply still waiting to go out.
func (s *Session) Send(payload []byte) { s.mailbox.put(payload) }

// TryRecv returns the pending broadcast payload without blocking, or
// (nil, false) if the mailbox is empty.
func (s *Session) TryRecv() ([]byte, bool) { return s.mailbox.tryGet() }

// NotifyC returns a channel that receives a value each time Send deposits
// a new broadcast payload, for use in a tx goroutine's select loop
// alongside ticker and shutdown cases.
func (s *Session) NotifyC() <-chan struct{} { return s.mailbox.notifyC() }

// SendReply enqueues a command response. Unlike Send, nothing is ever
// overwritten: replies are delivered in the order they were enqueued. It
// never blocks.
func (s *Session) SendReply(payload []byte) { s.replies.put(payload) }

// TryRecvReply dequeues the oldest pending reply without blocking, or
// (nil, false) if none are pending.
func (s *Session) TryRecvReply() ([]byte, bool) { return s.replies.tryGet() }

// ReplyNotifyC returns a channel that receives a value whenever SendReply
// enqueues a reply, and again for each additional reply still queued
// after a TryRecvReply drain, so a tx goroutine's select loop never
// stalls behind a single missed wakeup.
func (s *Session) ReplyNotifyC() <-chan struct{} { return s.replies.notifyC() }

// mailbox is a single-slot overwrite queue: the writer (the broadcaster)
// replaces whatever is pending; the session's tx
// goroutine drains one slot at a time. This replaces the teacher's
// per-client buffered channel broadcast list — a streaming telemetry
// client only ever wants the latest frame, not a backlog.
type mailbox struct {
	mu      sync.Mutex
	pending []byte
	signal  chan struct{}
}

func (m *mailbox) ensureSignal() chan struct{} {
	if m.signal == nil {
		m.signal = make(chan struct{}, 1)
	}
	return m.signal
}

func (m *mailbox) put(payload []byte) {
	m.mu.Lock()
	sig := m.ensureSignal()
	m.pending = payload
	select {
	case sig <- struct{}{}:
	default:
	}
	m.mu.Unlock()
}

func (m *mailbox) tryGet() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return nil, false
	}
	payload := m.pending
	m.pending = nil
	return payload, true
}

func (m *mailbox) notifyC() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureSignal()
}

// replyQueue is an unbounded FIFO for command responses: unlike mailbox it
// never drops anything, since a reply silently overwritten by the next one
// would mean a client never hears back for a command it issued.
type replyQueue struct {
	mu     sync.Mutex
	items  [][]byte
	signal chan struct{}
}

func (q *replyQueue) ensureSignal() chan struct{} {
	if q.signal == nil {
		q.signal = make(chan struct{}, 1)
	}
	return q.signal
}

func (q *replyQueue) put(payload []byte) {
	q.mu.Lock()
	sig := q.ensureSignal()
	q.items = append(q.items, payload)
	select {
	case sig <- struct{}{}:
	default:
	}
	q.mu.Unlock()
}

func (q *replyQueue) tryGet() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	payload := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// More queued: re-arm the signal so the tx loop drains the rest
		// without waiting on another put.
		sig := q.ensureSignal()
		select {
		case sig <- struct{}{}:
		default:
		}
	}
	return payload, true
}

func (q *replyQueue) notifyC() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ensureSignal()
}
