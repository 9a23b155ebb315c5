// Package wsconn is the connection manager: it accepts WebSocket upgrades,
// runs admission control, and spawns per-session rx/tx goroutines. Its
// shape — a ServerOption-configured listener owning a client map guarded
// by its own lock, with reader/writer goroutines tracked by a WaitGroup —
// is adapted from the teacher's TCP server; the wire transport is replaced
// with gorilla/websocket and the framing with JSON CommandRequest/Response.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neonlink/neonlinkd/internal/clock"
	"github.com/neonlink/neonlinkd/internal/dispatch"
	"github.com/neonlink/neonlinkd/internal/errs"
	"github.com/neonlink/neonlinkd/internal/logging"
	"github.com/neonlink/neonlinkd/internal/metrics"
	"github.com/neonlink/neonlinkd/internal/security"
	"github.com/neonlink/neonlinkd/internal/session"
	"github.com/neonlink/neonlinkd/internal/telemetry"
)

// CloseReason values. shutdown, timeout and protocol_error are sent in the
// WebSocket close frame. rejected_ip and capacity refusals happen before the
// upgrade, as an HTTP error whose body is the reason. No session is closed
// for rate limiting: a rate-limited command gets error "rate_limited" in its
// response and the session stays open.
const (
	CloseShutdown      = "shutdown"
	CloseTimeout       = "timeout"
	CloseCapacity      = "capacity"
	CloseRejectedIP    = "rejected_ip"
	CloseRateLimited   = "rate_limited"
	CloseProtocolError = "protocol_error"
)

// Limits bundles the subset of live config the manager consults per
// connection and per tick. Callers pass a func so config hot-reloads
// (e.g. a rateLimitPerMinute changed through set_config, which applies to
// sessions admitted afterwards) are observed without restarting the
// listener.
type Limits struct {
	MaxConnections      int
	AllowExternalIP     bool
	HeartbeatIntervalMs int
	PingTimeoutMs       int
	RateLimitPerMinute  int
}

// Manager owns the HTTP server, the WebSocket upgrader, and the live
// session set.
type Manager struct {
	mu     sync.RWMutex
	addr   string
	clock  clock.Clock
	limits func() Limits
	dsp    *dispatch.Dispatcher
	logger *slog.Logger

	schemaVersion string
	startedAtMs   int64

	upgrader websocket.Upgrader

	sessionsMu sync.RWMutex
	sessions   map[string]*connSession

	wg       sync.WaitGroup
	listener net.Listener
	httpSrv  *http.Server
}

type connSession struct {
	sess    *session.Session
	conn    *websocket.Conn
	closeCh chan struct{}
	once    sync.Once
}

func (cs *connSession) close() {
	cs.once.Do(func() {
		close(cs.closeCh)
		_ = cs.conn.Close()
	})
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger overrides the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New builds a Manager listening on addr (":9876"-style), routing command
// frames through dsp and consulting limits() on every admission decision.
func New(addr string, c clock.Clock, limits func() Limits, dsp *dispatch.Dispatcher, schemaVersion string, opts ...Option) *Manager {
	m := &Manager{
		addr:          addr,
		clock:         c,
		limits:        limits,
		dsp:           dsp,
		logger:        logging.L(),
		schemaVersion: schemaVersion,
		sessions:      make(map[string]*connSession),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(m)
	}
	m.startedAtMs = clock.NowMs(c)
	return m
}

// ActiveSessions returns the current number of live sessions.
func (m *Manager) ActiveSessions() int {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	return len(m.sessions)
}

// Serve starts the HTTP listener and blocks until ctx is cancelled or a
// fatal listener error occurs.
func (m *Manager) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) { m.handleUpgrade(ctx, w, r) })
	mux.HandleFunc("/api/health", m.handleHealth)

	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", errs.ErrListen, err)
		metrics.IncError(errs.ClassifyForMetric(wrap))
		return wrap
	}
	m.mu.Lock()
	m.addr = ln.Addr().String()
	m.listener = ln
	m.mu.Unlock()

	m.httpSrv = &http.Server{Handler: mux}
	m.logger.Info("ws_listen", "addr", m.Addr())

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- m.httpSrv.Serve(ln) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErrCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%w: %v", errs.ErrListen, err)
	}
}

// Addr returns the bound listen address (resolved after Serve starts).
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.addr
}

func (m *Manager) handleHealth(w http.ResponseWriter, r *http.Request) {
	nowMs := clock.NowMs(m.clock)
	resp := map[string]any{
		"status":        "ok",
		"uptimeSec":     (nowMs - m.startedAtMs) / 1000,
		"clients":       m.ActiveSessions(),
		"schemaVersion": m.schemaVersion,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (m *Manager) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	limits := m.limits()

	if !security.AdmitAddr(remoteAddr(r), limits.AllowExternalIP) {
		metrics.IncSessionRejectedIP()
		http.Error(w, CloseRejectedIP, http.StatusForbidden)
		return
	}
	if m.ActiveSessions() >= limits.MaxConnections {
		metrics.IncSessionRejectedCapacity()
		http.Error(w, "capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", errs.ErrUpgrade, err)
		metrics.IncError(errs.ClassifyForMetric(wrap))
		return
	}

	sess := session.New(m.clock, r.RemoteAddr, telemetry.AdminFull, float64(limits.RateLimitPerMinute), float64(limits.RateLimitPerMinute))
	cs := &connSession{sess: sess, conn: conn, closeCh: make(chan struct{})}

	m.sessionsMu.Lock()
	m.sessions[sess.ID] = cs
	m.sessionsMu.Unlock()
	metrics.IncSessionAccepted()
	metrics.SetActiveSessions(m.ActiveSessions())

	logger := m.logger.With("session_id", sess.ID, "remote", sess.RemoteAddr)
	logger.Info("session_connected")

	m.wg.Add(2)
	go m.runTx(ctx, cs, limits, logger)
	go m.runRx(ctx, cs, logger)
}

func remoteAddr(r *http.Request) net.Addr {
	return &netAddrString{s: r.RemoteAddr}
}

type netAddrString struct{ s string }

func (n *netAddrString) Network() string { return "tcp" }
func (n *netAddrString) String() string  { return n.s }

func (m *Manager) runRx(ctx context.Context, cs *connSession, logger *slog.Logger) {
	defer m.wg.Done()
	defer m.removeSession(cs, logger)

	limits := m.limits()
	cs.conn.SetReadLimit(64 * 1024)
	_ = cs.conn.SetReadDeadline(time.Now().Add(time.Duration(limits.PingTimeoutMs) * time.Millisecond))
	cs.conn.SetPongHandler(func(string) error {
		cs.sess.TouchHeartbeat(clock.NowMs(m.clock))
		limits := m.limits()
		_ = cs.conn.SetReadDeadline(time.Now().Add(time.Duration(limits.PingTimeoutMs) * time.Millisecond))
		return nil
	})

	for {
		_, payload, err := cs.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				metrics.IncSessionClosedTimeout()
				logger.Info("session_heartbeat_timeout")
				m.writeClose(cs, CloseTimeout)
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("session_read_error", "error", err)
			}
			return
		}
		cs.sess.TouchHeartbeat(clock.NowMs(m.clock))
		limits = m.limits()
		_ = cs.conn.SetReadDeadline(time.Now().Add(time.Duration(limits.PingTimeoutMs) * time.Millisecond))

		var req dispatch.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			m.writeClose(cs, CloseProtocolError)
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.dsp.Dispatch(ctx, cs.sess, req)
	}
}

// runTx drains two independent outbound paths: the FIFO command-reply
// queue (never overwritten, always flushed first) and the single-slot
// broadcast mailbox (overwrite-on-full, latest snapshot only). A
// heartbeat ping fills an otherwise-idle tick, and a separate ticker
// enforces the pingTimeoutMs deadline against the last observed rx
// activity.
func (m *Manager) runTx(ctx context.Context, cs *connSession, limits Limits, logger *slog.Logger) {
	defer m.wg.Done()
	defer cs.close()

	heartbeat := time.NewTicker(time.Duration(limits.HeartbeatIntervalMs) * time.Millisecond)
	defer heartbeat.Stop()
	deadlineCheck := time.NewTicker(time.Duration(limits.HeartbeatIntervalMs) * time.Millisecond)
	defer deadlineCheck.Stop()

	// writeReply drains every reply currently queued, in order, before
	// returning — replies never share the droppable broadcast slot, so
	// nothing here is allowed to overwrite or skip one.
	writeReply := func() (wrote bool, ok bool) {
		for {
			payload, has := cs.sess.TryRecvReply()
			if !has {
				return wrote, true
			}
			if err := cs.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return wrote, false
			}
			wrote = true
		}
	}
	writeBroadcast := func() (wrote bool, ok bool) {
		payload, has := cs.sess.TryRecv()
		if !has {
			return false, true
		}
		if err := cs.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return true, false
		}
		return true, true
	}

	for {
		select {
		case <-ctx.Done():
			m.writeClose(cs, CloseShutdown)
			return
		case <-cs.closeCh:
			return
		case <-deadlineCheck.C:
			limits = m.limits()
			now := clock.NowMs(m.clock)
			if now-cs.sess.LastHeartbeatMs() > int64(limits.PingTimeoutMs) {
				metrics.IncSessionClosedTimeout()
				logger.Info("session_heartbeat_timeout")
				m.writeClose(cs, CloseTimeout)
				return
			}
		case <-cs.sess.ReplyNotifyC():
			if _, ok := writeReply(); !ok {
				return
			}
		case <-cs.sess.NotifyC():
			// A reply may have been enqueued in the same instant a
			// broadcast arrived; always flush replies first so a
			// snapshot frame never lands ahead of a pending response.
			if _, ok := writeReply(); !ok {
				return
			}
			if _, ok := writeBroadcast(); !ok {
				return
			}
		case <-heartbeat.C:
			replyWrote, ok := writeReply()
			if !ok {
				return
			}
			bcastWrote, ok := writeBroadcast()
			if !ok {
				return
			}
			if !replyWrote && !bcastWrote {
				if err := cs.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

func (m *Manager) writeClose(cs *connSession, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = cs.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (m *Manager) removeSession(cs *connSession, logger *slog.Logger) {
	cs.close()
	m.sessionsMu.Lock()
	delete(m.sessions, cs.sess.ID)
	m.sessionsMu.Unlock()
	m.dsp.CloseSession(cs.sess.ID)
	metrics.SetActiveSessions(m.ActiveSessions())
	logger.Info("session_closed")
}

// Broadcast replaces the outbound slot of every live session with payload,
// the O(sessions)-per-tick fan-out the broadcaster calls once per
// snapshot. Held under a read lock so add/remove never blocks it for long.
func (m *Manager) Broadcast(payload []byte) int {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	for _, cs := range m.sessions {
		cs.sess.Send(payload)
	}
	return len(m.sessions)
}

// Shutdown closes the listener and every session, then waits (bounded by
// ctx) for all rx/tx goroutines to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ln := m.listener
	m.listener = nil
	m.mu.Unlock()
	if m.httpSrv != nil {
		_ = m.httpSrv.Shutdown(ctx)
	} else if ln != nil {
		_ = ln.Close()
	}

	m.sessionsMu.RLock()
	toClose := make([]*connSession, 0, len(m.sessions))
	for _, cs := range m.sessions {
		toClose = append(toClose, cs)
	}
	m.sessionsMu.RUnlock()
	for _, cs := range toClose {
		m.writeClose(cs, CloseShutdown)
		cs.close()
	}

	done := make(chan struct{})
	go func() { m.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", errs.ErrInternal, ctx.Err())
	case <-done:
		return nil
	}
}
