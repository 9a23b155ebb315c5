// Package dispatch implements the CommandDispatcher: schema validation,
// whitelist/admin/rate-limit enforcement, and routing to handlers bounded by
// both a per-handler deadline and a process-wide concurrency limit. Each
// session gets its own serial queue so responses to commands from the same
// connection always come back in the order they were sent, while a shared
// semaphore still caps how many handlers run at once across every session.
// The queue-per-session plus bounded-concurrency shape is adapted from the
// teacher's single-goroutine fan-in transmitter.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neonlink/neonlinkd/internal/clock"
	"github.com/neonlink/neonlinkd/internal/errs"
	"github.com/neonlink/neonlinkd/internal/metrics"
	"github.com/neonlink/neonlinkd/internal/security"
	"github.com/neonlink/neonlinkd/internal/session"
	"github.com/neonlink/neonlinkd/internal/telemetry"
)

// HandlerTimeout is the deadline given to a single command handler
// invocation. A handler exceeding it gets error="timeout" in its response;
// the session itself is left open. A var, not a const, so tests can shrink
// it rather than waiting out the real 5s.
var HandlerTimeout = 5 * time.Second

// Request mirrors the wire CommandRequest.
type Request struct {
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response mirrors the wire CommandResponse.
type Response struct {
	Success     bool   `json:"success"`
	Command     string `json:"command"`
	ID          string `json:"id,omitempty"`
	Result      any    `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	TimestampMs int64  `json:"timestampMs"`
}

// Handler implements one command's domain logic. params is the raw
// "params" object from the request; handlers unmarshal their own schema.
type Handler func(ctx context.Context, sess *session.Session, params json.RawMessage) (result any, err error)

// Config gates dangerous commands; wired from the process Config.
type Config struct {
	DangerousCommandsEnabled bool
}

// Dispatcher routes whitelisted commands to registered handlers. Every
// session owns a private serial queue (runSessionQueue) so its commands
// execute and reply in submission order; a shared semaphore bounds how many
// of those per-session queues may be actively running a handler at once,
// which is what keeps overall concurrency in check across many sessions.
type Dispatcher struct {
	clock   clock.Clock
	cfg     func() Config
	onReply func(sess *session.Session, resp Response)

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	sem        chan struct{}
	queueDepth int

	queuesMu sync.Mutex
	queues   map[string]*sessionQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type job struct {
	ctx  context.Context
	sess *session.Session
	req  Request
}

// sessionQueue is one session's private FIFO of pending commands, drained by
// a single dedicated goroutine so two requests from the same connection can
// never complete out of order.
type sessionQueue struct {
	jobs chan job
	done chan struct{}
}

// New builds a Dispatcher allowing at most workers handlers to run
// concurrently across all sessions combined, with each session's own
// commands queued up to queueDepth deep. cfg is polled per-dispatch so
// config reloads (e.g. toggling dangerousCommandsEnabled) take effect
// immediately. onReply delivers the response, typically into the session's
// reply queue.
func New(parent context.Context, c clock.Clock, workers, queueDepth int, cfg func() Config, onReply func(*session.Session, Response)) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(parent)
	d := &Dispatcher{
		clock:      c,
		cfg:        cfg,
		onReply:    onReply,
		handlers:   make(map[string]Handler),
		sem:        make(chan struct{}, workers),
		queueDepth: queueDepth,
		queues:     make(map[string]*sessionQueue),
		ctx:        ctx,
		cancel:     cancel,
	}
	return d
}

// Register binds a Handler to a whitelisted command name. It panics if
// command is not in security.Whitelist, since that would make the handler
// unreachable — a programmer error caught at startup wiring time.
func (d *Dispatcher) Register(command string, h Handler) {
	if !security.IsWhitelisted(command) {
		panic("dispatch: command not in whitelist: " + command)
	}
	d.handlersMu.Lock()
	d.handlers[command] = h
	d.handlersMu.Unlock()
}

// Dispatch enqueues req onto sess's private queue. It never blocks the
// caller for longer than it takes to acquire that queue's slot; if the
// session's queue is full, the request is rejected synchronously with a
// capacity error rather than applying backpressure to the rx goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, req Request) {
	q := d.sessionQueueFor(sess)
	select {
	case q.jobs <- job{ctx: ctx, sess: sess, req: req}:
	default:
		d.reply(sess, d.errorResponse(req, "capacity"))
	}
}

// sessionQueueFor returns sess's queue, creating and starting it on first
// use. The queue (and its goroutine) lives until CloseSession is called for
// this session ID or the dispatcher itself is closed. If the dispatcher is
// already shutting down, it returns an unbuffered, undrained queue instead
// of spawning a goroutine racing wg.Add against Close's wg.Wait — Dispatch's
// non-blocking send into it falls straight through to the capacity reply.
func (d *Dispatcher) sessionQueueFor(sess *session.Session) *sessionQueue {
	d.queuesMu.Lock()
	defer d.queuesMu.Unlock()
	if q, ok := d.queues[sess.ID]; ok {
		return q
	}
	if d.ctx.Err() != nil {
		return &sessionQueue{jobs: make(chan job)}
	}
	q := &sessionQueue{jobs: make(chan job, d.queueDepth), done: make(chan struct{})}
	d.queues[sess.ID] = q
	d.wg.Add(1)
	go d.runSessionQueue(q)
	return q
}

// CloseSession tears down sess's private queue and stops its goroutine. The
// manager calls this once a connection's rx loop exits, so a long-lived
// process doesn't accumulate one goroutine per ever-connected session.
func (d *Dispatcher) CloseSession(sessionID string) {
	d.queuesMu.Lock()
	q, ok := d.queues[sessionID]
	if ok {
		delete(d.queues, sessionID)
	}
	d.queuesMu.Unlock()
	if ok {
		close(q.done)
	}
}

// runSessionQueue drains one session's jobs strictly in submission order.
// The semaphore acquire/release around handle is what bounds how many
// sessions' handlers may be running at the same instant; the queue itself
// never runs two jobs concurrently.
func (d *Dispatcher) runSessionQueue(q *sessionQueue) {
	defer d.wg.Done()
	for {
		select {
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			select {
			case d.sem <- struct{}{}:
			case <-d.ctx.Done():
				return
			}
			d.handle(j)
			<-d.sem
		case <-q.done:
			return
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) handle(j job) {
	req := j.req

	if !security.IsWhitelisted(req.Command) {
		metrics.IncCommandDispatched(req.Command, "unknown_command")
		d.reply(j.sess, d.errorResponse(req, "unknown_command"))
		return
	}
	if !j.sess.Limiter.Allow() {
		metrics.IncCommandRateLimited()
		metrics.IncCommandDispatched(req.Command, "rate_limited")
		d.reply(j.sess, d.errorResponse(req, "rate_limited"))
		return
	}
	if security.IsDangerous(req.Command) {
		cfg := d.cfg()
		if j.sess.AdminLevel != telemetry.AdminFull || !cfg.DangerousCommandsEnabled {
			metrics.IncCommandDispatched(req.Command, "forbidden")
			d.reply(j.sess, d.errorResponse(req, "forbidden"))
			return
		}
	}

	d.handlersMu.RLock()
	h, ok := d.handlers[req.Command]
	d.handlersMu.RUnlock()
	if !ok {
		// whitelisted but never registered: treat as internal misconfiguration,
		// not a client error.
		metrics.IncCommandDispatched(req.Command, errs.KindInternal.String())
		d.reply(j.sess, d.errorResponse(req, errs.KindInternal.String()))
		return
	}

	handlerCtx, cancel := context.WithTimeout(j.ctx, HandlerTimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := h(handlerCtx, j.sess, req.Params)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			metrics.IncCommandDispatched(req.Command, "error")
			d.reply(j.sess, Response{
				Success:     false,
				Command:     req.Command,
				ID:          req.ID,
				Error:       out.err.Error(),
				TimestampMs: clock.NowMs(d.clock),
			})
			return
		}
		metrics.IncCommandDispatched(req.Command, "success")
		d.reply(j.sess, Response{
			Success:     true,
			Command:     req.Command,
			ID:          req.ID,
			Result:      out.result,
			TimestampMs: clock.NowMs(d.clock),
		})
	case <-handlerCtx.Done():
		if !errors.Is(handlerCtx.Err(), context.DeadlineExceeded) {
			// Parent context was canceled (server shutting down), not a
			// slow handler; nothing useful to reply to at this point.
			return
		}
		// The handler goroutine is left running to completion in the
		// background; its result is discarded once done fires. The
		// session itself stays open — only this command times out.
		wrapped := fmt.Errorf("%w: command %q exceeded %s", errs.ErrTimeout, req.Command, HandlerTimeout)
		metrics.IncError(errs.ClassifyForMetric(wrapped))
		metrics.IncCommandDispatched(req.Command, errs.KindTimeout.String())
		d.reply(j.sess, d.errorResponse(req, errs.KindTimeout.String()))
	}
}

func (d *Dispatcher) errorResponse(req Request, errKind string) Response {
	return Response{
		Success:     false,
		Command:     req.Command,
		ID:          req.ID,
		Error:       errKind,
		TimestampMs: clock.NowMs(d.clock),
	}
}

func (d *Dispatcher) reply(sess *session.Session, resp Response) {
	if d.onReply != nil {
		d.onReply(sess, resp)
	}
}

// Close stops accepting new work and waits for in-flight handlers to drain.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
