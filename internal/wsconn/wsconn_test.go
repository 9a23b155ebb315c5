package wsconn

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neonlink/neonlinkd/internal/clock"
	"github.com/neonlink/neonlinkd/internal/dispatch"
	"github.com/neonlink/neonlinkd/internal/security"
	"github.com/neonlink/neonlinkd/internal/session"
)

func startTestManager(t *testing.T, limits Limits) (*Manager, *dispatch.Dispatcher, func()) {
	t.Helper()
	fake := clock.NewFake()
	ctx, cancel := context.WithCancel(context.Background())

	dsp := dispatch.New(ctx, fake, 2, 16, func() dispatch.Config { return dispatch.Config{} }, func(sess *session.Session, resp dispatch.Response) {
		payload, _ := json.Marshal(resp)
		sess.SendReply(payload)
	})
	dsp.Register("ping", dispatch.PingHandler())

	mgr := New("127.0.0.1:0", fake, func() Limits { return limits }, dsp, "1.0.0")

	serveDone := make(chan struct{})
	go func() { mgr.Serve(ctx); close(serveDone) }()

	// wait for listener to bind
	deadline := time.Now().Add(2 * time.Second)
	for mgr.Addr() == "127.0.0.1:0" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cleanup := func() {
		cancel()
		dsp.Close()
		<-serveDone
	}
	return mgr, dsp, cleanup
}

func TestManager_HealthEndpoint(t *testing.T) {
	mgr, _, cleanup := startTestManager(t, Limits{MaxConnections: 10, HeartbeatIntervalMs: 5000, PingTimeoutMs: 15000, RateLimitPerMinute: 100})
	defer cleanup()

	resp, err := http.Get("http://" + mgr.Addr() + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestManager_RejectsNonPrivateAddrWhenExternalDisallowed(t *testing.T) {
	// handleUpgrade reads the admission address from r.RemoteAddr, which in
	// a real listener is always the TCP peer (loopback in this test), so
	// the rejection path is exercised directly against security.AdmitAddr
	// rather than through an actual public-IP dial.
	if security.AdmitAddr(&netAddrString{s: "8.8.8.8:443"}, false) {
		t.Fatal("expected a public address to be rejected when AllowExternalIP is false")
	}
	if !security.AdmitAddr(&netAddrString{s: "127.0.0.1:443"}, false) {
		t.Fatal("expected loopback to be admitted when AllowExternalIP is false")
	}
	if !security.AdmitAddr(&netAddrString{s: "8.8.8.8:443"}, true) {
		t.Fatal("expected a public address to be admitted when AllowExternalIP is true")
	}
}

func TestManager_RejectsOverCapacity(t *testing.T) {
	mgr, _, cleanup := startTestManager(t, Limits{MaxConnections: 0, HeartbeatIntervalMs: 5000, PingTimeoutMs: 15000, RateLimitPerMinute: 100})
	defer cleanup()

	url := "ws://" + mgr.Addr() + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected upgrade to be rejected at zero capacity")
	}
	if resp != nil && resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestManager_HeartbeatTimeoutClosesSession(t *testing.T) {
	real := clock.Real()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dsp := dispatch.New(ctx, real, 2, 16, func() dispatch.Config { return dispatch.Config{} }, func(sess *session.Session, resp dispatch.Response) {
		payload, _ := json.Marshal(resp)
		sess.SendReply(payload)
	})
	limits := Limits{MaxConnections: 10, HeartbeatIntervalMs: 20, PingTimeoutMs: 50, RateLimitPerMinute: 100}
	mgr := New("127.0.0.1:0", real, func() Limits { return limits }, dsp, "1.0.0")

	serveDone := make(chan struct{})
	go func() { mgr.Serve(ctx); close(serveDone) }()
	deadline := time.Now().Add(2 * time.Second)
	for mgr.Addr() == "127.0.0.1:0" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	defer func() {
		cancel()
		dsp.Close()
		<-serveDone
	}()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+mgr.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Never send anything from the client side, not even the pongs the
	// default ping handler would write in reply to the server's keepalive
	// pings; the session's heartbeat clock is then never touched past
	// connect time, so once pingTimeoutMs elapses the manager must close
	// the socket with a "timeout" reason.
	conn.SetPingHandler(func(string) error { return nil })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the connection to be closed by the server")
	}
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %T: %v", err, err)
	}
	if closeErr.Text != CloseTimeout {
		t.Errorf("close reason = %q, want %q", closeErr.Text, CloseTimeout)
	}
}

func TestManager_PingRoundTrip(t *testing.T) {
	mgr, _, cleanup := startTestManager(t, Limits{MaxConnections: 10, HeartbeatIntervalMs: 50, PingTimeoutMs: 15000, RateLimitPerMinute: 100})
	defer cleanup()

	url := "ws://" + mgr.Addr() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req, _ := json.Marshal(dispatch.Request{Command: "ping", ID: "a"})
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var resp dispatch.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !resp.Success || resp.Result != "pong" || resp.ID != "a" {
		t.Fatalf("resp = %+v", resp)
	}
}
