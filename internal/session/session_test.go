package session

import (
	"testing"
	"time"

	"github.com/neonlink/neonlinkd/internal/clock"
	"github.com/neonlink/neonlinkd/internal/telemetry"
)

func TestSession_SendThenTryRecv(t *testing.T) {
	fake := clock.NewFake()
	s := New(fake, "127.0.0.1:1", telemetry.AdminFull, 10, 60)
	if _, ok := s.TryRecv(); ok {
		t.Fatal("expected empty mailbox initially")
	}
	s.Send([]byte("hello"))
	got, ok := s.TryRecv()
	if !ok || string(got) != "hello" {
		t.Fatalf("TryRecv() = %q, %v", got, ok)
	}
	if _, ok := s.TryRecv(); ok {
		t.Fatal("expected mailbox drained after one TryRecv")
	}
}

func TestSession_SendOverwritesUnsentPayload(t *testing.T) {
	fake := clock.NewFake()
	s := New(fake, "127.0.0.1:1", telemetry.AdminFull, 10, 60)
	s.Send([]byte("first"))
	s.Send([]byte("second"))
	got, ok := s.TryRecv()
	if !ok || string(got) != "second" {
		t.Fatalf("TryRecv() = %q, %v, want \"second\"", got, ok)
	}
}

func TestSession_NotifyCFiresOnSend(t *testing.T) {
	fake := clock.NewFake()
	s := New(fake, "127.0.0.1:1", telemetry.AdminFull, 10, 60)
	notify := s.NotifyC()
	go func() { s.Send([]byte("x")) }()
	select {
	case <-notify:
	case <-time.After(time.Second):
		t.Fatal("NotifyC did not fire after Send")
	}
}

func TestSession_RepliesAreFIFONotOverwritten(t *testing.T) {
	fake := clock.NewFake()
	s := New(fake, "127.0.0.1:1", telemetry.AdminFull, 10, 60)
	s.SendReply([]byte("first"))
	s.SendReply([]byte("second"))

	got, ok := s.TryRecvReply()
	if !ok || string(got) != "first" {
		t.Fatalf("TryRecvReply() #1 = %q, %v, want \"first\"", got, ok)
	}
	got, ok = s.TryRecvReply()
	if !ok || string(got) != "second" {
		t.Fatalf("TryRecvReply() #2 = %q, %v, want \"second\"", got, ok)
	}
	if _, ok := s.TryRecvReply(); ok {
		t.Fatal("expected reply queue drained after two TryRecvReply calls")
	}
}

func TestSession_ReplyQueueIndependentOfBroadcastMailbox(t *testing.T) {
	fake := clock.NewFake()
	s := New(fake, "127.0.0.1:1", telemetry.AdminFull, 10, 60)

	s.SendReply([]byte("reply"))
	s.Send([]byte("snapshot"))

	// Neither path may clobber the other.
	reply, ok := s.TryRecvReply()
	if !ok || string(reply) != "reply" {
		t.Fatalf("TryRecvReply() = %q, %v, want \"reply\"", reply, ok)
	}
	snap, ok := s.TryRecv()
	if !ok || string(snap) != "snapshot" {
		t.Fatalf("TryRecv() = %q, %v, want \"snapshot\"", snap, ok)
	}
}

func TestSession_ReplyNotifyCFiresOnSendReplyAndDrainsRemainder(t *testing.T) {
	fake := clock.NewFake()
	s := New(fake, "127.0.0.1:1", telemetry.AdminFull, 10, 60)
	notify := s.ReplyNotifyC()

	s.SendReply([]byte("a"))
	s.SendReply([]byte("b"))

	select {
	case <-notify:
	case <-time.After(time.Second):
		t.Fatal("ReplyNotifyC did not fire after SendReply")
	}
	first, ok := s.TryRecvReply()
	if !ok || string(first) != "a" {
		t.Fatalf("TryRecvReply() = %q, %v, want \"a\"", first, ok)
	}

	// A second reply was still queued behind the first, so the signal
	// must have been re-armed rather than consumed once and forgotten.
	select {
	case <-notify:
	case <-time.After(time.Second):
		t.Fatal("ReplyNotifyC did not re-arm for the remaining queued reply")
	}
	second, ok := s.TryRecvReply()
	if !ok || string(second) != "b" {
		t.Fatalf("TryRecvReply() = %q, %v, want \"b\"", second, ok)
	}
}

func TestSession_HeartbeatTracking(t *testing.T) {
	fake := clock.NewFake()
	s := New(fake, "127.0.0.1:1", telemetry.AdminFull, 10, 60)
	initial := s.LastHeartbeatMs()
	s.TouchHeartbeat(initial + 5000)
	if s.LastHeartbeatMs() != initial+5000 {
		t.Fatalf("LastHeartbeatMs() = %d, want %d", s.LastHeartbeatMs(), initial+5000)
	}
}
