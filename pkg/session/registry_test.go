package session

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/metrics"
	"github.com/harunnryd/dengar/pkg/transcribe"
	"github.com/harunnryd/dengar/pkg/transports/mock"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func quietConfig() Config {
	return Config{PingInterval: time.Hour, PongTimeout: time.Hour, CleanupInterval: time.Hour}
}

func TestUnknownMessageIsEchoed(t *testing.T) {
	reg := New(quietConfig())
	defer reg.Close()
	conn := mock.New()
	if err := reg.Connect(conn, "c1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if reg.State("c1") != StateActive {
		t.Fatalf("expected ACTIVE, got %s", reg.State("c1"))
	}

	reg.HandleMessage("c1", "hello")
	reg.HandleMessage("c1", `{"type":"subscribe"`)
	waitFor(t, time.Second, func() bool { return len(conn.Messages()) == 2 })
	msgs := conn.Messages()
	if len(msgs) != 2 || msgs[0] != "Server received: hello" || msgs[1] != `Server received: {"type":"subscribe"` {
		t.Fatalf("unexpected echoes %q", msgs)
	}
}

func TestPongNeverMovesLastAckBack(t *testing.T) {
	reg := New(quietConfig())
	defer reg.Close()
	_ = reg.Connect(mock.New(), "c1")

	before, _ := reg.Info("c1")
	time.Sleep(2 * time.Millisecond)
	reg.HandleMessage("c1", "pong")
	after, _ := reg.Info("c1")
	if !after.LastAck.After(before.LastAck) {
		t.Fatalf("pong should advance lastAck")
	}

	reg.mu.Lock()
	reg.sessions["c1"].ack(before.LastAck)
	reg.mu.Unlock()
	again, _ := reg.Info("c1")
	if !again.LastAck.Equal(after.LastAck) {
		t.Fatalf("lastAck moved backwards")
	}
}

func TestSilentClientIsEvicted(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	cfg := Config{PingInterval: 30 * time.Millisecond, PongTimeout: 30 * time.Millisecond, CleanupInterval: time.Hour}
	reg := New(cfg, WithObserver(obs))
	defer reg.Close()

	var mu sync.Mutex
	var reasons []string
	reg.OnDisconnect(func(id, reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})

	conn := mock.New()
	start := time.Now()
	_ = reg.Connect(conn, "c1")

	if !waitFor(t, time.Second, func() bool { return !reg.Has("c1") }) {
		t.Fatalf("silent client was not evicted")
	}
	if elapsed := time.Since(start); elapsed < 55*time.Millisecond {
		t.Fatalf("evicted too early after %s", elapsed)
	}
	msgs := conn.Messages()
	if len(msgs) == 0 {
		t.Fatalf("expected a ping before eviction")
	}
	var ping PingMessage
	if err := json.Unmarshal([]byte(msgs[0]), &ping); err != nil || ping.Type != "ping" || ping.Timestamp <= 0 {
		t.Fatalf("unexpected ping %q", msgs[0])
	}
	if !conn.Closed() {
		t.Fatalf("evicted conn should be closed")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != ReasonPongTimeout {
		t.Fatalf("unexpected disconnect reasons %v", reasons)
	}
	if obs.Count(metrics.EventSessionEvicted) != 1 {
		t.Fatalf("expected one eviction event")
	}
}

func TestAnsweringClientStaysConnected(t *testing.T) {
	cfg := Config{PingInterval: 20 * time.Millisecond, PongTimeout: 20 * time.Millisecond, CleanupInterval: 10 * time.Millisecond}
	reg := New(cfg)
	defer reg.Close()

	conn := mock.New()
	conn.OnSend(func(msg []byte) {
		if strings.Contains(string(msg), `"type":"ping"`) {
			reg.HandleMessage("c1", "pong")
		}
	})
	_ = reg.Connect(conn, "c1")

	time.Sleep(200 * time.Millisecond)
	if !reg.Has("c1") {
		t.Fatalf("client answering pings was evicted")
	}
	if len(conn.Messages()) < 3 {
		t.Fatalf("expected several pings, got %d", len(conn.Messages()))
	}
}

func TestDoubleDisconnectIsNoop(t *testing.T) {
	reg := New(quietConfig())
	defer reg.Close()
	c1, c2 := mock.New(), mock.New()
	_ = reg.Connect(c1, "c1")
	_ = reg.Connect(c2, "c2")

	reg.Disconnect("c1")
	if reg.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", reg.Count())
	}
	reg.Disconnect("c1")
	if reg.Count() != 1 || c1.CloseCount() != 1 {
		t.Fatalf("second disconnect must be a no-op: count=%d closes=%d", reg.Count(), c1.CloseCount())
	}
	if reg.State("c1") != StateClosed {
		t.Fatalf("absent session should report CLOSED")
	}
}

func TestSendFailureDisconnectsOnlyThatSession(t *testing.T) {
	reg := New(quietConfig())
	defer reg.Close()
	bad, good := mock.New(), mock.New()
	_ = reg.Connect(bad, "bad")
	_ = reg.Connect(good, "good")
	bad.FailWith(errors.New("broken pipe"))

	if err := reg.SendMessage("bad", "hi"); err != nil {
		t.Fatalf("queueing should succeed, got %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return !reg.Has("bad") }) {
		t.Fatalf("failing session was not removed")
	}
	if !reg.Has("good") || !bad.Closed() {
		t.Fatalf("only the failing session should be removed")
	}
	if err := reg.SendMessage("bad", "again"); err != nil {
		t.Fatalf("send to absent id should be a no-op, got %v", err)
	}
}

func TestFullSendQueueEvictsSession(t *testing.T) {
	cfg := quietConfig()
	cfg.SendBuffer = 1
	cfg.WriteTimeout = time.Second
	reg := New(cfg)
	defer reg.Close()
	stuck := mock.New()
	stuck.SetDelay(time.Hour)
	_ = reg.Connect(stuck, "stuck")

	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = reg.SendMessage("stuck", "hi")
	}
	if !errorsx.HasReason(err, errorsx.ReasonTransportSend) || !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected a full queue error, got %v", err)
	}
	if reg.Has("stuck") {
		t.Fatalf("session with a full queue should be evicted")
	}
}

func TestSlowSubscriberDoesNotDelayOthers(t *testing.T) {
	cfg := quietConfig()
	cfg.WriteTimeout = time.Second
	reg := New(cfg)
	defer reg.Close()
	slow, fast := mock.New(), mock.New()
	slow.SetDelay(300 * time.Millisecond)
	_ = reg.Connect(slow, "slow")
	_ = reg.Connect(fast, "fast")
	reg.Subscribe("slow", "local")
	reg.Subscribe("fast", "local")

	start := time.Now()
	for i := 0; i < 5; i++ {
		if n, err := reg.Publish("local", map[string]int{"seq": i}); err != nil || n != 2 {
			t.Fatalf("publish %d delivered %d, err %v", i, n, err)
		}
	}
	if !waitFor(t, time.Second, func() bool { return len(fast.Messages()) == 5 }) {
		t.Fatalf("fast subscriber got %d messages", len(fast.Messages()))
	}
	if elapsed := time.Since(start); elapsed >= 250*time.Millisecond {
		t.Fatalf("fast subscriber waited behind the slow one: %s", elapsed)
	}
	if len(slow.Messages()) != 0 {
		t.Fatalf("slow subscriber should still be writing its first message")
	}
}

func TestDisconnectFlushesQueuedMessages(t *testing.T) {
	reg := New(quietConfig())
	defer reg.Close()
	conn := mock.New()
	conn.SetDelay(5 * time.Millisecond)
	_ = reg.Connect(conn, "c1")

	for i := 0; i < 3; i++ {
		_ = reg.SendMessage("c1", "bye")
	}
	reg.Disconnect("c1")
	if got := len(conn.Messages()); got != 3 {
		t.Fatalf("expected queued messages to be flushed before close, got %d", got)
	}
	if !conn.Closed() {
		t.Fatalf("conn should be closed after disconnect")
	}
}

func TestPublishProgressUsesSubscriberID(t *testing.T) {
	reg := New(quietConfig())
	defer reg.Close()
	a, b := mock.New(), mock.New()
	_ = reg.Connect(a, "viewer-a")
	_ = reg.Connect(b, "viewer-b")
	reg.Subscribe("viewer-a", "local")
	reg.Subscribe("viewer-b", "local")

	if n, err := reg.PublishProgress("local", 50, "transcribing"); err != nil || n != 2 {
		t.Fatalf("progress delivered %d, err %v", n, err)
	}
	for id, conn := range map[string]*mock.Conn{"viewer-a": a, "viewer-b": b} {
		if !waitFor(t, time.Second, func() bool { return len(conn.Messages()) == 1 }) {
			t.Fatalf("%s got no progress", id)
		}
		want := `{"progress":50,"status":"transcribing","client_id":"` + id + `"}`
		if got := conn.Messages()[0]; got != want {
			t.Fatalf("%s got %s, want %s", id, got, want)
		}
	}
}

func TestReconnectReplacesConn(t *testing.T) {
	reg := New(quietConfig())
	defer reg.Close()
	first, second := mock.New(), mock.New()
	_ = reg.Connect(first, "c1")
	_ = reg.Connect(second, "c1")

	if reg.Count() != 1 {
		t.Fatalf("one id must map to one conn, got %d sessions", reg.Count())
	}
	if !first.Closed() || second.Closed() {
		t.Fatalf("old conn should be closed and new one kept")
	}
	_ = reg.SendMessage("c1", "hi")
	waitFor(t, time.Second, func() bool { return len(second.Messages()) == 1 })
	if len(second.Messages()) != 1 || len(first.Messages()) != 0 {
		t.Fatalf("message went to the wrong conn")
	}
}

func TestSweepEvictsStaleSessions(t *testing.T) {
	reg := New(Config{})
	defer reg.Close()
	_ = reg.Connect(mock.New(), "c1")

	if n := reg.sweep(time.Now()); n != 0 {
		t.Fatalf("fresh session swept")
	}
	if n := reg.sweep(time.Now().Add(2*time.Minute + 16*time.Second)); n != 1 {
		t.Fatalf("expected stale session to be swept, got %d", n)
	}
	if reg.Has("c1") {
		t.Fatalf("swept session still present")
	}
}

func TestSubscribeAndPublish(t *testing.T) {
	reg := New(quietConfig())
	defer reg.Close()
	viewer, other := mock.New(), mock.New()
	_ = reg.Connect(viewer, "v1")
	_ = reg.Connect(other, "v2")

	reg.HandleMessage("v1", `{"type":"subscribe","stream_id":"local"}`)
	if subs := reg.Subscribers("local"); len(subs) != 1 || subs[0] != "v1" {
		t.Fatalf("unexpected subscribers %v", subs)
	}

	result := &transcribe.Result{StreamID: "local", Seq: 4, Text: "hello", Language: "en", AudioDuration: 2 * time.Second}
	n, err := reg.Publish("local", NewResultMessage(result))
	if err != nil || n != 1 {
		t.Fatalf("publish delivered %d, err %v", n, err)
	}
	waitFor(t, time.Second, func() bool { return len(viewer.Messages()) == 2 })
	msgs := viewer.Messages()
	var got map[string]any
	if err := json.Unmarshal([]byte(msgs[len(msgs)-1]), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["type"] != "transcription" || got["text"] != "hello" || got["sequence"] != float64(4) || got["duration"] != float64(2) {
		t.Fatalf("unexpected result message %v", got)
	}
	if len(other.Messages()) != 0 {
		t.Fatalf("non-subscriber received a message")
	}

	reg.HandleMessage("v1", `{"type":"unsubscribe","stream_id":"local"}`)
	if n, _ := reg.Publish("local", NewResultMessage(result)); n != 0 {
		t.Fatalf("unsubscribed viewer still receives results")
	}
}

func TestAutoSubscribe(t *testing.T) {
	cfg := quietConfig()
	cfg.AutoSubscribe = []string{"local"}
	reg := New(cfg)
	defer reg.Close()
	_ = reg.Connect(mock.New(), "v1")
	if subs := reg.Subscribers("local"); len(subs) != 1 {
		t.Fatalf("expected auto subscription, got %v", subs)
	}
}

func TestProgressAndErrorFormats(t *testing.T) {
	reg := New(quietConfig())
	defer reg.Close()
	conn := mock.New()
	_ = reg.Connect(conn, "c1")

	_ = reg.SendProgress("c1", 42.5, "transcribing")
	_ = reg.SendError("c1", "bad upload")
	if !waitFor(t, time.Second, func() bool { return len(conn.Messages()) == 2 }) {
		t.Fatalf("expected two messages, got %q", conn.Messages())
	}
	msgs := conn.Messages()
	if msgs[0] != `{"progress":42.5,"status":"transcribing","client_id":"c1"}` {
		t.Fatalf("unexpected progress json %s", msgs[0])
	}
	if msgs[1] != `{"type":"error","message":"bad upload"}` {
		t.Fatalf("unexpected error json %s", msgs[1])
	}
}

func TestDrainingRejectsConnect(t *testing.T) {
	reg := New(quietConfig())
	defer reg.Close()
	reg.SetDraining(true)
	if err := reg.Connect(mock.New(), "c1"); !errors.Is(err, ErrDraining) {
		t.Fatalf("expected ErrDraining, got %v", err)
	}
	if err := reg.Connect(mock.New(), ""); !errors.Is(err, ErrEmptyID) {
		t.Fatalf("expected ErrEmptyID, got %v", err)
	}
}

func TestStateTransitions(t *testing.T) {
	s := newSession("c1", mock.New(), time.Now(), 1)
	if err := s.transition(StateClosed); err == nil {
		t.Fatalf("CONNECTING -> CLOSED must be rejected")
	}
	for _, to := range []State{StateActive, StateClosing, StateClosed} {
		if err := s.transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if err := s.transition(StateActive); err == nil {
		t.Fatalf("CLOSED is terminal")
	}
}
