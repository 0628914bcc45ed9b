package crewdeck

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Server
// ============================================================================

const testToken = "test-token"

// wsTestServer accepts WebSocket connections on every namespace, performs the
// auth handshake, records client emits, and can push envelopes back.
type wsTestServer struct {
	srv *httptest.Server

	mu     sync.Mutex
	conns  []*websocket.Conn
	emits  []Envelope
	rooms  map[string]int // join count per room
	leaves map[string]int
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	s := &wsTestServer{rooms: make(map[string]int), leaves: make(map[string]int)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()

		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var auth struct {
			Event   string      `json:"event"`
			Payload authPayload `json:"payload"`
		}
		if json.Unmarshal(data, &auth) != nil || auth.Event != "auth" || auth.Payload.Token != testToken {
			c.Close(websocket.StatusPolicyViolation, "bad auth")
			return
		}
		if err := c.Write(ctx, websocket.MessageText, []byte(`{"event":"authenticated"}`)); err != nil {
			return
		}

		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()

		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) != nil {
				continue
			}
			s.mu.Lock()
			s.emits = append(s.emits, env)
			if env.Event == eventJoinRoom || env.Event == eventLeaveRoom {
				var p roomPayload
				json.Unmarshal(env.Payload, &p)
				if env.Event == eventJoinRoom {
					s.rooms[p.Room]++
				} else {
					s.leaves[p.Room]++
				}
			}
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsTestServer) push(t *testing.T, env Envelope) {
	t.Helper()
	data, _ := json.Marshal(env)
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.Write(context.Background(), websocket.MessageText, data); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
}

func (s *wsTestServer) emitted() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.emits...)
}

func (s *wsTestServer) joinCount(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[room]
}

func (s *wsTestServer) leaveCount(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaves[room]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newTestRegistry(t *testing.T, srv *wsTestServer) *ChannelRegistry {
	t.Helper()
	reg := NewChannelRegistry(srv.srv.URL, ChannelConfig{Token: testToken})
	t.Cleanup(func() { reg.Close() })
	return reg
}

// ============================================================================
// Channel
// ============================================================================

func TestChannelConnect(t *testing.T) {
	t.Run("authenticated handshake then live", func(t *testing.T) {
		srv := newWSTestServer(t)
		reg := newTestRegistry(t, srv)

		ch, err := reg.Connect(context.Background(), ChannelMessages)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		if ch.State() != StateConnected {
			t.Fatalf("expected connected, got %s", ch.State())
		}
		if ch.Kind() != ChannelMessages {
			t.Fatalf("unexpected kind %s", ch.Kind())
		}
	})

	t.Run("connect is idempotent per kind", func(t *testing.T) {
		srv := newWSTestServer(t)
		reg := newTestRegistry(t, srv)

		first, err := reg.Connect(context.Background(), ChannelMessages)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		second, err := reg.Connect(context.Background(), ChannelMessages)
		if err != nil {
			t.Fatalf("reconnect: %v", err)
		}
		if first != second {
			t.Fatal("second connect returned a different channel")
		}

		other, err := reg.Connect(context.Background(), ChannelNotifications)
		if err != nil {
			t.Fatalf("connect notifications: %v", err)
		}
		if other == first {
			t.Fatal("kinds must not share a channel")
		}
	})

	t.Run("token set after creation authenticates the dial", func(t *testing.T) {
		srv := newWSTestServer(t)
		reg := NewChannelRegistry(srv.srv.URL, ChannelConfig{Token: "stale"})
		t.Cleanup(func() { reg.Close() })

		if _, err := reg.Connect(context.Background(), ChannelMessages); err == nil {
			t.Fatal("stale token must be rejected")
		}

		reg.SetToken(testToken)
		ch, err := reg.Connect(context.Background(), ChannelMessages)
		if err != nil {
			t.Fatalf("connect with fresh token: %v", err)
		}
		if ch.State() != StateConnected {
			t.Fatalf("expected connected, got %s", ch.State())
		}
	})

	t.Run("disconnect clears the slot", func(t *testing.T) {
		srv := newWSTestServer(t)
		reg := newTestRegistry(t, srv)

		first, err := reg.Connect(context.Background(), ChannelMessages)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		if err := reg.Disconnect(ChannelMessages); err != nil {
			t.Fatalf("disconnect: %v", err)
		}
		if first.State() != StateDisconnected {
			t.Fatalf("expected disconnected, got %s", first.State())
		}

		fresh, err := reg.Connect(context.Background(), ChannelMessages)
		if err != nil {
			t.Fatalf("fresh connect: %v", err)
		}
		if fresh == first {
			t.Fatal("disconnected channel was reused")
		}
	})
}

func TestChannelRooms(t *testing.T) {
	srv := newWSTestServer(t)
	reg := newTestRegistry(t, srv)

	ch, err := reg.Connect(context.Background(), ChannelMessages)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := ch.JoinRoom(context.Background(), "group-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "join emit", func() bool { return srv.joinCount("group-1") == 1 })

	if err := ch.LeaveRoom(context.Background(), "group-1"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitFor(t, "leave emit", func() bool { return srv.leaveCount("group-1") == 1 })
}

func TestChannelDispatch(t *testing.T) {
	t.Run("pushes arrive in delivery order", func(t *testing.T) {
		srv := newWSTestServer(t)
		reg := newTestRegistry(t, srv)

		ch, err := reg.Connect(context.Background(), ChannelMessages)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}

		var mu sync.Mutex
		var got []string
		ch.On(EventNewMessage, func(_ string, payload json.RawMessage) {
			var m Message
			json.Unmarshal(payload, &m)
			mu.Lock()
			got = append(got, m.ID)
			mu.Unlock()
		})

		for _, id := range []string{"m1", "m2", "m3"} {
			payload, _ := json.Marshal(Message{ID: id, GroupID: "group-1"})
			srv.push(t, Envelope{Event: EventNewMessage, Payload: payload, Room: "group-1"})
		}

		waitFor(t, "three pushes", func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 3
		})
		mu.Lock()
		defer mu.Unlock()
		if got[0] != "m1" || got[1] != "m2" || got[2] != "m3" {
			t.Fatalf("order broken: %v", got)
		}
	})

	t.Run("detached handlers stop receiving", func(t *testing.T) {
		srv := newWSTestServer(t)
		reg := newTestRegistry(t, srv)

		ch, err := reg.Connect(context.Background(), ChannelMessages)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}

		var mu sync.Mutex
		kept, dropped := 0, 0
		ch.On(EventNotification, func(string, json.RawMessage) {
			mu.Lock()
			kept++
			mu.Unlock()
		})
		off := ch.On(EventNotification, func(string, json.RawMessage) {
			mu.Lock()
			dropped++
			mu.Unlock()
		})
		off()

		srv.push(t, Envelope{Event: EventNotification})
		waitFor(t, "push", func() bool {
			mu.Lock()
			defer mu.Unlock()
			return kept == 1
		})
		mu.Lock()
		defer mu.Unlock()
		if dropped != 0 {
			t.Fatalf("detached handler fired %d times", dropped)
		}
	})

	t.Run("undecodable payloads are dropped by typed handlers", func(t *testing.T) {
		srv := newWSTestServer(t)
		reg := newTestRegistry(t, srv)

		ch, err := reg.Connect(context.Background(), ChannelMessages)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}

		var mu sync.Mutex
		var got []string
		OnNewMessage(ch, EventNewMessage, func(m Message) {
			mu.Lock()
			got = append(got, m.ID)
			mu.Unlock()
		})

		srv.push(t, Envelope{Event: EventNewMessage, Payload: json.RawMessage(`"not an object"`)})
		payload, _ := json.Marshal(Message{ID: "m1"})
		srv.push(t, Envelope{Event: EventNewMessage, Payload: payload})

		waitFor(t, "valid push", func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 1
		})
		mu.Lock()
		defer mu.Unlock()
		if got[0] != "m1" {
			t.Fatalf("unexpected delivery: %v", got)
		}
	})
}

func TestChannelSequenceGaps(t *testing.T) {
	connectWithMetrics := func(t *testing.T) (*wsTestServer, *Channel, *Metrics) {
		t.Helper()
		srv := newWSTestServer(t)
		m := NewMetrics(prometheus.NewRegistry())
		reg := NewChannelRegistry(srv.srv.URL, ChannelConfig{Token: testToken, Metrics: m})
		t.Cleanup(func() { reg.Close() })

		ch, err := reg.Connect(context.Background(), ChannelMessages)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		return srv, ch, m
	}

	collect := func(ch *Channel) (push func() []string) {
		var mu sync.Mutex
		var got []string
		ch.On(EventNewMessage, func(_ string, payload json.RawMessage) {
			var m Message
			json.Unmarshal(payload, &m)
			mu.Lock()
			got = append(got, m.ID)
			mu.Unlock()
		})
		return func() []string {
			mu.Lock()
			defer mu.Unlock()
			return append([]string(nil), got...)
		}
	}

	gaps := func(m *Metrics) float64 {
		return testutil.ToFloat64(m.sequenceGaps.WithLabelValues(string(ChannelMessages)))
	}

	t.Run("gap is flagged, events still applied in delivery order", func(t *testing.T) {
		srv, ch, m := connectWithMetrics(t)
		delivered := collect(ch)

		for _, p := range []struct {
			id  string
			seq int64
		}{{"m1", 1}, {"m3", 3}} {
			payload, _ := json.Marshal(Message{ID: p.id, GroupID: "group-1"})
			srv.push(t, Envelope{Event: EventNewMessage, Payload: payload, Room: "group-1", Seq: p.seq})
		}

		waitFor(t, "both pushes", func() bool { return len(delivered()) == 2 })
		got := delivered()
		if got[0] != "m1" || got[1] != "m3" {
			t.Fatalf("delivery order broken: %v", got)
		}
		if n := gaps(m); n != 1 {
			t.Fatalf("expected 1 gap recorded, got %v", n)
		}
	})

	t.Run("contiguous sequences record no gap", func(t *testing.T) {
		srv, ch, m := connectWithMetrics(t)
		delivered := collect(ch)

		for seq := int64(1); seq <= 3; seq++ {
			payload, _ := json.Marshal(Message{ID: "m", GroupID: "group-1"})
			srv.push(t, Envelope{Event: EventNewMessage, Payload: payload, Room: "group-1", Seq: seq})
		}

		waitFor(t, "three pushes", func() bool { return len(delivered()) == 3 })
		if n := gaps(m); n != 0 {
			t.Fatalf("contiguous stream flagged %v gaps", n)
		}
	})

	t.Run("rooms track sequences independently", func(t *testing.T) {
		srv, ch, m := connectWithMetrics(t)
		delivered := collect(ch)

		for _, p := range []struct {
			room string
			seq  int64
		}{{"a", 1}, {"b", 7}, {"a", 2}, {"b", 8}} {
			payload, _ := json.Marshal(Message{ID: "m", GroupID: p.room})
			srv.push(t, Envelope{Event: EventNewMessage, Payload: payload, Room: p.room, Seq: p.seq})
		}

		waitFor(t, "four pushes", func() bool { return len(delivered()) == 4 })
		if n := gaps(m); n != 0 {
			t.Fatalf("interleaved rooms flagged %v gaps", n)
		}
	})
}

func TestChannelEmit(t *testing.T) {
	srv := newWSTestServer(t)
	reg := newTestRegistry(t, srv)

	ch, err := reg.Connect(context.Background(), ChannelMessages)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := ch.Emit(context.Background(), EventSendMessage, SendMessagePayload{Content: "hello", GroupID: "group-1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	waitFor(t, "emit received", func() bool {
		for _, e := range srv.emitted() {
			if e.Event == EventSendMessage {
				return true
			}
		}
		return false
	})

	var sent SendMessagePayload
	for _, e := range srv.emitted() {
		if e.Event == EventSendMessage {
			json.Unmarshal(e.Payload, &sent)
		}
	}
	if sent.Content != "hello" || sent.GroupID != "group-1" {
		t.Fatalf("payload mangled: %+v", sent)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

func TestReconnectorBackoff(t *testing.T) {
	config := &ChannelConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    1 * time.Second,
		MaxReconnectAttempts: 3,
	}
	r := newReconnector(config)

	t.Run("delays grow and stay capped", func(t *testing.T) {
		first := r.nextDelay()
		second := r.nextDelay()
		if first > 200*time.Millisecond {
			t.Fatalf("first delay too large: %v", first)
		}
		if second < first {
			t.Fatalf("backoff not growing: %v then %v", first, second)
		}
		for i := 0; i < 10; i++ {
			if d := r.nextDelay(); d > config.ReconnectMaxDelay+config.ReconnectMaxDelay/2 {
				t.Fatalf("delay above cap: %v", d)
			}
		}
	})

	t.Run("attempt budget", func(t *testing.T) {
		r := newReconnector(config)
		for i := 0; i < 3; i++ {
			if !r.shouldReconnect() {
				t.Fatalf("attempt %d rejected early", i+1)
			}
			r.nextDelay()
		}
		if r.shouldReconnect() {
			t.Fatal("budget not enforced")
		}
	})

	t.Run("stable connection resets the budget", func(t *testing.T) {
		r := newReconnector(config)
		for i := 0; i < 3; i++ {
			r.nextDelay()
		}
		if r.shouldReconnect() {
			t.Fatal("budget should be exhausted before the stable window")
		}
		r.connectedAt = time.Now().Add(-2 * time.Minute)
		r.nextDelay()
		if !r.shouldReconnect() {
			t.Fatal("stable uptime did not reset attempts")
		}
	})
}
