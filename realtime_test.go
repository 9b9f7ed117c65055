package chatsync

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type serverCommand struct {
	conn  int
	Type  string
	ID    string
	Topic string
}

// testWSServer speaks the real-time protocol: it acknowledges every
// connection with authType and records client commands.
type testWSServer struct {
	*httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	tokens   []string
	authType string
	commands chan serverCommand
}

func newTestWSServer(t *testing.T) *testWSServer {
	t.Helper()
	s := &testWSServer{authType: frameAuthenticated, commands: make(chan serverCommand, 100)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *testWSServer) handle(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	idx := len(s.conns)
	s.conns = append(s.conns, c)
	s.tokens = append(s.tokens, r.URL.Query().Get("token"))
	auth := s.authType
	s.mu.Unlock()

	ctx := context.Background()
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"`+auth+`","payload":{}}`)); err != nil {
		return
	}
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var cmd struct {
			Type    string `json:"type"`
			Payload struct {
				ID    string `json:"id"`
				Topic string `json:"topic"`
			} `json:"payload"`
		}
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		s.commands <- serverCommand{conn: idx, Type: cmd.Type, ID: cmd.Payload.ID, Topic: cmd.Payload.Topic}
	}
}

func (s *testWSServer) endpoint(token string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=" + token
}

func (s *testWSServer) dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *testWSServer) publish(t *testing.T, conn int, subID, topic, body string) {
	t.Helper()
	s.mu.Lock()
	c := s.conns[conn]
	s.mu.Unlock()
	frame := `{"type":"message","payload":{"subscription":"` + subID + `","topic":"` + topic + `","body":` + body + `}}`
	if err := c.Write(context.Background(), websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func (s *testWSServer) drop(conn int) {
	s.mu.Lock()
	c := s.conns[conn]
	s.mu.Unlock()
	go c.Close(websocket.StatusGoingAway, "server restart")
}

func (s *testWSServer) nextCommand(t *testing.T) serverCommand {
	t.Helper()
	select {
	case cmd := <-s.commands:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client command")
		return serverCommand{}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestManager(t *testing.T, srv *testWSServer) *ConnectionManager {
	t.Helper()
	m := NewConnectionManager(srv.endpoint, RealtimeConfig{
		ReconnectDelay: 20 * time.Millisecond,
		Logger:         discardLogger(),
	})
	t.Cleanup(m.Disconnect)
	return m
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestConnectionManagerConnect(t *testing.T) {
	srv := newTestWSServer(t)
	m := newTestManager(t, srv)

	if m.State() != StateDisconnected {
		t.Fatalf("initial state = %s", m.State())
	}

	m.Connect(context.Background(), hrUser)
	eventually(t, "connected", m.IsConnected)

	if !m.Identity().Equal(hrUser) {
		t.Errorf("identity = %+v", m.Identity())
	}
	srv.mu.Lock()
	token := srv.tokens[0]
	srv.mu.Unlock()
	if token != "tok" {
		t.Errorf("token = %q", token)
	}

	// Same identity again: still one connection.
	m.Connect(context.Background(), hrUser)
	time.Sleep(50 * time.Millisecond)
	if n := srv.dials(); n != 1 {
		t.Fatalf("dials = %d, want 1", n)
	}

	m.Disconnect()
	m.Disconnect()
	if m.State() != StateDisconnected || !m.Identity().Anonymous() {
		t.Fatalf("after disconnect: state=%s identity=%+v", m.State(), m.Identity())
	}
}

func TestConnectionManagerRejectedAuth(t *testing.T) {
	srv := newTestWSServer(t)
	srv.authType = frameError
	m := newTestManager(t, srv)

	m.Connect(context.Background(), hrUser)
	eventually(t, "a retry", func() bool { return srv.dials() >= 2 })
	if m.IsConnected() {
		t.Fatal("connected without an authentication ack")
	}
}

func TestConnectionManagerIdentityChange(t *testing.T) {
	srv := newTestWSServer(t)
	m := newTestManager(t, srv)
	ctx := context.Background()

	m.Connect(ctx, hrUser)
	eventually(t, "first connection", m.IsConnected)

	other := Identity{UserID: "9", Role: RoleCandidate, Token: "tok9"}
	m.Connect(ctx, other)
	eventually(t, "second connection", func() bool { return m.IsConnected() && srv.dials() == 2 })
	if !m.Identity().Equal(other) {
		t.Fatalf("identity = %+v", m.Identity())
	}

	m.Connect(ctx, Identity{})
	if m.State() != StateDisconnected {
		t.Fatalf("anonymous connect left state %s", m.State())
	}
}

// ============================================================================
// Subscriptions
// ============================================================================

func TestConnectionManagerSubscribeRoute(t *testing.T) {
	srv := newTestWSServer(t)
	m := newTestManager(t, srv)
	ctx := context.Background()

	if _, err := m.Subscribe(ctx, "/topic/x", func(TopicFrame) {}); err != ErrNotConnected {
		t.Fatalf("subscribe offline: err = %v", err)
	}

	m.Connect(ctx, hrUser)
	eventually(t, "connected", m.IsConnected)

	got := make(chan TopicFrame, 10)
	subA, err := m.Subscribe(ctx, "/topic/a", func(f TopicFrame) { got <- f })
	if err != nil {
		t.Fatal(err)
	}
	subB, err := m.Subscribe(ctx, "/topic/b", func(f TopicFrame) { got <- f })
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"/topic/a", "/topic/b"} {
		cmd := srv.nextCommand(t)
		if cmd.Type != frameSubscribe || cmd.Topic != want {
			t.Fatalf("command = %+v, want subscribe %s", cmd, want)
		}
	}

	srv.publish(t, 0, subA, "/topic/a", `{"n":1}`)
	select {
	case f := <-got:
		if f.Topic != "/topic/a" || string(f.Body) != `{"n":1}` {
			t.Fatalf("frame = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}

	if err := m.Unsubscribe(ctx, subA); err != nil {
		t.Fatal(err)
	}
	if cmd := srv.nextCommand(t); cmd.Type != frameUnsubscribe || cmd.ID != subA {
		t.Fatalf("command = %+v", cmd)
	}

	// Frames for a dropped subscription are ignored; later frames still flow.
	srv.publish(t, 0, subA, "/topic/a", `{"n":2}`)
	srv.publish(t, 0, subB, "/topic/b", `{"n":3}`)
	select {
	case f := <-got:
		if string(f.Body) != `{"n":3}` {
			t.Fatalf("frame = %s, unsubscribed frame was delivered", f.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}

	if err := m.Unsubscribe(ctx, "sub-unknown"); err != nil {
		t.Fatalf("unknown unsubscribe: %v", err)
	}
}

func TestConnectionManagerHandlerPanic(t *testing.T) {
	srv := newTestWSServer(t)
	m := newTestManager(t, srv)
	ctx := context.Background()
	m.Connect(ctx, hrUser)
	eventually(t, "connected", m.IsConnected)

	got := make(chan struct{}, 1)
	bad, _ := m.Subscribe(ctx, "/topic/bad", func(TopicFrame) { panic("boom") })
	good, _ := m.Subscribe(ctx, "/topic/good", func(TopicFrame) { got <- struct{}{} })
	srv.nextCommand(t)
	srv.nextCommand(t)

	srv.publish(t, 0, bad, "/topic/bad", `{}`)
	srv.publish(t, 0, good, "/topic/good", `{}`)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive a panicking handler")
	}
	if !m.IsConnected() {
		t.Fatal("disconnected after handler panic")
	}
}

func TestConnectionManagerReconnectResubscribes(t *testing.T) {
	srv := newTestWSServer(t)
	m := newTestManager(t, srv)
	sink := &recordingSink{}
	topics := NewTopicSubscriber(m, sink, discardLogger(), nil)
	topics.Attach(m)
	ctx := context.Background()

	var mu sync.Mutex
	var drops []error
	m.OnDisconnected(func(err error) {
		mu.Lock()
		drops = append(drops, err)
		mu.Unlock()
	})

	topics.SetIdentity(ctx, hrUser)
	topics.SetRoom(ctx, "A")
	topics.SetRoom(ctx, "B")
	m.Connect(ctx, hrUser)

	want := []string{"/topic/chat/5", "/topic/notifications/5", "/topic/room/B"}
	readSubscribes := func(conn int) map[string]string {
		ids := map[string]string{}
		for len(ids) < len(want) {
			cmd := srv.nextCommand(t)
			if cmd.conn != conn || cmd.Type != frameSubscribe {
				t.Fatalf("unexpected command %+v", cmd)
			}
			ids[cmd.Topic] = cmd.ID
		}
		return ids
	}
	keys := func(m map[string]string) []string {
		var out []string
		for k := range m {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	}

	if got := keys(readSubscribes(0)); !reflect.DeepEqual(got, want) {
		t.Fatalf("first connection topics = %v, want %v", got, want)
	}

	srv.drop(0)
	ids := readSubscribes(1)
	if got := keys(ids); !reflect.DeepEqual(got, want) {
		t.Fatalf("topics after reconnect = %v, want %v", got, want)
	}
	eventually(t, "reconnected", m.IsConnected)

	mu.Lock()
	if len(drops) != 1 || drops[0] == nil {
		t.Errorf("disconnect callbacks = %v, want one unintentional drop", drops)
	}
	mu.Unlock()

	srv.publish(t, 1, ids["/topic/room/B"], "/topic/room/B", `{"id":1}`)
	eventually(t, "delivery", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.calls) == 1 && sink.calls[0].kind == "message"
	})

	if got := m.Topics(); len(got) != 3 {
		t.Fatalf("manager topics = %v", got)
	}
}
