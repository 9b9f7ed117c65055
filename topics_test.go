package chatsync

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeTransport records subscribe/unsubscribe calls in order.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	identity  Identity
	seq       int
	subs      map[string]string // id -> topic
	handlers  map[string]FrameHandler
	calls     []string
	failTopic string
}

func newFakeTransport(id Identity) *fakeTransport {
	return &fakeTransport{connected: true, identity: id, subs: map[string]string{}, handlers: map[string]FrameHandler{}}
}

func (f *fakeTransport) Subscribe(_ context.Context, topic string, h FrameHandler) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if topic == f.failTopic {
		return "", errors.New("boom")
	}
	f.seq++
	id := fmt.Sprintf("s%d", f.seq)
	f.subs[id] = topic
	f.handlers[topic] = h
	f.calls = append(f.calls, "+"+topic)
	return id, nil
}

func (f *fakeTransport) Unsubscribe(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	topic := f.subs[id]
	delete(f.subs, id)
	delete(f.handlers, topic)
	f.calls = append(f.calls, "-"+topic)
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Identity() Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity
}

func (f *fakeTransport) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, t := range f.subs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// dropAll simulates a transport reconnect: the server forgets everything.
func (f *fakeTransport) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = map[string]string{}
	f.handlers = map[string]FrameHandler{}
	f.calls = nil
}

func (f *fakeTransport) deliver(topic string, body string) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h != nil {
		h(TopicFrame{Topic: topic, Body: []byte(body)})
	}
}

type sinkCall struct {
	kind string
	body string
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
	err   error
	panic bool
}

func (s *recordingSink) record(kind, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panic {
		panic("sink bug")
	}
	s.calls = append(s.calls, sinkCall{kind, body})
	return s.err
}

func (s *recordingSink) ApplyInboundNotification(raw []byte) error {
	return s.record("notification", string(raw))
}
func (s *recordingSink) ApplyInboundChatActivity() { _ = s.record("activity", "") }
func (s *recordingSink) ApplyInboundMessage(raw []byte) error {
	return s.record("message", string(raw))
}

var hrUser = Identity{UserID: "5", Role: RoleHR, Token: "tok"}

// ============================================================================
// Topic set
// ============================================================================

func TestTopicSubscriberIdentity(t *testing.T) {
	tr := newFakeTransport(hrUser)
	s := NewTopicSubscriber(tr, &recordingSink{}, nil, nil)
	ctx := context.Background()

	s.SetIdentity(ctx, hrUser)
	want := []string{"/topic/chat/5", "/topic/notifications/5"}
	if got := tr.topics(); !reflect.DeepEqual(got, want) {
		t.Fatalf("topics = %v, want %v", got, want)
	}

	s.SetIdentity(ctx, hrUser)
	if len(tr.calls) != 2 {
		t.Fatalf("calls = %v, re-setting the same identity must not resubscribe", tr.calls)
	}

	s.SetIdentity(ctx, Identity{})
	if got := tr.topics(); len(got) != 0 {
		t.Fatalf("topics = %v after sign-out", got)
	}
	if got := s.Topics(); len(got) != 0 {
		t.Fatalf("subscriber still tracks %v", got)
	}
}

func TestTopicSubscriberRoomSwitch(t *testing.T) {
	tr := newFakeTransport(hrUser)
	s := NewTopicSubscriber(tr, &recordingSink{}, nil, nil)
	ctx := context.Background()
	s.SetIdentity(ctx, hrUser)

	s.SetRoom(ctx, "A")
	tr.calls = nil
	s.SetRoom(ctx, "B")

	if want := []string{"-/topic/room/A", "+/topic/room/B"}; !reflect.DeepEqual(tr.calls, want) {
		t.Fatalf("calls = %v, want unsubscribe before subscribe %v", tr.calls, want)
	}

	s.ClearRoom(ctx)
	want := []string{"/topic/chat/5", "/topic/notifications/5"}
	if got := tr.topics(); !reflect.DeepEqual(got, want) {
		t.Fatalf("topics = %v, want %v", got, want)
	}
}

func TestTopicSubscriberResync(t *testing.T) {
	tr := newFakeTransport(hrUser)
	s := NewTopicSubscriber(tr, &recordingSink{}, nil, nil)
	ctx := context.Background()
	s.SetIdentity(ctx, hrUser)
	s.SetRoom(ctx, "A")
	s.SetRoom(ctx, "B")

	tr.dropAll()
	s.Resync(ctx)

	want := []string{"/topic/chat/5", "/topic/notifications/5", "/topic/room/B"}
	if got := tr.topics(); !reflect.DeepEqual(got, want) {
		t.Fatalf("topics after reconnect = %v, want %v", got, want)
	}
	if len(tr.calls) != 3 {
		t.Fatalf("calls = %v, want exactly three subscribes", tr.calls)
	}
}

func TestTopicSubscriberOfflineAndForeignConnection(t *testing.T) {
	tr := newFakeTransport(hrUser)
	tr.connected = false
	s := NewTopicSubscriber(tr, &recordingSink{}, nil, nil)
	ctx := context.Background()

	s.SetIdentity(ctx, hrUser)
	if len(tr.calls) != 0 {
		t.Fatalf("subscribed while disconnected: %v", tr.calls)
	}

	// Connected, but still for the previous user.
	tr.connected = true
	tr.identity = Identity{UserID: "9", Role: RoleCandidate}
	s.Resync(ctx)
	if len(tr.calls) != 0 {
		t.Fatalf("subscribed on another user's connection: %v", tr.calls)
	}

	tr.identity = hrUser
	s.Resync(ctx)
	if len(tr.topics()) != 2 {
		t.Fatalf("topics = %v", tr.topics())
	}
}

func TestTopicSubscriberSubscribeFailure(t *testing.T) {
	tr := newFakeTransport(hrUser)
	tr.failTopic = "/topic/chat/5"
	s := NewTopicSubscriber(tr, &recordingSink{}, nil, nil)
	ctx := context.Background()

	s.SetIdentity(ctx, hrUser)
	if got := s.Topics(); !reflect.DeepEqual(got, []string{"/topic/notifications/5"}) {
		t.Fatalf("topics = %v", got)
	}
	tr.failTopic = ""
	s.Resync(ctx)
	if len(s.Topics()) != 2 {
		t.Fatalf("failed topic not picked up by resync: %v", s.Topics())
	}
}

// ============================================================================
// Handlers
// ============================================================================

func TestTopicSubscriberRouting(t *testing.T) {
	tr := newFakeTransport(hrUser)
	sink := &recordingSink{}
	s := NewTopicSubscriber(tr, sink, nil, nil)
	ctx := context.Background()
	s.SetIdentity(ctx, hrUser)
	s.SetRoom(ctx, "7")

	tr.deliver("/topic/notifications/5", `{"id":1}`)
	tr.deliver("/topic/chat/5", `{"type":"ROOM_UPDATED"}`)
	tr.deliver("/topic/chat/5", `{"id":9,"senderId":3,"roomId":8,"content":"x","timestamp":"2026-03-01T10:00:00Z"}`)
	tr.deliver("/topic/room/7", `{"id":10}`)

	want := []string{"notification", "activity", "message", "message"}
	if len(sink.calls) != len(want) {
		t.Fatalf("calls = %+v", sink.calls)
	}
	for i, k := range want {
		if sink.calls[i].kind != k {
			t.Fatalf("call %d = %s, want %s", i, sink.calls[i].kind, k)
		}
	}
}

func TestTopicSubscriberHandlerIsolation(t *testing.T) {
	tr := newFakeTransport(hrUser)
	sink := &recordingSink{err: errMalformed}
	s := NewTopicSubscriber(tr, sink, nil, nil)
	s.SetIdentity(context.Background(), hrUser)

	// Errors are swallowed.
	tr.deliver("/topic/notifications/5", `garbage`)

	// Panics are recovered.
	sink.panic = true
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("panic escaped the handler: %v", r)
			}
		}()
		tr.deliver("/topic/notifications/5", `{}`)
	}()
}
