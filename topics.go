package chatsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// ============================================================================
// Topic names
// ============================================================================

// NotificationTopic carries system alerts for one user.
func NotificationTopic(userID string) string { return "/topic/notifications/" + userID }

// ChatActivityTopic carries coarse "your conversations changed" signals for
// one user.
func ChatActivityTopic(userID string) string { return "/topic/chat/" + userID }

// RoomTopic carries full message payloads for one room.
func RoomTopic(roomID string) string { return "/topic/room/" + roomID }

// ============================================================================
// TopicSubscriber
// ============================================================================

// Transport is the part of the connection manager the subscriber drives.
type Transport interface {
	Subscribe(ctx context.Context, topic string, h FrameHandler) (string, error)
	Unsubscribe(ctx context.Context, subID string) error
	IsConnected() bool
	Identity() Identity
}

// EventSink receives decoded inbound events. The Reconciler implements it.
type EventSink interface {
	ApplyInboundNotification(raw []byte) error
	ApplyInboundChatActivity()
	ApplyInboundMessage(raw []byte) error
}

// TopicSubscriber keeps the live subscription set equal to what the current
// identity and open room imply. It is the only component that subscribes, so
// any number of adapters share one subscription set.
type TopicSubscriber struct {
	transport Transport
	sink      EventSink
	log       *slog.Logger
	metrics   *Metrics

	mu       sync.Mutex
	identity Identity
	roomID   string
	active   map[string]string // topic -> subscription id
}

// NewTopicSubscriber creates a subscriber feeding sink. logger and metrics may
// be nil.
func NewTopicSubscriber(t Transport, sink EventSink, logger *slog.Logger, metrics *Metrics) *TopicSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopicSubscriber{
		transport: t,
		sink:      sink,
		log:       logger.With("component", "topics"),
		metrics:   metrics,
		active:    make(map[string]string),
	}
}

// Attach wires the subscriber to the connection lifecycle: every connect
// re-applies the full desired set, every drop forgets the dead subscriptions.
func (s *TopicSubscriber) Attach(m *ConnectionManager) {
	m.OnConnected(func() { s.Resync(context.Background()) })
	m.OnDisconnected(func(error) { s.reset() })
}

// SetIdentity switches the user the topic set is derived from. An anonymous
// identity clears every topic, including the open room.
func (s *TopicSubscriber) SetIdentity(ctx context.Context, id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.identity.Equal(id) || id.Anonymous() {
		s.roomID = ""
	}
	s.identity = id
	s.applyLocked(ctx)
}

// SetRoom makes roomID the single open room.
func (s *TopicSubscriber) SetRoom(ctx context.Context, roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
	s.applyLocked(ctx)
}

// ClearRoom drops the open room topic.
func (s *TopicSubscriber) ClearRoom(ctx context.Context) {
	s.SetRoom(ctx, "")
}

// Resync re-subscribes the whole desired set on a fresh connection.
func (s *TopicSubscriber) Resync(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = make(map[string]string)
	s.applyLocked(ctx)
}

// Topics returns the currently subscribed topics, sorted.
func (s *TopicSubscriber) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for t := range s.active {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *TopicSubscriber) reset() {
	s.mu.Lock()
	s.active = make(map[string]string)
	s.mu.Unlock()
}

func (s *TopicSubscriber) desiredLocked() map[string]FrameHandler {
	want := make(map[string]FrameHandler)
	if s.identity.Anonymous() {
		return want
	}
	want[NotificationTopic(s.identity.UserID)] = s.onNotification
	want[ChatActivityTopic(s.identity.UserID)] = s.onChatActivity
	if s.roomID != "" {
		want[RoomTopic(s.roomID)] = s.onRoomMessage
	}
	return want
}

// applyLocked unsubscribes stale topics before subscribing new ones.
func (s *TopicSubscriber) applyLocked(ctx context.Context) {
	want := s.desiredLocked()

	for topic, subID := range s.active {
		if _, ok := want[topic]; ok {
			continue
		}
		delete(s.active, topic)
		if err := s.transport.Unsubscribe(ctx, subID); err != nil {
			s.log.Debug("unsubscribe failed", "topic", topic, "error", err)
		}
	}

	// A connection still owned by a previous identity gets no new topics.
	if !s.transport.IsConnected() || !s.transport.Identity().Equal(s.identity) {
		return
	}
	for topic, h := range want {
		if _, ok := s.active[topic]; ok {
			continue
		}
		subID, err := s.transport.Subscribe(ctx, topic, h)
		if err != nil {
			// Picked up again by the next Resync.
			s.log.Warn("subscribe failed", "topic", topic, "error", err)
			continue
		}
		s.active[topic] = subID
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *TopicSubscriber) onNotification(f TopicFrame) {
	s.guard(f.Topic, func() error { return s.sink.ApplyInboundNotification(f.Body) })
}

// onChatActivity treats a frame carrying a full message as a message for a
// room that may not be open; anything else is a bare invalidation signal.
func (s *TopicSubscriber) onChatActivity(f TopicFrame) {
	s.guard(f.Topic, func() error {
		if looksLikeMessage(f.Body) {
			if err := s.sink.ApplyInboundMessage(f.Body); err == nil {
				return nil
			}
		}
		s.sink.ApplyInboundChatActivity()
		return nil
	})
}

func (s *TopicSubscriber) onRoomMessage(f TopicFrame) {
	s.guard(f.Topic, func() error { return s.sink.ApplyInboundMessage(f.Body) })
}

func (s *TopicSubscriber) guard(topic string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.dropped("handler_panic")
			s.log.Error("topic handler panicked", "topic", topic, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		s.log.Debug("dropping inbound event", "topic", topic, "error", err)
	}
}

func looksLikeMessage(body []byte) bool {
	var probe struct {
		ID       json.RawMessage `json:"id"`
		SenderID json.RawMessage `json:"senderId"`
	}
	if json.Unmarshal(body, &probe) != nil {
		return false
	}
	return len(probe.ID) > 0 && len(probe.SenderID) > 0
}
