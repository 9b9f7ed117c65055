package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a Session.
type SessionConfig struct {
	Realtime RealtimeConfig

	// Endpoint maps a token to the live channel URL. Defaults to the backend's
	// WSURL method when it has one; without either the session runs on
	// snapshots only.
	Endpoint func(token string) string

	NotificationWindow   int
	DedupWindow          time.Duration
	PageSize             int
	MaxConversationPages int

	// RefetchInterval spaces out refetches triggered by live signals.
	RefetchInterval time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
	Now     func() time.Time
}

func (c *SessionConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.NotificationWindow <= 0 {
		c.NotificationWindow = DefaultNotificationWindow
	}
	if c.MaxConversationPages <= 0 {
		c.MaxConversationPages = 5
	}
	if c.RefetchInterval <= 0 {
		c.RefetchInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Realtime.Logger == nil {
		c.Realtime.Logger = c.Logger
	}
	if c.Realtime.Metrics == nil {
		c.Realtime.Metrics = c.Metrics
	}
}

// ============================================================================
// Session
// ============================================================================

// Session scopes the live channel, the topic set and the reconciled view to
// one signed-in user. Presentation adapters read from it and call its actions;
// they never touch the transport.
type Session struct {
	backend Backend
	cfg     SessionConfig
	log     *slog.Logger
	conn    *ConnectionManager
	topics  *TopicSubscriber
	feed    changeFeed

	opMu sync.Mutex // serializes identity changes

	mu            sync.Mutex
	closed        bool
	identity      Identity
	rec           *Reconciler
	unsubscribe   func()
	convRefresh   *refresher
	notifRefresh  *refresher
	connectedOnce bool
}

// NewSession creates a session over backend. Call Start to sign a user in.
func NewSession(backend Backend, config SessionConfig) *Session {
	cfg := config
	cfg.defaults()
	s := &Session{
		backend: backend,
		cfg:     cfg,
		log:     cfg.Logger.With("component", "session"),
	}
	s.feed.log = s.log

	endpoint := cfg.Endpoint
	if endpoint == nil {
		if w, ok := backend.(interface{ WSURL(string) string }); ok {
			endpoint = w.WSURL
		}
	}
	if endpoint != nil {
		s.conn = NewConnectionManager(endpoint, cfg.Realtime)
		s.topics = NewTopicSubscriber(s.conn, s, cfg.Logger, cfg.Metrics)
		s.topics.Attach(s.conn)
		s.conn.OnConnected(s.onConnected)
	} else {
		s.log.Warn("no live endpoint configured, running on snapshots only")
	}

	s.installLocked(Identity{})
	return s
}

// Start signs id in: it loads the initial snapshots, then opens the live
// channel. Snapshot errors are returned but leave the session running.
func (s *Session) Start(ctx context.Context, id Identity) error {
	return s.SetIdentity(ctx, id)
}

// SetIdentity switches the session to id. An equal identity only rotates the
// token. A different one tears down every subscription and the old view
// before anything is scoped to the new user. An anonymous identity signs out.
func (s *Session) SetIdentity(ctx context.Context, id Identity) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	same := s.identity.Equal(id) && !id.Anonymous()
	s.identity = id
	s.mu.Unlock()

	if ts, ok := s.backend.(interface{ SetToken(string) }); ok {
		ts.SetToken(id.Token)
	}
	if same {
		if s.conn != nil {
			s.conn.SetToken(id.Token)
		}
		return nil
	}

	if s.topics != nil {
		s.topics.SetIdentity(ctx, id)
		s.conn.Disconnect()
	}

	s.mu.Lock()
	old := s.teardownLocked()
	s.installLocked(id)
	s.mu.Unlock()
	old()

	s.feed.emit(Change{Kind: ChangeConversations | ChangeMessages | ChangeNotifications})

	if id.Anonymous() {
		return nil
	}
	err := errors.Join(s.RefreshConversations(ctx), s.RefreshNotifications(ctx))
	if s.conn != nil {
		s.conn.Connect(ctx, id)
	}
	return err
}

// Stop signs out and releases every resource. The session cannot be reused.
func (s *Session) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.topics != nil {
		s.topics.SetIdentity(context.Background(), Identity{})
		s.conn.Disconnect()
	}
	s.mu.Lock()
	old := s.teardownLocked()
	s.mu.Unlock()
	old()
	s.feed.removeAll()
}

func (s *Session) installLocked(id Identity) {
	s.convRefresh = newRefresher(s.cfg.RefetchInterval, 1, func(ctx context.Context) {
		_ = s.RefreshConversations(ctx)
	})
	s.notifRefresh = newRefresher(s.cfg.RefetchInterval, 1, func(ctx context.Context) {
		_ = s.RefreshNotifications(ctx)
	})
	conv := s.convRefresh
	s.rec = NewReconciler(ReconcilerConfig{
		Self:               id,
		NotificationWindow: s.cfg.NotificationWindow,
		DedupWindow:        s.cfg.DedupWindow,
		OnInvalidate:       conv.Trigger,
		Logger:             s.cfg.Logger,
		Metrics:            s.cfg.Metrics,
		Now:                s.cfg.Now,
	})
	s.unsubscribe = s.rec.Subscribe(s.feed.emit)
	s.connectedOnce = false
}

// teardownLocked detaches the current view and returns the func that stops
// it; call that outside the lock since it waits for in-flight fetches.
func (s *Session) teardownLocked() func() {
	rec, unsub, conv, notif := s.rec, s.unsubscribe, s.convRefresh, s.notifRefresh
	return func() {
		unsub()
		rec.Close()
		conv.Stop()
		notif.Stop()
	}
}

func (s *Session) onConnected() {
	s.mu.Lock()
	again := s.connectedOnce
	s.connectedOnce = true
	conv, notif := s.convRefresh, s.notifRefresh
	s.mu.Unlock()

	// Events pushed while the channel was down are lost; converge on the
	// snapshots.
	if again {
		conv.Trigger()
		notif.Trigger()
	}
}

// ============================================================================
// Read side
// ============================================================================

// View returns the reconciled view of the current identity.
func (s *Session) View() *Reconciler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

// Identity returns the signed-in identity.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Subscribe registers a listener that survives identity changes.
func (s *Session) Subscribe(l ChangeListener) func() {
	return s.feed.subscribe(l)
}

// Connection returns the connection manager, nil when the session runs on
// snapshots only.
func (s *Session) Connection() *ConnectionManager { return s.conn }

// Topics returns the currently subscribed topics.
func (s *Session) Topics() []string {
	if s.topics == nil {
		return nil
	}
	return s.topics.Topics()
}

// EventSink implementation: frames go to whichever view is current.

func (s *Session) ApplyInboundNotification(raw []byte) error {
	return s.View().ApplyInboundNotification(raw)
}

func (s *Session) ApplyInboundChatActivity() {
	s.View().ApplyInboundChatActivity()
}

func (s *Session) ApplyInboundMessage(raw []byte) error {
	return s.View().ApplyInboundMessage(raw)
}

// ============================================================================
// Snapshot actions
// ============================================================================

// RefreshConversations refetches the conversation list. On failure the loaded
// list is kept and a notice is published.
func (s *Session) RefreshConversations(ctx context.Context) error {
	rec, ok := s.signedIn()
	if !ok {
		return nil
	}
	gen := rec.BeginConversationFetch()
	s.cfg.Metrics.fetch("conversations")

	var all []Conversation
	for page := 0; page < s.cfg.MaxConversationPages; page++ {
		p, err := s.backend.ListRooms(ctx, PageRequest{Page: page, Size: s.cfg.PageSize})
		if err != nil {
			if ctx.Err() == nil {
				rec.Notify("Could not load conversations", err)
			}
			return fmt.Errorf("list rooms: %w", err)
		}
		all = append(all, p.Content...)
		if p.Last || page+1 >= p.TotalPages {
			break
		}
	}
	rec.ReplaceConversations(gen, all)
	return nil
}

// RefreshNotifications refetches the notification window and the
// authoritative unread count.
func (s *Session) RefreshNotifications(ctx context.Context) error {
	rec, ok := s.signedIn()
	if !ok {
		return nil
	}
	gen := rec.BeginNotificationFetch()
	s.cfg.Metrics.fetch("notifications")

	page, err := s.backend.ListNotifications(ctx, PageRequest{Size: s.cfg.NotificationWindow})
	if err != nil {
		if ctx.Err() == nil {
			rec.Notify("Could not load notifications", err)
		}
		return fmt.Errorf("list notifications: %w", err)
	}
	n, err := s.backend.UnreadNotificationCount(ctx)
	if err != nil {
		rec.ReplaceNotifications(gen, page.Content)
		if ctx.Err() == nil {
			rec.Notify("Could not load unread count", err)
		}
		return fmt.Errorf("unread count: %w", err)
	}
	rec.ReplaceNotifications(gen, page.Content)
	rec.SetUnreadCount(gen, n)
	return nil
}

// OpenRoom makes roomID the open room: its topic is subscribed, its unread
// count cleared and its history fetched. A history page that arrives after
// the user moved on is discarded.
func (s *Session) OpenRoom(ctx context.Context, roomID string) error {
	rec, ok := s.signedIn()
	if !ok {
		return ErrSessionClosed
	}
	gen := rec.OpenRoom(roomID)
	if s.topics != nil {
		s.topics.SetRoom(ctx, roomID)
	}
	if err := s.backend.MarkRoomRead(ctx, roomID); err != nil {
		s.log.Warn("mark room read failed", "room_id", roomID, "error", err)
	}
	return s.loadMessages(ctx, rec, roomID, gen)
}

// RefreshMessages refetches the open room's history.
func (s *Session) RefreshMessages(ctx context.Context) error {
	rec, ok := s.signedIn()
	if !ok {
		return ErrSessionClosed
	}
	roomID, gen := rec.OpenRoomID()
	if roomID == "" {
		return nil
	}
	return s.loadMessages(ctx, rec, roomID, gen)
}

func (s *Session) loadMessages(ctx context.Context, rec *Reconciler, roomID string, gen uint64) error {
	s.cfg.Metrics.fetch("messages")
	page, err := s.backend.ListMessages(ctx, roomID, PageRequest{Size: s.cfg.PageSize})
	if err != nil {
		if ctx.Err() == nil {
			rec.Notify("Could not load messages", err)
		}
		return fmt.Errorf("list messages: %w", err)
	}
	if !rec.MergeMessages(roomID, gen, page.Content) {
		s.log.Debug("discarding stale history page", "room_id", roomID)
	}
	return nil
}

// CloseRoom leaves the open room.
func (s *Session) CloseRoom(ctx context.Context) {
	s.View().CloseRoom()
	if s.topics != nil {
		s.topics.ClearRoom(ctx)
	}
}

// ============================================================================
// Write actions
// ============================================================================

// SendMessage appends an optimistic copy with a fresh client id, posts the
// message and swaps in the stored copy. On failure the copy stays, flagged
// failed, and a notice is published.
func (s *Session) SendMessage(ctx context.Context, roomID, content string) (*Message, error) {
	rec, ok := s.signedIn()
	if !ok {
		return nil, ErrSessionClosed
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("message content is required")
	}

	clientID := uuid.NewString()
	rec.AddOptimisticMessage(Message{
		ID:        "tmp-" + clientID,
		ClientID:  clientID,
		RoomID:    roomID,
		SenderID:  rec.Self().UserID,
		Content:   content,
		Timestamp: s.cfg.Now().UTC(),
	})

	msg, err := s.backend.SendMessage(ctx, roomID, SendOptions{Content: content, ClientID: clientID})
	if err != nil {
		rec.FailMessage(roomID, clientID)
		rec.Notify("Message not sent", err)
		return nil, fmt.Errorf("send message: %w", err)
	}
	rec.ConfirmMessage(clientID, *msg)
	return msg, nil
}

// CreateRoom opens a conversation with a participant and makes it the open
// room.
func (s *Session) CreateRoom(ctx context.Context, opts CreateRoomOptions) (*Conversation, error) {
	rec, ok := s.signedIn()
	if !ok {
		return nil, ErrSessionClosed
	}
	conv, err := s.backend.CreateRoom(ctx, opts)
	if err != nil {
		rec.Notify("Could not start conversation", err)
		return nil, fmt.Errorf("create room: %w", err)
	}
	rec.UpsertConversation(*conv)
	if err := s.OpenRoom(ctx, conv.ID); err != nil {
		return conv, err
	}
	return conv, nil
}

// MarkRoomRead clears a conversation's unread count locally, then on the
// server.
func (s *Session) MarkRoomRead(ctx context.Context, roomID string) error {
	rec, ok := s.signedIn()
	if !ok {
		return ErrSessionClosed
	}
	rec.MarkConversationRead(roomID)
	if err := s.backend.MarkRoomRead(ctx, roomID); err != nil {
		rec.Notify("Could not mark conversation read", err)
		return fmt.Errorf("mark room read: %w", err)
	}
	return nil
}

// MarkNotificationRead flips one notification locally, then on the server.
// A server failure is not rolled back; the next refresh reconciles.
func (s *Session) MarkNotificationRead(ctx context.Context, id string) error {
	rec, ok := s.signedIn()
	if !ok {
		return ErrSessionClosed
	}
	rec.MarkNotificationRead(id)
	if err := s.backend.MarkNotificationRead(ctx, id); err != nil {
		rec.Notify("Could not mark notification read", err)
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// MarkAllNotificationsRead flips every notification locally, then on the
// server.
func (s *Session) MarkAllNotificationsRead(ctx context.Context) error {
	rec, ok := s.signedIn()
	if !ok {
		return ErrSessionClosed
	}
	rec.MarkAllNotificationsRead()
	if err := s.backend.MarkAllNotificationsRead(ctx); err != nil {
		rec.Notify("Could not mark notifications read", err)
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

func (s *Session) signedIn() (*Reconciler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.identity.Anonymous() {
		return s.rec, false
	}
	return s.rec, true
}
