package chatsync

import (
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ============================================================================
// Change feed
// ============================================================================

// ChangeKind tells listeners which read model changed. Kinds may be or'ed.
type ChangeKind int

const (
	ChangeConversations ChangeKind = 1 << iota
	ChangeMessages
	ChangeNotifications
	ChangeNotice
)

// Change describes one state transition.
type Change struct {
	Kind   ChangeKind
	RoomID string // set with ChangeMessages
	Notice string // set with ChangeNotice
	Err    error
}

// Has reports whether c includes kind.
func (c Change) Has(kind ChangeKind) bool { return c.Kind&kind != 0 }

// ChangeListener is called after every state transition, outside the
// reconciler lock.
type ChangeListener func(Change)

type changeFeed struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]ChangeListener
	log       *slog.Logger
}

func (f *changeFeed) subscribe(l ChangeListener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listeners == nil {
		f.listeners = make(map[int]ChangeListener)
	}
	id := f.next
	f.next++
	f.listeners[id] = l
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *changeFeed) emit(c Change) {
	if c.Kind == 0 {
		return
	}
	f.mu.RLock()
	ids := make([]int, 0, len(f.listeners))
	for id := range f.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]ChangeListener, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, f.listeners[id])
	}
	f.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.log.Error("change listener panicked", "panic", r)
				}
			}()
			h(c)
		}()
	}
}

func (f *changeFeed) removeAll() {
	f.mu.Lock()
	f.listeners = nil
	f.mu.Unlock()
}

// ============================================================================
// Reconciler
// ============================================================================

const (
	DefaultDedupWindow        = 5 * time.Second
	DefaultNotificationWindow = 10

	seenCapacity = 512
)

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	// Self is the signed-in user. Inbound messages authored by Self never bump
	// unread counters.
	Self Identity

	// NotificationWindow bounds the in-memory notification list. Eviction never
	// touches the unread counter.
	NotificationWindow int

	// DedupWindow is how far apart an echo and a pending local copy with the
	// same sender and content may be and still be treated as one message.
	DedupWindow time.Duration

	// OnInvalidate is called, outside the lock, when the conversation list
	// should be refetched.
	OnInvalidate func()

	Logger  *slog.Logger
	Metrics *Metrics
	Now     func() time.Time
}

func (c *ReconcilerConfig) defaults() {
	if c.NotificationWindow <= 0 {
		c.NotificationWindow = DefaultNotificationWindow
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Reconciler owns the session's in-memory view: conversations, per-room
// message logs, the notification window and both unread counters. Every
// mutation goes through its methods; consumers observe it through the read
// models and the change feed.
type Reconciler struct {
	feed changeFeed
	cfg  ReconcilerConfig
	log  *slog.Logger

	mu            sync.Mutex
	closed        bool
	conversations map[string]Conversation
	messages      map[string][]Message
	notifications []Notification
	unread        int
	openRoom      string
	roomGen       uint64
	convGen       uint64
	notifGen      uint64
	seen          map[string]struct{}
	seenOrder     []string
	lastNotice    string
}

// NewReconciler creates an empty view for cfg.Self.
func NewReconciler(config ReconcilerConfig) *Reconciler {
	cfg := config
	cfg.defaults()
	log := cfg.Logger.With("component", "reconciler")
	return &Reconciler{
		feed:          changeFeed{log: log},
		cfg:           cfg,
		log:           log,
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
		seen:          make(map[string]struct{}),
	}
}

// Subscribe registers a listener and returns its cancel func.
func (r *Reconciler) Subscribe(l ChangeListener) func() {
	return r.feed.subscribe(l)
}

// Close tears the view down. Later mutations are ignored and no listener is
// called again.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.feed.removeAll()
}

// Self returns the identity the view belongs to.
func (r *Reconciler) Self() Identity { return r.cfg.Self }

// mutate runs fn under the lock and emits the change it returns.
func (r *Reconciler) mutate(fn func() Change) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	c := fn()
	r.mu.Unlock()
	r.feed.emit(c)
}

// ============================================================================
// Inbound events
// ============================================================================

// ApplyInboundNotification prepends a pushed notification and counts it. A
// malformed payload is dropped without touching state.
func (r *Reconciler) ApplyInboundNotification(raw []byte) error {
	n, err := parseNotification(raw, r.cfg.Now())
	if err != nil {
		r.cfg.Metrics.dropped("malformed_notification")
		return err
	}
	r.cfg.Metrics.inbound("notification")
	r.mutate(func() Change {
		r.upsertNotificationLocked(n)
		if !n.Read {
			r.unread++
		}
		return Change{Kind: ChangeNotifications}
	})
	return nil
}

func (r *Reconciler) upsertNotificationLocked(n Notification) {
	list := make([]Notification, 0, len(r.notifications)+1)
	list = append(list, n)
	for _, existing := range r.notifications {
		if existing.ID != n.ID {
			list = append(list, existing)
		}
	}
	if len(list) > r.cfg.NotificationWindow {
		list = list[:r.cfg.NotificationWindow]
	}
	r.notifications = list
}

// ApplyInboundChatActivity handles the coarse activity signal by asking for a
// conversation list refetch. The signal carries no usable detail.
func (r *Reconciler) ApplyInboundChatActivity() {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	r.cfg.Metrics.inbound("chat_activity")
	r.invalidate()
}

// ApplyInboundMessage merges a pushed message. Messages for the open room are
// inserted in timestamp order and de-duplicated against local copies; messages
// for any other room only touch that conversation's preview and unread count
// and trigger a list refetch.
func (r *Reconciler) ApplyInboundMessage(raw []byte) error {
	msg, err := parseMessage(raw, "")
	if err != nil {
		r.cfg.Metrics.dropped("malformed_message")
		return err
	}
	r.cfg.Metrics.inbound("message")

	var refetch bool
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	var c Change
	if msg.RoomID == r.openRoom {
		if r.insertLocked(msg) {
			r.markSeenLocked(msg.ID)
			c.Kind |= ChangeMessages
			c.RoomID = msg.RoomID
			if r.touchConversationLocked(msg, false) {
				c.Kind |= ChangeConversations
			}
		}
	} else if !r.seenLocked(msg.ID) {
		r.markSeenLocked(msg.ID)
		if r.touchConversationLocked(msg, true) {
			c.Kind |= ChangeConversations
		}
		refetch = true
	}
	r.mu.Unlock()

	r.feed.emit(c)
	if refetch {
		r.invalidate()
	}
	return nil
}

func (r *Reconciler) invalidate() {
	if r.cfg.OnInvalidate != nil {
		r.cfg.OnInvalidate()
	}
}

func (r *Reconciler) seenLocked(id string) bool {
	_, ok := r.seen[id]
	return ok
}

func (r *Reconciler) markSeenLocked(id string) {
	if _, ok := r.seen[id]; ok {
		return
	}
	r.seen[id] = struct{}{}
	r.seenOrder = append(r.seenOrder, id)
	if len(r.seenOrder) > seenCapacity {
		delete(r.seen, r.seenOrder[0])
		r.seenOrder = r.seenOrder[1:]
	}
}

// touchConversationLocked moves msg into the conversation preview when it is
// at least as recent, and bumps unread for messages from other users.
func (r *Reconciler) touchConversationLocked(msg Message, countUnread bool) bool {
	c, ok := r.conversations[msg.RoomID]
	if !ok {
		return false
	}
	if !msg.Timestamp.Before(c.LastMessage.Time()) {
		m := msg
		c.LastMessage = LastMessage{Kind: LastMessageFull, Message: &m}
	}
	if countUnread && msg.SenderID != r.cfg.Self.UserID && !msg.Local() {
		c.UnreadCount++
	}
	r.conversations[msg.RoomID] = c
	return true
}

// ============================================================================
// Message log
// ============================================================================

// insertLocked merges msg into its room log. Matching runs by client id, then
// server id, then same sender and content within DedupWindow against a local
// copy. It reports whether the log changed.
func (r *Reconciler) insertLocked(msg Message) bool {
	log := r.messages[msg.RoomID]
	idx := r.matchLocked(log, msg)
	if idx < 0 {
		log = append(log, msg)
	} else {
		prev := log[idx]
		if prev.ID == msg.ID && prev.Status == msg.Status && prev.Content == msg.Content && !msg.Local() {
			return false
		}
		if msg.ClientID == "" {
			msg.ClientID = prev.ClientID
		}
		log[idx] = msg
		if msg.ID != "" {
			log = dropOtherIDs(log, idx, msg.ID)
		}
	}
	sortMessages(log)
	r.messages[msg.RoomID] = log
	return true
}

// dropOtherIDs removes entries other than keep that carry id. An echo that
// missed the dedup window is stored apart from its local copy until the
// confirmation gives both the same server id.
func dropOtherIDs(log []Message, keep int, id string) []Message {
	out := log[:0]
	for i, m := range log {
		if i != keep && m.ID == id {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (r *Reconciler) matchLocked(log []Message, msg Message) int {
	if msg.ClientID != "" {
		for i, m := range log {
			if m.ClientID == msg.ClientID {
				return i
			}
		}
	}
	if msg.ID != "" {
		for i, m := range log {
			if m.ID == msg.ID {
				return i
			}
		}
	}
	if msg.Local() {
		return -1
	}
	for i, m := range log {
		if m.Local() && m.SenderID == msg.SenderID && m.Content == msg.Content &&
			absDuration(m.Timestamp.Sub(msg.Timestamp)) <= r.cfg.DedupWindow {
			return i
		}
	}
	return -1
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// sortMessages orders by timestamp, then id. Numeric ids compare as numbers.
func sortMessages(log []Message) {
	sort.SliceStable(log, func(i, j int) bool {
		a, b := log[i], log[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return lessID(a.ID, b.ID)
	})
}

func lessID(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return a < b
}

// OpenRoom makes roomID the only room whose inbound messages are rendered and
// clears its unread count. The returned generation must accompany the
// room's snapshot merge.
func (r *Reconciler) OpenRoom(roomID string) uint64 {
	var gen uint64
	r.mutate(func() Change {
		r.roomGen++
		gen = r.roomGen
		r.openRoom = roomID
		if conv, ok := r.conversations[roomID]; ok && conv.UnreadCount > 0 {
			conv.UnreadCount = 0
			r.conversations[roomID] = conv
		}
		// Conversations too: the active row moved.
		return Change{Kind: ChangeMessages | ChangeConversations, RoomID: roomID}
	})
	return gen
}

// CloseRoom stops rendering inbound messages for the open room. In-flight
// snapshot merges for it are discarded.
func (r *Reconciler) CloseRoom() {
	r.mutate(func() Change {
		if r.openRoom == "" {
			return Change{}
		}
		roomID := r.openRoom
		r.openRoom = ""
		r.roomGen++
		return Change{Kind: ChangeMessages | ChangeConversations, RoomID: roomID}
	})
}

// OpenRoomID returns the open room and its generation.
func (r *Reconciler) OpenRoomID() (string, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openRoom, r.roomGen
}

// MergeMessages merges a fetched page into the room log. It reports false and
// changes nothing when roomID is no longer open under gen. Server copies
// replace local ones by the same matching rules as inbound messages.
func (r *Reconciler) MergeMessages(roomID string, gen uint64, msgs []Message) bool {
	applied := false
	r.mutate(func() Change {
		if roomID != r.openRoom || gen != r.roomGen {
			return Change{}
		}
		applied = true
		for _, m := range msgs {
			if m.RoomID == "" {
				m.RoomID = roomID
			}
			if m.RoomID != roomID {
				continue
			}
			r.insertLocked(m)
			r.markSeenLocked(m.ID)
		}
		return Change{Kind: ChangeMessages, RoomID: roomID}
	})
	return applied
}

// AddOptimisticMessage inserts a pending local copy. msg must carry a ClientID.
func (r *Reconciler) AddOptimisticMessage(msg Message) {
	msg.Status = StatusPending
	r.mutate(func() Change {
		r.insertLocked(msg)
		c := Change{Kind: ChangeMessages, RoomID: msg.RoomID}
		if r.touchConversationLocked(msg, false) {
			c.Kind |= ChangeConversations
		}
		return c
	})
}

// ConfirmMessage replaces the local copy identified by clientID with the
// stored server copy. If the live echo already did so, this is a no-op.
func (r *Reconciler) ConfirmMessage(clientID string, msg Message) {
	msg.ClientID = clientID
	r.mutate(func() Change {
		if !r.insertLocked(msg) {
			return Change{}
		}
		r.markSeenLocked(msg.ID)
		c := Change{Kind: ChangeMessages, RoomID: msg.RoomID}
		if r.touchConversationLocked(msg, false) {
			c.Kind |= ChangeConversations
		}
		return c
	})
}

// FailMessage flags a pending copy as failed. The copy stays in the log.
func (r *Reconciler) FailMessage(roomID, clientID string) {
	r.mutate(func() Change {
		log := r.messages[roomID]
		for i, m := range log {
			if m.ClientID == clientID && m.Status == StatusPending {
				log[i].Status = StatusFailed
				return Change{Kind: ChangeMessages, RoomID: roomID}
			}
		}
		return Change{}
	})
}

// Messages returns a copy of a room's ordered log.
func (r *Reconciler) Messages(roomID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages[roomID]...)
}

// ============================================================================
// Conversations
// ============================================================================

// BeginConversationFetch returns the token a list fetch must present to
// ReplaceConversations. Starting a fetch supersedes every earlier one.
func (r *Reconciler) BeginConversationFetch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convGen++
	return r.convGen
}

// ReplaceConversations installs a fetched list unless a newer fetch started
// since gen. The open room keeps a zero unread count.
func (r *Reconciler) ReplaceConversations(gen uint64, convs []Conversation) bool {
	applied := false
	r.mutate(func() Change {
		if gen != r.convGen {
			return Change{}
		}
		applied = true
		next := make(map[string]Conversation, len(convs))
		for _, c := range convs {
			if c.ID == r.openRoom {
				c.UnreadCount = 0
			}
			next[c.ID] = c
		}
		r.conversations = next
		return Change{Kind: ChangeConversations}
	})
	return applied
}

// UpsertConversation inserts or replaces one conversation.
func (r *Reconciler) UpsertConversation(c Conversation) {
	r.mutate(func() Change {
		r.conversations[c.ID] = c
		return Change{Kind: ChangeConversations}
	})
}

// MarkConversationRead zeroes one conversation's unread count. The
// notification counter is independent and untouched.
func (r *Reconciler) MarkConversationRead(roomID string) {
	r.mutate(func() Change {
		c, ok := r.conversations[roomID]
		if !ok || c.UnreadCount == 0 {
			return Change{}
		}
		c.UnreadCount = 0
		r.conversations[roomID] = c
		return Change{Kind: ChangeConversations}
	})
}

// Conversations returns the conversations, most recent first.
func (r *Reconciler) Conversations() []Conversation {
	r.mu.Lock()
	out := make([]Conversation, 0, len(r.conversations))
	for _, c := range r.conversations {
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].Recency(), out[j].Recency()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return lessID(out[j].ID, out[i].ID)
	})
	return out
}

// Conversation returns one conversation by id.
func (r *Reconciler) Conversation(roomID string) (Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[roomID]
	return c, ok
}

// TotalConversationUnread sums unread counts across conversations.
func (r *Reconciler) TotalConversationUnread() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, c := range r.conversations {
		total += c.UnreadCount
	}
	return total
}

// ============================================================================
// Notifications
// ============================================================================

// BeginNotificationFetch returns the token for ReplaceNotifications and
// SetUnreadCount.
func (r *Reconciler) BeginNotificationFetch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifGen++
	return r.notifGen
}

// ReplaceNotifications installs a fetched window, newest first.
func (r *Reconciler) ReplaceNotifications(gen uint64, items []Notification) bool {
	applied := false
	r.mutate(func() Change {
		if gen != r.notifGen {
			return Change{}
		}
		applied = true
		list := append([]Notification(nil), items...)
		sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
		if len(list) > r.cfg.NotificationWindow {
			list = list[:r.cfg.NotificationWindow]
		}
		r.notifications = list
		return Change{Kind: ChangeNotifications}
	})
	return applied
}

// SetUnreadCount installs the authoritative unread notification count.
func (r *Reconciler) SetUnreadCount(gen uint64, n int) bool {
	applied := false
	r.mutate(func() Change {
		if gen != r.notifGen {
			return Change{}
		}
		applied = true
		r.unread = max(n, 0)
		return Change{Kind: ChangeNotifications}
	})
	return applied
}

// MarkNotificationRead flips one notification to read and decrements the
// counter, never below zero. Already-read items change nothing.
func (r *Reconciler) MarkNotificationRead(id string) {
	r.mutate(func() Change {
		for i, n := range r.notifications {
			if n.ID != id {
				continue
			}
			if n.Read {
				return Change{}
			}
			r.notifications[i].Read = true
			r.unread = max(r.unread-1, 0)
			return Change{Kind: ChangeNotifications}
		}
		return Change{}
	})
}

// MarkAllNotificationsRead flips every notification and zeroes the counter.
func (r *Reconciler) MarkAllNotificationsRead() {
	r.mutate(func() Change {
		for i := range r.notifications {
			r.notifications[i].Read = true
		}
		r.unread = 0
		return Change{Kind: ChangeNotifications}
	})
}

// Notifications returns a copy of the notification window.
func (r *Reconciler) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notifications...)
}

// UnreadCount returns the authoritative unread notification count.
func (r *Reconciler) UnreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread
}

// ============================================================================
// Notices
// ============================================================================

// Notify publishes a non-blocking user-facing notice, such as a failed fetch.
func (r *Reconciler) Notify(msg string, err error) {
	r.mutate(func() Change {
		r.lastNotice = msg
		return Change{Kind: ChangeNotice, Notice: msg, Err: err}
	})
}

// LastNotice returns the most recent notice text.
func (r *Reconciler) LastNotice() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastNotice
}
