package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Adapter plumbing
// ============================================================================

// watcher forwards session changes matching mask to registered callbacks
// until closed.
type watcher struct {
	mask   ChangeKind
	roomOf func() string // optional room filter for ChangeMessages

	mu     sync.Mutex
	closed bool
	next   int
	fns    map[int]func()
	cancel func()
}

func (w *watcher) init(sess *Session, mask ChangeKind) {
	w.mask = mask
	w.fns = make(map[int]func())
	w.cancel = sess.Subscribe(w.onChange)
}

func (w *watcher) onChange(c Change) {
	if c.Kind&w.mask == 0 {
		return
	}
	if c.Kind&^ChangeMessages&w.mask == 0 && w.roomOf != nil && c.RoomID != w.roomOf() {
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	ids := make([]int, 0, len(w.fns))
	for id := range w.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, w.fns[id])
	}
	w.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Watch registers a re-render callback and returns its cancel func.
func (w *watcher) Watch(fn func()) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.next
	w.next++
	w.fns[id] = fn
	return func() {
		w.mu.Lock()
		delete(w.fns, id)
		w.mu.Unlock()
	}
}

// Close unmounts the adapter: no callback runs afterwards.
func (w *watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.fns = nil
	w.mu.Unlock()
	w.cancel()
}

// ConversationItem is one rendered conversation row.
type ConversationItem struct {
	ID       string
	Title    string
	Subtitle string
	Preview  string
	At       time.Time
	Unread   int
	Active   bool
}

func conversationItem(c Conversation, self Identity, openRoom string) ConversationItem {
	item := ConversationItem{
		ID:       c.ID,
		Subtitle: c.JobTitle,
		Preview:  c.LastMessage.Preview(),
		At:       c.Recency(),
		Unread:   c.UnreadCount,
		Active:   c.ID == openRoom,
	}
	if p, ok := c.Counterpart(self.UserID); ok && p.Name != "" {
		item.Title = p.Name
	}
	switch {
	case item.Title != "":
	case c.CandidateName != "" && c.CandidateID != self.UserID:
		item.Title = c.CandidateName
	case c.JobTitle != "":
		item.Title = c.JobTitle
	default:
		item.Title = "Conversation " + c.ID
	}
	return item
}

func conversationItems(rec *Reconciler) []ConversationItem {
	openRoom, _ := rec.OpenRoomID()
	convs := rec.Conversations()
	items := make([]ConversationItem, 0, len(convs))
	for _, c := range convs {
		items = append(items, conversationItem(c, rec.Self(), openRoom))
	}
	return items
}

// ============================================================================
// Conversation list
// ============================================================================

// ConversationList is the full-page inbox.
type ConversationList struct {
	watcher
	sess *Session
}

func NewConversationList(sess *Session) *ConversationList {
	l := &ConversationList{sess: sess}
	l.init(sess, ChangeConversations)
	return l
}

// Items returns the rows, most recent first.
func (l *ConversationList) Items() []ConversationItem {
	return conversationItems(l.sess.View())
}

// TotalUnread sums the unread badges of every row.
func (l *ConversationList) TotalUnread() int {
	return l.sess.View().TotalConversationUnread()
}

func (l *ConversationList) Refresh(ctx context.Context) error {
	return l.sess.RefreshConversations(ctx)
}

func (l *ConversationList) Open(ctx context.Context, roomID string) error {
	return l.sess.OpenRoom(ctx, roomID)
}

// ============================================================================
// Contextual sidebar
// ============================================================================

// GroupBy selects how the sidebar groups conversations.
type GroupBy int

const (
	GroupByJob GroupBy = iota
	GroupByCandidate
)

// SidebarGroup is one collapsible section.
type SidebarGroup struct {
	Key      string
	Label    string
	Expanded bool
	Unread   int
	Items    []ConversationItem
}

// Sidebar lists conversations grouped by job posting or by candidate.
// Expanded/collapsed flags are local UI state.
type Sidebar struct {
	watcher
	sess    *Session
	groupBy GroupBy

	mu        sync.Mutex
	collapsed map[string]bool
}

// NewSidebar groups by job posting for HR and candidate users and by
// candidate for everyone else.
func NewSidebar(sess *Session) *Sidebar {
	by := GroupByCandidate
	switch sess.Identity().Role {
	case RoleHR, RoleCandidate:
		by = GroupByJob
	}
	return NewSidebarGroupedBy(sess, by)
}

func NewSidebarGroupedBy(sess *Session, by GroupBy) *Sidebar {
	s := &Sidebar{sess: sess, groupBy: by, collapsed: make(map[string]bool)}
	s.init(sess, ChangeConversations)
	return s
}

// Toggle flips a group between expanded and collapsed.
func (s *Sidebar) Toggle(key string) {
	s.mu.Lock()
	s.collapsed[key] = !s.collapsed[key]
	s.mu.Unlock()
	s.onChange(Change{Kind: ChangeConversations})
}

// Groups returns the groups ordered by their most recent conversation.
func (s *Sidebar) Groups() []SidebarGroup {
	rec := s.sess.View()
	openRoom, _ := rec.OpenRoomID()
	self := rec.Self()

	index := make(map[string]int)
	var groups []SidebarGroup
	for _, c := range rec.Conversations() {
		key, label := s.groupKey(c)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, SidebarGroup{Key: key, Label: label})
		}
		item := conversationItem(c, self, openRoom)
		groups[i].Items = append(groups[i].Items, item)
		groups[i].Unread += item.Unread
	}

	s.mu.Lock()
	for i := range groups {
		groups[i].Expanded = !s.collapsed[groups[i].Key]
	}
	s.mu.Unlock()
	return groups
}

func (s *Sidebar) groupKey(c Conversation) (string, string) {
	if s.groupBy == GroupByCandidate {
		if c.CandidateID == "" {
			return "candidate:none", "Other"
		}
		label := c.CandidateName
		if label == "" {
			label = "Candidate " + c.CandidateID
		}
		return "candidate:" + c.CandidateID, label
	}
	if c.JobID == "" {
		return "job:none", "General"
	}
	label := c.JobTitle
	if label == "" {
		label = "Job " + c.JobID
	}
	return "job:" + c.JobID, label
}

// ============================================================================
// Floating widget
// ============================================================================

// FloatingWidget is the pop-up chat window bound to a single room.
type FloatingWidget struct {
	watcher
	sess *Session

	mu     sync.Mutex
	open   bool
	roomID string
	draft  string
}

func NewFloatingWidget(sess *Session) *FloatingWidget {
	w := &FloatingWidget{sess: sess}
	w.roomOf = w.RoomID
	w.init(sess, ChangeMessages|ChangeConversations)
	return w
}

// Open shows the widget on roomID and opens that room.
func (w *FloatingWidget) Open(ctx context.Context, roomID string) error {
	w.mu.Lock()
	w.open = true
	w.roomID = roomID
	w.mu.Unlock()
	return w.sess.OpenRoom(ctx, roomID)
}

// Hide collapses the widget and leaves its room if it is still the open one.
// Close unmounts it.
func (w *FloatingWidget) Hide(ctx context.Context) {
	w.mu.Lock()
	roomID := w.roomID
	w.open = false
	w.roomID = ""
	w.mu.Unlock()

	if open, _ := w.sess.View().OpenRoomID(); roomID != "" && open == roomID {
		w.sess.CloseRoom(ctx)
	}
}

func (w *FloatingWidget) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.open
}

func (w *FloatingWidget) RoomID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.roomID
}

// SetDraft updates the composer text.
func (w *FloatingWidget) SetDraft(text string) {
	w.mu.Lock()
	w.draft = text
	w.mu.Unlock()
}

func (w *FloatingWidget) Draft() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draft
}

// Send posts the composer text to the widget's room. The composer clears as
// soon as the optimistic copy is shown.
func (w *FloatingWidget) Send(ctx context.Context) (*Message, error) {
	w.mu.Lock()
	text, roomID := w.draft, w.roomID
	if roomID == "" {
		w.mu.Unlock()
		return nil, ErrNoOpenRoom
	}
	w.draft = ""
	w.mu.Unlock()
	return w.sess.SendMessage(ctx, roomID, text)
}

// Messages returns the widget room's log.
func (w *FloatingWidget) Messages() []Message {
	roomID := w.RoomID()
	if roomID == "" {
		return nil
	}
	return w.sess.View().Messages(roomID)
}

// Unread is the launcher badge: unread messages across every conversation.
func (w *FloatingWidget) Unread() int {
	return w.sess.View().TotalConversationUnread()
}

// ============================================================================
// Notification bell
// ============================================================================

type NotificationBell struct {
	watcher
	sess *Session
}

func NewNotificationBell(sess *Session) *NotificationBell {
	b := &NotificationBell{sess: sess}
	b.init(sess, ChangeNotifications)
	return b
}

// Unread is the authoritative unread count, not the number of unread items in
// the window.
func (b *NotificationBell) Unread() int {
	return b.sess.View().UnreadCount()
}

func (b *NotificationBell) Items() []Notification {
	return b.sess.View().Notifications()
}

func (b *NotificationBell) MarkRead(ctx context.Context, id string) error {
	return b.sess.MarkNotificationRead(ctx, id)
}

func (b *NotificationBell) MarkAllRead(ctx context.Context) error {
	return b.sess.MarkAllNotificationsRead(ctx)
}

func (b *NotificationBell) Refresh(ctx context.Context) error {
	return b.sess.RefreshNotifications(ctx)
}
