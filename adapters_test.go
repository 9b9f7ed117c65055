package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func sidebarBackend() *fakeBackend {
	b := newFakeBackend()
	b.rooms = []Conversation{
		{ID: "1", JobID: "j1", JobTitle: "Go Engineer", CandidateID: "c1", CandidateName: "Ana", UnreadCount: 2, CreatedAt: t0},
		{ID: "2", JobID: "j2", JobTitle: "Designer", CandidateID: "c1", CandidateName: "Ana", CreatedAt: t0.Add(time.Hour)},
		{ID: "3", JobID: "j1", JobTitle: "Go Engineer", CandidateID: "c2", CandidateName: "Ben", UnreadCount: 1, CreatedAt: t0.Add(-time.Hour)},
		{ID: "4", CreatedAt: t0.Add(-2 * time.Hour)},
	}
	return b
}

func startedSession(t *testing.T, b *fakeBackend, id Identity) *Session {
	t.Helper()
	s := newTestSession(t, b)
	if err := s.Start(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	return s
}

// ============================================================================
// Conversation list
// ============================================================================

func TestConversationList(t *testing.T) {
	s := startedSession(t, sidebarBackend(), hrUser)
	list := NewConversationList(s)
	defer list.Close()

	var renders int
	list.Watch(func() { renders++ })

	items := list.Items()
	if len(items) != 4 || items[0].ID != "2" || items[3].ID != "4" {
		t.Fatalf("items = %+v", items)
	}
	if items[0].Title != "Ana" || items[0].Subtitle != "Designer" {
		t.Errorf("item = %+v", items[0])
	}
	if items[3].Title != "Conversation 4" {
		t.Errorf("fallback title = %q", items[3].Title)
	}
	if list.TotalUnread() != 3 {
		t.Errorf("total unread = %d", list.TotalUnread())
	}

	if err := list.Open(context.Background(), "1"); err != nil {
		t.Fatal(err)
	}
	if renders == 0 {
		t.Error("opening a room did not re-render the list")
	}
	for _, it := range list.Items() {
		if it.ID == "1" && (!it.Active || it.Unread != 0) {
			t.Errorf("opened item = %+v", it)
		}
	}

	list.Close()
	n := renders
	_ = s.ApplyInboundNotification(notificationJSON("1", false))
	s.View().ApplyInboundChatActivity()
	_ = list.Refresh(context.Background())
	if renders != n {
		t.Error("closed list still re-renders")
	}
}

// ============================================================================
// Sidebar
// ============================================================================

func TestSidebarGroupsByJob(t *testing.T) {
	s := startedSession(t, sidebarBackend(), hrUser)
	sb := NewSidebar(s)
	defer sb.Close()

	groups := sb.Groups()
	if len(groups) != 3 {
		t.Fatalf("groups = %+v", groups)
	}
	want := []struct {
		key   string
		items int
	}{{"job:j2", 1}, {"job:j1", 2}, {"job:none", 1}}
	for i, w := range want {
		if groups[i].Key != w.key || len(groups[i].Items) != w.items {
			t.Errorf("group %d = %s (%d items), want %s (%d)", i, groups[i].Key, len(groups[i].Items), w.key, w.items)
		}
		if !groups[i].Expanded {
			t.Errorf("group %s collapsed by default", groups[i].Key)
		}
	}
	if groups[1].Unread != 3 {
		t.Errorf("job:j1 unread = %d", groups[1].Unread)
	}

	var renders int
	sb.Watch(func() { renders++ })
	sb.Toggle("job:j1")
	if sb.Groups()[1].Expanded || renders != 1 {
		t.Errorf("toggle: expanded=%v renders=%d", sb.Groups()[1].Expanded, renders)
	}
	sb.Toggle("job:j1")
	if !sb.Groups()[1].Expanded {
		t.Error("second toggle did not expand")
	}
}

func TestSidebarGroupsByCandidate(t *testing.T) {
	admin := Identity{UserID: "1", Role: RoleAdmin}
	s := startedSession(t, sidebarBackend(), admin)
	sb := NewSidebar(s)
	defer sb.Close()

	groups := sb.Groups()
	if len(groups) != 3 || groups[0].Key != "candidate:c1" || len(groups[0].Items) != 2 {
		t.Fatalf("groups = %+v", groups)
	}
	if groups[0].Label != "Ana" || groups[2].Label != "Other" {
		t.Errorf("labels = %q, %q", groups[0].Label, groups[2].Label)
	}
}

// ============================================================================
// Floating widget
// ============================================================================

func TestFloatingWidget(t *testing.T) {
	b := sidebarBackend()
	s := startedSession(t, b, hrUser)
	w := NewFloatingWidget(s)
	defer w.Close()
	ctx := context.Background()

	if _, err := w.Send(ctx); !errors.Is(err, ErrNoOpenRoom) {
		t.Fatalf("send without room: err = %v", err)
	}
	if w.Unread() != 3 {
		t.Errorf("launcher badge = %d", w.Unread())
	}

	if err := w.Open(ctx, "1"); err != nil {
		t.Fatal(err)
	}
	var renders int
	w.Watch(func() { renders++ })

	w.SetDraft("Hello")
	msg, err := w.Send(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if w.Draft() != "" {
		t.Errorf("draft = %q after send", w.Draft())
	}
	msgs := w.Messages()
	if len(msgs) != 1 || msgs[0].ID != msg.ID {
		t.Fatalf("messages = %+v", msgs)
	}
	if renders == 0 {
		t.Error("send did not re-render the widget")
	}

	// Another surface moved to room 2; hiding the widget must not leave it.
	s.View().OpenRoom("2")
	w.Hide(ctx)
	if w.IsOpen() || w.RoomID() != "" {
		t.Error("widget still open")
	}
	if room, _ := s.View().OpenRoomID(); room != "2" {
		t.Errorf("hiding the widget left room %q", room)
	}
}

// ============================================================================
// Notification bell
// ============================================================================

func TestNotificationBell(t *testing.T) {
	b := seededBackend()
	s := startedSession(t, b, hrUser)
	bell := NewNotificationBell(s)
	defer bell.Close()
	ctx := context.Background()

	var renders int
	bell.Watch(func() { renders++ })

	if bell.Unread() != 2 || len(bell.Items()) != 3 {
		t.Fatalf("unread=%d items=%d", bell.Unread(), len(bell.Items()))
	}
	_ = s.ApplyInboundNotification(notificationJSON("4", false))
	if bell.Unread() != 3 || bell.Items()[0].ID != "4" {
		t.Errorf("after push: unread=%d first=%s", bell.Unread(), bell.Items()[0].ID)
	}
	if err := bell.MarkRead(ctx, "4"); err != nil {
		t.Fatal(err)
	}
	if err := bell.MarkAllRead(ctx); err != nil {
		t.Fatal(err)
	}
	if bell.Unread() != 0 {
		t.Errorf("unread = %d", bell.Unread())
	}
	if err := bell.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if bell.Unread() != 2 {
		t.Errorf("refresh did not converge on the server count: %d", bell.Unread())
	}
	if renders < 4 {
		t.Errorf("renders = %d", renders)
	}
}
