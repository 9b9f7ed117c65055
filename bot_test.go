package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

func newMemPebbleStore(t *testing.T, fs vfs.FS) *PebbleBotStore {
	t.Helper()
	store, err := OpenPebbleBotStore("bot", &pebble.Options{FS: fs})
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func newTestBot(store BotStore) *BotWidget {
	return NewBotWidget(BotConfig{
		Store:     store,
		SaveDelay: time.Hour, // only Flush/Unmount persist in tests
		Logger:    discardLogger(),
		Now:       func() time.Time { return t0 },
	})
}

// ============================================================================
// Stores
// ============================================================================

func TestBotStores(t *testing.T) {
	ctx := context.Background()
	stores := map[string]func(t *testing.T) BotStore{
		"memory": func(*testing.T) BotStore { return NewMemoryBotStore() },
		"pebble": func(t *testing.T) BotStore {
			s := newMemPebbleStore(t, vfs.NewMem())
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			store := open(t)

			id, err := store.CurrentSession(ctx)
			if err != nil || id != "" {
				t.Fatalf("empty store: id=%q err=%v", id, err)
			}
			turns, err := store.LoadTranscript(ctx, "missing")
			if err != nil || turns != nil {
				t.Fatalf("unknown session: turns=%v err=%v", turns, err)
			}

			want := []BotTurn{{Role: BotRoleUser, Text: "hi", At: t0}, {Role: BotRoleBot, Text: "hello", At: t0}}
			if err := store.SetCurrentSession(ctx, "s1"); err != nil {
				t.Fatal(err)
			}
			if err := store.SaveTranscript(ctx, "s1", want); err != nil {
				t.Fatal(err)
			}
			if id, _ := store.CurrentSession(ctx); id != "s1" {
				t.Fatalf("current = %q", id)
			}
			got, err := store.LoadTranscript(ctx, "s1")
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[1].Text != "hello" || !got[0].At.Equal(t0) {
				t.Fatalf("transcript = %+v", got)
			}
		})
	}
}

// ============================================================================
// Widget
// ============================================================================

func TestBotWidgetTranscriptSurvivesRemount(t *testing.T) {
	fs := vfs.NewMem()
	store := newMemPebbleStore(t, fs)
	ctx := context.Background()

	w := newTestBot(store)
	if err := w.Mount(ctx); err != nil {
		t.Fatal(err)
	}
	session := w.SessionID()
	if _, err := w.Send(ctx, "How do I apply?"); err != nil {
		t.Fatal(err)
	}
	w.Unmount()
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store = newMemPebbleStore(t, fs)
	defer store.Close()
	w = newTestBot(store)
	if err := w.Mount(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Unmount()

	if w.SessionID() != session {
		t.Errorf("session = %q, want %q", w.SessionID(), session)
	}
	turns := w.Turns()
	if len(turns) != 2 || turns[0].Role != BotRoleUser || turns[1].Role != BotRoleBot {
		t.Fatalf("turns = %+v", turns)
	}
}

func TestBotWidgetUnread(t *testing.T) {
	ctx := context.Background()
	w := newTestBot(NewMemoryBotStore())
	if err := w.Mount(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Unmount()

	var renders int
	cancel := w.Watch(func() { renders++ })
	defer cancel()

	_, _ = w.Send(ctx, "hello")
	_, _ = w.Send(ctx, "thanks")
	if w.Unread() != 2 {
		t.Errorf("unread = %d, want 2", w.Unread())
	}
	w.Open()
	if w.Unread() != 0 || !w.IsOpen() {
		t.Errorf("open: unread=%d open=%v", w.Unread(), w.IsOpen())
	}
	_, _ = w.Send(ctx, "interview?")
	if w.Unread() != 0 {
		t.Errorf("reply while open raised unread to %d", w.Unread())
	}
	if renders != 4 {
		t.Errorf("renders = %d, want 4", renders)
	}
}

func TestBotWidgetReset(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBotStore()
	w := NewBotWidget(BotConfig{Store: store, Greeting: "Hi there", SaveDelay: time.Hour, Logger: discardLogger()})
	if err := w.Mount(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Unmount()
	if turns := w.Turns(); len(turns) != 1 || turns[0].Text != "Hi there" {
		t.Fatalf("new session turns = %+v", turns)
	}

	first := w.SessionID()
	_, _ = w.Send(ctx, "cv tips")
	if err := w.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if w.SessionID() == first {
		t.Fatal("reset kept the session id")
	}
	if n := len(w.Turns()); n != 1 {
		t.Errorf("turns after reset = %d", n)
	}
	old, _ := store.LoadTranscript(ctx, first)
	if len(old) != 3 {
		t.Errorf("previous transcript = %d turns, want 3 saved on reset", len(old))
	}
}

func TestBotWidgetResetDuringReply(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBotStore()
	asked := make(chan struct{})
	release := make(chan struct{})
	w := NewBotWidget(BotConfig{
		Store: store,
		Replier: ReplierFunc(func(context.Context, string, []BotTurn) string {
			close(asked)
			<-release
			return "late answer"
		}),
		SaveDelay: time.Hour,
		Logger:    discardLogger(),
	})
	if err := w.Mount(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Unmount()
	first := w.SessionID()

	errc := make(chan error, 1)
	go func() {
		_, err := w.Send(ctx, "hello?")
		errc <- err
	}()
	<-asked
	if err := w.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	close(release)

	if err := <-errc; !errors.Is(err, ErrBotSessionReset) {
		t.Fatalf("send err = %v", err)
	}
	if turns := w.Turns(); len(turns) != 0 {
		t.Fatalf("new session turns = %+v, want the late reply dropped", turns)
	}
	old, _ := store.LoadTranscript(ctx, first)
	if len(old) != 1 || old[0].Role != BotRoleUser || old[0].Text != "hello?" {
		t.Fatalf("previous transcript = %+v, want the user turn kept", old)
	}
}

func TestBotWidgetNotMounted(t *testing.T) {
	w := newTestBot(NewMemoryBotStore())
	if _, err := w.Send(context.Background(), "hi"); !errors.Is(err, ErrNotMounted) {
		t.Fatalf("err = %v", err)
	}
	if err := w.Reset(context.Background()); !errors.Is(err, ErrNotMounted) {
		t.Fatalf("err = %v", err)
	}
	w.Unmount()
}

func TestKeywordReplier(t *testing.T) {
	r := DefaultReplier()
	tests := []struct {
		text string
		want string
	}{
		{"Where do I APPLY?", r.Rules[1].Answer},
		{"update my resume", r.Rules[2].Answer},
		{"xyz", r.Fallback},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := r.Reply(context.Background(), tt.text, nil); got != tt.want {
				t.Errorf("Reply(%q) = %q", tt.text, got)
			}
		})
	}
}
