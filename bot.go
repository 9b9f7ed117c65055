package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Replies
// ============================================================================

// Replier produces the bot's answer to a user turn.
type Replier interface {
	Reply(ctx context.Context, text string, history []BotTurn) string
}

// ReplierFunc adapts a function to Replier.
type ReplierFunc func(ctx context.Context, text string, history []BotTurn) string

func (f ReplierFunc) Reply(ctx context.Context, text string, history []BotTurn) string {
	return f(ctx, text, history)
}

// KeywordRule answers when any keyword occurs in the lowercased user text.
type KeywordRule struct {
	Keywords []string
	Answer   string
}

// KeywordReplier answers with the first matching rule, else Fallback.
type KeywordReplier struct {
	Rules    []KeywordRule
	Fallback string
}

func (k KeywordReplier) Reply(_ context.Context, text string, _ []BotTurn) string {
	lower := strings.ToLower(text)
	for _, r := range k.Rules {
		for _, kw := range r.Keywords {
			if strings.Contains(lower, kw) {
				return r.Answer
			}
		}
	}
	return k.Fallback
}

// DefaultReplier is the built-in help-desk bot.
func DefaultReplier() KeywordReplier {
	return KeywordReplier{
		Rules: []KeywordRule{
			{Keywords: []string{"hello", "hi", "hey"}, Answer: "Hi! How can I help you with your job search today?"},
			{Keywords: []string{"apply", "application"}, Answer: "Open a job posting and press Apply. You can follow your applications from your dashboard."},
			{Keywords: []string{"cv", "resume", "profile"}, Answer: "Keep your profile complete: recruiters see your skills, experience and uploaded CV."},
			{Keywords: []string{"interview"}, Answer: "Interview invitations arrive as notifications. The recruiter can also message you directly."},
			{Keywords: []string{"salary", "pay"}, Answer: "Salary ranges are shown on each posting when the employer provides them."},
			{Keywords: []string{"thank"}, Answer: "You're welcome! Anything else?"},
		},
		Fallback: "I'm not sure about that. Try asking about applications, your profile or interviews.",
	}
}

// ============================================================================
// Bot widget
// ============================================================================

// ErrNotMounted is returned by BotWidget operations before Mount or after
// Unmount.
var ErrNotMounted = errors.New("chatsync: bot widget not mounted")

// ErrBotSessionReset is returned by Send when Reset started a new session
// before the reply arrived.
var ErrBotSessionReset = errors.New("chatsync: bot session was reset")

// BotConfig configures a BotWidget.
type BotConfig struct {
	Store     BotStore
	Replier   Replier
	SaveDelay time.Duration
	// Greeting, when set, opens every new session.
	Greeting string
	Logger   *slog.Logger
	Now      func() time.Time
}

func (c *BotConfig) defaults() {
	if c.Store == nil {
		c.Store = NewMemoryBotStore()
	}
	if c.Replier == nil {
		c.Replier = DefaultReplier()
	}
	if c.SaveDelay <= 0 {
		c.SaveDelay = DefaultSaveDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// BotWidget is the local assistant conversation. It never talks to the
// server; its transcript is persisted through a debounced save.
type BotWidget struct {
	cfg BotConfig
	log *slog.Logger

	mu        sync.Mutex
	mounted   bool
	sessionID string
	turns     []BotTurn
	open      bool
	unread    int
	saver     *Debouncer
	next      int
	watchers  map[int]func()
}

func NewBotWidget(config BotConfig) *BotWidget {
	cfg := config
	cfg.defaults()
	return &BotWidget{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "bot"),
		watchers: make(map[int]func()),
	}
}

// Mount loads the current session, creating one if none exists. Mounting a
// mounted widget is a no-op.
func (w *BotWidget) Mount(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mounted {
		return nil
	}

	id, err := w.cfg.Store.CurrentSession(ctx)
	if err != nil {
		return err
	}
	var turns []BotTurn
	if id != "" {
		if turns, err = w.cfg.Store.LoadTranscript(ctx, id); err != nil {
			return err
		}
	} else {
		id = uuid.NewString()
		if err := w.cfg.Store.SetCurrentSession(ctx, id); err != nil {
			return err
		}
		turns = w.greetingLocked()
		if len(turns) > 0 {
			if err := w.cfg.Store.SaveTranscript(ctx, id, turns); err != nil {
				return err
			}
		}
	}

	w.sessionID = id
	w.turns = turns
	w.unread = 0
	w.saver = NewDebouncer(w.cfg.SaveDelay, w.save)
	w.mounted = true
	w.log.Debug("bot widget mounted", "session_id", id, "turns", len(turns))
	return nil
}

func (w *BotWidget) greetingLocked() []BotTurn {
	if w.cfg.Greeting == "" {
		return nil
	}
	return []BotTurn{{Role: BotRoleBot, Text: w.cfg.Greeting, At: w.cfg.Now().UTC()}}
}

// Unmount writes any pending change and stops persistence. Nothing is
// written after it returns.
func (w *BotWidget) Unmount() {
	w.mu.Lock()
	saver := w.saver
	mounted := w.mounted
	w.mu.Unlock()
	if !mounted {
		return
	}

	saver.Flush()
	saver.Stop()

	w.mu.Lock()
	w.mounted = false
	w.saver = nil
	w.watchers = make(map[int]func())
	w.mu.Unlock()
}

// Send appends the user's turn and the bot's reply. A reply that arrives
// while the widget is closed raises the unread badge. A reply for a session
// that was reset meanwhile is dropped with ErrBotSessionReset.
func (w *BotWidget) Send(ctx context.Context, text string) (BotTurn, error) {
	text = strings.TrimSpace(text)
	w.mu.Lock()
	if !w.mounted {
		w.mu.Unlock()
		return BotTurn{}, ErrNotMounted
	}
	if text == "" {
		w.mu.Unlock()
		return BotTurn{}, errors.New("message is empty")
	}
	sessionID := w.sessionID
	history := append([]BotTurn(nil), w.turns...)
	w.turns = append(w.turns, BotTurn{Role: BotRoleUser, Text: text, At: w.cfg.Now().UTC()})
	saver := w.saver
	w.mu.Unlock()
	saver.Trigger()

	answer := w.cfg.Replier.Reply(ctx, text, history)
	reply := BotTurn{Role: BotRoleBot, Text: answer, At: w.cfg.Now().UTC()}

	w.mu.Lock()
	if !w.mounted {
		w.mu.Unlock()
		return BotTurn{}, ErrNotMounted
	}
	if w.sessionID != sessionID {
		w.mu.Unlock()
		return BotTurn{}, ErrBotSessionReset
	}
	w.turns = append(w.turns, reply)
	if !w.open {
		w.unread++
	}
	w.mu.Unlock()

	saver.Trigger()
	w.notify()
	return reply, nil
}

// Open shows the widget and clears the unread badge.
func (w *BotWidget) Open() {
	w.mu.Lock()
	w.open = true
	w.unread = 0
	w.mu.Unlock()
	w.notify()
}

func (w *BotWidget) Close() {
	w.mu.Lock()
	w.open = false
	w.mu.Unlock()
	w.notify()
}

// Reset saves the current transcript and starts a fresh session.
func (w *BotWidget) Reset(ctx context.Context) error {
	w.mu.Lock()
	saver := w.saver
	mounted := w.mounted
	w.mu.Unlock()
	if !mounted {
		return ErrNotMounted
	}
	saver.Flush()

	id := uuid.NewString()
	if err := w.cfg.Store.SetCurrentSession(ctx, id); err != nil {
		return err
	}
	w.mu.Lock()
	w.sessionID = id
	w.turns = w.greetingLocked()
	w.unread = 0
	w.mu.Unlock()

	saver.Trigger()
	w.notify()
	return nil
}

func (w *BotWidget) save() {
	w.mu.Lock()
	id := w.sessionID
	turns := append([]BotTurn(nil), w.turns...)
	w.mu.Unlock()

	if err := w.cfg.Store.SaveTranscript(context.Background(), id, turns); err != nil {
		w.log.Warn("saving bot transcript failed", "session_id", id, "error", err)
	}
}

func (w *BotWidget) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// Turns returns a copy of the transcript.
func (w *BotWidget) Turns() []BotTurn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]BotTurn(nil), w.turns...)
}

func (w *BotWidget) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.open
}

func (w *BotWidget) Unread() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unread
}

// Watch registers a re-render callback and returns its cancel func.
func (w *BotWidget) Watch(fn func()) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.next
	w.next++
	w.watchers[id] = fn
	return func() {
		w.mu.Lock()
		delete(w.watchers, id)
		w.mu.Unlock()
	}
}

func (w *BotWidget) notify() {
	w.mu.Lock()
	ids := make([]int, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, w.watchers[id])
	}
	w.mu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.log.Error("bot watcher panicked", "panic", r)
				}
			}()
			fn()
		}()
	}
}
