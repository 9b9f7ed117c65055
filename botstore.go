package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// ============================================================================
// Bot transcript storage
// ============================================================================

// BotRole tags who spoke a bot-widget turn.
type BotRole string

const (
	BotRoleUser BotRole = "user"
	BotRoleBot  BotRole = "bot"
)

// BotTurn is one line of the local bot conversation.
type BotTurn struct {
	Role BotRole   `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// BotStore persists bot-widget transcripts keyed by a generated session id.
// LoadTranscript returns nil, nil for an unknown session.
type BotStore interface {
	CurrentSession(ctx context.Context) (string, error)
	SetCurrentSession(ctx context.Context, sessionID string) error
	LoadTranscript(ctx context.Context, sessionID string) ([]BotTurn, error)
	SaveTranscript(ctx context.Context, sessionID string, turns []BotTurn) error
}

// ── Memory ──────────────────────────────────────

// MemoryBotStore keeps transcripts in process memory.
type MemoryBotStore struct {
	mu          sync.RWMutex
	current     string
	transcripts map[string][]BotTurn
}

func NewMemoryBotStore() *MemoryBotStore {
	return &MemoryBotStore{transcripts: make(map[string][]BotTurn)}
}

func (s *MemoryBotStore) CurrentSession(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

func (s *MemoryBotStore) SetCurrentSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = sessionID
	return nil
}

func (s *MemoryBotStore) LoadTranscript(_ context.Context, sessionID string) ([]BotTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns, ok := s.transcripts[sessionID]
	if !ok {
		return nil, nil
	}
	return append([]BotTurn(nil), turns...), nil
}

func (s *MemoryBotStore) SaveTranscript(_ context.Context, sessionID string, turns []BotTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[sessionID] = append([]BotTurn(nil), turns...)
	return nil
}

// ── Pebble ──────────────────────────────────────

const (
	botCurrentKey       = "bot:current"
	botTranscriptPrefix = "bot:session:"
)

// PebbleBotStore persists transcripts in a Pebble database.
type PebbleBotStore struct {
	db *pebble.DB
}

// OpenPebbleBotStore opens (or creates) the store at dir. opts may be nil.
func OpenPebbleBotStore(dir string, opts *pebble.Options) (*PebbleBotStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open bot store: %w", err)
	}
	return &PebbleBotStore{db: db}, nil
}

func (s *PebbleBotStore) Close() error {
	return s.db.Close()
}

func (s *PebbleBotStore) get(key string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (s *PebbleBotStore) CurrentSession(_ context.Context) (string, error) {
	v, err := s.get(botCurrentKey)
	if err != nil {
		return "", fmt.Errorf("read current bot session: %w", err)
	}
	return string(v), nil
}

func (s *PebbleBotStore) SetCurrentSession(_ context.Context, sessionID string) error {
	if err := s.db.Set([]byte(botCurrentKey), []byte(sessionID), pebble.Sync); err != nil {
		return fmt.Errorf("write current bot session: %w", err)
	}
	return nil
}

func (s *PebbleBotStore) LoadTranscript(_ context.Context, sessionID string) ([]BotTurn, error) {
	v, err := s.get(botTranscriptPrefix + sessionID)
	if err != nil {
		return nil, fmt.Errorf("read bot transcript: %w", err)
	}
	if v == nil {
		return nil, nil
	}
	var turns []BotTurn
	if err := json.Unmarshal(v, &turns); err != nil {
		return nil, fmt.Errorf("decode bot transcript: %w", err)
	}
	return turns, nil
}

func (s *PebbleBotStore) SaveTranscript(_ context.Context, sessionID string, turns []BotTurn) error {
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encode bot transcript: %w", err)
	}
	if err := s.db.Set([]byte(botTranscriptPrefix+sessionID), data, pebble.Sync); err != nil {
		return fmt.Errorf("write bot transcript: %w", err)
	}
	return nil
}
