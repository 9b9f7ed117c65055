package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// RealtimeEnvelope is the wire format for all real-time frames.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server frame.
type RealtimeCommand struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// TopicFrame is the payload of a "message" frame: one event published on a
// topic the client subscribed to.
type TopicFrame struct {
	Subscription string          `json:"subscription"`
	Topic        string          `json:"topic"`
	Body         json.RawMessage `json:"body"`
}

// FrameHandler receives frames for one subscription.
type FrameHandler func(TopicFrame)

const (
	frameAuthenticated = "authenticated"
	frameMessage       = "message"
	frameError         = "error"
	frameSubscribe     = "subscribe"
	frameUnsubscribe   = "unsubscribe"

	maxFrameSize = 1 << 20
)

// ============================================================================
// Configuration
// ============================================================================

// Conn is one physical real-time connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// DialFunc opens a Conn to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// RealtimeConfig configures the connection manager.
type RealtimeConfig struct {
	// ReconnectDelay is the constant wait between reconnection attempts.
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	HTTPClient        *http.Client
	Dial              DialFunc
	Logger            *slog.Logger
	Metrics           *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dial == nil {
		c.Dial = dialWebSocket(c.HTTPClient)
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// WebSocket transport
// ============================================================================

type wsConn struct {
	c *websocket.Conn
}

func dialWebSocket(httpClient *http.Client) DialFunc {
	return func(ctx context.Context, url string) (Conn, error) {
		opts := &websocket.DialOptions{}
		if httpClient != nil {
			opts.HTTPClient = httpClient
		}
		c, _, err := websocket.Dial(ctx, url, opts)
		if err != nil {
			return nil, err
		}
		c.SetReadLimit(maxFrameSize)
		return &wsConn{c: c}, nil
	}
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w *wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

// ============================================================================
// ConnectionManager
// ============================================================================

type subscription struct {
	topic   string
	handler FrameHandler
}

// ConnectionManager owns the single live connection of a signed-in user. It
// reconnects with a constant delay until Disconnect or an identity change.
// Subscriptions are bound to one physical connection and are dropped when it
// goes away; OnConnected handlers are the place to re-establish them.
type ConnectionManager struct {
	endpoint func(token string) string
	cfg      RealtimeConfig
	log      *slog.Logger

	opMu sync.Mutex // serializes Connect/Disconnect

	mu       sync.Mutex
	identity Identity
	state    RealtimeState
	conn     Conn
	cancel   context.CancelFunc
	done     chan struct{}
	subs     map[string]subscription
	subSeq   int

	hmu            sync.RWMutex
	onConnected    []func()
	onDisconnected []func(error)
}

// NewConnectionManager creates a manager dialing endpoint(token).
func NewConnectionManager(endpoint func(token string) string, config RealtimeConfig) *ConnectionManager {
	cfg := config
	cfg.defaults()
	return &ConnectionManager{
		endpoint: endpoint,
		cfg:      cfg,
		log:      cfg.Logger.With("component", "realtime"),
		state:    StateDisconnected,
		subs:     make(map[string]subscription),
	}
}

// OnConnected registers a handler run synchronously after every successful
// (re)connect, before any inbound frame is read. Handlers must not call
// Connect or Disconnect.
func (m *ConnectionManager) OnConnected(h func()) {
	m.hmu.Lock()
	m.onConnected = append(m.onConnected, h)
	m.hmu.Unlock()
}

// OnDisconnected registers a handler run whenever a live connection ends,
// intentionally (nil error) or not.
func (m *ConnectionManager) OnDisconnected(h func(err error)) {
	m.hmu.Lock()
	m.onDisconnected = append(m.onDisconnected, h)
	m.hmu.Unlock()
}

// State returns the current connection state.
func (m *ConnectionManager) State() RealtimeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether a live connection is up.
func (m *ConnectionManager) IsConnected() bool {
	return m.State() == StateConnected
}

// Identity returns the identity the manager is connected (or connecting) for.
func (m *ConnectionManager) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// SetToken rotates the token used by the next dial. The live connection, if
// any, is kept.
func (m *ConnectionManager) SetToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.identity.Anonymous() {
		m.identity.Token = token
	}
}

// Connect starts maintaining a connection for id. It returns immediately;
// dialing and retries happen in the background and failures are only logged.
// Calling it again for an equal identity is a no-op. A different identity
// tears the current connection down first. An anonymous identity disconnects.
func (m *ConnectionManager) Connect(ctx context.Context, id Identity) {
	if id.Anonymous() {
		m.Disconnect()
		return
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	running := m.cancel != nil
	same := m.identity.Equal(id)
	m.mu.Unlock()
	if running && same {
		return
	}
	if running {
		m.log.Info("identity changed, reconnecting", "user_id", id.UserID)
		m.disconnectLocked()
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	m.mu.Lock()
	m.identity = id
	m.state = StateConnecting
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.supervise(runCtx, id, done)
}

// Disconnect releases the connection and stops reconnecting. Safe to call when
// already disconnected.
func (m *ConnectionManager) Disconnect() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.disconnectLocked()
}

func (m *ConnectionManager) disconnectLocked() {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	m.cancel = nil
	m.done = nil
	m.conn = nil
	m.identity = Identity{}
	m.state = StateDisconnected
	m.subs = make(map[string]subscription)
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close("client disconnect")
	}
	<-done
}

// Subscribe attaches h to topic on the current connection.
func (m *ConnectionManager) Subscribe(ctx context.Context, topic string, h FrameHandler) (string, error) {
	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.mu.Unlock()
		return "", ErrNotConnected
	}
	m.subSeq++
	id := fmt.Sprintf("sub-%d", m.subSeq)
	m.subs[id] = subscription{topic: topic, handler: h}
	m.mu.Unlock()

	err := m.send(ctx, conn, RealtimeCommand{
		Type:    frameSubscribe,
		Payload: map[string]string{"id": id, "topic": topic},
	})
	if err != nil {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		return "", fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return id, nil
}

// Unsubscribe detaches a subscription. Frames for it that arrive afterwards
// are dropped. Unknown ids and a missing connection are not errors: the
// subscription is gone either way.
func (m *ConnectionManager) Unsubscribe(ctx context.Context, subID string) error {
	m.mu.Lock()
	_, ok := m.subs[subID]
	delete(m.subs, subID)
	conn := m.conn
	m.mu.Unlock()

	if !ok || conn == nil {
		return nil
	}
	return m.send(ctx, conn, RealtimeCommand{
		Type:    frameUnsubscribe,
		Payload: map[string]string{"id": subID},
	})
}

// Topics returns the topics subscribed on the current connection.
func (m *ConnectionManager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.subs))
	for _, s := range m.subs {
		topics = append(topics, s.topic)
	}
	return topics
}

func (m *ConnectionManager) send(ctx context.Context, conn Conn, cmd RealtimeCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, data)
}

// ============================================================================
// Connection loop
// ============================================================================

func (m *ConnectionManager) supervise(ctx context.Context, id Identity, done chan struct{}) {
	defer close(done)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			m.mu.Lock()
			if m.done == done {
				m.state = StateReconnecting
			}
			m.mu.Unlock()
			m.cfg.Metrics.reconnect()

			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.ReconnectDelay):
			}
		}

		err := m.runOnce(ctx, id, done)
		if ctx.Err() != nil {
			return
		}
		m.log.Warn("connection lost, retrying", "user_id", id.UserID, "delay", m.cfg.ReconnectDelay, "error", err)
	}
}

func (m *ConnectionManager) runOnce(ctx context.Context, id Identity, done chan struct{}) error {
	dialCtx, cancelDial := context.WithTimeout(ctx, m.cfg.DialTimeout)
	token := id.Token
	m.mu.Lock()
	if m.done == done {
		token = m.identity.Token
	}
	m.mu.Unlock()

	conn, err := m.cfg.Dial(dialCtx, m.endpoint(token))
	if err != nil {
		cancelDial()
		return fmt.Errorf("dial: %w", err)
	}

	// The first frame must be the server's authentication ack.
	data, err := conn.Read(dialCtx)
	cancelDial()
	if err != nil {
		_ = conn.Close("auth read failed")
		return fmt.Errorf("read auth frame: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != frameAuthenticated {
		_ = conn.Close("unexpected auth frame")
		return fmt.Errorf("expected %q frame, got %q", frameAuthenticated, env.Type)
	}

	m.mu.Lock()
	if ctx.Err() != nil || m.done != done {
		m.mu.Unlock()
		_ = conn.Close("client disconnect")
		return ctx.Err()
	}
	m.conn = conn
	m.state = StateConnected
	m.subs = make(map[string]subscription)
	m.mu.Unlock()

	m.cfg.Metrics.connected(true)
	m.log.Info("connected", "user_id", id.UserID)

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()
	go m.heartbeat(connCtx, conn)

	m.emitConnected()
	err = m.readLoop(connCtx, conn)

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.subs = make(map[string]subscription)
		m.state = StateDisconnected
	}
	m.mu.Unlock()
	_ = conn.Close("connection closed")
	m.cfg.Metrics.connected(false)

	if ctx.Err() != nil {
		m.emitDisconnected(nil)
	} else {
		m.emitDisconnected(err)
	}
	return err
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env RealtimeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.cfg.Metrics.dropped("bad_frame")
			m.log.Debug("dropping malformed frame", "error", err)
			continue
		}

		switch env.Type {
		case frameMessage:
			var f TopicFrame
			if err := json.Unmarshal(env.Payload, &f); err != nil {
				m.cfg.Metrics.dropped("bad_frame")
				m.log.Debug("dropping malformed message frame", "error", err)
				continue
			}
			m.route(f)
		case frameError:
			m.log.Warn("server error frame", "payload", string(env.Payload))
		case frameAuthenticated, "pong":
		default:
			m.cfg.Metrics.dropped("unknown_frame")
		}
	}
}

// route delivers a frame to its subscription's handler on the read goroutine,
// so frames reach handlers in arrival order.
func (m *ConnectionManager) route(f TopicFrame) {
	m.mu.Lock()
	sub, ok := m.subs[f.Subscription]
	if !ok && f.Subscription == "" {
		for _, s := range m.subs {
			if s.topic == f.Topic {
				sub, ok = s, true
				break
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		m.cfg.Metrics.dropped("unsubscribed")
		return
	}
	if f.Topic == "" {
		f.Topic = sub.topic
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("frame handler panicked", "topic", sub.topic, "panic", r)
		}
	}()
	sub.handler(f)
}

func (m *ConnectionManager) heartbeat(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				m.log.Warn("heartbeat failed, closing connection", "error", err)
				_ = conn.Close("heartbeat timeout")
				return
			}
		}
	}
}

func (m *ConnectionManager) emitConnected() {
	m.hmu.RLock()
	handlers := append([]func(){}, m.onConnected...)
	m.hmu.RUnlock()
	for _, h := range handlers {
		m.safely("connected", h)
	}
}

func (m *ConnectionManager) emitDisconnected(err error) {
	m.hmu.RLock()
	handlers := append([]func(error){}, m.onDisconnected...)
	m.hmu.RUnlock()
	for _, h := range handlers {
		m.safely("disconnected", func() { h(err) })
	}
}

func (m *ConnectionManager) safely(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("lifecycle handler panicked", "event", event, "panic", r)
		}
	}()
	fn()
}
