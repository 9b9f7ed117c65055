// Package chatsync is the real-time messaging and notification client of the
// TalentHub recruitment marketplace.
//
// It keeps one live connection per signed-in user, multiplexes the user's
// notification, chat-activity and open-room topics over it, and reconciles
// pushed events with paginated REST snapshots into one ordered, de-duplicated
// view shared by every UI surface.
//
// Example:
//
//	client := chatsync.NewClient("https://talenthub.example/api", chatsync.WithToken(token))
//	sess := chatsync.NewSession(client, chatsync.SessionConfig{})
//	sess.Start(ctx, chatsync.Identity{UserID: "5", Role: chatsync.RoleHR, Token: token})
//	defer sess.Stop()
//
//	bell := chatsync.NewNotificationBell(sess)
//	fmt.Println(bell.Unread())
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultTimeout = 30 * time.Second

	// APIPathSuffix is stripped from the REST base URL to derive the
	// WebSocket endpoint.
	APIPathSuffix = "/api"

	defaultPageSize = 20
)

// SnapshotFetcher is the read side of the REST backend. Its results are the
// ground truth the reconciler converges to.
type SnapshotFetcher interface {
	ListRooms(ctx context.Context, page PageRequest) (*Page[Conversation], error)
	ListMessages(ctx context.Context, roomID string, page PageRequest) (*Page[Message], error)
	ListNotifications(ctx context.Context, page PageRequest) (*Page[Notification], error)
	UnreadNotificationCount(ctx context.Context) (int, error)
}

// Backend is the full REST surface the session consumes.
type Backend interface {
	SnapshotFetcher
	CreateRoom(ctx context.Context, opts CreateRoomOptions) (*Conversation, error)
	SendMessage(ctx context.Context, roomID string, opts SendOptions) (*Message, error)
	MarkRoomRead(ctx context.Context, roomID string) error
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// Client talks to the marketplace REST API.
type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client rooted at baseURL (e.g.
// "https://talenthub.example/api").
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or rotates the bearer token. Safe to call while requests
// are in flight.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the REST base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WSURL derives the real-time endpoint from the REST base URL: the API path
// suffix is stripped, the scheme becomes ws/wss and the path /ws.
func (c *Client) WSURL(token string) string {
	return DeriveWSURL(c.baseURL, token)
}

// DeriveWSURL is the standalone form of Client.WSURL.
func DeriveWSURL(baseURL, token string) string {
	base := strings.TrimRight(baseURL, "/")
	base = strings.TrimSuffix(base, APIPathSuffix)
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + url.QueryEscape(token)
	}
	return base + "/ws"
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result Result
	decodeErr := json.Unmarshal(data, &result)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := result.Message
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", decodeErr)
	}
	if !result.Success {
		msg := result.Message
		if msg == "" {
			msg = "request was not successful"
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return &result, nil
}

func pageQuery(page PageRequest) url.Values {
	size := page.Size
	if size <= 0 {
		size = defaultPageSize
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(max(page.Page, 0)))
	q.Set("size", strconv.Itoa(size))
	return q
}

// decodePage decodes a paginated envelope, normalizing each element. Elements
// that fail validation are skipped rather than failing the whole page.
func decodePage[T any](res *Result, parse func([]byte) (T, error)) (*Page[T], error) {
	var raw Page[json.RawMessage]
	if err := res.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode page: %w", err)
	}
	out := &Page[T]{
		TotalPages:    raw.TotalPages,
		TotalElements: raw.TotalElements,
		Number:        raw.Number,
		Size:          raw.Size,
		Last:          raw.Last,
		Content:       make([]T, 0, len(raw.Content)),
	}
	for _, item := range raw.Content {
		v, err := parse(item)
		if err != nil {
			continue
		}
		out.Content = append(out.Content, v)
	}
	return out, nil
}

// ============================================================================
// Snapshot endpoints
// ============================================================================

// ListRooms returns a page of the user's conversations.
func (c *Client) ListRooms(ctx context.Context, page PageRequest) (*Page[Conversation], error) {
	res, err := c.doRequest(ctx, http.MethodGet, "/chat/rooms", nil, pageQuery(page))
	if err != nil {
		return nil, err
	}
	return decodePage(res, parseConversation)
}

// ListMessages returns a page of a room's message history.
func (c *Client) ListMessages(ctx context.Context, roomID string, page PageRequest) (*Page[Message], error) {
	res, err := c.doRequest(ctx, http.MethodGet, "/chat/rooms/"+url.PathEscape(roomID)+"/messages", nil, pageQuery(page))
	if err != nil {
		return nil, err
	}
	return decodePage(res, func(b []byte) (Message, error) { return parseMessage(b, roomID) })
}

// ListNotifications returns a page of notifications, newest first.
func (c *Client) ListNotifications(ctx context.Context, page PageRequest) (*Page[Notification], error) {
	res, err := c.doRequest(ctx, http.MethodGet, "/notifications", nil, pageQuery(page))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return decodePage(res, func(b []byte) (Notification, error) { return parseNotification(b, now) })
}

// UnreadNotificationCount returns the authoritative unread notification count.
// The backend answers either a bare number or {"count": n}.
func (c *Client) UnreadNotificationCount(ctx context.Context) (int, error) {
	res, err := c.doRequest(ctx, http.MethodGet, "/notifications/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	var n int
	if err := res.Decode(&n); err == nil {
		return max(n, 0), nil
	}
	var wrapped struct {
		Count int `json:"count"`
	}
	if err := res.Decode(&wrapped); err != nil {
		return 0, fmt.Errorf("failed to decode unread count: %w", err)
	}
	return max(wrapped.Count, 0), nil
}

// ============================================================================
// Write endpoints
// ============================================================================

// CreateRoomOptions opens a conversation with another user, optionally about a
// job posting.
type CreateRoomOptions struct {
	ParticipantID string `json:"participantId"`
	JobID         string `json:"jobId,omitempty"`
}

// SendOptions is the body of a send-message call. ClientID is echoed back by the
// server on the live channel so the optimistic copy can be matched.
type SendOptions struct {
	Content    string      `json:"content"`
	ClientID   string      `json:"clientId,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// CreateRoom creates (or returns the existing) conversation with a participant.
func (c *Client) CreateRoom(ctx context.Context, opts CreateRoomOptions) (*Conversation, error) {
	if opts.ParticipantID == "" {
		return nil, fmt.Errorf("participant id is required")
	}
	res, err := c.doRequest(ctx, http.MethodPost, "/chat/rooms", opts, nil)
	if err != nil {
		return nil, err
	}
	conv, err := parseConversation(res.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode room: %w", err)
	}
	return &conv, nil
}

// SendMessage posts a message to a room and returns the stored copy.
func (c *Client) SendMessage(ctx context.Context, roomID string, opts SendOptions) (*Message, error) {
	if strings.TrimSpace(opts.Content) == "" && opts.Attachment == nil {
		return nil, fmt.Errorf("message content is required")
	}
	res, err := c.doRequest(ctx, http.MethodPost, "/chat/rooms/"+url.PathEscape(roomID)+"/messages", opts, nil)
	if err != nil {
		return nil, err
	}
	msg, err := parseMessage(res.Data, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if msg.ClientID == "" {
		msg.ClientID = opts.ClientID
	}
	return &msg, nil
}

// MarkRoomRead clears the server-side unread backlog of a room.
func (c *Client) MarkRoomRead(ctx context.Context, roomID string) error {
	_, err := c.doRequest(ctx, http.MethodPut, "/chat/rooms/"+url.PathEscape(roomID)+"/read", nil, nil)
	return err
}

// MarkNotificationRead marks one notification read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, http.MethodPut, "/notifications/"+url.PathEscape(id)+"/read", nil, nil)
	return err
}

// MarkAllNotificationsRead marks every notification read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodPut, "/notifications/read-all", nil, nil)
	return err
}
