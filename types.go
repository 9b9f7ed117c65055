package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned when the REST backend answers with a non-2xx status or
// an envelope whose success flag is false.
type APIError struct {
	StatusCode int    `json:"status,omitempty"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return "api error: " + e.Message
	}
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

var (
	// ErrNotConnected is returned by transport operations issued while no live
	// connection exists.
	ErrNotConnected = errors.New("chatsync: not connected")

	// ErrSessionClosed is returned by operations on a torn-down session.
	ErrSessionClosed = errors.New("chatsync: session closed")

	// ErrNoOpenRoom is returned when sending from a widget bound to no room.
	ErrNoOpenRoom = errors.New("chatsync: no open room")

	errMalformed = errors.New("malformed payload")
)

// Result is the common REST envelope.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *Result) Decode(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Page is a paginated slice of records.
type Page[T any] struct {
	Content       []T   `json:"content"`
	TotalPages    int   `json:"totalPages"`
	TotalElements int64 `json:"totalElements"`
	Number        int   `json:"number"`
	Size          int   `json:"size"`
	Last          bool  `json:"last"`
}

// PageRequest selects a page of a paginated endpoint. Page is zero-based.
type PageRequest struct {
	Page int
	Size int
}

// ============================================================================
// Identity
// ============================================================================

// Role is the marketplace role of the signed-in user.
type Role string

const (
	RoleCandidate Role = "CANDIDATE"
	RoleHR        Role = "HR"
	RoleAdmin     Role = "ADMIN"
)

// Identity is the authenticated user a session is scoped to. An empty UserID
// means anonymous.
type Identity struct {
	UserID string
	Role   Role
	Token  string
}

// Anonymous reports whether no user is signed in.
func (i Identity) Anonymous() bool { return i.UserID == "" }

// Equal compares user and role. Token rotation alone is not an identity change.
func (i Identity) Equal(o Identity) bool {
	return i.UserID == o.UserID && i.Role == o.Role
}

// ============================================================================
// Domain Records
// ============================================================================

// MessageStatus is the delivery state of a message. Pending and Failed only
// exist locally.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Attachment references a file sent with a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is one entry of a room's append-only log.
type Message struct {
	ID         string
	ClientID   string
	RoomID     string
	SenderID   string
	SenderName string
	Content    string
	Timestamp  time.Time
	Attachment *Attachment
	Status     MessageStatus
}

// Local reports whether the message is an unconfirmed optimistic copy.
func (m Message) Local() bool {
	return m.Status == StatusPending || m.Status == StatusFailed
}

// LastMessageKind tags the shape the backend used for a conversation preview.
type LastMessageKind int

const (
	LastMessageNone LastMessageKind = iota
	LastMessageText
	LastMessageFull
)

// LastMessage is the denormalized preview of a conversation. The backend sends
// either a bare string or a full message object; the kind is fixed at decode
// time.
type LastMessage struct {
	Kind    LastMessageKind
	Text    string
	At      time.Time
	Message *Message
}

// Preview returns the text to show in a list row.
func (l LastMessage) Preview() string {
	switch l.Kind {
	case LastMessageFull:
		if l.Message.Content == "" && l.Message.Attachment != nil {
			return l.Message.Attachment.Name
		}
		return l.Message.Content
	case LastMessageText:
		return l.Text
	}
	return ""
}

// Time returns the preview timestamp, zero when unknown.
func (l LastMessage) Time() time.Time {
	if l.Kind == LastMessageFull {
		return l.Message.Timestamp
	}
	return l.At
}

// Participant is a member of a conversation.
type Participant struct {
	ID        string
	Name      string
	Role      Role
	AvatarURL string
}

// Conversation is a chat room between a candidate and HR staff, usually tied
// to a job posting.
type Conversation struct {
	ID            string
	Participants  []Participant
	JobID         string
	JobTitle      string
	CandidateID   string
	CandidateName string
	LastMessage   LastMessage
	UnreadCount   int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Recency is the display-order key.
func (c Conversation) Recency() time.Time {
	if t := c.LastMessage.Time(); !t.IsZero() {
		return t
	}
	if !c.UpdatedAt.IsZero() {
		return c.UpdatedAt
	}
	return c.CreatedAt
}

// Counterpart returns the first participant that is not selfID.
func (c Conversation) Counterpart(selfID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p, true
		}
	}
	return Participant{}, false
}

// Notification is a system alert addressed to the session user.
type Notification struct {
	ID        string
	Title     string
	Message   string
	Type      string
	Link      string
	Read      bool
	CreatedAt time.Time
}

// ============================================================================
// Wire decoding
// ============================================================================

// flexID accepts numeric or string ids.
type flexID string

func (id *flexID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == "" {
		*id = ""
		return nil
	}
	if s[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*id = flexID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid id %s", s)
	}
	*id = flexID(n.String())
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

// flexTime accepts RFC3339, zone-less local date-times (read as UTC) and
// epoch milliseconds.
type flexTime struct{ time.Time }

func (t *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == "" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if s[0] != '"' {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s", s)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, v); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", v)
}

func firstTime(ts ...flexTime) time.Time {
	for _, t := range ts {
		if !t.IsZero() {
			return t.Time
		}
	}
	return time.Time{}
}

func firstID(ids ...flexID) string {
	for _, id := range ids {
		if id != "" {
			return string(id)
		}
	}
	return ""
}

type wireMessage struct {
	ID             flexID      `json:"id"`
	ClientID       string      `json:"clientId"`
	TempID         string      `json:"tempId"`
	RoomID         flexID      `json:"roomId"`
	ConversationID flexID      `json:"conversationId"`
	SenderID       flexID      `json:"senderId"`
	SenderName     string      `json:"senderName"`
	Content        string      `json:"content"`
	Timestamp      flexTime    `json:"timestamp"`
	CreatedAt      flexTime    `json:"createdAt"`
	SentAt         flexTime    `json:"sentAt"`
	Attachment     *Attachment `json:"attachment"`
	AttachmentURL  string      `json:"attachmentUrl"`
	AttachmentName string      `json:"attachmentName"`
	Status         string      `json:"status"`
}

func (w wireMessage) normalize(fallbackRoom string) (Message, error) {
	m := Message{
		ID:         string(w.ID),
		ClientID:   w.ClientID,
		RoomID:     firstID(w.RoomID, w.ConversationID, flexID(fallbackRoom)),
		SenderID:   string(w.SenderID),
		SenderName: w.SenderName,
		Content:    w.Content,
		Timestamp:  firstTime(w.Timestamp, w.CreatedAt, w.SentAt),
		Attachment: w.Attachment,
		Status:     StatusSent,
	}
	if m.ClientID == "" {
		m.ClientID = w.TempID
	}
	if m.Attachment == nil && w.AttachmentURL != "" {
		m.Attachment = &Attachment{URL: w.AttachmentURL, Name: w.AttachmentName}
	}
	switch strings.ToLower(w.Status) {
	case "delivered":
		m.Status = StatusDelivered
	case "read", "seen":
		m.Status = StatusRead
	}
	if m.ID == "" || m.RoomID == "" || m.SenderID == "" || m.Timestamp.IsZero() {
		return Message{}, errMalformed
	}
	if m.Content == "" && m.Attachment == nil {
		return Message{}, errMalformed
	}
	return m, nil
}

// parseMessage decodes and validates a message payload.
func parseMessage(raw []byte, fallbackRoom string) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return w.normalize(fallbackRoom)
}

type wireParticipant struct {
	ID        flexID `json:"id"`
	UserID    flexID `json:"userId"`
	Name      string `json:"name"`
	FullName  string `json:"fullName"`
	Role      Role   `json:"role"`
	AvatarURL string `json:"avatarUrl"`
}

type wireConversation struct {
	ID              flexID            `json:"id"`
	Participants    []wireParticipant `json:"participants"`
	JobID           flexID            `json:"jobId"`
	JobTitle        string            `json:"jobTitle"`
	CandidateID     flexID            `json:"candidateId"`
	CandidateName   string            `json:"candidateName"`
	HRID            flexID            `json:"hrId"`
	HRName          string            `json:"hrName"`
	LastMessage     json.RawMessage   `json:"lastMessage"`
	LastMessageAt   flexTime          `json:"lastMessageAt"`
	LastMessageTime flexTime          `json:"lastMessageTime"`
	UnreadCount     int               `json:"unreadCount"`
	CreatedAt       flexTime          `json:"createdAt"`
	UpdatedAt       flexTime          `json:"updatedAt"`
}

func (w wireConversation) normalize() (Conversation, error) {
	if w.ID == "" {
		return Conversation{}, errMalformed
	}
	c := Conversation{
		ID:            string(w.ID),
		JobID:         string(w.JobID),
		JobTitle:      w.JobTitle,
		CandidateID:   string(w.CandidateID),
		CandidateName: w.CandidateName,
		UnreadCount:   max(w.UnreadCount, 0),
		CreatedAt:     w.CreatedAt.Time,
		UpdatedAt:     w.UpdatedAt.Time,
	}
	for _, p := range w.Participants {
		name := p.Name
		if name == "" {
			name = p.FullName
		}
		c.Participants = append(c.Participants, Participant{
			ID:        firstID(p.ID, p.UserID),
			Name:      name,
			Role:      p.Role,
			AvatarURL: p.AvatarURL,
		})
	}
	if len(c.Participants) == 0 {
		if c.CandidateID != "" {
			c.Participants = append(c.Participants, Participant{ID: c.CandidateID, Name: c.CandidateName, Role: RoleCandidate})
		}
		if w.HRID != "" {
			c.Participants = append(c.Participants, Participant{ID: string(w.HRID), Name: w.HRName, Role: RoleHR})
		}
	}
	c.LastMessage = decodeLastMessage(w.LastMessage, firstTime(w.LastMessageAt, w.LastMessageTime), c.ID)
	return c, nil
}

func decodeLastMessage(raw json.RawMessage, at time.Time, roomID string) LastMessage {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		if at.IsZero() {
			return LastMessage{}
		}
		return LastMessage{Kind: LastMessageText, At: at}
	}
	if s[0] == '"' {
		var text string
		if json.Unmarshal(raw, &text) != nil {
			return LastMessage{}
		}
		return LastMessage{Kind: LastMessageText, Text: text, At: at}
	}
	var w wireMessage
	if json.Unmarshal(raw, &w) != nil {
		return LastMessage{}
	}
	if m, err := w.normalize(roomID); err == nil {
		return LastMessage{Kind: LastMessageFull, Message: &m}
	}
	// Partial objects still carry a usable preview.
	if ts := firstTime(w.Timestamp, w.CreatedAt, w.SentAt); !ts.IsZero() {
		at = ts
	}
	return LastMessage{Kind: LastMessageText, Text: w.Content, At: at}
}

func parseConversation(raw []byte) (Conversation, error) {
	var w wireConversation
	if err := json.Unmarshal(raw, &w); err != nil {
		return Conversation{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return w.normalize()
}

type wireNotification struct {
	ID        flexID   `json:"id"`
	Title     string   `json:"title"`
	Message   string   `json:"message"`
	Content   string   `json:"content"`
	Type      string   `json:"type"`
	Link      string   `json:"link"`
	URL       string   `json:"url"`
	Read      bool     `json:"read"`
	IsRead    *bool    `json:"isRead"`
	CreatedAt flexTime `json:"createdAt"`
}

// parseNotification decodes and validates a notification payload. A missing
// creation time is filled with now: pushed alerts are created at delivery.
func parseNotification(raw []byte, now time.Time) (Notification, error) {
	var w wireNotification
	if err := json.Unmarshal(raw, &w); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	n := Notification{
		ID:        string(w.ID),
		Title:     w.Title,
		Message:   w.Message,
		Type:      w.Type,
		Link:      w.Link,
		Read:      w.Read,
		CreatedAt: w.CreatedAt.Time,
	}
	if n.Message == "" {
		n.Message = w.Content
	}
	if n.Link == "" {
		n.Link = w.URL
	}
	if w.IsRead != nil {
		n.Read = *w.IsRead
	}
	if n.ID == "" || (n.Title == "" && n.Message == "") {
		return Notification{}, errMalformed
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now.UTC()
	}
	return n, nil
}
