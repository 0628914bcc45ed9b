package crewdeck

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope. Offline and Queued appear
// only on replies fabricated by the offline layer, never in server output:
// Queued marks a mutation that was appended to the replay log instead of
// reaching the server.
type Result struct {
	OK      bool            `json:"ok"`
	Data    json.RawMessage `json:"data,omitempty"`
	Meta    map[string]any  `json:"meta,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
	Offline bool            `json:"offline,omitempty"`
	Queued  bool            `json:"queued,omitempty"`
}

// QueuedOffline reports whether this result is the offline layer's
// acknowledgment of a queued mutation rather than a server reply.
func (r *Result) QueuedOffline() bool {
	return r.Offline && r.Queued
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Messaging Model
// ============================================================================

// Reaction is a single emoji reaction by a single user. A message holds a
// flat list of these, unique per (emoji, userId).
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// Attachment is file metadata carried on a message. The file itself is
// uploaded out of band; the socket channels never see binary payloads.
type Attachment struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

// Message is one chat message. Group messages carry GroupID; direct messages
// carry ConversationID. The server is the sole source of truth — the client
// holds a working copy keyed by ID, ordered by CreatedAt.
type Message struct {
	ID             string       `json:"id"`
	Content        string       `json:"content"`
	AuthorID       string       `json:"authorId"`
	GroupID        string       `json:"groupId,omitempty"`
	ConversationID string       `json:"conversationId,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt,omitempty"`
	IsEdited       bool         `json:"isEdited,omitempty"`
	Mentions       []string     `json:"mentions,omitempty"`
	ReplyToID      string       `json:"replyToId,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Reactions      []Reaction   `json:"reactions,omitempty"`
}

// roomID returns the room scope of the message, whichever kind it is.
func (m *Message) roomID() string {
	if m.GroupID != "" {
		return m.GroupID
	}
	return m.ConversationID
}

// Participant is one member of a conversation with their read marker.
type Participant struct {
	UserID     string    `json:"userId"`
	LastReadAt time.Time `json:"lastReadAt,omitempty"`
}

// Conversation is a direct-message thread. The structure supports N
// participants even though the product only drives 1:1 conversations.
// Created lazily on first direct-message attempt; never deleted client-side.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	UnreadCount  int           `json:"unreadCount"`
}

// Notification is one pushed notification item.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Link      string    `json:"link,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// ============================================================================
// Request Options
// ============================================================================

// PageOptions paginates history fetches.
type PageOptions struct {
	Limit  int
	Offset int
}

// SendOptions carries the optional parts of an outgoing message.
type SendOptions struct {
	ReplyToID   string
	Attachments []Attachment
}
