package crewdeck

import (
	"context"
	"encoding/json"
)

// ============================================================================
// Wire Events
// ============================================================================
//
// Each channel speaks a fixed set of named events over one envelope format.
// Emits are client→server requests (fire-and-forget; the server push is the
// confirmation); everything else is a server push.

// Group channel (/messages).
const (
	EventSendMessage     = "sendMessage"
	EventEditMessage     = "editMessage"
	EventDeleteMessage   = "deleteMessage"
	EventTyping          = "typing"
	EventAddReaction     = "addReaction"
	EventRemoveReaction  = "removeReaction"
	EventNewMessage      = "newMessage"
	EventMessageEdited   = "messageEdited"
	EventMessageDeleted  = "messageDeleted"
	EventUserTyping      = "userTyping"
	EventReactionAdded   = "reactionAdded"
	EventReactionRemoved = "reactionRemoved"
)

// Conversation channel (/conversations).
const (
	EventJoinConversation      = "joinConversation"
	EventLeaveConversation     = "leaveConversation"
	EventSendDirectMessage     = "sendDirectMessage"
	EventEditDirectMessage     = "editDirectMessage"
	EventDeleteDirectMessage   = "deleteDirectMessage"
	EventAddDirectReaction     = "addDirectReaction"
	EventRemoveDirectReaction  = "removeDirectReaction"
	EventMarkConversationRead  = "markConversationAsRead"
	EventNewDirectMessage      = "newDirectMessage"
	EventDirectMessageEdited   = "directMessageEdited"
	EventDirectMessageDeleted  = "directMessageDeleted"
	EventDirectReactionAdded   = "directReactionAdded"
	EventDirectReactionRemoved = "directReactionRemoved"
	EventConversationTyping    = "conversationTyping"
)

// Notification channel (/notifications). Push only — the client never emits.
const (
	EventNotification = "notification"
	EventUnreadCount  = "unreadCount"
)

// Channel-internal events.
const (
	eventAuthenticated = "authenticated"
	eventJoinRoom      = "joinRoom"
	eventLeaveRoom     = "leaveRoom"
)

// ============================================================================
// Emit Payloads
// ============================================================================

// SendMessagePayload is the body of sendMessage / sendDirectMessage.
type SendMessagePayload struct {
	Content        string       `json:"content"`
	GroupID        string       `json:"groupId,omitempty"`
	ConversationID string       `json:"conversationId,omitempty"`
	Mentions       []string     `json:"mentions,omitempty"`
	ReplyToID      string       `json:"replyToId,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// EditMessagePayload is the body of editMessage / editDirectMessage.
type EditMessagePayload struct {
	MessageID      string `json:"messageId"`
	GroupID        string `json:"groupId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Content        string `json:"content"`
}

// DeleteMessagePayload is the body of deleteMessage / deleteDirectMessage.
type DeleteMessagePayload struct {
	MessageID      string `json:"messageId"`
	GroupID        string `json:"groupId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// TypingPayload is the body of the typing emit and the userTyping /
// conversationTyping pushes.
type TypingPayload struct {
	UserID         string `json:"userId,omitempty"`
	GroupID        string `json:"groupId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// ReactionEmitPayload is the body of addReaction / removeReaction and their
// direct-conversation counterparts.
type ReactionEmitPayload struct {
	MessageID      string `json:"messageId"`
	GroupID        string `json:"groupId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Emoji          string `json:"emoji"`
}

// ConversationRefPayload addresses a conversation with no other fields
// (joinConversation, leaveConversation, markConversationAsRead).
type ConversationRefPayload struct {
	ConversationID string `json:"conversationId"`
}

// ============================================================================
// Push Payloads
// ============================================================================

// MessageDeletedPayload is the body of messageDeleted / directMessageDeleted.
type MessageDeletedPayload struct {
	MessageID      string `json:"messageId"`
	GroupID        string `json:"groupId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// ReactionAddedPayload is the body of reactionAdded / directReactionAdded.
type ReactionAddedPayload struct {
	MessageID      string   `json:"messageId"`
	GroupID        string   `json:"groupId,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	Reaction       Reaction `json:"reaction"`
}

// ReactionRemovedPayload is the body of reactionRemoved /
// directReactionRemoved.
type ReactionRemovedPayload struct {
	MessageID      string `json:"messageId"`
	GroupID        string `json:"groupId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Emoji          string `json:"emoji"`
	UserID         string `json:"userId"`
}

// UnreadCountPayload is the authoritative unread counter push.
type UnreadCountPayload struct {
	Count int `json:"count"`
}

type authPayload struct {
	Token string `json:"token"`
}

type roomPayload struct {
	Room string `json:"room"`
}

// ============================================================================
// Handler plumbing
// ============================================================================

// EventHandler is the generic push callback.
type EventHandler func(event string, payload json.RawMessage)

// EventSource is the listen surface of a channel. Handlers run on the
// channel's read loop, in delivery order; the returned func detaches the
// handler.
type EventSource interface {
	On(event string, h EventHandler) (off func())
}

// Emitter is the emit surface of a channel.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// RoomChannel is the channel surface the synchronizers depend on: emit,
// listen, and per-room subscription on one physical connection.
type RoomChannel interface {
	EventSource
	Emitter
	JoinRoom(ctx context.Context, room string) error
	LeaveRoom(ctx context.Context, room string) error
}

// onEvent registers a typed handler: payloads that fail to decode are
// dropped, matching the tolerance the wire contract requires of clients.
func onEvent[T any](src EventSource, event string, h func(T)) (off func()) {
	return src.On(event, func(_ string, payload json.RawMessage) {
		var p T
		if json.Unmarshal(payload, &p) == nil {
			h(p)
		}
	})
}

// OnNewMessage registers a typed handler for newMessage / newDirectMessage.
func OnNewMessage(src EventSource, event string, h func(Message)) (off func()) {
	return onEvent(src, event, h)
}

// OnTyping registers a typed handler for userTyping / conversationTyping.
func OnTyping(src EventSource, event string, h func(TypingPayload)) (off func()) {
	return onEvent(src, event, h)
}
