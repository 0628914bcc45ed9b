package crewdeck

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConversationHistory is the REST surface a conversation session needs.
type ConversationHistory interface {
	ConversationMessages(ctx context.Context, conversationID string, opts *PageOptions) ([]Message, error)
}

// AttachmentUploader uploads a file out of band and returns its metadata.
// The socket channel only ever carries that metadata, never file bytes.
type AttachmentUploader interface {
	UploadAttachment(ctx context.Context, fileName, mimeType string, data []byte) (*Attachment, error)
}

// eventChannel is the conversation channel surface: the conversation
// namespace uses its own join/leave verbs instead of generic rooms.
type eventChannel interface {
	EventSource
	Emitter
}

// ============================================================================
// ConversationSession
// ============================================================================

// ConversationSession is the direct-message analogue of GroupSession, with
// reactions, attachments, and read-state on top of the shared reconciliation.
//
// Read state is server-driven: joining emits mark-as-read immediately, and
// every push received while the view is mounted re-emits it, so the unread
// counter is reconciled by the server rather than computed locally.
type ConversationSession struct {
	api            ConversationHistory
	uploader       AttachmentUploader
	ch             eventChannel
	conversationID string
	userID         string
	logger         *zap.Logger
	metrics        *Metrics

	tl     *timeline
	typing *typingEmitter

	mu    sync.Mutex
	state SessionState
	offs  []func()
}

// NewConversationSession wires a session for one conversation view. The
// channel must be a connected conversations channel; uploader may be nil if
// the view never sends files.
func NewConversationSession(api ConversationHistory, uploader AttachmentUploader, ch eventChannel, conversationID, currentUserID string, config *SessionConfig) *ConversationSession {
	if config == nil {
		config = &SessionConfig{}
	}
	config.defaults()

	s := &ConversationSession{
		api:            api,
		uploader:       uploader,
		ch:             ch,
		conversationID: conversationID,
		userID:         currentUserID,
		logger:         config.Logger.With(zap.String("conversation", conversationID)),
		metrics:        config.Metrics,
		tl:             newTimeline(),
		state:          SessionIdle,
	}
	s.typing = newTypingEmitter(config.TypingInterval, func(isTyping bool) {
		err := s.ch.Emit(context.Background(), EventTyping, TypingPayload{
			ConversationID: s.conversationID,
			IsTyping:       isTyping,
		})
		if err != nil {
			s.logger.Debug("typing emit failed", zap.Error(err))
		}
	})
	return s
}

// State returns the session lifecycle state.
func (s *ConversationSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start loads history, joins the conversation, marks it read, and attaches
// push handlers. On error the session is left detached and can be retried.
func (s *ConversationSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == SessionLive || s.state == SessionLoading {
		s.mu.Unlock()
		return fmt.Errorf("conversation session %s: already started", s.conversationID)
	}
	s.state = SessionLoading
	s.mu.Unlock()

	history, err := s.api.ConversationMessages(ctx, s.conversationID, nil)
	if err != nil {
		s.setState(SessionIdle)
		return fmt.Errorf("load conversation history: %w", err)
	}
	s.tl.load(history)

	ref := ConversationRefPayload{ConversationID: s.conversationID}
	if err := s.ch.Emit(ctx, EventJoinConversation, ref); err != nil {
		s.setState(SessionIdle)
		return fmt.Errorf("join conversation: %w", err)
	}
	if err := s.ch.Emit(ctx, EventMarkConversationRead, ref); err != nil {
		s.logger.Warn("mark as read failed", zap.Error(err))
	}

	offs := []func(){
		onEvent(s.ch, EventNewDirectMessage, s.handleNewMessage),
		onEvent(s.ch, EventDirectMessageEdited, s.handleEdited),
		onEvent(s.ch, EventDirectMessageDeleted, s.handleDeleted),
		onEvent(s.ch, EventConversationTyping, s.handleTyping),
		onEvent(s.ch, EventDirectReactionAdded, s.handleReactionAdded),
		onEvent(s.ch, EventDirectReactionRemoved, s.handleReactionRemoved),
	}

	s.mu.Lock()
	s.offs = offs
	s.state = SessionLive
	s.mu.Unlock()
	return nil
}

// Close leaves the conversation and detaches every handler. Idempotent.
func (s *ConversationSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return nil
	}
	wasLive := s.state == SessionLive
	s.state = SessionClosed
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()

	for _, off := range offs {
		off()
	}
	s.typing.cancel()

	if wasLive {
		err := s.ch.Emit(ctx, EventLeaveConversation, ConversationRefPayload{ConversationID: s.conversationID})
		if err != nil {
			s.logger.Warn("leave conversation failed", zap.Error(err))
			return err
		}
	}
	return nil
}

func (s *ConversationSession) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// ── Push handlers ─────────────────────────────────────────

func (s *ConversationSession) handleNewMessage(m Message) {
	if m.ConversationID != s.conversationID {
		s.dropForeign("newDirectMessage", m.ConversationID)
		return
	}
	s.tl.append(m)

	// The view is mounted, so the message is seen: push the read marker
	// back so the server reconciles the unread count.
	err := s.ch.Emit(context.Background(), EventMarkConversationRead,
		ConversationRefPayload{ConversationID: s.conversationID})
	if err != nil {
		s.logger.Debug("mark as read failed", zap.Error(err))
	}
}

func (s *ConversationSession) handleEdited(m Message) {
	if m.ConversationID != "" && m.ConversationID != s.conversationID {
		s.dropForeign("directMessageEdited", m.ConversationID)
		return
	}
	s.tl.applyEdit(m.ID, m.Content, m.UpdatedAt)
}

func (s *ConversationSession) handleDeleted(p MessageDeletedPayload) {
	if p.ConversationID != "" && p.ConversationID != s.conversationID {
		s.dropForeign("directMessageDeleted", p.ConversationID)
		return
	}
	s.tl.applyDelete(p.MessageID)
}

func (s *ConversationSession) handleTyping(p TypingPayload) {
	if p.ConversationID != s.conversationID {
		s.dropForeign("conversationTyping", p.ConversationID)
		return
	}
	if p.UserID == s.userID {
		return // own echoed signal
	}
	s.tl.setTyping(p.UserID, p.IsTyping, time.Now())
}

func (s *ConversationSession) handleReactionAdded(p ReactionAddedPayload) {
	s.tl.addReaction(p.MessageID, p.Reaction)
}

func (s *ConversationSession) handleReactionRemoved(p ReactionRemovedPayload) {
	s.tl.removeReaction(p.MessageID, p.Emoji, p.UserID)
}

func (s *ConversationSession) dropForeign(event, room string) {
	s.logger.Debug("dropped cross-room event",
		zap.String("event", event),
		zap.String("room", room))
	s.metrics.eventDropped(string(ChannelConversations))
}

// ── Outgoing actions ──────────────────────────────────────

// Send emits a direct message. As with groups, no local echo: the message
// appears when the push comes back.
func (s *ConversationSession) Send(ctx context.Context, content string, opts *SendOptions) error {
	s.typing.stop()
	p := SendMessagePayload{
		Content:        content,
		ConversationID: s.conversationID,
		Mentions:       ParseMentions(content),
	}
	if opts != nil {
		p.ReplyToID = opts.ReplyToID
		p.Attachments = opts.Attachments
	}
	return s.ch.Emit(ctx, EventSendDirectMessage, p)
}

// SendFile uploads the file over REST first, then sends a message carrying
// only the returned metadata.
func (s *ConversationSession) SendFile(ctx context.Context, content, fileName, mimeType string, data []byte) error {
	if s.uploader == nil {
		return fmt.Errorf("conversation session: no uploader configured")
	}
	att, err := s.uploader.UploadAttachment(ctx, fileName, mimeType, data)
	if err != nil {
		return fmt.Errorf("upload attachment: %w", err)
	}
	if content == "" {
		content = att.FileName
	}
	return s.Send(ctx, content, &SendOptions{Attachments: []Attachment{*att}})
}

// Edit emits an edit for one of the conversation's messages.
func (s *ConversationSession) Edit(ctx context.Context, messageID, content string) error {
	return s.ch.Emit(ctx, EventEditDirectMessage, EditMessagePayload{
		MessageID:      messageID,
		ConversationID: s.conversationID,
		Content:        content,
	})
}

// Delete emits a delete for one of the conversation's messages.
func (s *ConversationSession) Delete(ctx context.Context, messageID string) error {
	return s.ch.Emit(ctx, EventDeleteDirectMessage, DeleteMessagePayload{
		MessageID:      messageID,
		ConversationID: s.conversationID,
	})
}

// ToggleReaction emits add or remove based on the local reconciled state:
// if the current user already holds that emoji on the message, remove it,
// otherwise add it. The two wire verbs stay distinct — the server treats
// each as idempotent, so a racing duplicate is a harmless no-op.
func (s *ConversationSession) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	event := EventAddDirectReaction
	if s.tl.hasReaction(messageID, emoji, s.userID) {
		event = EventRemoveDirectReaction
	}
	return s.ch.Emit(ctx, event, ReactionEmitPayload{
		MessageID:      messageID,
		ConversationID: s.conversationID,
		Emoji:          emoji,
	})
}

// Keystroke drives the outgoing typing throttle.
func (s *ConversationSession) Keystroke() {
	s.typing.keystroke()
}

// ── Read surface ──────────────────────────────────────────

// Messages returns the reconciled list in chronological order.
func (s *ConversationSession) Messages() []Message {
	return s.tl.messages()
}

// TypingUsers returns who else is typing right now.
func (s *ConversationSession) TypingUsers() []string {
	return s.tl.typingUsers(time.Now())
}

// Reactions returns the display grouping for one message's reactions.
func (s *ConversationSession) Reactions(messageID string) []ReactionGroup {
	for _, m := range s.tl.messages() {
		if m.ID == messageID {
			return GroupReactions(m.Reactions, s.userID)
		}
	}
	return nil
}

// Sections groups the list by local calendar day for date separators.
func (s *ConversationSession) Sections(loc *time.Location) []DaySection {
	return DaySections(s.tl.messages(), loc)
}
