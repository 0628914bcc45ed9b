package crewdeck

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionState is the lifecycle of a mounted chat view.
type SessionState string

const (
	SessionIdle    SessionState = "idle"
	SessionLoading SessionState = "loading"
	SessionLive    SessionState = "live"
	SessionClosed  SessionState = "closed"
)

// GroupHistory is the REST surface a group session needs: the one-shot
// history fetch that seeds the timeline before live deltas take over.
type GroupHistory interface {
	GroupMessages(ctx context.Context, groupID string, opts *PageOptions) ([]Message, error)
}

// SessionConfig carries the optional collaborators of a session.
type SessionConfig struct {
	Logger         *zap.Logger
	Metrics        *Metrics
	TypingInterval time.Duration // defaults to 2s
}

func (c *SessionConfig) defaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// GroupSession
// ============================================================================

// GroupSession reconciles one group's message list: a history fetch merged
// with the live push stream, plus typing presence and outgoing actions.
//
// Sends are not echoed locally — the sender waits for the server push like
// everyone else, so every message appears exactly once. The server is the
// authority on edits and deletes; the session applies any push it receives
// for a known id, whoever the author is.
type GroupSession struct {
	api     GroupHistory
	ch      RoomChannel
	groupID string
	userID  string
	logger  *zap.Logger
	metrics *Metrics

	tl     *timeline
	typing *typingEmitter

	mu    sync.Mutex
	state SessionState
	offs  []func()
}

// NewGroupSession wires a session for one group view. The channel must be a
// connected messages channel from the registry.
func NewGroupSession(api GroupHistory, ch RoomChannel, groupID, currentUserID string, config *SessionConfig) *GroupSession {
	if config == nil {
		config = &SessionConfig{}
	}
	config.defaults()

	s := &GroupSession{
		api:     api,
		ch:      ch,
		groupID: groupID,
		userID:  currentUserID,
		logger:  config.Logger.With(zap.String("group", groupID)),
		metrics: config.Metrics,
		tl:      newTimeline(),
		state:   SessionIdle,
	}
	s.typing = newTypingEmitter(config.TypingInterval, func(isTyping bool) {
		err := s.ch.Emit(context.Background(), EventTyping, TypingPayload{
			GroupID:  s.groupID,
			IsTyping: isTyping,
		})
		if err != nil {
			s.logger.Debug("typing emit failed", zap.Error(err))
		}
	})
	return s
}

// State returns the session lifecycle state.
func (s *GroupSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start loads history, joins the room, and attaches push handlers. On any
// error the session is left fully detached and Start can be retried.
func (s *GroupSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == SessionLive || s.state == SessionLoading {
		s.mu.Unlock()
		return fmt.Errorf("group session %s: already started", s.groupID)
	}
	s.state = SessionLoading
	s.mu.Unlock()

	history, err := s.api.GroupMessages(ctx, s.groupID, nil)
	if err != nil {
		s.setState(SessionIdle)
		return fmt.Errorf("load group history: %w", err)
	}
	s.tl.load(history)

	if err := s.ch.JoinRoom(ctx, s.groupID); err != nil {
		s.setState(SessionIdle)
		return fmt.Errorf("join room: %w", err)
	}

	offs := []func(){
		onEvent(s.ch, EventNewMessage, s.handleNewMessage),
		onEvent(s.ch, EventMessageEdited, s.handleEdited),
		onEvent(s.ch, EventMessageDeleted, s.handleDeleted),
		onEvent(s.ch, EventUserTyping, s.handleTyping),
		onEvent(s.ch, EventReactionAdded, s.handleReactionAdded),
		onEvent(s.ch, EventReactionRemoved, s.handleReactionRemoved),
	}

	s.mu.Lock()
	s.offs = offs
	s.state = SessionLive
	s.mu.Unlock()
	return nil
}

// Close leaves the room and detaches every handler. Idempotent; the local
// list is discarded with the session — the next view mount fetches anew.
func (s *GroupSession) Close(ctx context.Context) error {
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
		if err := s.ch.LeaveRoom(ctx, s.groupID); err != nil {
			s.logger.Warn("leave room failed", zap.Error(err))
			return err
		}
	}
	return nil
}

func (s *GroupSession) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// ── Push handlers ─────────────────────────────────────────

func (s *GroupSession) handleNewMessage(m Message) {
	if m.GroupID != s.groupID {
		s.dropForeign("newMessage", m.GroupID)
		return
	}
	s.tl.append(m)
}

func (s *GroupSession) handleEdited(m Message) {
	if m.GroupID != "" && m.GroupID != s.groupID {
		s.dropForeign("messageEdited", m.GroupID)
		return
	}
	s.tl.applyEdit(m.ID, m.Content, m.UpdatedAt)
}

func (s *GroupSession) handleDeleted(p MessageDeletedPayload) {
	if p.GroupID != "" && p.GroupID != s.groupID {
		s.dropForeign("messageDeleted", p.GroupID)
		return
	}
	s.tl.applyDelete(p.MessageID)
}

func (s *GroupSession) handleTyping(p TypingPayload) {
	if p.GroupID != "" && p.GroupID != s.groupID {
		s.dropForeign("userTyping", p.GroupID)
		return
	}
	s.tl.setTyping(p.UserID, p.IsTyping, time.Now())
}

func (s *GroupSession) handleReactionAdded(p ReactionAddedPayload) {
	s.tl.addReaction(p.MessageID, p.Reaction)
}

func (s *GroupSession) handleReactionRemoved(p ReactionRemovedPayload) {
	s.tl.removeReaction(p.MessageID, p.Emoji, p.UserID)
}

// dropForeign silently discards a push for another room. Not an error:
// leakage is expected around join/leave races.
func (s *GroupSession) dropForeign(event, room string) {
	s.logger.Debug("dropped cross-room event",
		zap.String("event", event),
		zap.String("room", room))
	s.metrics.eventDropped(string(ChannelMessages))
}

// ── Outgoing actions ──────────────────────────────────────

// Send emits a message. Mentions embedded as @[Name](id) markup are
// extracted and submitted alongside the raw content; nothing is appended
// locally — the message arrives back as a newMessage push.
func (s *GroupSession) Send(ctx context.Context, content string, opts *SendOptions) error {
	s.typing.stop()
	p := SendMessagePayload{
		Content:  content,
		GroupID:  s.groupID,
		Mentions: ParseMentions(content),
	}
	if opts != nil {
		p.ReplyToID = opts.ReplyToID
		p.Attachments = opts.Attachments
	}
	return s.ch.Emit(ctx, EventSendMessage, p)
}

// Edit emits an edit for a message. Authorization is the server's call; the
// UI merely hides the affordance for non-authors.
func (s *GroupSession) Edit(ctx context.Context, messageID, content string) error {
	return s.ch.Emit(ctx, EventEditMessage, EditMessagePayload{
		MessageID: messageID,
		GroupID:   s.groupID,
		Content:   content,
	})
}

// Delete emits a delete for a message.
func (s *GroupSession) Delete(ctx context.Context, messageID string) error {
	return s.ch.Emit(ctx, EventDeleteMessage, DeleteMessagePayload{
		MessageID: messageID,
		GroupID:   s.groupID,
	})
}

// AddReaction emits an addReaction. Idempotent server-side.
func (s *GroupSession) AddReaction(ctx context.Context, messageID, emoji string) error {
	return s.ch.Emit(ctx, EventAddReaction, ReactionEmitPayload{
		MessageID: messageID,
		GroupID:   s.groupID,
		Emoji:     emoji,
	})
}

// RemoveReaction emits a removeReaction. Idempotent server-side.
func (s *GroupSession) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	return s.ch.Emit(ctx, EventRemoveReaction, ReactionEmitPayload{
		MessageID: messageID,
		GroupID:   s.groupID,
		Emoji:     emoji,
	})
}

// Keystroke drives the outgoing typing throttle: true on the first stroke,
// false exactly once after the quiet interval, or immediately on Send.
func (s *GroupSession) Keystroke() {
	s.typing.keystroke()
}

// ── Read surface ──────────────────────────────────────────

// Messages returns the reconciled list in chronological order.
func (s *GroupSession) Messages() []Message {
	return s.tl.messages()
}

// TypingUsers returns who is typing right now.
func (s *GroupSession) TypingUsers() []string {
	return s.tl.typingUsers(time.Now())
}

// Sections groups the list by local calendar day for date separators.
func (s *GroupSession) Sections(loc *time.Location) []DaySection {
	return DaySections(s.tl.messages(), loc)
}
