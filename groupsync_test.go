package crewdeck

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Fakes
// ============================================================================

// fakeChannel is an in-process stand-in for a connected channel: it records
// emits and delivers pushes synchronously to registered handlers.
type fakeChannel struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]EventHandler
	emits    []fakeEmit
	rooms    map[string]int
	leaves   map[string]int
	emitErr  error
}

type fakeEmit struct {
	event   string
	payload any
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		handlers: make(map[string]map[int]EventHandler),
		rooms:    make(map[string]int),
		leaves:   make(map[string]int),
	}
}

func (f *fakeChannel) On(event string, h EventHandler) (off func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int]EventHandler)
	}
	f.handlers[event][id] = h
	return func() {
		f.mu.Lock()
		delete(f.handlers[event], id)
		f.mu.Unlock()
	}
}

func (f *fakeChannel) Emit(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emits = append(f.emits, fakeEmit{event: event, payload: payload})
	return nil
}

func (f *fakeChannel) JoinRoom(_ context.Context, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.rooms[room]++
	return nil
}

func (f *fakeChannel) LeaveRoom(_ context.Context, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves[room]++
	return nil
}

// push delivers a server event to the registered handlers, synchronously.
func (f *fakeChannel) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal push: %v", err)
	}
	f.mu.Lock()
	hs := make([]EventHandler, 0, len(f.handlers[event]))
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(event, data)
	}
}

func (f *fakeChannel) emitted(event string) []fakeEmit {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeEmit
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeChannel) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

// fakeGroupHistory serves canned history.
type fakeGroupHistory struct {
	msgs []Message
	err  error
}

func (f *fakeGroupHistory) GroupMessages(context.Context, string, *PageOptions) ([]Message, error) {
	return f.msgs, f.err
}

func startedGroupSession(t *testing.T, history []Message) (*GroupSession, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	s := NewGroupSession(&fakeGroupHistory{msgs: history}, ch, "group-1", "me", nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return s, ch
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestGroupSessionLifecycle(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	t.Run("start loads history and joins the room", func(t *testing.T) {
		s, ch := startedGroupSession(t, []Message{testMsg("a", base)})
		if s.State() != SessionLive {
			t.Fatalf("expected live, got %s", s.State())
		}
		if ch.rooms["group-1"] != 1 {
			t.Fatal("room not joined")
		}
		if len(s.Messages()) != 1 {
			t.Fatal("history not loaded")
		}
	})

	t.Run("history failure leaves the session retryable", func(t *testing.T) {
		ch := newFakeChannel()
		history := &fakeGroupHistory{err: errors.New("boom")}
		s := NewGroupSession(history, ch, "group-1", "me", nil)

		if err := s.Start(context.Background()); err == nil {
			t.Fatal("expected start error")
		}
		if s.State() != SessionIdle {
			t.Fatalf("expected idle after failure, got %s", s.State())
		}
		if ch.handlerCount() != 0 {
			t.Fatal("handlers attached despite failure")
		}

		history.err = nil
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("retry: %v", err)
		}
		if s.State() != SessionLive {
			t.Fatalf("retry did not go live: %s", s.State())
		}
	})

	t.Run("close leaves the room and detaches handlers", func(t *testing.T) {
		s, ch := startedGroupSession(t, nil)
		if err := s.Close(context.Background()); err != nil {
			t.Fatalf("close: %v", err)
		}
		if ch.leaves["group-1"] != 1 {
			t.Fatal("room not left")
		}
		if ch.handlerCount() != 0 {
			t.Fatal("handlers survived close")
		}

		// Idempotent: a second close must not leave twice.
		if err := s.Close(context.Background()); err != nil {
			t.Fatalf("second close: %v", err)
		}
		if ch.leaves["group-1"] != 1 {
			t.Fatal("second close left the room again")
		}
	})
}

// ============================================================================
// Push handling
// ============================================================================

func TestGroupSessionPushes(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	t.Run("new message appends, cross-room is dropped", func(t *testing.T) {
		s, ch := startedGroupSession(t, nil)

		ch.push(t, EventNewMessage, Message{ID: "m1", GroupID: "group-1", Content: "hi", CreatedAt: base})
		ch.push(t, EventNewMessage, Message{ID: "m2", GroupID: "group-OTHER", Content: "leak", CreatedAt: base})

		msgs := s.Messages()
		if len(msgs) != 1 || msgs[0].ID != "m1" {
			t.Fatalf("unexpected messages: %+v", msgs)
		}
	})

	t.Run("edits and deletes apply by id", func(t *testing.T) {
		s, ch := startedGroupSession(t, []Message{testMsg("a", base), testMsg("b", base.Add(time.Minute))})

		ch.push(t, EventMessageEdited, Message{ID: "a", GroupID: "group-1", Content: "fixed", UpdatedAt: base.Add(time.Hour)})
		ch.push(t, EventMessageDeleted, MessageDeletedPayload{MessageID: "b", GroupID: "group-1"})
		ch.push(t, EventMessageDeleted, MessageDeletedPayload{MessageID: "ghost", GroupID: "group-1"})

		msgs := s.Messages()
		if len(msgs) != 1 || msgs[0].Content != "fixed" || !msgs[0].IsEdited {
			t.Fatalf("unexpected state: %+v", msgs)
		}
	})

	t.Run("reaction pushes reconcile the pair set", func(t *testing.T) {
		s, ch := startedGroupSession(t, []Message{testMsg("a", base)})

		ch.push(t, EventReactionAdded, ReactionAddedPayload{MessageID: "a", Reaction: Reaction{Emoji: "👍", UserID: "user-2"}})
		ch.push(t, EventReactionAdded, ReactionAddedPayload{MessageID: "a", Reaction: Reaction{Emoji: "👍", UserID: "user-2"}})
		if n := len(s.Messages()[0].Reactions); n != 1 {
			t.Fatalf("duplicate push not collapsed: %d reactions", n)
		}

		ch.push(t, EventReactionRemoved, ReactionRemovedPayload{MessageID: "a", Emoji: "👍", UserID: "user-2"})
		if n := len(s.Messages()[0].Reactions); n != 0 {
			t.Fatalf("remove not applied: %d reactions", n)
		}
	})

	t.Run("typing presence tracks pushes", func(t *testing.T) {
		s, ch := startedGroupSession(t, nil)

		ch.push(t, EventUserTyping, TypingPayload{GroupID: "group-1", UserID: "user-2", IsTyping: true})
		if users := s.TypingUsers(); len(users) != 1 || users[0] != "user-2" {
			t.Fatalf("unexpected typing users: %v", users)
		}
		ch.push(t, EventUserTyping, TypingPayload{GroupID: "group-1", UserID: "user-2", IsTyping: false})
		if users := s.TypingUsers(); len(users) != 0 {
			t.Fatalf("stop not applied: %v", users)
		}
	})
}

// ============================================================================
// Outgoing actions
// ============================================================================

func TestGroupSessionSend(t *testing.T) {
	t.Run("no local echo", func(t *testing.T) {
		s, ch := startedGroupSession(t, nil)

		if err := s.Send(context.Background(), "hello room", nil); err != nil {
			t.Fatalf("send: %v", err)
		}
		if len(s.Messages()) != 0 {
			t.Fatal("send echoed locally before the push")
		}

		// The message lands when, and only when, the server pushes it.
		ch.push(t, EventNewMessage, Message{ID: "m1", GroupID: "group-1", Content: "hello room", AuthorID: "me"})
		if len(s.Messages()) != 1 {
			t.Fatal("push not applied")
		}
	})

	t.Run("mentions are parsed from markup", func(t *testing.T) {
		s, ch := startedGroupSession(t, nil)

		content := "ping @[Ada](user-1) and @[Grace](user-2)"
		if err := s.Send(context.Background(), content, nil); err != nil {
			t.Fatalf("send: %v", err)
		}

		emits := ch.emitted(EventSendMessage)
		if len(emits) != 1 {
			t.Fatalf("expected 1 send emit, got %d", len(emits))
		}
		p := emits[0].payload.(SendMessagePayload)
		if p.Content != content {
			t.Fatalf("content mangled: %q", p.Content)
		}
		if len(p.Mentions) != 2 || p.Mentions[0] != "user-1" || p.Mentions[1] != "user-2" {
			t.Fatalf("unexpected mentions: %v", p.Mentions)
		}
	})

	t.Run("send stops an outstanding typing signal", func(t *testing.T) {
		s, ch := startedGroupSession(t, nil)

		s.Keystroke()
		if err := s.Send(context.Background(), "done", nil); err != nil {
			t.Fatalf("send: %v", err)
		}

		emits := ch.emitted(EventTyping)
		if len(emits) != 2 {
			t.Fatalf("expected true+false typing emits, got %d", len(emits))
		}
		first := emits[0].payload.(TypingPayload)
		last := emits[1].payload.(TypingPayload)
		if !first.IsTyping || last.IsTyping {
			t.Fatalf("unexpected typing sequence: %+v %+v", first, last)
		}
	})

	t.Run("edit and reaction verbs carry the room", func(t *testing.T) {
		s, ch := startedGroupSession(t, nil)

		if err := s.Edit(context.Background(), "m1", "new text"); err != nil {
			t.Fatalf("edit: %v", err)
		}
		if err := s.AddReaction(context.Background(), "m1", "👍"); err != nil {
			t.Fatalf("react: %v", err)
		}

		edit := ch.emitted(EventEditMessage)[0].payload.(EditMessagePayload)
		if edit.GroupID != "group-1" || edit.MessageID != "m1" {
			t.Fatalf("unexpected edit payload: %+v", edit)
		}
		react := ch.emitted(EventAddReaction)[0].payload.(ReactionEmitPayload)
		if react.GroupID != "group-1" || react.Emoji != "👍" {
			t.Fatalf("unexpected reaction payload: %+v", react)
		}
	})
}
