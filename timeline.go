package crewdeck

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Timeline
// ============================================================================

// typingExpiry is how long a typing-presence entry survives without a
// refreshing signal. Senders run the same interval on their emit throttle, so
// under normal operation the explicit stop arrives first.
const typingExpiry = 2000 * time.Millisecond

// timeline is the reconciled, chronologically ordered view of one room:
// a one-shot history load merged with an unbounded stream of live deltas.
// Shared by the group and conversation synchronizers.
//
// Edits and deletes address messages by id, never by position; an unknown id
// is a no-op. New messages are append-only — ordering within the list is
// history order followed by arrival order.
type timeline struct {
	mu     sync.RWMutex
	msgs   []Message
	typing map[string]time.Time // userId → last typing:true
}

func newTimeline() *timeline {
	return &timeline{typing: make(map[string]time.Time)}
}

// load replaces the list with a history fetch, ordered by CreatedAt.
func (t *timeline) load(history []Message) {
	msgs := make([]Message, len(history))
	copy(msgs, history)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	t.mu.Lock()
	t.msgs = msgs
	t.mu.Unlock()
}

// append adds a pushed message to the end of the list.
func (t *timeline) append(m Message) {
	t.mu.Lock()
	t.msgs = append(t.msgs, m)
	t.mu.Unlock()
}

// applyEdit replaces the content of the message with the given id. Other
// fields are left untouched. Unknown id: no-op.
func (t *timeline) applyEdit(id, content string, updatedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.indexOf(id); i >= 0 {
		t.msgs[i].Content = content
		t.msgs[i].UpdatedAt = updatedAt
		t.msgs[i].IsEdited = true
	}
}

// applyDelete removes the message with the given id. Unknown id: no-op.
func (t *timeline) applyDelete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.indexOf(id); i >= 0 {
		t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
	}
}

// addReaction records a reaction, keeping the (emoji, userId) pair unique —
// a duplicate push collapses to the existing record.
func (t *timeline) addReaction(messageID string, r Reaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexOf(messageID)
	if i < 0 {
		return
	}
	for _, existing := range t.msgs[i].Reactions {
		if existing.Emoji == r.Emoji && existing.UserID == r.UserID {
			return
		}
	}
	t.msgs[i].Reactions = append(t.msgs[i].Reactions, r)
}

// removeReaction drops the (emoji, userId) record. Absent record: no-op.
func (t *timeline) removeReaction(messageID, emoji, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexOf(messageID)
	if i < 0 {
		return
	}
	rs := t.msgs[i].Reactions
	for j, r := range rs {
		if r.Emoji == emoji && r.UserID == userID {
			t.msgs[i].Reactions = append(rs[:j], rs[j+1:]...)
			return
		}
	}
}

// hasReaction reports whether userID currently has the emoji reaction on the
// message. Drives the client-side add-vs-remove toggle decision.
func (t *timeline) hasReaction(messageID, emoji, userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := t.indexOf(messageID)
	if i < 0 {
		return false
	}
	for _, r := range t.msgs[i].Reactions {
		if r.Emoji == emoji && r.UserID == userID {
			return true
		}
	}
	return false
}

// setTyping inserts or removes a typing-presence entry.
func (t *timeline) setTyping(userID string, isTyping bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if isTyping {
		t.typing[userID] = now
	} else {
		delete(t.typing, userID)
	}
}

// typingUsers returns the users typing as of now, dropping entries whose
// explicit stop never arrived.
func (t *timeline) typingUsers(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var users []string
	for id, at := range t.typing {
		if now.Sub(at) >= typingExpiry {
			delete(t.typing, id)
			continue
		}
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// messages returns a copy of the current list.
func (t *timeline) messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

func (t *timeline) length() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}

// indexOf requires t.mu held.
func (t *timeline) indexOf(id string) int {
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// ============================================================================
// Rendering helpers
// ============================================================================

// ReactionGroup is the display form of reactions on one message: grouped by
// emoji with a count and whether the current user participated.
type ReactionGroup struct {
	Emoji   string
	Count   int
	Reacted bool
}

// GroupReactions collapses a flat reaction list for display, in first-seen
// emoji order.
func GroupReactions(reactions []Reaction, currentUserID string) []ReactionGroup {
	var groups []ReactionGroup
	index := make(map[string]int)
	for _, r := range reactions {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(groups)
			index[r.Emoji] = i
			groups = append(groups, ReactionGroup{Emoji: r.Emoji})
		}
		groups[i].Count++
		if r.UserID == currentUserID {
			groups[i].Reacted = true
		}
	}
	return groups
}

// DaySection is a run of consecutive messages sharing a calendar day, used
// to synthesize date separators.
type DaySection struct {
	Day      time.Time // midnight, in loc
	Messages []Message
}

// DaySections groups consecutive messages whose local-time calendar day
// differs from the previous group. Within a day, arrival order is kept.
func DaySections(msgs []Message, loc *time.Location) []DaySection {
	if loc == nil {
		loc = time.Local
	}
	var sections []DaySection
	for _, m := range msgs {
		y, mo, d := m.CreatedAt.In(loc).Date()
		day := time.Date(y, mo, d, 0, 0, 0, 0, loc)
		if n := len(sections); n > 0 && sections[n-1].Day.Equal(day) {
			sections[n-1].Messages = append(sections[n-1].Messages, m)
			continue
		}
		sections = append(sections, DaySection{Day: day, Messages: []Message{m}})
	}
	return sections
}
