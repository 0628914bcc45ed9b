package crewdeck

import (
	"sync"

	"go.uber.org/zap"
)

// NotificationFeed consumes the push-only notifications channel: new items
// and the authoritative unread counter. The client never emits here — the
// counter is whatever the server last said it was.
type NotificationFeed struct {
	ch     eventChannel
	logger *zap.Logger

	mu     sync.Mutex
	unread int
	items  []Notification
	offs   []func()

	onItem   []func(Notification)
	onUnread []func(int)
}

// NewNotificationFeed wires a feed over a connected notifications channel.
func NewNotificationFeed(ch eventChannel, logger *zap.Logger) *NotificationFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationFeed{ch: ch, logger: logger}
}

// Start attaches the push handlers.
func (f *NotificationFeed) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offs != nil {
		return
	}
	f.offs = []func(){
		onEvent(f.ch, EventNotification, f.handleItem),
		onEvent(f.ch, EventUnreadCount, f.handleUnread),
	}
}

// Close detaches the push handlers. The accumulated items remain readable.
func (f *NotificationFeed) Close() {
	f.mu.Lock()
	offs := f.offs
	f.offs = nil
	f.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

// OnNotification registers a callback for new items.
func (f *NotificationFeed) OnNotification(h func(Notification)) {
	f.mu.Lock()
	f.onItem = append(f.onItem, h)
	f.mu.Unlock()
}

// OnUnreadCount registers a callback for counter pushes.
func (f *NotificationFeed) OnUnreadCount(h func(int)) {
	f.mu.Lock()
	f.onUnread = append(f.onUnread, h)
	f.mu.Unlock()
}

// UnreadCount returns the last counter the server pushed.
func (f *NotificationFeed) UnreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread
}

// Items returns the notifications received so far, newest last.
func (f *NotificationFeed) Items() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Notification, len(f.items))
	copy(out, f.items)
	return out
}

func (f *NotificationFeed) handleItem(n Notification) {
	f.mu.Lock()
	f.items = append(f.items, n)
	hs := append([]func(Notification){}, f.onItem...)
	f.mu.Unlock()
	for _, h := range hs {
		h(n)
	}
}

func (f *NotificationFeed) handleUnread(p UnreadCountPayload) {
	f.mu.Lock()
	f.unread = p.Count
	hs := append([]func(int){}, f.onUnread...)
	f.mu.Unlock()
	for _, h := range hs {
		h(p.Count)
	}
}
