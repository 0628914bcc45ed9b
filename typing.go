package crewdeck

import (
	"sync"
	"time"
)

// typingEmitter throttles the outgoing typing signal for one room. The first
// keystroke emits true; each keystroke rearms a timer that emits false
// exactly once if no further keystroke arrives before it expires. An actual
// send stops immediately.
type typingEmitter struct {
	emit   func(isTyping bool)
	expiry time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	active bool
}

func newTypingEmitter(expiry time.Duration, emit func(bool)) *typingEmitter {
	if expiry <= 0 {
		expiry = typingExpiry
	}
	return &typingEmitter{emit: emit, expiry: expiry}
}

func (t *typingEmitter) keystroke() {
	t.mu.Lock()
	start := !t.active
	t.active = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.expiry, t.expire)
	t.mu.Unlock()

	if start {
		t.emit(true)
	}
}

func (t *typingEmitter) expire() {
	t.mu.Lock()
	fire := t.active
	t.active = false
	t.mu.Unlock()
	if fire {
		t.emit(false)
	}
}

// stop emits false immediately if a typing signal is outstanding. Called on
// message send.
func (t *typingEmitter) stop() {
	t.mu.Lock()
	fire := t.active
	t.active = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	if fire {
		t.emit(false)
	}
}

// cancel silences the emitter without emitting. Used on session teardown,
// where the room is being left anyway.
func (t *typingEmitter) cancel() {
	t.mu.Lock()
	t.active = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
}
