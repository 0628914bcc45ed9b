package crewdeck

import (
	"sync"
	"testing"
	"time"
)

// typingRecorder collects emitted typing signals.
type typingRecorder struct {
	mu      sync.Mutex
	signals []bool
}

func (r *typingRecorder) emit(isTyping bool) {
	r.mu.Lock()
	r.signals = append(r.signals, isTyping)
	r.mu.Unlock()
}

func (r *typingRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.signals))
	copy(out, r.signals)
	return out
}

func TestTypingEmitter(t *testing.T) {
	const expiry = 30 * time.Millisecond

	t.Run("first keystroke emits true once", func(t *testing.T) {
		rec := &typingRecorder{}
		te := newTypingEmitter(expiry, rec.emit)
		defer te.cancel()

		te.keystroke()
		te.keystroke()
		te.keystroke()

		got := rec.snapshot()
		if len(got) != 1 || !got[0] {
			t.Fatalf("expected single true, got %v", got)
		}
	})

	t.Run("idle expiry emits false exactly once", func(t *testing.T) {
		rec := &typingRecorder{}
		te := newTypingEmitter(expiry, rec.emit)
		defer te.cancel()

		te.keystroke()
		time.Sleep(4 * expiry)

		got := rec.snapshot()
		if len(got) != 2 || !got[0] || got[1] {
			t.Fatalf("expected [true false], got %v", got)
		}
	})

	t.Run("keystrokes within the window rearm the timer", func(t *testing.T) {
		rec := &typingRecorder{}
		te := newTypingEmitter(expiry, rec.emit)
		defer te.cancel()

		te.keystroke()
		time.Sleep(expiry / 2)
		te.keystroke()
		time.Sleep(expiry / 2)

		if got := rec.snapshot(); len(got) != 1 {
			t.Fatalf("false emitted while still typing: %v", got)
		}
	})

	t.Run("stop emits false immediately", func(t *testing.T) {
		rec := &typingRecorder{}
		te := newTypingEmitter(expiry, rec.emit)
		defer te.cancel()

		te.keystroke()
		te.stop()

		got := rec.snapshot()
		if len(got) != 2 || got[1] {
			t.Fatalf("expected [true false], got %v", got)
		}

		// Expiry after stop must not fire a second false.
		time.Sleep(4 * expiry)
		if got := rec.snapshot(); len(got) != 2 {
			t.Fatalf("extra signal after stop: %v", got)
		}
	})

	t.Run("stop without keystroke is silent", func(t *testing.T) {
		rec := &typingRecorder{}
		te := newTypingEmitter(expiry, rec.emit)
		te.stop()
		if got := rec.snapshot(); len(got) != 0 {
			t.Fatalf("expected no signals, got %v", got)
		}
	})

	t.Run("cancel is silent", func(t *testing.T) {
		rec := &typingRecorder{}
		te := newTypingEmitter(expiry, rec.emit)
		te.keystroke()
		te.cancel()
		time.Sleep(4 * expiry)
		got := rec.snapshot()
		if len(got) != 1 || !got[0] {
			t.Fatalf("expected only the initial true, got %v", got)
		}
	})

	t.Run("new burst after expiry starts over", func(t *testing.T) {
		rec := &typingRecorder{}
		te := newTypingEmitter(expiry, rec.emit)
		defer te.cancel()

		te.keystroke()
		time.Sleep(4 * expiry)
		te.keystroke()
		time.Sleep(4 * expiry)

		got := rec.snapshot()
		want := []bool{true, false, true, false}
		if len(got) != len(want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, got)
			}
		}
	})
}
