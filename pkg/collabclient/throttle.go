package collabclient

import (
	"sync"
	"time"

	"github.com/shaneah/infyemailer-sub009/pkg/collab"
)

// cursorThrottle bounds the cursor message rate to one per window. The first
// update in a quiet period goes out immediately; updates inside the window
// overwrite each other and only the latest is flushed when the window ends.
// Cursor state is lossy on purpose, so nothing is ever queued.
type cursorThrottle struct {
	window time.Duration
	emit   func(collab.CursorState)

	mu       sync.Mutex
	latest   collab.CursorState
	pending  bool
	lastSent time.Time
	timer    *time.Timer
	stopped  bool
}

func newCursorThrottle(window time.Duration, emit func(collab.CursorState)) *cursorThrottle {
	return &cursorThrottle{window: window, emit: emit}
}

func (t *cursorThrottle) update(cs collab.CursorState) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.latest = cs

	if t.pending {
		// A flush is already scheduled; it will pick up this state.
		t.mu.Unlock()
		return
	}
	since := time.Since(t.lastSent)
	if since >= t.window {
		t.lastSent = time.Now()
		out := t.latest
		t.mu.Unlock()
		t.emit(out)
		return
	}
	t.pending = true
	t.timer = time.AfterFunc(t.window-since, t.flush)
	t.mu.Unlock()
}

func (t *cursorThrottle) flush() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.pending = false
	t.lastSent = time.Now()
	out := t.latest
	t.mu.Unlock()
	t.emit(out)
}

func (t *cursorThrottle) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}
