package collabclient

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaneah/infyemailer-sub009/pkg/collab"
)

type cursorSink struct {
	mu   sync.Mutex
	sent []collab.CursorState
}

func (s *cursorSink) emit(cs collab.CursorState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, cs)
}

func (s *cursorSink) all() []collab.CursorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]collab.CursorState, len(s.sent))
	copy(out, s.sent)
	return out
}

func cursorAt(x float64) collab.CursorState {
	return collab.CursorState{UserID: "u1", Position: &collab.Position{X: x}}
}

func TestThrottleCoalescesToLatest(t *testing.T) {
	sink := &cursorSink{}
	th := newCursorThrottle(50*time.Millisecond, sink.emit)
	defer th.stop()

	// First update in a quiet period goes straight out.
	th.update(cursorAt(1))
	require.Len(t, sink.all(), 1)

	// A burst inside the window collapses to the newest position.
	th.update(cursorAt(2))
	th.update(cursorAt(3))
	th.update(cursorAt(4))

	assert.Eventually(t, func() bool { return len(sink.all()) == 2 }, time.Second, 5*time.Millisecond)
	sent := sink.all()
	assert.Equal(t, 4.0, sent[1].Position.X, "only the latest position survives the window")
}

func TestThrottleBoundsRate(t *testing.T) {
	sink := &cursorSink{}
	th := newCursorThrottle(40*time.Millisecond, sink.emit)
	defer th.stop()

	deadline := time.Now().Add(200 * time.Millisecond)
	for i := 0; time.Now().Before(deadline); i++ {
		th.update(cursorAt(float64(i)))
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(60 * time.Millisecond)

	// 200ms of spam through a 40ms window cannot produce more than ~6 sends.
	assert.LessOrEqual(t, len(sink.all()), 7)
	assert.GreaterOrEqual(t, len(sink.all()), 3)
}

func TestThrottleStopDropsPending(t *testing.T) {
	sink := &cursorSink{}
	th := newCursorThrottle(50*time.Millisecond, sink.emit)

	th.update(cursorAt(1))
	th.update(cursorAt(2)) // pending
	th.stop()

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, sink.all(), 1, "pending flush is dropped after stop")

	th.update(cursorAt(3))
	assert.Len(t, sink.all(), 1, "updates after stop are ignored")
}
