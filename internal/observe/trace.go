package observe

import (
	"sync"

	"sql-db-proxy/internal/protocol"
)

// TracedFrame is one relayed frame as seen by a Trace.
type TracedFrame struct {
	Direction protocol.Direction
	Class     protocol.Class
	Size      int
}

// Trace records the frames a relay forwards, in forwarding order per
// direction. The relay only writes to it when one is attached, so production
// sessions pay nothing for it; tests use it to assert ordering.
type Trace struct {
	mu     sync.Mutex
	frames []TracedFrame
}

func (t *Trace) Record(dir protocol.Direction, class protocol.Class, size int) {
	t.mu.Lock()
	t.frames = append(t.frames, TracedFrame{Direction: dir, Class: class, Size: size})
	t.mu.Unlock()
}

// Frames returns a copy of everything recorded so far.
func (t *Trace) Frames() []TracedFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TracedFrame, len(t.frames))
	copy(out, t.frames)
	return out
}

// Directed returns only the frames relayed in one direction, in order.
func (t *Trace) Directed(dir protocol.Direction) []TracedFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []TracedFrame
	for _, f := range t.frames {
		if f.Direction == dir {
			out = append(out, f)
		}
	}
	return out
}
