package consumer

import (
	"maps"
	"sync"

	"github.com/malbeclabs/lakesink/pkg/protocol"
)

type CheckpointPolicy int

const (
	// CheckpointOnAccept forwards a state once every preceding record is buffered.
	CheckpointOnAccept CheckpointPolicy = iota
	// CheckpointOnFlush holds a state until every preceding record of its
	// stream, or of all streams for global states, has been flushed.
	CheckpointOnFlush
)

func (p CheckpointPolicy) String() string {
	switch p {
	case CheckpointOnAccept:
		return "accept"
	case CheckpointOnFlush:
		return "flush"
	default:
		return "unknown"
	}
}

type heldState struct {
	msg        *protocol.Message
	watermarks map[protocol.StreamKey]uint64
}

// checkpointTracker counts accepted and flushed records per stream. Flushes
// of a stream always cover a prefix of its accepted records, so a state is
// durable once the flushed count reaches the accepted count it saw.
type checkpointTracker struct {
	mu       sync.Mutex
	accepted map[protocol.StreamKey]uint64
	flushed  map[protocol.StreamKey]uint64
	held     []heldState
}

func newCheckpointTracker() *checkpointTracker {
	return &checkpointTracker{
		accepted: make(map[protocol.StreamKey]uint64),
		flushed:  make(map[protocol.StreamKey]uint64),
	}
}

func (t *checkpointTracker) accept(key protocol.StreamKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accepted[key]++
}

func (t *checkpointTracker) flush(key protocol.StreamKey, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushed[key] += uint64(n)
}

func (t *checkpointTracker) hold(msg *protocol.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var wm map[protocol.StreamKey]uint64
	if key, ok := msg.State.Key(); ok {
		wm = map[protocol.StreamKey]uint64{key: t.accepted[key]}
	} else {
		wm = maps.Clone(t.accepted)
	}
	t.held = append(t.held, heldState{msg: msg, watermarks: wm})
}

// ready pops the held states that are durable, preserving arrival order.
func (t *checkpointTracker) ready() []*protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*protocol.Message
	for len(t.held) > 0 && t.durable(t.held[0]) {
		out = append(out, t.held[0].msg)
		t.held = t.held[1:]
	}
	return out
}

func (t *checkpointTracker) durable(s heldState) bool {
	for k, w := range s.watermarks {
		if t.flushed[k] < w {
			return false
		}
	}
	return true
}

func (t *checkpointTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}
