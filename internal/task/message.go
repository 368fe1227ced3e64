package task

import (
	"sync"

	"github.com/exos-project/exos/internal/kernelerr"
)

// MessageMax is the bound on a queue's depth (spec.md §3.4: "message
// queues are bounded FIFOs").
const MessageMax = 64

// MessageKind distinguishes the coalescing message from every other kind
// (spec.md §4.7 edge case: EWM_DRAW coalesces, everything else queues).
type MessageKind uint32

const MessageDraw MessageKind = 0xE0000001 // EWM_DRAW

// Message is one queued item, grounded on
// original_source/kernel/include/Message.h.
type Message struct {
	Kind   MessageKind
	Param1 uintptr
	Param2 uintptr
}

// MessageQueue is a bounded circular FIFO with EWM_DRAW coalescing,
// grounded on original_source/kernel/source/utils/CircularBuffer.c: a
// fixed-capacity ring of head/tail indices over a preallocated slice,
// generalized here to hold Message values instead of bytes.
type MessageQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []Message
	head     int
	count    int
	closed   bool
	drawSeen bool
	drawIdx  int
	overflow bool
}

// NewMessageQueue returns an empty queue of capacity MessageMax.
func NewMessageQueue() *MessageQueue {
	q := &MessageQueue{buf: make([]Message, MessageMax)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Post enqueues msg, applying the EWM_DRAW coalescing rule: a second
// EWM_DRAW posted while one is already pending removes the existing one
// and re-appends the new message, with its params, at the tail rather
// than overwriting it in place -- redraws never accumulate, but they do
// move behind any message posted after the stale one (spec.md §4.7).
// Message carries no timestamp, so none is recorded or updated. A
// message of any kind that arrives when the queue is full drops the
// oldest non-EWM_DRAW message to make room, per the original
// implementation's "never starve redraw, never block the poster"
// policy, and records an overflow flag observable via Overflowed.
func (q *MessageQueue) Post(msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return kernelerr.New(kernelerr.State, "Post: queue closed")
	}

	if msg.Kind == MessageDraw && q.drawSeen {
		offset := (q.drawIdx - q.head + len(q.buf)) % len(q.buf)
		q.removeAtLocked(offset)
	}

	if q.count == len(q.buf) {
		if !q.dropOldestNonDrawLocked() {
			return kernelerr.New(kernelerr.NoMemory, "Post: queue full")
		}
	}

	idx := (q.head + q.count) % len(q.buf)
	q.buf[idx] = msg
	q.count++
	if msg.Kind == MessageDraw {
		q.drawSeen = true
		q.drawIdx = idx
	}
	q.cond.Signal()
	return nil
}

// Overflowed reports whether this queue has ever dropped a message to
// make room for a new one (spec.md §4.7: "records an overflow flag on
// the queue").
func (q *MessageQueue) Overflowed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflow
}

// ClearOverflow resets the overflow flag, for callers that consume it as
// an edge-triggered signal.
func (q *MessageQueue) ClearOverflow() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.overflow = false
}

func (q *MessageQueue) dropOldestNonDrawLocked() bool {
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % len(q.buf)
		if q.buf[idx].Kind == MessageDraw {
			continue
		}
		q.removeAtLocked(i)
		q.overflow = true
		return true
	}
	return false
}

func (q *MessageQueue) removeAtLocked(offset int) {
	if offset == 0 {
		q.head = (q.head + 1) % len(q.buf)
	} else {
		for i := offset; i < q.count-1; i++ {
			from := (q.head + i + 1) % len(q.buf)
			to := (q.head + i) % len(q.buf)
			q.buf[to] = q.buf[from]
		}
	}
	q.count--
	q.recomputeDrawLocked()
}

func (q *MessageQueue) recomputeDrawLocked() {
	q.drawSeen = false
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % len(q.buf)
		if q.buf[idx].Kind == MessageDraw {
			q.drawSeen = true
			q.drawIdx = idx
			return
		}
	}
}

// Get pops the oldest message, blocking until one arrives or the queue
// is closed.
func (q *MessageQueue) Get() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.count == 0 {
		return Message{}, false
	}
	msg := q.buf[q.head]
	q.removeAtLocked(0)
	return msg, true
}

// TryGet pops the oldest message without blocking.
func (q *MessageQueue) TryGet() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return Message{}, false
	}
	msg := q.buf[q.head]
	q.removeAtLocked(0)
	return msg, true
}

// Len reports the number of messages currently queued.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Close wakes every blocked Get with a false ok, used when the owning
// task is deleted.
func (q *MessageQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
