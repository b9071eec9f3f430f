package hub

import (
	"sync"

	"bikanpe/fabric/pkg/proto"
)

// outbox is a subscriber's bounded, single-producer/single-consumer queue
// of pending envelopes. Spec.md §4.3 requires dropping the *oldest*
// unsent envelope on overflow, which a plain Go channel cannot express
// without a second goroutine racing the send — so this is a small ring
// buffer written directly against stdlib sync.Mutex/sync.Cond, in the
// teacher's plain-mutex idiom rather than imported from a queue library.
type outbox struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []proto.Envelope
	head     int
	size     int
	capacity int
	closed   bool

	drops            int64
	consecutiveDrops int
}

func newOutbox(capacity int) *outbox {
	o := &outbox{buf: make([]proto.Envelope, capacity), capacity: capacity}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// push enqueues env. If the outbox is full, the oldest unsent envelope is
// dropped to make room; the dropped envelope is still "accepted" for
// ordering purposes since the caller already decided to broadcast it.
// Returns whether a drop occurred, for the hub's SlowConsumer accounting.
func (o *outbox) push(env proto.Envelope) (dropped bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	if o.size == o.capacity {
		// Drop oldest: advance head, shrink logical size back so the
		// following write still lands at the correct tail slot.
		o.head = (o.head + 1) % o.capacity
		o.size--
		o.drops++
		o.consecutiveDrops++
		dropped = true
	} else {
		o.consecutiveDrops = 0
	}
	tail := (o.head + o.size) % o.capacity
	o.buf[tail] = env
	o.size++
	o.cond.Signal()
	return dropped
}

// pop blocks until an envelope is available or the outbox is closed. ok is
// false only when the outbox is closed and drained.
func (o *outbox) pop() (proto.Envelope, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.size == 0 && !o.closed {
		o.cond.Wait()
	}
	if o.size == 0 {
		return proto.Envelope{}, false
	}
	env := o.buf[o.head]
	o.head = (o.head + 1) % o.capacity
	o.size--
	return env, true
}

// close stops pop from blocking further; envelopes already queued remain
// poppable until drained (pop keeps returning them until size reaches 0).
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.cond.Broadcast()
}

func (o *outbox) dropCount() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drops
}

// consecutiveDropStreak reports how many broadcasts in a row have dropped
// an envelope for this subscriber, used to decide SlowConsumer eviction.
func (o *outbox) consecutiveDropStreak() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.consecutiveDrops
}
