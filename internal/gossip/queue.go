package gossip

import "sync"

// outQueue is the per-peer outbound buffer. Pattern shares are capped:
// when the queue is full the oldest unsent share is dropped. Control
// messages (state updates, heartbeats) are never dropped outright, but
// a newer control message of the same kind supersedes the queued one,
// so at most one heartbeat and one state update wait per peer. A stalled
// link therefore holds at most cap shares plus two control messages.
type outQueue struct {
	mu      sync.Mutex
	items   []*Envelope
	cap     int
	notify  chan struct{}
	closed  bool
	dropped uint64
}

func newOutQueue(capacity int) *outQueue {
	return &outQueue{
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
}

// push enqueues a message, evicting the oldest pattern share when a
// share would overflow the queue. Returns false once the queue is closed.
func (q *outQueue) push(env *Envelope) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if env.control() {
		// Only the newest state of each control kind matters; a
		// reconnecting peer has no use for a backlog of stale ones.
		for i, queued := range q.items {
			if queued.Type == env.Type {
				q.items[i] = env
				q.mu.Unlock()
				q.wake()
				return true
			}
		}
	} else if len(q.items) >= q.cap {
		if !q.evictOldestShareLocked() {
			// Queue full of control messages; the new share loses.
			q.dropped++
			q.mu.Unlock()
			return true
		}
	}
	q.items = append(q.items, env)
	q.mu.Unlock()
	q.wake()
	return true
}

func (q *outQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a message is available, the queue closes, or stop is
// signalled. The queue outlives any one connection, so each connection's
// sender passes its own stop channel.
func (q *outQueue) pop(stop <-chan struct{}) (*Envelope, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return env, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		select {
		case <-q.notify:
		case <-stop:
			return nil, false
		}
	}
}

// clearShares drops all queued pattern shares, keeping control messages.
// A reconnection begins a fresh message stream.
func (q *outQueue) clearShares() {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, env := range q.items {
		if env.control() {
			kept = append(kept, env)
		} else {
			q.dropped++
		}
	}
	q.items = kept
}

func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *outQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *outQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *outQueue) evictOldestShareLocked() bool {
	for i, env := range q.items {
		if !env.control() {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.dropped++
			return true
		}
	}
	return false
}
