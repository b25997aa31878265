package gossip

import (
	"fmt"
	"testing"
	"time"
)

func share(id string) *Envelope {
	return &Envelope{
		Type:         TypePatternShare,
		SourceNodeID: "node-a",
		Pattern:      &WirePattern{PatternID: id, Signature: "sig"},
	}
}

func TestQueueEvictsOldestShareWhenFull(t *testing.T) {
	q := newOutQueue(3)
	for i := 0; i < 3; i++ {
		q.push(share(fmt.Sprintf("p-%d", i)))
	}
	q.push(share("p-3"))

	if got := q.len(); got != 3 {
		t.Fatalf("queue length = %d, want 3", got)
	}
	if got := q.droppedCount(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}

	stop := make(chan struct{})
	env, ok := q.pop(stop)
	if !ok {
		t.Fatal("pop failed")
	}
	// p-0 was the oldest unsent share and paid for the overflow.
	if env.Pattern.PatternID != "p-1" {
		t.Errorf("head = %s, want p-1", env.Pattern.PatternID)
	}
}

func TestQueueNeverDropsControlMessages(t *testing.T) {
	q := newOutQueue(2)
	q.push(share("p-0"))
	q.push(share("p-1"))

	// Control messages go through even at capacity.
	q.push(StateUpdate("node-a", 3, 150))
	q.push(Heartbeat("node-a", time.Now()))

	if got := q.len(); got != 4 {
		t.Fatalf("queue length = %d, want 4", got)
	}

	// With the queue saturated by control traffic, a new share is the
	// one that loses.
	q2 := newOutQueue(2)
	q2.push(StateUpdate("node-a", 3, 150))
	q2.push(Heartbeat("node-a", time.Now()))
	q2.push(share("p-late"))

	if got := q2.len(); got != 2 {
		t.Errorf("queue length = %d, want 2", got)
	}
	if got := q2.droppedCount(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	stop := make(chan struct{})
	for i := 0; i < 2; i++ {
		env, ok := q2.pop(stop)
		if !ok {
			t.Fatal("pop failed")
		}
		if !env.control() {
			t.Errorf("message %d is a share, want control only", i)
		}
	}
}

func TestControlMessagesCoalesce(t *testing.T) {
	// A heartbeat per interval against a dead link must not grow the
	// queue: a newer control message replaces the queued one of its kind.
	q := newOutQueue(4)
	for i := 0; i < 1000; i++ {
		q.push(Heartbeat("node-a", time.Unix(int64(i), 0)))
		q.push(StateUpdate("node-a", 1+i%10, int64(i)))
	}
	if got := q.len(); got != 2 {
		t.Fatalf("queue length = %d, want 2 after coalescing", got)
	}

	// Only the newest of each kind survives.
	stop := make(chan struct{})
	for i := 0; i < 2; i++ {
		env, ok := q.pop(stop)
		if !ok {
			t.Fatal("pop failed")
		}
		switch env.Type {
		case TypeHeartbeat:
			if want := time.Unix(999, 0).UTC().Format(time.RFC3339Nano); env.Timestamp != want {
				t.Errorf("heartbeat timestamp = %s, want %s", env.Timestamp, want)
			}
		case TypeStateUpdate:
			if env.CumulativePatterns != 999 {
				t.Errorf("state cumulative = %d, want 999", env.CumulativePatterns)
			}
		default:
			t.Errorf("unexpected kind %s", env.Type)
		}
	}
}

func TestCoalescingLeavesSharesAlone(t *testing.T) {
	q := newOutQueue(8)
	q.push(share("p-0"))
	q.push(Heartbeat("node-a", time.Unix(1, 0)))
	q.push(share("p-1"))
	q.push(Heartbeat("node-a", time.Unix(2, 0)))

	if got := q.len(); got != 3 {
		t.Fatalf("queue length = %d, want 3", got)
	}
	stop := make(chan struct{})
	first, _ := q.pop(stop)
	second, _ := q.pop(stop)
	third, _ := q.pop(stop)
	if first.Pattern.PatternID != "p-0" || third.Pattern.PatternID != "p-1" {
		t.Errorf("share order disturbed: %s, %s", first.Pattern.PatternID, third.Pattern.PatternID)
	}
	if second.Type != TypeHeartbeat || second.Timestamp != time.Unix(2, 0).UTC().Format(time.RFC3339Nano) {
		t.Errorf("queued heartbeat not superseded: %+v", second)
	}
}

func TestQueueClearSharesKeepsControl(t *testing.T) {
	q := newOutQueue(8)
	q.push(share("p-0"))
	q.push(StateUpdate("node-a", 2, 60))
	q.push(share("p-1"))
	q.push(Heartbeat("node-a", time.Now()))

	q.clearShares()

	if got := q.len(); got != 2 {
		t.Fatalf("queue length after clear = %d, want 2", got)
	}
	stop := make(chan struct{})
	first, _ := q.pop(stop)
	second, _ := q.pop(stop)
	if first.Type != TypeStateUpdate || second.Type != TypeHeartbeat {
		t.Errorf("kept %s, %s; want state_update, heartbeat in order", first.Type, second.Type)
	}
}

func TestQueuePopUnblocksOnStop(t *testing.T) {
	q := newOutQueue(4)
	stop := make(chan struct{})

	done := make(chan bool, 1)
	go func() {
		_, ok := q.pop(stop)
		done <- ok
	}()

	close(stop)
	select {
	case ok := <-done:
		if ok {
			t.Error("pop returned a message after stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not unblock on stop")
	}
}

func TestQueuePopUnblocksOnClose(t *testing.T) {
	q := newOutQueue(4)
	stop := make(chan struct{})

	done := make(chan bool, 1)
	go func() {
		_, ok := q.pop(stop)
		done <- ok
	}()

	q.close()
	select {
	case ok := <-done:
		if ok {
			t.Error("pop returned a message after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not unblock on close")
	}

	if q.push(share("p-0")) {
		t.Error("push succeeded on closed queue")
	}
}
