package store

import (
	"errors"
	"sync"
)

// All store mutations flow through a single goroutine so that partial
// updates from concurrent writers can never interleave. Reads go straight
// to the connection pool.

var errWriterClosed = errors.New("store closed")

type writeReq struct {
	fn   func() error
	resp chan error
}

type writer struct {
	mu     sync.Mutex
	ch     chan writeReq
	done   chan struct{}
	closed bool
}

func newWriter(db *DB) *writer {
	w := &writer{
		ch:   make(chan writeReq, 64),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *writer) loop() {
	defer close(w.done)
	for req := range w.ch {
		req.resp <- req.fn()
	}
}

// do runs fn on the writer goroutine and waits for its result. The send
// happens under the mutex so a concurrent stop cannot close the channel
// out from under it; after shutdown every write fails cleanly instead.
func (w *writer) do(fn func() error) error {
	req := writeReq{fn: fn, resp: make(chan error, 1)}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errWriterClosed
	}
	w.ch <- req
	w.mu.Unlock()
	return <-req.resp
}

// stop flushes pending writes and stops the goroutine. Idempotent.
func (w *writer) stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()
	<-w.done
}
