package utils

import "sync"

// ReadyWait is a non-blocking wakeup signal that can take part in a select.
// Any number of Notify calls between two receives collapse into one wakeup.
type ReadyWait struct {
	ready chan struct{}
	mu    sync.Mutex
}

// NewReadyWait returns a new ReadyWait
func NewReadyWait() *ReadyWait {
	return &ReadyWait{ready: make(chan struct{}, 1)}
}

// Notify wakes up the waiter without blocking the caller
func (r *ReadyWait) Notify() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ready) < cap(r.ready) {
		r.ready <- struct{}{}
	}
}

// Wait returns the channel signalled by Notify
func (r *ReadyWait) Wait() <-chan struct{} {
	return r.ready
}
