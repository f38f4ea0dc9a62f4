package client

import (
	"sync"
)

// pendingTable correlates request/response calls (models, stop, ping) by
// message id. Each entry resolves exactly once: with the raw answer frame,
// or with an error when the call fails or the connection drops.
type pendingTable struct {
	mu sync.Mutex
	m  map[string]chan pendingResult
}

type pendingResult struct {
	frame *rawFrame
	err   error
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]chan pendingResult)}
}

// add registers a waiter for the given message id.
func (t *pendingTable) add(id string) chan pendingResult {
	ch := make(chan pendingResult, 1)
	t.mu.Lock()
	t.m[id] = ch
	t.mu.Unlock()
	return ch
}

// remove drops a waiter without resolving it (caller timed out or gave up).
func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	delete(t.m, id)
	t.mu.Unlock()
}

// resolve delivers the answer frame to the waiter, if one is still present.
// Returns false when no waiter was registered for the id.
func (t *pendingTable) resolve(id string, frame *rawFrame) bool {
	t.mu.Lock()
	ch, ok := t.m[id]
	if ok {
		delete(t.m, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- pendingResult{frame: frame}
	return true
}

// fail delivers an error to the waiter, if one is still present.
func (t *pendingTable) fail(id string, err error) {
	t.mu.Lock()
	ch, ok := t.m[id]
	if ok {
		delete(t.m, id)
	}
	t.mu.Unlock()
	if ok {
		ch <- pendingResult{err: err}
	}
}

// failAll resolves every waiter with err. Used at disconnect.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	waiters := t.m
	t.m = make(map[string]chan pendingResult)
	t.mu.Unlock()

	for _, ch := range waiters {
		ch <- pendingResult{err: err}
	}
}
