package relay

import (
	"context"
	"sync"
	"time"
)

// attachTracker pairs the two halves of a driver-initiated attach: the
// extension's RPC reply ({sessionId, targetId}) and the corresponding
// Target.attachedToTarget event. Whichever arrives first is remembered; the
// second completes the waiter.
type attachTracker struct {
	mu      sync.Mutex
	waiters map[*attachWaiter]struct{}
	// targetID -> sessionID for attach events observed while waiters exist.
	seen map[string]string
}

type attachWaiter struct {
	tabID     int
	targetID  string // set once the RPC reply arrives
	sessionID string
	done      chan struct{}
	err       error
	completed bool
}

func newAttachTracker() *attachTracker {
	return &attachTracker{
		waiters: make(map[*attachWaiter]struct{}),
		seen:    make(map[string]string),
	}
}

// register creates a waiter for tabID. The caller must call unregister.
func (t *attachTracker) register(tabID int) *attachWaiter {
	w := &attachWaiter{tabID: tabID, done: make(chan struct{})}
	t.mu.Lock()
	t.waiters[w] = struct{}{}
	t.mu.Unlock()
	return w
}

func (t *attachTracker) unregister(w *attachWaiter) {
	t.mu.Lock()
	delete(t.waiters, w)
	if len(t.waiters) == 0 {
		t.seen = make(map[string]string)
	}
	t.mu.Unlock()
}

// setResult records the extension's RPC reply for w and completes it if the
// matching attach event has already been observed.
func (t *attachTracker) setResult(w *attachWaiter, sessionID, targetID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w.sessionID = sessionID
	w.targetID = targetID
	if _, ok := t.seen[targetID]; ok {
		t.completeLocked(w, nil)
	}
}

// noteAttached implements attachObserver: every accepted attachedToTarget is
// recorded (only while attaches are in flight) and completes any waiter whose
// RPC reply named this target.
func (t *attachTracker) noteAttached(sessionID, targetID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.waiters) == 0 {
		return
	}
	t.seen[targetID] = sessionID
	for w := range t.waiters {
		if w.targetID == targetID {
			t.completeLocked(w, nil)
		}
	}
}

// fail rejects a single waiter.
func (t *attachTracker) fail(w *attachWaiter, err error) {
	t.mu.Lock()
	t.completeLocked(w, err)
	t.mu.Unlock()
}

// failAll rejects every in-flight waiter, e.g. on extension disconnect or
// relay shutdown.
func (t *attachTracker) failAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for w := range t.waiters {
		t.completeLocked(w, err)
	}
}

func (t *attachTracker) completeLocked(w *attachWaiter, err error) {
	if w.completed {
		return
	}
	w.completed = true
	w.err = err
	close(w.done)
}

// wait blocks until the waiter completes, the timeout elapses, or ctx ends.
func (w *attachWaiter) wait(ctx context.Context, timeout time.Duration) (sessionID, targetID string, err error) {
	select {
	case <-w.done:
		return w.sessionID, w.targetID, w.err
	case <-time.After(timeout):
		return "", "", ErrAttachTimeout
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}
