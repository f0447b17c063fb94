package monitor

import (
	"context"
	"sync"
	"time"
)

// Waiters is a registry of pending requests keyed by correlation id. Each
// registration is completed at most once; later completions are ignored.
type Waiters[T any] struct {
	mu      sync.Mutex
	pending map[string]chan T
}

// NewWaiters creates an empty registry
func NewWaiters[T any]() *Waiters[T] {
	return &Waiters[T]{pending: make(map[string]chan T)}
}

// Register creates a pending entry for correlationID. The returned cancel
// removes it; it is safe to call after completion.
func (w *Waiters[T]) Register(correlationID string) (<-chan T, func()) {
	ch := make(chan T, 1)

	w.mu.Lock()
	w.pending[correlationID] = ch
	w.mu.Unlock()

	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.pending[correlationID] == ch {
			delete(w.pending, correlationID)
		}
	}
}

// Complete fires the entry for correlationID, reporting whether one was pending.
func (w *Waiters[T]) Complete(correlationID string, value T) bool {
	w.mu.Lock()
	ch, exists := w.pending[correlationID]
	if exists {
		delete(w.pending, correlationID)
	}
	w.mu.Unlock()

	if !exists {
		return false
	}
	ch <- value
	return true
}

// Pending returns the number of registrations not yet completed or cancelled
func (w *Waiters[T]) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Await blocks until the entry is completed, timeout elapses or ctx is done.
// On timeout the registration is removed and ok is false; that is not an error.
func (w *Waiters[T]) Await(ctx context.Context, ch <-chan T, cancel func(), timeout time.Duration) (value T, ok bool, err error) {
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case value = <-ch:
		return value, true, nil
	case <-timer.C:
		return value, false, nil
	case <-ctx.Done():
		return value, false, ctx.Err()
	}
}
