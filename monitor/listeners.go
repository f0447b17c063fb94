package monitor

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Listener receives every UpdateEvent published by the snapshot manager.
type Listener interface {
	HandleUpdate(event UpdateEvent) error
	Name() string
}

// ListenerFunc adapts a function to Listener
type ListenerFunc struct {
	name string
	fn   func(event UpdateEvent) error
}

func NewListenerFunc(name string, fn func(event UpdateEvent) error) *ListenerFunc {
	return &ListenerFunc{name: name, fn: fn}
}

func (l *ListenerFunc) HandleUpdate(event UpdateEvent) error {
	return l.fn(event)
}

func (l *ListenerFunc) Name() string {
	return l.name
}

// FailureRecorder is told about every listener that failed.
type FailureRecorder interface {
	ListenerFailed(listener string)
}

type registration struct {
	id       uint64
	listener Listener
}

// ListenerRegistry holds the registered listeners. Registration and removal
// replace the listener slice, so a broadcast in progress keeps iterating the
// slice it started with.
type ListenerRegistry struct {
	mu        sync.Mutex
	listeners []registration
	nextID    uint64
	logger    *zap.Logger
	failures  FailureRecorder
}

// NewListenerRegistry creates an empty registry
func NewListenerRegistry(logger *zap.Logger, failures FailureRecorder) *ListenerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ListenerRegistry{logger: logger, failures: failures}
}

// Register adds a listener and returns the function removing it again.
func (r *ListenerRegistry) Register(listener Listener) (remove func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID

	next := make([]registration, len(r.listeners), len(r.listeners)+1)
	copy(next, r.listeners)
	r.listeners = append(next, registration{id: id, listener: listener})

	r.logger.Debug("listener registered", zap.String("listener", listener.Name()))

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *ListenerRegistry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]registration, 0, len(r.listeners))
	for _, reg := range r.listeners {
		if reg.id != id {
			next = append(next, reg)
		}
	}
	r.listeners = next
}

// Len returns the number of registered listeners
func (r *ListenerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// Broadcast delivers event to every listener registered when the call started.
// A listener returning an error or panicking is logged and skipped.
func (r *ListenerRegistry) Broadcast(event UpdateEvent) {
	r.mu.Lock()
	listeners := r.listeners
	r.mu.Unlock()

	for _, reg := range listeners {
		if err := r.deliver(reg.listener, event); err != nil {
			r.logger.Error("listener failed to handle update event",
				zap.String("listener", reg.listener.Name()),
				zap.String("correlationId", event.CorrelationID),
				zap.Error(err))
			if r.failures != nil {
				r.failures.ListenerFailed(reg.listener.Name())
			}
		}
	}
}

func (r *ListenerRegistry) deliver(listener Listener, event UpdateEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("listener panicked: %v", p)
		}
	}()
	return listener.HandleUpdate(event)
}
