// Package broadcast carries update events and force-update commands between
// broker monitor nodes, so that only one node needs to poll the broker.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/glimte/mmate-brokermonitor/monitor"
)

var (
	ErrMalformedMessage = errors.New("broadcast: malformed message")
	ErrBusClosed        = errors.New("broadcast: bus closed")
)

// Publisher sends updates and commands to every node
type Publisher interface {
	Publish(ctx context.Context, event monitor.UpdateEvent) error
	PublishCommand(ctx context.Context, cmd Command) error
}

// Subscriber receives updates and commands from every node, its own included.
// Handlers run on the subscription's delivery goroutine.
type Subscriber interface {
	Subscribe(ctx context.Context, handler func(monitor.RawUpdate)) (Subscription, error)
	SubscribeCommands(ctx context.Context, handler func(Command)) (Subscription, error)
}

// Subscription is released with Close
type Subscription interface {
	Close() error
}

// Bus is a Publisher and Subscriber pair
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// InProcess is a Bus for a single node. Messages go through the wire codec
// and are delivered synchronously.
type InProcess struct {
	mu       sync.RWMutex
	nextID   int
	updates  map[int]func(monitor.RawUpdate)
	commands map[int]func(Command)
	closed   bool
}

// NewInProcess creates an in-process bus
func NewInProcess() *InProcess {
	return &InProcess{
		updates:  make(map[int]func(monitor.RawUpdate)),
		commands: make(map[int]func(Command)),
	}
}

func (b *InProcess) Publish(ctx context.Context, event monitor.UpdateEvent) error {
	data, err := EncodeUpdate(event)
	if err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := make([]func(monitor.RawUpdate), 0, len(b.updates))
	for _, h := range b.updates {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		raw, err := DecodeUpdate(data)
		if err != nil {
			return err
		}
		h(raw)
	}
	return nil
}

func (b *InProcess) PublishCommand(ctx context.Context, cmd Command) error {
	data, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := make([]func(Command), 0, len(b.commands))
	for _, h := range b.commands {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		decoded, err := DecodeCommand(data)
		if err != nil {
			return err
		}
		h(decoded)
	}
	return nil
}

func (b *InProcess) Subscribe(ctx context.Context, handler func(monitor.RawUpdate)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	b.updates[id] = handler
	return subscriptionFunc(func() error {
		b.mu.Lock()
		delete(b.updates, id)
		b.mu.Unlock()
		return nil
	}), nil
}

func (b *InProcess) SubscribeCommands(ctx context.Context, handler func(Command)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	b.commands[id] = handler
	return subscriptionFunc(func() error {
		b.mu.Lock()
		delete(b.commands, id)
		b.mu.Unlock()
		return nil
	}), nil
}

// Close drops all subscriptions
func (b *InProcess) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.updates = map[int]func(monitor.RawUpdate){}
	b.commands = map[int]func(Command){}
	return nil
}

type subscriptionFunc func() error

func (f subscriptionFunc) Close() error {
	return f()
}
