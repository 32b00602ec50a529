// Package events is the in-process publish/subscribe bus that decouples state
// changes from live delivery.
//
// Publish is synchronous: handlers run on the publisher's goroutine in
// registration order. A handler that returns an error or panics is logged and
// skipped; the remaining handlers still run and the publisher never sees the
// failure.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	MessageSent           = "messageSent"
	FriendRequestSent     = "friendRequestSent"
	FriendRequestAccepted = "friendRequestAccepted"
)

type Event struct {
	Name    string
	Payload any
}

type Handler func(ctx context.Context, ev Event) error

type Publisher interface {
	Publish(ctx context.Context, name string, payload any)
}

type subscription struct {
	subscriber string
	handler    Handler
}

// Subscription describes one registered handler.
type Subscription struct {
	Event      string
	Subscriber string
}

type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	order    []Subscription
	closed   atomic.Bool
	logger   *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]subscription),
		logger:   logger,
	}
}

// Subscribe registers handler for the named event. subscriber labels the
// handler in logs and in Subscriptions.
func (b *Bus) Subscribe(name, subscriber string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], subscription{subscriber: subscriber, handler: handler})
	b.order = append(b.order, Subscription{Event: name, Subscriber: subscriber})
}

// Subscriptions lists every registration in the order it was made.
func (b *Bus) Subscriptions() []Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Subscription, len(b.order))
	copy(out, b.order)
	return out
}

func (b *Bus) Publish(ctx context.Context, name string, payload any) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	subs := b.handlers[name]
	b.mu.RUnlock()

	ev := Event{Name: name, Payload: payload}
	for _, sub := range subs {
		if err := b.run(ctx, sub, ev); err != nil {
			b.logger.Warn("event handler failed", "event", name, "subscriber", sub.subscriber, "error", err)
		}
	}
}

func (b *Bus) run(ctx context.Context, sub subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sub.handler(ctx, ev)
}

// Close turns every later Publish into a no-op.
func (b *Bus) Close() {
	b.closed.Store(true)
}
