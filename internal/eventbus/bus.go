// Package eventbus is a typed fan-out hub replacing the callback-array
// pattern the daemon's components would otherwise reach for (onConnection,
// onPairingResult, onTransition, ...). One Bus[T] per event kind; multiple
// subscribers, explicit unsubscribe, and a subscriber panic/error never
// blocks or reaches the publisher.
package eventbus

import (
	"sort"
	"sync"
)

// Handler is invoked with the event payload. It must not block for long;
// the bus invokes handlers synchronously and sequentially per Emit call.
type Handler[T any] func(T)

// Bus is a single-event-kind, multi-consumer subscription point.
type Bus[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]Handler[T]
}

// New constructs an empty Bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]Handler[T])}
}

// Subscription identifies a registered handler for later Unsubscribe.
type Subscription uint64

// Subscribe registers h and returns a token usable with Unsubscribe.
func (b *Bus[T]) Subscribe(h Handler[T]) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = h
	return Subscription(id)
}

// Unsubscribe removes a previously registered handler. Idempotent.
func (b *Bus[T]) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, uint64(sub))
}

// Emit fans out to every current subscriber in registration order. A
// handler that panics is recovered so later subscribers still run.
func (b *Bus[T]) Emit(event T) {
	b.mu.Lock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler[T], 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subs[id])
	}
	b.mu.Unlock()

	for _, h := range handlers {
		callSafely(h, event)
	}
}

func callSafely[T any](h Handler[T], event T) {
	defer func() {
		_ = recover()
	}()
	h(event)
}

// Clear drops every subscriber. Used by component Destroy/Close paths.
func (b *Bus[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[uint64]Handler[T])
}
