// Package event provides a typed observer list.
package event

import "sync"

// Emitter delivers values of type T to its subscribers.
//
// Subscribers are called synchronously, in subscription order. Values emitted
// while a delivery is already in progress (from another goroutine or from a
// subscriber itself) are queued and delivered by the goroutine that is already
// emitting, so a subscriber is never re-entered and delivery order matches
// emission order.
type Emitter[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	subs     []subscription[T]
	queue    []T
	emitting bool
}

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it.
// The returned function is safe to call more than once.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscription[T]{id: id, fn: fn})

	return func() { e.unsubscribe(id) }
}

func (e *Emitter[T]) unsubscribe(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, s := range e.subs {
		if s.id == id {
			// Copy so an in-flight delivery keeps its own snapshot.
			subs := make([]subscription[T], 0, len(e.subs)-1)
			subs = append(subs, e.subs[:i]...)
			e.subs = append(subs, e.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of current subscribers.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Emit delivers v to every current subscriber.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	e.queue = append(e.queue, v)
	if e.emitting {
		e.mu.Unlock()
		return
	}
	e.emitting = true

	// A panicking subscriber must not leave the emitter stuck in emitting mode.
	defer func() {
		if r := recover(); r != nil {
			e.mu.Lock()
			e.queue = nil
			e.emitting = false
			e.mu.Unlock()
			panic(r)
		}
	}()

	for len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		subs := e.subs
		e.mu.Unlock()

		deliver(subs, next)

		e.mu.Lock()
	}
	e.queue = nil
	e.emitting = false
	e.mu.Unlock()
}

func deliver[T any](subs []subscription[T], v T) {
	for _, s := range subs {
		s.fn(v)
	}
}
