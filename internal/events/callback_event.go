package events

import "sync"

// CallbackEvent is the function-callback sibling of ChannelEvent, for
// consumers that want to run inline on the notifying goroutine instead of
// owning a channel. Callbacks are invoked outside the lock; a slow callback
// delays the notifier but can never deadlock it.
type CallbackEvent[T any] struct {
	mu         sync.RWMutex
	listeners  map[uint64]func(T)
	nextID     uint64
	replayLast bool
	last       T
	hasLast    bool
}

// NewCallbackEvent creates a CallbackEvent. replayLast behaves as in
// NewChannelEvent: late listeners are called immediately with the most
// recent value.
func NewCallbackEvent[T any](replayLast bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{
		listeners:  make(map[uint64]func(T)),
		replayLast: replayLast,
	}
}

// Listen registers callback and returns a deregistration func.
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("events: listener callback cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = callback
	replay := e.replayLast && e.hasLast
	last := e.last
	e.mu.Unlock()

	if replay {
		callback(last)
	}

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Notify invokes every registered callback with value.
func (e *CallbackEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.replayLast {
		e.last = value
		e.hasLast = true
	}
	targets := make([]func(T), 0, len(e.listeners))
	for _, cb := range e.listeners {
		targets = append(targets, cb)
	}
	e.mu.Unlock()

	for _, cb := range targets {
		cb(value)
	}
}

// ListenerCount returns the number of registered listeners.
func (e *CallbackEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}
