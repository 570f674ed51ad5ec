package events

import "sync"

// ChannelEvent fans a value out to registered channels. Sends never block:
// a listener whose channel is full misses that notification. Components use
// this to publish immutable state snapshots (ConnectionState, WorkoutState,
// telemetry samples) without holding references into each other.
type ChannelEvent[T any] struct {
	mu         sync.RWMutex
	listeners  map[uint64]chan<- T
	nextID     uint64
	replayLast bool
	last       T
	hasLast    bool
}

// NewChannelEvent creates a ChannelEvent. With replayLast set, a listener
// registering after at least one Notify immediately receives the most
// recent value, so late subscribers see current state rather than nothing.
func NewChannelEvent[T any](replayLast bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{
		listeners:  make(map[uint64]chan<- T),
		replayLast: replayLast,
	}
}

// Listen registers ch and returns a deregistration func. Panics on a nil
// channel: that is always a wiring bug, not a runtime condition.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("events: listener channel cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = ch
	replay := e.replayLast && e.hasLast
	last := e.last
	e.mu.Unlock()

	if replay {
		select {
		case ch <- last:
		default:
		}
	}

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Notify sends value to every registered channel, skipping full ones.
func (e *ChannelEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.replayLast {
		e.last = value
		e.hasLast = true
	}
	targets := make([]chan<- T, 0, len(e.listeners))
	for _, ch := range e.listeners {
		targets = append(targets, ch)
	}
	e.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- value:
		default:
		}
	}
}

// ListenerCount returns the number of registered listeners.
func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}
