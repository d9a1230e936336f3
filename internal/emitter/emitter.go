// Package emitter is a small in-process event dispatcher.
// Listeners run synchronously in the emitting goroutine, in registration order.
// A panicking listener is recovered and logged so it never breaks delivery to the others.
package emitter

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Key ties an event name to the type of its payload.
type Key[T any] struct {
	Name string
}

type listener struct {
	id uint64
	fn func(any)
}

// Emitter dispatches named events to registered listeners.
type Emitter struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[string][]listener

	// onPanic observes recovered listener panics, mainly for metrics.
	onPanic func(event string)

	logger zerolog.Logger
}

// New returns an Emitter logging recovered listener panics with logger.
func New(logger *zerolog.Logger) *Emitter {
	return &Emitter{
		listeners: make(map[string][]listener),
		logger:    logger.With().Str("component", "emitter").Logger(),
	}
}

// OnPanic sets a hook called after a listener panic was recovered.
func (e *Emitter) OnPanic(fn func(event string)) {
	e.mu.Lock()
	e.onPanic = fn
	e.mu.Unlock()
}

// On registers fn for event and returns a function removing it again.
// The returned function may be called any number of times.
func (e *Emitter) On(event string, fn func(any)) (unsubscribe func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[event] = append(e.listeners[event], listener{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(event, id) })
	}
}

func (e *Emitter) remove(event string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ls := e.listeners[event]
	for i, l := range ls {
		if l.id == id {
			// Copy so snapshots held by in-flight Emit calls stay intact.
			next := make([]listener, 0, len(ls)-1)
			next = append(next, ls[:i]...)
			next = append(next, ls[i+1:]...)
			if len(next) == 0 {
				delete(e.listeners, event)
			} else {
				e.listeners[event] = next
			}
			return
		}
	}
}

// Emit calls every listener of event with data.
func (e *Emitter) Emit(event string, data any) {
	e.mu.RLock()
	ls := e.listeners[event]
	onPanic := e.onPanic
	e.mu.RUnlock()

	for _, l := range ls {
		e.call(event, l, data, onPanic)
	}
}

// ListenerCount returns the number of listeners registered for event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[event])
}

func (e *Emitter) call(event string, l listener, data any, onPanic func(string)) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("event", event).
				Err(fmt.Errorf("%v", r)).
				Msg("listener panicked")
			if onPanic != nil {
				onPanic(event)
			}
		}
	}()
	l.fn(data)
}

// On registers a typed listener for key.
func On[T any](e *Emitter, key Key[T], fn func(T)) (unsubscribe func()) {
	return e.On(key.Name, func(data any) {
		v, ok := data.(T)
		if !ok {
			e.logger.Warn().Str("event", key.Name).Str("type", fmt.Sprintf("%T", data)).Msg("dropped event with unexpected payload type")
			return
		}
		fn(v)
	})
}

// Emit emits a typed payload for key.
func Emit[T any](e *Emitter, key Key[T], data T) {
	e.Emit(key.Name, data)
}
