package feed

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// listenerSet is a multi-subscriber callback registry. Callbacks receive
// snapshot copies, never live feed state. Emit runs outside the feed lock;
// a panicking callback is logged and the rest still fire.
type listenerSet[T any] struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]func(T)
}

func newListenerSet[T any]() *listenerSet[T] {
	return &listenerSet[T]{subs: make(map[uuid.UUID]func(T))}
}

// Add registers a callback and returns a token for Remove.
func (l *listenerSet[T]) Add(fn func(T)) uuid.UUID {
	id := uuid.New()
	l.mu.Lock()
	l.subs[id] = fn
	l.mu.Unlock()
	return id
}

// Remove unregisters the callback for the given token. Unknown tokens are a
// no-op.
func (l *listenerSet[T]) Remove(id uuid.UUID) {
	l.mu.Lock()
	delete(l.subs, id)
	l.mu.Unlock()
}

// Emit invokes every registered callback with v.
func (l *listenerSet[T]) Emit(v T) {
	l.mu.RLock()
	fns := make([]func(T), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		invokeListener(fn, v)
	}
}

func invokeListener[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Listener callback panicked", "panic", r)
		}
	}()
	fn(v)
}
