// ABOUTME: Ordered listener registry shared by the tracker, stores and caches
// ABOUTME: Copy-on-write so listeners may unsubscribe while being notified
package livesync

import (
	"slices"
	"sync"
)

type callbackEntry[T any] struct {
	id       uint64
	callback func(T)
}

// CallbackList holds listeners in registration order.
type CallbackList[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	callbacks []callbackEntry[T]
}

// Add registers callback and returns a function removing it.
func (l *CallbackList[T]) Add(callback func(T)) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	next := slices.Clone(l.callbacks)
	l.callbacks = append(next, callbackEntry[T]{id: id, callback: callback})

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *CallbackList[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := slices.IndexFunc(l.callbacks, func(e callbackEntry[T]) bool { return e.id == id })
	if i < 0 {
		return
	}
	next := slices.Clone(l.callbacks)
	l.callbacks = slices.Delete(next, i, i+1)
}

func (l *CallbackList[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callbacks)
}

// Notify calls every listener with v on the calling goroutine.
func (l *CallbackList[T]) Notify(v T) {
	l.mu.Lock()
	callbacks := l.callbacks
	l.mu.Unlock()
	for _, e := range callbacks {
		e.callback(v)
	}
}
