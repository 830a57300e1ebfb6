// ABOUTME: Keyed observable collection reconciled from baselines and change events
// ABOUTME: Inserts and updates share one upsert path so replays and reordering stay idempotent
package livesync

import (
	"slices"
	"sync"

	"github.com/harperreed/fieldsync/realtime"
)

// Store holds an ordered, id-unique collection. Mutations are issued from the Loop;
// reads are safe from any goroutine.
type Store[T any] struct {
	mu    sync.RWMutex
	key   func(T) string
	merge func(current, next T) T
	items []T
	index map[string]int

	listeners CallbackList[[]T]
}

// NewStore creates an empty store. merge may be nil, in which case upserts replace.
func NewStore[T any](key func(T) string, merge func(current, next T) T) *Store[T] {
	return &Store[T]{
		key:   key,
		merge: merge,
		index: make(map[string]int),
	}
}

// Upsert replaces the item with the same id in place, or appends it.
func (s *Store[T]) Upsert(item T) {
	s.mu.Lock()
	s.upsertLocked(item)
	s.mu.Unlock()
	s.notify()
}

func (s *Store[T]) upsertLocked(item T) {
	id := s.key(item)
	if i, ok := s.index[id]; ok {
		if s.merge != nil {
			item = s.merge(s.items[i], item)
		}
		s.items[i] = item
		return
	}
	s.index[id] = len(s.items)
	s.items = append(s.items, item)
}

// Delete removes id. Absent ids are a no-op and do not notify.
func (s *Store[T]) Delete(id string) bool {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.items = slices.Delete(s.items, i, i+1)
	s.reindexLocked()
	s.mu.Unlock()
	s.notify()
	return true
}

// Apply reconciles one decoded change.
func (s *Store[T]) Apply(change realtime.Change[T]) {
	if change.IsDelete() {
		s.Delete(change.ID)
		return
	}
	s.Upsert(change.Item)
}

// Replace swaps the whole collection. Duplicate ids keep the last occurrence in the first position.
func (s *Store[T]) Replace(items []T) {
	s.mu.Lock()
	s.items = make([]T, 0, len(items))
	s.index = make(map[string]int, len(items))
	for _, item := range items {
		id := s.key(item)
		if i, ok := s.index[id]; ok {
			s.items[i] = item
			continue
		}
		s.index[id] = len(s.items)
		s.items = append(s.items, item)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store[T]) Clear() {
	s.mu.Lock()
	s.items = nil
	s.index = make(map[string]int)
	s.mu.Unlock()
	s.notify()
}

// Update applies fn to the item with id. Returns false when id is absent.
func (s *Store[T]) Update(id string, fn func(T) T) bool {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.items[i] = fn(s.items[i])
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i, ok := s.index[id]; ok {
		return s.items[i], true
	}
	var zero T
	return zero, false
}

// Snapshot returns a copy of the collection in order.
func (s *Store[T]) Snapshot() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.items)
}

func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Subscribe registers a listener called with a snapshot after every mutation.
func (s *Store[T]) Subscribe(listener func([]T)) (unsubscribe func()) {
	return s.listeners.Add(listener)
}

func (s *Store[T]) reindexLocked() {
	s.index = make(map[string]int, len(s.items))
	for i, item := range s.items {
		s.index[s.key(item)] = i
	}
}

func (s *Store[T]) notify() {
	if s.listeners.Len() == 0 {
		return
	}
	s.listeners.Notify(s.Snapshot())
}
