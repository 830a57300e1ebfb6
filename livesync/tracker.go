// ABOUTME: Holds the currently active operation and notifies observers on change
// ABOUTME: Observers run synchronously in registration order and must not block
package livesync

import (
	"sync"

	"github.com/harperreed/fieldsync/models"
)

// Tracker is the single source of truth for the active operation.
type Tracker struct {
	setMu     sync.Mutex
	mu        sync.RWMutex
	current   models.OperationID
	observers CallbackList[models.OperationID]
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) Current() models.OperationID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// SetActive changes the active operation. Setting the current value again does nothing.
// Observers must not call SetActive.
func (t *Tracker) SetActive(id models.OperationID) bool {
	t.setMu.Lock()
	defer t.setMu.Unlock()

	t.mu.Lock()
	if t.current == id {
		t.mu.Unlock()
		return false
	}
	t.current = id
	t.mu.Unlock()

	t.observers.Notify(id)
	return true
}

// Subscribe registers fn for future changes.
func (t *Tracker) Subscribe(fn func(models.OperationID)) (unsubscribe func()) {
	return t.observers.Add(fn)
}
