// ABOUTME: Tests for the active operation tracker
// ABOUTME: Distinct-value notification, ordering and unsubscribe
package livesync

import (
	"testing"

	"github.com/harperreed/fieldsync/models"
	"github.com/stretchr/testify/assert"
)

func TestTracker_NotifiesOncePerDistinctValue(t *testing.T) {
	tracker := NewTracker()
	var seen []models.OperationID
	tracker.Subscribe(func(op models.OperationID) { seen = append(seen, op) })

	assert.True(t, tracker.SetActive("op1"))
	assert.False(t, tracker.SetActive("op1"))
	assert.True(t, tracker.SetActive("op2"))
	assert.True(t, tracker.SetActive(""))
	assert.False(t, tracker.SetActive(""))

	assert.Equal(t, []models.OperationID{"op1", "op2", ""}, seen)
	assert.True(t, tracker.Current().IsZero())
}

func TestTracker_ObserverOrderAndUnsubscribe(t *testing.T) {
	tracker := NewTracker()
	var order []string
	tracker.Subscribe(func(models.OperationID) { order = append(order, "first") })
	unsubscribe := tracker.Subscribe(func(models.OperationID) { order = append(order, "second") })
	tracker.Subscribe(func(models.OperationID) { order = append(order, "third") })

	tracker.SetActive("op1")
	unsubscribe()
	unsubscribe()
	tracker.SetActive("op2")

	assert.Equal(t, []string{"first", "second", "third", "first", "third"}, order)
	assert.Equal(t, models.OperationID("op2"), tracker.Current())
}
