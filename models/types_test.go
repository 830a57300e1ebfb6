// ABOUTME: Tests for field operation data models
// ABOUTME: Validates record validation, coordinates, and member location ordering
package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationIDZero(t *testing.T) {
	var none OperationID
	assert.True(t, none.IsZero())
	assert.False(t, OperationID("op-1").IsZero())
	assert.Equal(t, "op-1", OperationID("op-1").String())
}

func TestCoordinateValid(t *testing.T) {
	tests := []struct {
		name  string
		coord Coordinate
		valid bool
	}{
		{"origin", Coordinate{0, 0}, true},
		{"north pole", Coordinate{90, 0}, true},
		{"antimeridian", Coordinate{10, -180}, true},
		{"latitude too high", Coordinate{90.1, 0}, false},
		{"longitude too low", Coordinate{0, -180.5}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.coord.Valid())
		})
	}
}

func TestLocationPointValidate(t *testing.T) {
	base := LocationPoint{
		UserID:      "u1",
		OperationID: "op-1",
		Timestamp:   time.Now(),
		Latitude:    1,
		Longitude:   2,
	}
	require.NoError(t, base.Validate())

	missingUser := base
	missingUser.UserID = ""
	assert.True(t, errors.Is(missingUser.Validate(), ErrInvalidRecord))

	missingTime := base
	missingTime.Timestamp = time.Time{}
	assert.ErrorIs(t, missingTime.Validate(), ErrInvalidRecord)

	badCoord := base
	badCoord.Latitude = 200
	assert.ErrorIs(t, badCoord.Validate(), ErrInvalidRecord)
}

func TestNewMemberLocationMarksActive(t *testing.T) {
	now := time.Now()
	point := LocationPoint{UserID: "u1", OperationID: "op", Timestamp: now}

	member := NewMemberLocation(point, now)

	assert.Equal(t, "u1", member.UserID)
	assert.True(t, member.IsActive)
	require.NotNil(t, member.LastLocation)
	assert.Equal(t, now, member.LastLocation.Timestamp)
}

func TestNewerOfKeepsLatestFix(t *testing.T) {
	now := time.Now()
	older := NewMemberLocation(LocationPoint{UserID: "u1", Timestamp: now.Add(-time.Minute), Latitude: 1}, now)
	newer := NewMemberLocation(LocationPoint{UserID: "u1", Timestamp: now, Latitude: 2}, now)

	assert.Equal(t, 2.0, NewerOf(older, newer).LastLocation.Latitude)

	stale := older
	stale.IsActive = false
	kept := NewerOf(newer, stale)
	assert.Equal(t, 2.0, kept.LastLocation.Latitude, "out of order fix must not replace newer one")
	assert.True(t, kept.IsActive)
}

func TestChatMessageValidate(t *testing.T) {
	msg := ChatMessage{ID: "m1", OperationID: "op", SenderUserID: "u1", Body: "hi", CreatedAt: time.Now()}
	require.NoError(t, msg.Validate())

	msg.SenderUserID = ""
	assert.ErrorIs(t, msg.Validate(), ErrInvalidRecord)
}
