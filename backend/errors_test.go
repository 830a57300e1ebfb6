// ABOUTME: Tests for the sync layer error taxonomy
// ABOUTME: Verifies errors.Is/As matching and user-facing messages
package backend

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpErrorMatching(t *testing.T) {
	cause := errors.New("connection reset")
	err := WriteFailure("assign location", "assignment", cause)

	assert.ErrorIs(t, err, ErrWrite)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrFetch)

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "assign location", opErr.Op)
	assert.Equal(t, "assignment", opErr.Resource)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestOpErrorWrapped(t *testing.T) {
	err := fmt.Errorf("failed to update status: %w", NotFound("update status", "assignment", nil))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "The assignment could not be found.", UserMessage(err))
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil", nil, ""},
		{"write", WriteFailure("cancel assignment", "assignment", nil), "Could not cancel assignment. Check your connection and try again."},
		{"transport", TransportFailure("subscribe", "locations", nil), "Live updates are unavailable right now."},
		{"fetch", FetchFailure("refetch", "targets", nil), "Could not load targets."},
		{"decode", DecodeFailure("decode", "messages", nil), "Received an update that could not be read."},
		{"plain", errors.New("boom"), "Something went wrong."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, UserMessage(tt.err))
		})
	}
}
