// ABOUTME: Tests for the in-process change hub
// ABOUTME: Covers topic scoping, unsubscribe and forced open failures
package realtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishScopesByTableAndOperation(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	op1, err := hub.Open(ctx, Topic{Channel: "assignments", Table: TableAssignments, Operation: "op1"})
	require.NoError(t, err)
	op2, err := hub.Open(ctx, Topic{Channel: "assignments", Table: TableAssignments, Operation: "op2"})
	require.NoError(t, err)
	_, err = hub.Open(ctx, Topic{Channel: "messages", Table: TableMessages, Operation: "op1"})
	require.NoError(t, err)

	n := hub.Publish(Message{Kind: KindInsert, Table: TableAssignments, Operation: "op1"})
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, hub.Subscribers(TableAssignments))
	assert.Len(t, hub.Topics(), 3)

	msg, err := op1.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindInsert, msg.Kind)

	require.NoError(t, op2.Unsubscribe())
	assert.Equal(t, 1, hub.Subscribers(TableAssignments))
}

func TestHub_UnsubscribeTwice(t *testing.T) {
	hub := NewHub()
	ch, err := hub.Open(context.Background(), Topic{Table: TableMessages, Operation: "op1"})
	require.NoError(t, err)

	require.NoError(t, ch.Unsubscribe())
	assert.ErrorIs(t, ch.Unsubscribe(), ErrChannelClosed)
	assert.Zero(t, hub.Publish(Message{Table: TableMessages, Operation: "op1"}))

	_, err = ch.Next(context.Background())
	assert.True(t, IsClosed(err))
}

func TestHub_FailOpens(t *testing.T) {
	hub := NewHub()
	boom := errors.New("offline")
	hub.FailOpens(boom)

	_, err := hub.Open(context.Background(), Topic{Table: TableMessages, Operation: "op1"})
	assert.ErrorIs(t, err, boom)

	hub.FailOpens(nil)
	_, err = hub.Open(context.Background(), Topic{Table: TableMessages, Operation: "op1"})
	assert.NoError(t, err)
}

func TestTopic(t *testing.T) {
	topic := Topic{Channel: "locations", Table: TableMemberLocations, Operation: "op7"}
	assert.Equal(t, "operation_id=eq.op7", topic.Filter())
	assert.Equal(t, "locations:member_locations:op7", topic.String())

	kind, err := ParseKind(" update ")
	require.NoError(t, err)
	assert.Equal(t, KindUpdate, kind)
	_, err = ParseKind("truncate")
	assert.Error(t, err)
}
