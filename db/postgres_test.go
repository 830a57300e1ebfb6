// ABOUTME: Integration tests for the Postgres backend and its notify triggers
// ABOUTME: Runs only when FIELDSYNC_TEST_DATABASE_URL points at a disposable database
package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/fieldsync/backend"
	"github.com/harperreed/fieldsync/models"
	"github.com/harperreed/fieldsync/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("FIELDSYNC_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FIELDSYNC_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := ConnectPostgres(ctx, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestPostgres_AssignmentLifecycle(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	op := models.OperationID("op-" + uuid.NewString())

	created, err := p.CreateAssignment(ctx, backend.NewAssignment{OperationID: op, AssignedToUserID: "u1", Label: "gate"})
	require.NoError(t, err)

	updated, err := p.UpdateAssignmentStatus(ctx, created.ID, models.StatusArrived)
	require.NoError(t, err)
	require.NotNil(t, updated.ArrivedAt)

	items, err := p.FetchAssignments(ctx, op)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.StatusArrived, items[0].Status)
	assert.Equal(t, "gate", items[0].Label)

	final, err := p.CancelAssignment(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, final.Status)

	_, err = p.UpdateAssignmentStatus(ctx, created.ID, models.StatusCompleted)
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestPostgres_TriggersFeedListeners(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	op := models.OperationID("op-" + uuid.NewString())

	feed := realtime.NewPostgresFeed(p.Pool(), nil)
	ch, err := feed.Open(ctx, realtime.Topic{Channel: "assignments", Table: realtime.TableAssignments, Operation: op})
	require.NoError(t, err)
	defer func() { _ = ch.Unsubscribe() }()

	created, err := p.CreateAssignment(ctx, backend.NewAssignment{OperationID: op, AssignedToUserID: "u1"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg, err := ch.Next(waitCtx)
	require.NoError(t, err)

	change, err := realtime.DecodeAssignment(msg)
	require.NoError(t, err)
	assert.Equal(t, realtime.KindInsert, change.Kind)
	assert.Equal(t, created.ID, change.ID)
}

func TestPostgres_LocationsAndMessages(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	op := models.OperationID("op-" + uuid.NewString())

	require.NoError(t, p.PublishLocation(ctx, models.LocationPoint{UserID: "u1", OperationID: op, Latitude: 1, Longitude: 2}))
	require.NoError(t, p.PublishLocation(ctx, models.LocationPoint{UserID: "u1", OperationID: op, Latitude: 3, Longitude: 4}))

	points, err := p.FetchMemberLocations(ctx, op)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 3.0, points[0].Latitude)

	_, err = p.SendMessage(ctx, backend.NewMessage{OperationID: op, SenderUserID: "u1", Body: "moving"})
	require.NoError(t, err)
	msgs, err := p.FetchMessages(ctx, op)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "moving", msgs[0].Body)
}
