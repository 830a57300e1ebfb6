// ABOUTME: End-to-end tests for the client over the local SQLite backend and change hub
// ABOUTME: Covers assignment commands, operation switching, prefetch invalidation and publishing
package fieldops

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harperreed/fieldsync/backend"
	"github.com/harperreed/fieldsync/config"
	"github.com/harperreed/fieldsync/db"
	"github.com/harperreed/fieldsync/logging"
	"github.com/harperreed/fieldsync/models"
	"github.com/harperreed/fieldsync/realtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// gatedBackend blocks target fetches until gate closes.
type gatedBackend struct {
	*db.SQLite
	gate chan struct{}
}

func (g *gatedBackend) FetchTargets(ctx context.Context, op models.OperationID) ([]models.Target, error) {
	<-g.gate
	return g.SQLite.FetchTargets(ctx, op)
}

// slowAssignments blocks assignment fetches of one operation until gate closes.
type slowAssignments struct {
	*db.SQLite
	op   models.OperationID
	gate chan struct{}
}

func (s *slowAssignments) FetchAssignments(ctx context.Context, op models.OperationID) ([]models.AssignedLocation, error) {
	if op == s.op {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.SQLite.FetchAssignments(ctx, op)
}

type failingBackend struct {
	*db.SQLite
}

func (f *failingBackend) CreateAssignment(context.Context, backend.NewAssignment) (*models.AssignedLocation, error) {
	return nil, errors.New("offline")
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.PublishInterval = time.Hour
	cfg.SweepInterval = time.Hour
	return cfg
}

func newLocal(t *testing.T) (*db.SQLite, *realtime.Hub) {
	t.Helper()
	hub := realtime.NewHub()
	local, err := db.OpenSQLite(":memory:", hub, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	return local, hub
}

func newTestClient(t *testing.T, be backend.Backend, hub *realtime.Hub, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithRegisterer(prometheus.NewRegistry()),
		WithResubscribeDelay(10 * time.Millisecond),
	}, opts...)
	c, err := New(testConfig(), be, hub, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, nil, realtime.NewHub())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.StaleAfter = -time.Second
	local, hub := newLocal(t)
	_, err = New(cfg, local, hub, WithLogger(logging.Discard()))
	assert.Error(t, err)
}

func TestClient_AssignThenFeedUpdateKeepsOneRecord(t *testing.T) {
	local, hub := newLocal(t)
	c := newTestClient(t, local, hub)
	ctx := context.Background()

	require.NoError(t, c.OpenOperation(ctx, "O"))
	assert.Empty(t, c.Assignments("O"))

	created, err := c.AssignLocation(ctx, "O", "U", 1.0, 2.0, AssignOptions{Label: "ridge"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, created.Status)

	echo := *created
	echo.Status = models.StatusEnRoute
	echo.UpdatedAt = created.UpdatedAt.Add(time.Second)
	raw, err := realtime.EncodeRecord(realtime.AssignmentRecordFrom(echo))
	require.NoError(t, err)
	hub.Publish(realtime.Message{Kind: realtime.KindInsert, Table: realtime.TableAssignments, Operation: "O", Record: raw})

	require.Eventually(t, func() bool {
		items := c.Assignments("O")
		return len(items) == 1 && items[0].ID == created.ID && items[0].Status == models.StatusEnRoute
	}, time.Second, 5*time.Millisecond)
}

func TestClient_AssignValidatesAndReportsWriteFailures(t *testing.T) {
	local, hub := newLocal(t)
	c := newTestClient(t, &failingBackend{SQLite: local}, hub)
	ctx := context.Background()

	_, err := c.AssignLocation(ctx, "O", "", 1, 2, AssignOptions{})
	assert.ErrorIs(t, err, models.ErrInvalidRecord)
	_, err = c.AssignLocation(ctx, "O", "U", 91, 2, AssignOptions{})
	assert.ErrorIs(t, err, models.ErrInvalidRecord)

	_, err = c.AssignLocation(ctx, "O", "U", 1, 2, AssignOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrWrite)
	assert.Contains(t, backend.UserMessage(err), "assign location")
}

func TestClient_StatusCommands(t *testing.T) {
	local, hub := newLocal(t)
	c := newTestClient(t, local, hub)
	ctx := context.Background()
	require.NoError(t, c.OpenOperation(ctx, "O"))

	created, err := c.AssignLocation(ctx, "O", "U", 1, 2, AssignOptions{})
	require.NoError(t, err)

	_, err = c.UpdateStatus(ctx, created.ID, models.StatusCompleted)
	assert.ErrorIs(t, err, models.ErrInvalidRecord, "assigned cannot complete directly")

	moving, err := c.StartNavigation(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnRoute, moving.Status)
	require.Eventually(t, func() bool {
		items := c.Assignments("O")
		return len(items) == 1 && items[0].Status == models.StatusEnRoute
	}, time.Second, 5*time.Millisecond)

	_, err = c.UpdateStatus(ctx, "missing", models.StatusArrived)
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestClient_CancelRemovesFromStoreAndCache(t *testing.T) {
	local, hub := newLocal(t)
	c := newTestClient(t, local, hub)
	ctx := context.Background()
	require.NoError(t, c.OpenOperation(ctx, "O"))

	created, err := c.AssignLocation(ctx, "O", "U", 1, 2, AssignOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.Assignments("O")) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.CancelAssignment(ctx, created.ID))
	assert.Empty(t, c.prefetch.Assignments("O"))
	require.Eventually(t, func() bool { return len(c.Assignments("O")) == 0 }, time.Second, 5*time.Millisecond)

	// the delete from the feed is a no-op on the already-removed record
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.Assignments("O"))

	err = c.CancelAssignment(ctx, created.ID)
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestClient_SwitchingOperationsReplacesState(t *testing.T) {
	local, hub := newLocal(t)
	c := newTestClient(t, local, hub, WithIdentity("U", "Rae"))
	ctx := context.Background()

	_, err := local.CreateAssignment(ctx, backend.NewAssignment{OperationID: "A", AssignedToUserID: "U"})
	require.NoError(t, err)
	_, err = local.CreateAssignment(ctx, backend.NewAssignment{OperationID: "B", AssignedToUserID: "U"})
	require.NoError(t, err)
	_, err = local.CreateAssignment(ctx, backend.NewAssignment{OperationID: "B", AssignedToUserID: "V"})
	require.NoError(t, err)

	require.NoError(t, c.OpenOperation(ctx, "A"))
	assert.Len(t, c.Assignments("A"), 1)
	_, err = c.SendMessage(ctx, "A", "on station")
	require.NoError(t, err)
	require.Len(t, c.Messages(), 1)

	require.NoError(t, c.OpenOperation(ctx, "B"))
	assert.Equal(t, models.OperationID("B"), c.ActiveOperation())
	assert.Len(t, c.Assignments("B"), 2)
	assert.Empty(t, c.Messages())

	require.NoError(t, c.CloseOperation(ctx))
	assert.True(t, c.ActiveOperation().IsZero())
	assert.Empty(t, c.Messages())
	assert.Empty(t, c.MemberLocations())
	assert.Zero(t, c.assignments.Store().Len())

	// cached reads survive closing the operation
	require.NoError(t, c.WaitForPrefetch(ctx, "B"))
	assert.Len(t, c.Assignments("B"), 2)
}

func TestClient_SendMessageRequiresIdentity(t *testing.T) {
	local, hub := newLocal(t)
	c := newTestClient(t, local, hub)
	_, err := c.SendMessage(context.Background(), "A", "hello")
	assert.ErrorIs(t, err, models.ErrInvalidRecord)
}

func TestClient_PrefetchAndCachedReads(t *testing.T) {
	local, hub := newLocal(t)
	ctx := context.Background()
	require.NoError(t, local.AddTarget(ctx, &models.Target{OperationID: "O", Name: "Bridge"}))
	require.NoError(t, local.AddStagingPoint(ctx, &models.StagingPoint{OperationID: "O", Name: "Lot B"}))
	require.NoError(t, local.AddMember(ctx, models.MemberSummary{OperationID: "O", UserID: "U", DisplayName: "Rae"}))
	c := newTestClient(t, local, hub)

	var mu sync.Mutex
	var changed []models.OperationID
	c.SubscribeCache(func(op models.OperationID) {
		mu.Lock()
		defer mu.Unlock()
		changed = append(changed, op)
	})

	require.NoError(t, c.OpenOperation(ctx, "O"))
	require.NoError(t, c.WaitForPrefetch(ctx, "O"))

	assert.Len(t, c.Targets("O"), 1)
	assert.Len(t, c.StagingPoints("O"), 1)
	assert.Len(t, c.Members("O"), 1)
	mu.Lock()
	assert.Contains(t, changed, models.OperationID("O"))
	mu.Unlock()
}

func TestClient_PrefetchThenClearCacheStaysEmpty(t *testing.T) {
	local, hub := newLocal(t)
	ctx := context.Background()
	require.NoError(t, local.AddTarget(ctx, &models.Target{OperationID: "O", Name: "Bridge"}))
	gated := &gatedBackend{SQLite: local, gate: make(chan struct{})}
	c := newTestClient(t, gated, hub)

	task := c.prefetch.Prefetch(ctx, "O")
	c.ClearCache("O")
	close(gated.gate)
	require.NoError(t, task.Wait(ctx))

	assert.True(t, task.Cancelled())
	assert.Empty(t, c.Targets("O"))
	assert.Empty(t, c.Members("O"))
}

func TestClient_PublishingAndStaleness(t *testing.T) {
	local, hub := newLocal(t)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestClient(t, local, hub, WithClock(clock.Now))
	ctx := context.Background()
	require.NoError(t, c.OpenOperation(ctx, "O"))

	c.UpdateDeviceLocation(models.LocationPoint{Latitude: 10, Longitude: 20, Accuracy: 4, Timestamp: clock.Now()})
	c.StartPublishing("O", "U")
	assert.True(t, c.IsPublishing())

	require.Eventually(t, func() bool {
		members := c.MemberLocations()
		return len(members) == 1 && members[0].UserID == "U" && members[0].IsActive
	}, time.Second, 5*time.Millisecond)

	c.StopPublishing()
	assert.False(t, c.IsPublishing())

	points, err := local.FetchMemberLocations(ctx, "O")
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 10.0, points[0].Latitude)

	clock.Advance(3 * time.Minute)
	n, err := c.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, c.MemberLocations()[0].IsActive)

	// a fresh fix makes the member active again
	require.NoError(t, local.PublishLocation(ctx, models.LocationPoint{UserID: "U", OperationID: "O", Latitude: 11, Longitude: 20, Timestamp: clock.Now()}))
	require.Eventually(t, func() bool {
		members := c.MemberLocations()
		return len(members) == 1 && members[0].IsActive && members[0].LastLocation.Latitude == 11
	}, time.Second, 5*time.Millisecond)
}

func TestConnect_LocalDatabase(t *testing.T) {
	cfg := testConfig()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "fieldsync.db")
	ctx := context.Background()

	c, err := Connect(ctx, cfg, WithIdentity("U", "Rae"), WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.OpenOperation(ctx, "O"))
	msg, err := c.SendMessage(ctx, "O", "checking in")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && msgs[0].ID == msg.ID
	}, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, c.ID())
}

func TestClient_SwitchNeverShowsPreviousOperation(t *testing.T) {
	local, hub := newLocal(t)
	ctx := context.Background()
	_, err := local.CreateAssignment(ctx, backend.NewAssignment{OperationID: "A", AssignedToUserID: "U"})
	require.NoError(t, err)
	b1, err := local.CreateAssignment(ctx, backend.NewAssignment{OperationID: "B", AssignedToUserID: "V"})
	require.NoError(t, err)

	slow := &slowAssignments{SQLite: local, op: "B", gate: make(chan struct{})}
	c := newTestClient(t, slow, hub)
	require.NoError(t, c.OpenOperation(ctx, "A"))
	require.Len(t, c.Assignments("A"), 1)

	c.tracker.SetActive("B")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.Assignments("B"), "B must not see A's records while its baseline loads")

	close(slow.gate)
	require.NoError(t, c.settle(ctx))
	items := c.Assignments("B")
	require.Len(t, items, 1)
	assert.Equal(t, b1.ID, items[0].ID)
}

func TestClient_WriteEchoKeepsNewestVersion(t *testing.T) {
	local, hub := newLocal(t)
	c := newTestClient(t, local, hub)
	ctx := context.Background()
	require.NoError(t, c.OpenOperation(ctx, "O"))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := models.AssignedLocation{ID: "a1", OperationID: "O", AssignedToUserID: "U", Status: models.StatusAssigned, CreatedAt: base, UpdatedAt: base}
	require.NoError(t, c.loop.Do(ctx, func() { c.assignments.Store().Upsert(older) }))

	newer := older
	newer.Status = models.StatusEnRoute
	newer.UpdatedAt = base.Add(time.Second)
	require.NoError(t, c.applyLive(ctx, newer))
	got, ok := c.assignments.Store().Get("a1")
	require.True(t, ok)
	assert.Equal(t, models.StatusEnRoute, got.Status)

	require.NoError(t, c.applyLive(ctx, older))
	got, _ = c.assignments.Store().Get("a1")
	assert.Equal(t, models.StatusEnRoute, got.Status, "an older echo must not regress the store")
}
