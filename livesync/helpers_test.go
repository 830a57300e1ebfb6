// ABOUTME: Shared fakes for livesync tests
// ABOUTME: Gated fetcher, scripted channels and record builders
package livesync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harperreed/fieldsync/logging"
	"github.com/harperreed/fieldsync/models"
	"github.com/harperreed/fieldsync/realtime"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	loop := NewLoop().Start()
	t.Cleanup(loop.Close)
	return loop
}

func quietLogger() *log.Logger {
	return logging.Discard()
}

func assignment(id string, op models.OperationID, status models.AssignmentStatus) models.AssignedLocation {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return models.AssignedLocation{
		ID:               id,
		OperationID:      op,
		AssignedToUserID: "u1",
		Coordinate:       models.Coordinate{Latitude: 47.6, Longitude: -122.3},
		Status:           status,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func assignmentMessage(t *testing.T, kind realtime.Kind, a models.AssignedLocation) realtime.Message {
	t.Helper()
	raw, err := realtime.EncodeRecord(realtime.AssignmentRecordFrom(a))
	require.NoError(t, err)
	msg := realtime.Message{Kind: kind, Table: realtime.TableAssignments, Operation: a.OperationID, Record: raw}
	if kind == realtime.KindDelete {
		msg.Record = nil
		msg.OldRecord = raw
	}
	return msg
}

// fakeFetcher serves canned collections per operation. A gate blocks every fetch
// for that operation until it is closed.
type fakeFetcher struct {
	mu          sync.Mutex
	assignments map[models.OperationID][]models.AssignedLocation
	targets     map[models.OperationID][]models.Target
	staging     map[models.OperationID][]models.StagingPoint
	members     map[models.OperationID][]models.MemberSummary
	locations   map[models.OperationID][]models.LocationPoint
	messages    map[models.OperationID][]models.ChatMessage
	failures    map[string]error
	gates       map[models.OperationID]chan struct{}

	calls sync.Map // resource -> *atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		assignments: make(map[models.OperationID][]models.AssignedLocation),
		targets:     make(map[models.OperationID][]models.Target),
		staging:     make(map[models.OperationID][]models.StagingPoint),
		members:     make(map[models.OperationID][]models.MemberSummary),
		locations:   make(map[models.OperationID][]models.LocationPoint),
		messages:    make(map[models.OperationID][]models.ChatMessage),
		failures:    make(map[string]error),
		gates:       make(map[models.OperationID]chan struct{}),
	}
}

func (f *fakeFetcher) gate(op models.OperationID) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := make(chan struct{})
	f.gates[op] = g
	return g
}

func (f *fakeFetcher) fail(resource string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[resource] = err
}

func (f *fakeFetcher) count(resource string) int {
	v, ok := f.calls.Load(resource)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int32).Load())
}

func (f *fakeFetcher) enter(ctx context.Context, resource string, op models.OperationID) error {
	v, _ := f.calls.LoadOrStore(resource, &atomic.Int32{})
	v.(*atomic.Int32).Add(1)

	f.mu.Lock()
	g := f.gates[op]
	f.mu.Unlock()
	if g != nil {
		select {
		case <-g:
		case <-ctx.Done():
			// a cancelled fetch still reports, the way a slow network call would
			<-g
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[resource]
}

func cloneOr[T any](items []T) []T {
	return append([]T(nil), items...)
}

func (f *fakeFetcher) FetchAssignments(ctx context.Context, op models.OperationID) ([]models.AssignedLocation, error) {
	if err := f.enter(ctx, "assignments", op); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneOr(f.assignments[op]), nil
}

func (f *fakeFetcher) FetchTargets(ctx context.Context, op models.OperationID) ([]models.Target, error) {
	if err := f.enter(ctx, "targets", op); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneOr(f.targets[op]), nil
}

func (f *fakeFetcher) FetchStagingPoints(ctx context.Context, op models.OperationID) ([]models.StagingPoint, error) {
	if err := f.enter(ctx, "staging_points", op); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneOr(f.staging[op]), nil
}

func (f *fakeFetcher) FetchMembers(ctx context.Context, op models.OperationID) ([]models.MemberSummary, error) {
	if err := f.enter(ctx, "members", op); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneOr(f.members[op]), nil
}

func (f *fakeFetcher) FetchMemberLocations(ctx context.Context, op models.OperationID) ([]models.LocationPoint, error) {
	if err := f.enter(ctx, "locations", op); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneOr(f.locations[op]), nil
}

func (f *fakeFetcher) FetchMessages(ctx context.Context, op models.OperationID) ([]models.ChatMessage, error) {
	if err := f.enter(ctx, "messages", op); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneOr(f.messages[op]), nil
}

// scriptedChannel fails with err once its queued messages are consumed.
type scriptedChannel struct {
	topic  realtime.Topic
	msgs   chan realtime.Message
	err    error
	closed atomic.Bool
}

func (c *scriptedChannel) Topic() realtime.Topic { return c.topic }

func (c *scriptedChannel) Next(ctx context.Context) (realtime.Message, error) {
	if c.closed.Load() {
		return realtime.Message{}, realtime.ErrChannelClosed
	}
	select {
	case msg := <-c.msgs:
		return msg, nil
	default:
	}
	if c.err != nil {
		return realtime.Message{}, c.err
	}
	<-ctx.Done()
	return realtime.Message{}, ctx.Err()
}

func (c *scriptedChannel) Unsubscribe() error {
	if !c.closed.CompareAndSwap(false, true) {
		return realtime.ErrChannelClosed
	}
	return nil
}

// flakyFeed hands out a failing channel first and hub channels afterwards.
type flakyFeed struct {
	hub    *realtime.Hub
	opened atomic.Int32
}

var errConnectionReset = errors.New("connection reset")

func (f *flakyFeed) Open(ctx context.Context, topic realtime.Topic) (realtime.Channel, error) {
	if f.opened.Add(1) == 1 {
		return &scriptedChannel{topic: topic, msgs: make(chan realtime.Message), err: errConnectionReset}, nil
	}
	return f.hub.Open(ctx, topic)
}
