// ABOUTME: Tests for the location publish loop
// ABOUTME: Immediate first publish, no-op ticks, stop semantics and discarded in-flight writes
package livesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harperreed/fieldsync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu     sync.Mutex
	points []models.LocationPoint
	gate   chan struct{}
	err    error
}

func (w *recordingWriter) PublishLocation(ctx context.Context, point models.LocationPoint) error {
	if w.gate != nil {
		<-w.gate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, point)
	return w.err
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.points)
}

func fix() models.LocationPoint {
	return models.LocationPoint{Timestamp: time.Now().UTC(), Latitude: 47.6, Longitude: -122.3, Accuracy: 5}
}

func TestPublisher_PublishesImmediatelyThenPerTick(t *testing.T) {
	source := &LatestLocationSource{}
	source.Update(fix())
	writer := &recordingWriter{}
	p := NewPublisher(source, writer, 20*time.Millisecond, WithLogger(quietLogger()))

	p.Start("op1", "u1")
	defer p.Stop()

	require.Eventually(t, func() bool { return writer.count() >= 3 }, time.Second, 5*time.Millisecond)

	writer.mu.Lock()
	first := writer.points[0]
	writer.mu.Unlock()
	assert.Equal(t, "u1", first.UserID)
	assert.Equal(t, models.OperationID("op1"), first.OperationID)

	op, user, ok := p.Session()
	assert.True(t, ok)
	assert.Equal(t, models.OperationID("op1"), op)
	assert.Equal(t, "u1", user)
}

func TestPublisher_FirstPublishDoesNotWaitForTick(t *testing.T) {
	source := &LatestLocationSource{}
	source.Update(fix())
	writer := &recordingWriter{}
	p := NewPublisher(source, writer, time.Hour, WithLogger(quietLogger()))

	p.Start("op1", "u1")
	defer p.Stop()
	require.Eventually(t, func() bool { return writer.count() == 1 }, time.Second, time.Millisecond)
}

func TestPublisher_NoLocationIsNoop(t *testing.T) {
	source := &LatestLocationSource{}
	writer := &recordingWriter{}
	p := NewPublisher(source, writer, 10*time.Millisecond, WithLogger(quietLogger()))

	p.Start("op1", "u1")
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, writer.count())
	assert.True(t, p.IsPublishing())

	source.Update(fix())
	require.Eventually(t, func() bool { return writer.count() >= 1 }, time.Second, 5*time.Millisecond)
	p.Stop()
}

func TestPublisher_StopHaltsTicks(t *testing.T) {
	source := &LatestLocationSource{}
	source.Update(fix())
	writer := &recordingWriter{}
	p := NewPublisher(source, writer, 10*time.Millisecond, WithLogger(quietLogger()))

	p.Start("op1", "u1")
	require.Eventually(t, func() bool { return writer.count() >= 2 }, time.Second, 5*time.Millisecond)
	p.Stop()
	assert.False(t, p.IsPublishing())

	time.Sleep(20 * time.Millisecond)
	settled := writer.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, writer.count())
}

func TestPublisher_DiscardsResultAfterStop(t *testing.T) {
	source := &LatestLocationSource{}
	source.Update(fix())
	writer := &recordingWriter{gate: make(chan struct{}), err: errors.New("late failure")}
	p := NewPublisher(source, writer, time.Hour, WithLogger(quietLogger()))

	var results []PublishResult
	var mu sync.Mutex
	p.OnPublish(func(r PublishResult) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	})

	p.Start("op1", "u1")
	p.Stop()
	close(writer.gate)

	require.Eventually(t, func() bool { return writer.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	_, ok := p.LastResult()
	assert.False(t, ok)
	mu.Lock()
	assert.Empty(t, results)
	mu.Unlock()
}

func TestPublisher_RecordsAcceptedResult(t *testing.T) {
	source := &LatestLocationSource{}
	source.Update(fix())
	writer := &recordingWriter{err: errors.New("offline")}
	p := NewPublisher(source, writer, time.Hour, WithLogger(quietLogger()))

	p.Start("op1", "u1")
	defer p.Stop()

	require.Eventually(t, func() bool {
		_, ok := p.LastResult()
		return ok
	}, time.Second, 5*time.Millisecond)
	result, _ := p.LastResult()
	assert.EqualError(t, result.Err, "offline")
	assert.Equal(t, "u1", result.UserID)
}
