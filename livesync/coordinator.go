// ABOUTME: Keeps one resource store in sync with the active operation
// ABOUTME: Tears down the old channel, opens a filtered one, seeds a baseline and streams deltas
package livesync

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harperreed/fieldsync/backend"
	"github.com/harperreed/fieldsync/models"
	"github.com/harperreed/fieldsync/realtime"
)

// Resource describes one streamed collection.
type Resource[T any] struct {
	// Name labels logs and metrics, e.g. "assignments"
	Name    string
	Channel string
	Table   string

	Decode    func(realtime.Message) (realtime.Change[T], error)
	Key       func(T) string
	Operation func(T) models.OperationID
	Fetch     func(ctx context.Context, op models.OperationID) ([]T, error)

	// Merge, when set, combines the stored item with an incoming one
	Merge func(current, next T) T
}

// Setup tracks one asynchronous subscription setup.
type Setup struct {
	op   models.OperationID
	done chan struct{}
	err  error
}

func (s *Setup) Operation() models.OperationID { return s.op }

func (s *Setup) Done() <-chan struct{} { return s.done }

// Wait blocks until the setup finishes. A setup superseded by a later switch returns nil.
func (s *Setup) Wait() error {
	<-s.done
	return s.err
}

func (s *Setup) finish(err error) {
	s.err = err
	close(s.done)
}

// Coordinator owns the live channel and store for one resource kind.
type Coordinator[T any] struct {
	res   Resource[T]
	loop  *Loop
	feeds realtime.ChannelFactory
	store *Store[T]
	opts  options

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	gen     uint64
	op      models.OperationID
	settled models.OperationID
	channel realtime.Channel
	setup   *Setup
}

// NewCoordinator creates a coordinator with an empty store.
func NewCoordinator[T any](loop *Loop, feeds realtime.ChannelFactory, res Resource[T], opts ...Option) *Coordinator[T] {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator[T]{
		res:    res,
		loop:   loop,
		feeds:  feeds,
		store:  NewStore(res.Key, res.Merge),
		opts:   buildOptions("coordinator/"+res.Name, opts),
		ctx:    ctx,
		cancel: cancel,
	}
	c.store.Subscribe(func(items []T) {
		c.opts.metrics.SetStoreSize(res.Name, len(items))
	})
	done := &Setup{done: make(chan struct{})}
	done.finish(nil)
	c.setup = done
	return c
}

func (c *Coordinator[T]) Store() *Store[T] { return c.store }

// Operation returns the operation the coordinator currently tracks.
func (c *Coordinator[T]) Operation() models.OperationID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.op
}

// Live returns the store contents filtered to op once op's baseline has been applied.
// Before that it reports false, so callers never see a previous operation's records.
func (c *Coordinator[T]) Live(op models.OperationID) ([]T, bool) {
	c.mu.Lock()
	settled := c.settled
	c.mu.Unlock()
	if op.IsZero() || settled != op {
		return nil, false
	}
	items := c.store.Snapshot()
	if c.res.Operation == nil {
		return items, true
	}
	return slices.DeleteFunc(items, func(item T) bool { return c.res.Operation(item) != op }), true
}

func (c *Coordinator[T]) settle(op models.OperationID) {
	c.mu.Lock()
	c.settled = op
	c.mu.Unlock()
}

// Pending returns the most recent setup handle.
func (c *Coordinator[T]) Pending() *Setup {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setup
}

// OnActiveOperationChanged switches to op and waits for the setup to finish.
func (c *Coordinator[T]) OnActiveOperationChanged(ctx context.Context, op models.OperationID) error {
	return c.Switch(ctx, op).Wait()
}

// Switch supersedes any setup in flight and starts tracking op in the background.
func (c *Coordinator[T]) Switch(ctx context.Context, op models.OperationID) *Setup {
	s := &Setup{op: op, done: make(chan struct{})}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	prev := c.channel
	c.channel = nil
	c.op = op
	c.setup = s
	c.mu.Unlock()

	c.opts.metrics.Switched(c.res.Name)
	go func() {
		s.finish(c.run(ctx, gen, op, prev))
	}()
	return s
}

// Bind follows tracker changes until the returned function is called.
func (c *Coordinator[T]) Bind(tracker *Tracker) (unbind func()) {
	return tracker.Subscribe(func(op models.OperationID) {
		c.Switch(c.ctx, op)
	})
}

// Close tears the live channel down. The store keeps its contents.
func (c *Coordinator[T]) Close() {
	c.mu.Lock()
	c.gen++
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()

	c.cancel()
	c.release(ch)
}

func (c *Coordinator[T]) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.ctx.Err() == nil
}

// apply runs fn on the loop if gen is still current.
func (c *Coordinator[T]) apply(ctx context.Context, gen uint64, fn func()) (bool, error) {
	applied := false
	err := c.loop.Do(ctx, func() {
		if c.current(gen) {
			fn()
			applied = true
		}
	})
	return applied, err
}

func (c *Coordinator[T]) release(ch realtime.Channel) {
	if ch == nil {
		return
	}
	if err := ch.Unsubscribe(); err != nil && !realtime.IsClosed(err) {
		c.opts.logger.Warn("unsubscribe failed", "topic", ch.Topic().String(), "err", err)
	}
}

func (c *Coordinator[T]) run(ctx context.Context, gen uint64, op models.OperationID, prev realtime.Channel) error {
	c.release(prev)

	if op.IsZero() {
		if _, err := c.apply(ctx, gen, func() {
			c.store.Clear()
			c.settle("")
		}); err != nil {
			return err
		}
		c.opts.logger.Info("cleared", "resource", c.res.Name)
		return nil
	}
	return c.establish(ctx, gen, op)
}

// establish opens the channel, loads the baseline and starts the consumer.
func (c *Coordinator[T]) establish(ctx context.Context, gen uint64, op models.OperationID) error {
	topic := realtime.Topic{Channel: c.res.Channel, Table: c.res.Table, Operation: op}
	ch, err := c.feeds.Open(ctx, topic)
	if err != nil {
		if !c.current(gen) {
			return nil
		}
		return backend.TransportFailure("subscribe", c.res.Name, err)
	}

	c.mu.Lock()
	if c.gen != gen || c.ctx.Err() != nil {
		c.mu.Unlock()
		c.release(ch)
		return nil
	}
	c.channel = ch
	c.mu.Unlock()
	c.opts.logger.Info("subscribed", "operation", op, "topic", topic.String())

	fetchErr := c.refetch(ctx, gen, op)
	if !c.current(gen) {
		return nil
	}

	go c.consume(gen, op, ch)
	return fetchErr
}

func (c *Coordinator[T]) refetch(ctx context.Context, gen uint64, op models.OperationID) error {
	fetchCtx := ctx
	if c.opts.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, c.opts.fetchTimeout)
		defer cancel()
	}

	start := c.opts.now()
	items, err := c.res.Fetch(fetchCtx, op)
	c.opts.metrics.ObserveRefetch(c.res.Name, c.opts.now().Sub(start))

	if err != nil {
		c.opts.metrics.FetchFailed(c.res.Name)
		c.opts.logger.Warn("baseline fetch failed", "operation", op, "err", err)
		// the empty store now stands for op
		if _, applyErr := c.apply(ctx, gen, func() {
			c.store.Clear()
			c.settle(op)
		}); applyErr != nil {
			return applyErr
		}
		return backend.FetchFailure("refetch", c.res.Name, err)
	}

	baseline := make([]T, 0, len(items))
	for _, item := range items {
		if c.res.Operation != nil && c.res.Operation(item) != op {
			continue
		}
		baseline = append(baseline, item)
	}
	_, err = c.apply(ctx, gen, func() {
		c.store.Replace(baseline)
		c.settle(op)
	})
	return err
}

func (c *Coordinator[T]) consume(gen uint64, op models.OperationID, ch realtime.Channel) {
	logger := c.opts.logger.With("operation", op)
	for {
		msg, err := ch.Next(c.ctx)
		if err != nil {
			if realtime.IsClosed(err) || c.ctx.Err() != nil || !c.current(gen) {
				return
			}
			logger.Warn("channel lost", "err", err)
			c.resubscribe(gen, op, ch)
			return
		}

		change, ok := c.decode(logger, op, msg)
		if !ok {
			continue
		}
		applied, err := c.apply(c.ctx, gen, func() { c.store.Apply(change) })
		if err != nil {
			return
		}
		if !applied {
			// superseded; the next setup owns the store
			return
		}
		c.opts.metrics.EventApplied(c.res.Name, string(change.Kind))
		logger.Debug("applied", "kind", change.Kind, "id", change.ID)
	}
}

func (c *Coordinator[T]) decode(logger *log.Logger, op models.OperationID, msg realtime.Message) (realtime.Change[T], bool) {
	if msg.Table != "" && msg.Table != c.res.Table {
		c.opts.metrics.EventDropped(c.res.Name, "foreign_table")
		return realtime.Change[T]{}, false
	}
	if !msg.Operation.IsZero() && msg.Operation != op {
		c.opts.metrics.EventDropped(c.res.Name, "foreign_operation")
		return realtime.Change[T]{}, false
	}
	change, err := c.res.Decode(msg)
	if err != nil {
		c.opts.metrics.DecodeFailed(c.res.Name)
		logger.Warn("dropping undecodable change", "kind", msg.Kind, "err", err)
		return change, false
	}
	if !change.IsDelete() && c.res.Operation != nil && c.res.Operation(change.Item) != op {
		c.opts.metrics.EventDropped(c.res.Name, "foreign_operation")
		return change, false
	}
	return change, true
}

// resubscribe reopens a channel the transport dropped, for as long as gen stays current.
func (c *Coordinator[T]) resubscribe(gen uint64, op models.OperationID, lost realtime.Channel) {
	c.mu.Lock()
	if c.channel == lost {
		c.channel = nil
	}
	c.mu.Unlock()
	c.release(lost)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.opts.resubscribeDelay):
		}
		if !c.current(gen) {
			return
		}
		err := c.establish(c.ctx, gen, op)
		if err == nil {
			return
		}
		if errors.Is(err, backend.ErrFetch) {
			// channel is live again; the consumer is running
			return
		}
		c.opts.logger.Warn("resubscribe failed", "operation", op, "err", err)
	}
}
