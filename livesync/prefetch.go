// ABOUTME: Per-operation cache of the collections needed before an operation opens
// ABOUTME: Warms four collections concurrently and discards results from cancelled tasks
package livesync

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/harperreed/fieldsync/backend"
	"github.com/harperreed/fieldsync/models"
	"golang.org/x/sync/errgroup"
)

// Cached collections.
const (
	CollectionTargets       = "targets"
	CollectionStagingPoints = "staging_points"
	CollectionMembers       = "members"
	CollectionAssignments   = "assignments"
)

type loadedSet uint8

const (
	loadedTargets loadedSet = 1 << iota
	loadedStaging
	loadedMembers
	loadedAssignments

	loadedAll = loadedTargets | loadedStaging | loadedMembers | loadedAssignments
)

type cacheEntry struct {
	targets     []models.Target
	staging     []models.StagingPoint
	members     []models.MemberSummary
	assignments []models.AssignedLocation
	loaded      loadedSet
}

// PrefetchTask is one warm-up of one operation.
type PrefetchTask struct {
	op        models.OperationID
	writes    uint64
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
	err       error
}

func newPrefetchTask(op models.OperationID, cancel context.CancelFunc) *PrefetchTask {
	return &PrefetchTask{op: op, cancel: cancel, done: make(chan struct{})}
}

func completedTask(op models.OperationID) *PrefetchTask {
	t := newPrefetchTask(op, func() {})
	close(t.done)
	return t
}

func (t *PrefetchTask) Operation() models.OperationID { return t.op }

func (t *PrefetchTask) Done() <-chan struct{} { return t.done }

// Cancel marks the task cancelled; results not yet published are discarded.
func (t *PrefetchTask) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
}

func (t *PrefetchTask) Cancelled() bool { return t.cancelled.Load() }

// Wait blocks until the task finishes or ctx ends.
func (t *PrefetchTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PrefetchCache holds read-mostly collections per operation. Reads are synchronous and
// return empty slices for operations never loaded.
type PrefetchCache struct {
	loop    *Loop
	fetcher backend.Fetcher
	opts    options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	entries  map[models.OperationID]*cacheEntry
	inflight map[models.OperationID]*PrefetchTask
	writes   map[models.OperationID]uint64
	tracked  models.OperationID

	listeners CallbackList[models.OperationID]
}

func NewPrefetchCache(loop *Loop, fetcher backend.Fetcher, opts ...Option) *PrefetchCache {
	ctx, cancel := context.WithCancel(context.Background())
	return &PrefetchCache{
		loop:     loop,
		fetcher:  fetcher,
		opts:     buildOptions("prefetch", opts),
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[models.OperationID]*cacheEntry),
		inflight: make(map[models.OperationID]*PrefetchTask),
		writes:   make(map[models.OperationID]uint64),
	}
}

// Prefetch warms op. A warm operation costs no fetches, and a prefetch already in
// flight for op is returned as is. Any in-flight prefetch of a different tracked
// operation is cancelled. Failed fetches count as loaded empty; ClearCache forces
// a fresh load.
func (p *PrefetchCache) Prefetch(ctx context.Context, op models.OperationID) *PrefetchTask {
	if op.IsZero() {
		return completedTask(op)
	}

	p.mu.Lock()
	if p.tracked != op {
		if prev, ok := p.inflight[p.tracked]; ok {
			prev.Cancel()
			delete(p.inflight, p.tracked)
			p.opts.logger.Debug("cancelled stale prefetch", "operation", p.tracked)
		}
		p.tracked = op
	}
	if entry, ok := p.entries[op]; ok && entry.loaded == loadedAll {
		p.mu.Unlock()
		return completedTask(op)
	}
	if task, ok := p.inflight[op]; ok {
		p.mu.Unlock()
		return task
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := newPrefetchTask(op, cancel)
	task.writes = p.writes[op]
	p.inflight[op] = task
	p.mu.Unlock()

	go p.run(taskCtx, task)
	return task
}

func (p *PrefetchCache) run(ctx context.Context, task *PrefetchTask) {
	defer task.cancel()
	op := task.op
	start := p.opts.now()

	var (
		result cacheEntry
		ok     [4]bool
	)
	var g errgroup.Group
	g.Go(func() error {
		result.targets, ok[0] = fetchOne(ctx, p, task, CollectionTargets, p.fetcher.FetchTargets)
		return nil
	})
	g.Go(func() error {
		result.staging, ok[1] = fetchOne(ctx, p, task, CollectionStagingPoints, p.fetcher.FetchStagingPoints)
		return nil
	})
	g.Go(func() error {
		result.members, ok[2] = fetchOne(ctx, p, task, CollectionMembers, p.fetcher.FetchMembers)
		return nil
	})
	g.Go(func() error {
		result.assignments, ok[3] = fetchOne(ctx, p, task, CollectionAssignments, p.fetcher.FetchAssignments)
		return nil
	})
	_ = g.Wait()
	for i, bit := range []loadedSet{loadedTargets, loadedStaging, loadedMembers, loadedAssignments} {
		if ok[i] {
			result.loaded |= bit
		}
	}
	p.opts.metrics.ObservePrefetch(p.opts.now().Sub(start))

	published := false
	err := p.loop.Do(p.ctx, func() {
		p.mu.Lock()
		if p.inflight[op] == task {
			delete(p.inflight, op)
		}
		if task.Cancelled() {
			p.mu.Unlock()
			return
		}
		entry := result
		// assignments written after this task started are fresher than its fetch
		if cur, ok := p.entries[op]; ok && p.writes[op] != task.writes {
			entry.assignments = cur.assignments
		}
		p.entries[op] = &entry
		p.mu.Unlock()
		published = true
		p.listeners.Notify(op)
	})
	if err == nil && !published {
		p.opts.logger.Debug("discarded cancelled prefetch", "operation", op)
	}
	task.err = err
	close(task.done)
}

// fetchOne runs one fetch. Failures resolve to empty and still count as loaded.
func fetchOne[T any](ctx context.Context, p *PrefetchCache, task *PrefetchTask, name string,
	fetch func(context.Context, models.OperationID) ([]T, error)) ([]T, bool) {
	fetchCtx := ctx
	if p.opts.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.opts.fetchTimeout)
		defer cancel()
	}

	items, err := fetch(fetchCtx, task.op)
	if task.Cancelled() {
		return nil, false
	}
	if err != nil {
		p.opts.metrics.FetchFailed(name)
		p.opts.logger.Warn("prefetch failed", "operation", task.op, "resource", name, "err", err)
		return []T{}, true
	}
	if items == nil {
		items = []T{}
	}
	return items, true
}

func (p *PrefetchCache) entry(op models.OperationID) *cacheEntry {
	if e, ok := p.entries[op]; ok {
		return e
	}
	return &cacheEntry{}
}

func (p *PrefetchCache) Targets(op models.OperationID) []models.Target {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.entry(op).targets)
}

func (p *PrefetchCache) StagingPoints(op models.OperationID) []models.StagingPoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.entry(op).staging)
}

func (p *PrefetchCache) Members(op models.OperationID) []models.MemberSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.entry(op).members)
}

func (p *PrefetchCache) Assignments(op models.OperationID) []models.AssignedLocation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.entry(op).assignments)
}

// IsWarm reports whether all four collections of op completed a load.
func (p *PrefetchCache) IsWarm(op models.OperationID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[op]
	return ok && e.loaded == loadedAll
}

// SetAssignments replaces the cached assignments of op on the loop, typically after a write.
func (p *PrefetchCache) SetAssignments(ctx context.Context, op models.OperationID, items []models.AssignedLocation) error {
	items = slices.Clone(items)
	return p.loop.Do(ctx, func() {
		p.mu.Lock()
		e, ok := p.entries[op]
		if !ok {
			e = &cacheEntry{}
			p.entries[op] = e
		}
		e.assignments = items
		e.loaded |= loadedAssignments
		p.writes[op]++
		p.mu.Unlock()
		p.listeners.Notify(op)
	})
}

// UpsertAssignment replaces or appends one cached assignment of a.OperationID.
// Operations with no cache entry are left alone.
func (p *PrefetchCache) UpsertAssignment(ctx context.Context, a models.AssignedLocation) error {
	return p.editAssignments(ctx, a.OperationID, func(items []models.AssignedLocation) []models.AssignedLocation {
		if i := slices.IndexFunc(items, func(x models.AssignedLocation) bool { return x.ID == a.ID }); i >= 0 {
			items[i] = a
			return items
		}
		return append(items, a)
	})
}

// RemoveAssignment drops one cached assignment of op.
func (p *PrefetchCache) RemoveAssignment(ctx context.Context, op models.OperationID, id string) error {
	return p.editAssignments(ctx, op, func(items []models.AssignedLocation) []models.AssignedLocation {
		return slices.DeleteFunc(items, func(a models.AssignedLocation) bool { return a.ID == id })
	})
}

func (p *PrefetchCache) editAssignments(ctx context.Context, op models.OperationID, edit func([]models.AssignedLocation) []models.AssignedLocation) error {
	return p.loop.Do(ctx, func() {
		p.mu.Lock()
		e, ok := p.entries[op]
		if !ok {
			p.mu.Unlock()
			return
		}
		e.assignments = edit(slices.Clone(e.assignments))
		p.writes[op]++
		p.mu.Unlock()
		p.listeners.Notify(op)
	})
}

// ClearCache drops op. Clearing the tracked operation also cancels its prefetch.
func (p *PrefetchCache) ClearCache(op models.OperationID) {
	p.mu.Lock()
	if task, ok := p.inflight[op]; ok {
		task.Cancel()
		delete(p.inflight, op)
	}
	if p.tracked == op {
		p.tracked = ""
	}
	delete(p.entries, op)
	p.mu.Unlock()
	p.listeners.Notify(op)
}

// ClearAll drops every operation and cancels every prefetch.
func (p *PrefetchCache) ClearAll() {
	p.mu.Lock()
	ops := make([]models.OperationID, 0, len(p.entries))
	for op := range p.entries {
		ops = append(ops, op)
	}
	for _, task := range p.inflight {
		task.Cancel()
	}
	p.inflight = make(map[models.OperationID]*PrefetchTask)
	p.entries = make(map[models.OperationID]*cacheEntry)
	p.tracked = ""
	p.mu.Unlock()

	for _, op := range ops {
		p.listeners.Notify(op)
	}
}

// Subscribe registers fn, called with the operation whose cache changed. Changes from
// loads and writes notify on the loop, so fn must not block.
func (p *PrefetchCache) Subscribe(fn func(models.OperationID)) (unsubscribe func()) {
	return p.listeners.Add(fn)
}

// Bind prefetches every operation the tracker activates.
func (p *PrefetchCache) Bind(tracker *Tracker) (unbind func()) {
	return tracker.Subscribe(func(op models.OperationID) {
		p.Prefetch(p.ctx, op)
	})
}

// Close cancels every prefetch in flight.
func (p *PrefetchCache) Close() {
	p.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, task := range p.inflight {
		task.Cancel()
	}
	p.inflight = make(map[models.OperationID]*PrefetchTask)
}
