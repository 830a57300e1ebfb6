// ABOUTME: Periodic best-effort publish of the device's latest location fix
// ABOUTME: Writes finishing after Stop or a restart are discarded against the bound session
package livesync

import (
	"context"
	"sync"
	"time"

	"github.com/harperreed/fieldsync/metrics"
	"github.com/harperreed/fieldsync/models"
)

// LocationSource yields the latest known device fix, if any.
type LocationSource interface {
	CurrentLocation() (models.LocationPoint, bool)
}

// LocationWriter performs one outbound location write.
type LocationWriter interface {
	PublishLocation(ctx context.Context, point models.LocationPoint) error
}

// LatestLocationSource keeps the most recent fix handed to it.
type LatestLocationSource struct {
	mu    sync.RWMutex
	point models.LocationPoint
	ok    bool
}

func (s *LatestLocationSource) Update(point models.LocationPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.point = point
	s.ok = true
}

func (s *LatestLocationSource) CurrentLocation() (models.LocationPoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.point, s.ok
}

type publishSession struct {
	op     models.OperationID
	user   string
	cancel context.CancelFunc
	done   chan struct{}
}

// PublishResult describes the outcome of one accepted publish.
type PublishResult struct {
	Operation models.OperationID
	UserID    string
	Point     models.LocationPoint
	Err       error
	At        time.Time
}

// Publisher drives the publish timer for one operation and user at a time.
type Publisher struct {
	source   LocationSource
	writer   LocationWriter
	interval time.Duration
	opts     options

	mu      sync.Mutex
	session *publishSession
	last    *PublishResult

	listeners CallbackList[PublishResult]
}

// NewPublisher creates a stopped publisher. A non-positive interval uses the default.
func NewPublisher(source LocationSource, writer LocationWriter, interval time.Duration, opts ...Option) *Publisher {
	if interval <= 0 {
		interval = DefaultPublishInterval
	}
	return &Publisher{
		source:   source,
		writer:   writer,
		interval: interval,
		opts:     buildOptions("publisher", opts),
	}
}

// Start binds op and user, publishes once right away, then once per interval.
func (p *Publisher) Start(op models.OperationID, user string) {
	p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	s := &publishSession{op: op, user: user, cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	p.session = s
	p.mu.Unlock()

	p.opts.logger.Info("publishing started", "operation", op, "user", user, "interval", p.interval)
	go p.run(ctx, s)
}

// Stop cancels the timer and clears the bound session.
func (p *Publisher) Stop() {
	p.mu.Lock()
	s := p.session
	p.session = nil
	p.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	p.opts.logger.Info("publishing stopped", "operation", s.op)
}

func (p *Publisher) IsPublishing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session != nil
}

// Session returns the bound operation and user.
func (p *Publisher) Session() (models.OperationID, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return "", "", false
	}
	return p.session.op, p.session.user, true
}

// LastResult returns the most recent accepted publish outcome.
func (p *Publisher) LastResult() (PublishResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return PublishResult{}, false
	}
	return *p.last, true
}

// OnPublish registers fn for every accepted publish outcome.
func (p *Publisher) OnPublish(fn func(PublishResult)) (unsubscribe func()) {
	return p.listeners.Add(fn)
}

func (p *Publisher) run(ctx context.Context, s *publishSession) {
	defer close(s.done)
	p.publishOnce(ctx, s)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishOnce(ctx, s)
		}
	}
}

func (p *Publisher) publishOnce(ctx context.Context, s *publishSession) {
	point, ok := p.source.CurrentLocation()
	if !ok {
		p.opts.metrics.Published(metrics.OutcomeSkipped)
		return
	}
	point.UserID = s.user
	point.OperationID = s.op
	if point.Timestamp.IsZero() {
		point.Timestamp = p.opts.now()
	}

	// an in-flight write outlives Stop
	writeCtx := context.WithoutCancel(ctx)
	if p.opts.fetchTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(writeCtx, p.opts.fetchTimeout)
		defer cancel()
	}
	err := p.writer.PublishLocation(writeCtx, point)

	p.mu.Lock()
	if p.session != s {
		p.mu.Unlock()
		p.opts.metrics.Published(metrics.OutcomeDiscarded)
		return
	}
	result := PublishResult{Operation: s.op, UserID: s.user, Point: point, Err: err, At: p.opts.now()}
	p.last = &result
	p.mu.Unlock()

	if err != nil {
		p.opts.metrics.Published(metrics.OutcomeError)
		p.opts.logger.Warn("location publish failed", "operation", s.op, "err", err)
	} else {
		p.opts.metrics.Published(metrics.OutcomeOK)
		p.opts.logger.Debug("location published", "operation", s.op)
	}
	p.listeners.Notify(result)
}
