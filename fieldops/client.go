// ABOUTME: Composition root wiring the sync layer for one field-ops client
// ABOUTME: Builds the loop, tracker, coordinators, prefetch cache, publisher and staleness sweep
package fieldops

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harperreed/fieldsync/backend"
	"github.com/harperreed/fieldsync/config"
	"github.com/harperreed/fieldsync/livesync"
	"github.com/harperreed/fieldsync/logging"
	"github.com/harperreed/fieldsync/metrics"
	"github.com/harperreed/fieldsync/models"
	"github.com/harperreed/fieldsync/realtime"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// Logical channel names, one per streamed resource.
const (
	ChannelAssignments = "assignments"
	ChannelLocations   = "member_locations"
	ChannelMessages    = "chat"
)

type settings struct {
	logger      *log.Logger
	metrics     *metrics.Metrics
	registerer  prometheus.Registerer
	now         func() time.Time
	userID      string
	displayName string
	resubscribe time.Duration
	closers     []func()
}

// Option configures a Client.
type Option func(*settings)

func WithLogger(logger *log.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithRegisterer registers the sync metrics on reg under the configured namespace.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *settings) { s.registerer = reg }
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithIdentity sets the signed-in user used as the sender of chat messages.
func WithIdentity(userID, displayName string) Option {
	return func(s *settings) {
		s.userID = userID
		s.displayName = displayName
	}
}

func WithResubscribeDelay(d time.Duration) Option {
	return func(s *settings) { s.resubscribe = d }
}

// withCloser runs fn when the client closes.
func withCloser(fn func()) Option {
	return func(s *settings) { s.closers = append(s.closers, fn) }
}

// Client is the sync layer a view binds to.
type Client struct {
	id      ulid.ULID
	cfg     *config.Config
	backend backend.Backend
	logger  *log.Logger
	now     func() time.Time

	userID      string
	displayName string

	loop        *livesync.Loop
	tracker     *livesync.Tracker
	assignments *livesync.Coordinator[models.AssignedLocation]
	locations   *livesync.Coordinator[models.MemberLocation]
	messages    *livesync.Coordinator[models.ChatMessage]
	prefetch    *livesync.PrefetchCache
	source      *livesync.LatestLocationSource
	publisher   *livesync.Publisher
	sweeper     *livesync.StalenessSweeper

	closeOnce sync.Once
	unbind    []func()
	closers   []func()
}

// New wires a client over be and feeds. A nil cfg uses the defaults.
func New(cfg *config.Config, be backend.Backend, feeds realtime.ChannelFactory, opts ...Option) (*Client, error) {
	if be == nil || feeds == nil {
		return nil, errors.New("backend and change feed are required")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := settings{now: time.Now, resubscribe: livesync.DefaultResubscribeDelay}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		logger, err := logging.New(cfg)
		if err != nil {
			return nil, err
		}
		s.logger = logger
	}
	if s.metrics == nil && s.registerer != nil {
		s.metrics = metrics.New(s.registerer, cfg.MetricsNamespace)
	}

	c := &Client{
		id:          ulid.Make(),
		cfg:         cfg,
		backend:     be,
		logger:      s.logger,
		now:         s.now,
		userID:      s.userID,
		displayName: s.displayName,
		loop:        livesync.NewLoop().Start(),
		tracker:     livesync.NewTracker(),
		source:      &livesync.LatestLocationSource{},
		closers:     s.closers,
	}

	common := []livesync.Option{
		livesync.WithLogger(s.logger),
		livesync.WithMetrics(s.metrics),
		livesync.WithClock(s.now),
		livesync.WithFetchTimeout(cfg.FetchTimeout),
		livesync.WithResubscribeDelay(s.resubscribe),
	}

	c.assignments = livesync.NewCoordinator(c.loop, feeds, assignmentResource(be), common...)
	c.locations = livesync.NewCoordinator(c.loop, feeds, locationResource(be, s.now), common...)
	c.messages = livesync.NewCoordinator(c.loop, feeds, messageResource(be), common...)
	c.prefetch = livesync.NewPrefetchCache(c.loop, be, common...)
	c.publisher = livesync.NewPublisher(c.source, be, cfg.PublishInterval, common...)
	c.sweeper = livesync.NewStalenessSweeper(c.loop, c.locations.Store(), cfg.StaleAfter, cfg.SweepInterval, common...)

	c.unbind = []func(){
		c.prefetch.Bind(c.tracker),
		c.assignments.Bind(c.tracker),
		c.locations.Bind(c.tracker),
		c.messages.Bind(c.tracker),
	}
	c.sweeper.Start()

	c.logger.Info("client ready", "client", c.id.String(), "sweep", c.sweeper.Enabled())
	return c, nil
}

func assignmentResource(be backend.Fetcher) livesync.Resource[models.AssignedLocation] {
	return livesync.Resource[models.AssignedLocation]{
		Name:      "assignments",
		Channel:   ChannelAssignments,
		Table:     realtime.TableAssignments,
		Decode:    realtime.DecodeAssignment,
		Key:       func(a models.AssignedLocation) string { return a.ID },
		Operation: func(a models.AssignedLocation) models.OperationID { return a.OperationID },
		Fetch:     be.FetchAssignments,
	}
}

// locationResource keys member locations by user and keeps the newer fix.
func locationResource(be backend.Fetcher, now func() time.Time) livesync.Resource[models.MemberLocation] {
	return livesync.Resource[models.MemberLocation]{
		Name:    "member_locations",
		Channel: ChannelLocations,
		Table:   realtime.TableMemberLocations,
		Decode: func(msg realtime.Message) (realtime.Change[models.MemberLocation], error) {
			change, err := realtime.DecodeLocation(msg)
			if err != nil {
				return realtime.Change[models.MemberLocation]{}, err
			}
			out := realtime.Change[models.MemberLocation]{Kind: change.Kind, ID: change.ID}
			if !change.IsDelete() {
				out.Item = models.NewMemberLocation(change.Item, now())
			}
			return out, nil
		},
		Key: func(m models.MemberLocation) string { return m.UserID },
		Operation: func(m models.MemberLocation) models.OperationID {
			if m.LastLocation == nil {
				return ""
			}
			return m.LastLocation.OperationID
		},
		Fetch: func(ctx context.Context, op models.OperationID) ([]models.MemberLocation, error) {
			points, err := be.FetchMemberLocations(ctx, op)
			if err != nil {
				return nil, err
			}
			received := now()
			out := make([]models.MemberLocation, 0, len(points))
			for _, p := range points {
				m := models.NewMemberLocation(p, p.Timestamp)
				if m.LastUpdateTime.IsZero() || m.LastUpdateTime.After(received) {
					m.LastUpdateTime = received
				}
				out = append(out, m)
			}
			return out, nil
		},
		Merge: models.NewerOf,
	}
}

func messageResource(be backend.Fetcher) livesync.Resource[models.ChatMessage] {
	return livesync.Resource[models.ChatMessage]{
		Name:      "messages",
		Channel:   ChannelMessages,
		Table:     realtime.TableMessages,
		Decode:    realtime.DecodeMessage,
		Key:       func(m models.ChatMessage) string { return m.ID },
		Operation: func(m models.ChatMessage) models.OperationID { return m.OperationID },
		Fetch:     be.FetchMessages,
	}
}

// ID identifies this client instance in logs.
func (c *Client) ID() string { return c.id.String() }

func (c *Client) Config() *config.Config { return c.cfg }

// Close stops every background task. The client is unusable afterwards.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		for _, fn := range c.unbind {
			fn()
		}
		c.publisher.Stop()
		c.sweeper.Stop()
		c.assignments.Close()
		c.locations.Close()
		c.messages.Close()
		c.prefetch.Close()
		c.loop.Close()
		for _, fn := range c.closers {
			fn()
		}
		c.logger.Info("client closed", "client", c.id.String())
	})
}
