// ABOUTME: Functional options shared by the livesync components
// ABOUTME: Logger, metrics, clock and timing knobs with defaults
package livesync

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/harperreed/fieldsync/metrics"
)

const (
	DefaultFetchTimeout     = 15 * time.Second
	DefaultResubscribeDelay = 2 * time.Second
	DefaultPublishInterval  = 4 * time.Second
	DefaultStaleAfter       = 2 * time.Minute
	DefaultSweepInterval    = 15 * time.Second
)

type options struct {
	logger           *log.Logger
	metrics          *metrics.Metrics
	now              func() time.Time
	fetchTimeout     time.Duration
	resubscribeDelay time.Duration
}

// Option configures a livesync component.
type Option func(*options)

func WithLogger(logger *log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithFetchTimeout bounds every fetch. Zero disables the bound.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) { o.fetchTimeout = d }
}

// WithResubscribeDelay sets the wait before reopening a channel the transport dropped.
func WithResubscribeDelay(d time.Duration) Option {
	return func(o *options) { o.resubscribeDelay = d }
}

func buildOptions(prefix string, opts []Option) options {
	o := options{
		now:              time.Now,
		fetchTimeout:     DefaultFetchTimeout,
		resubscribeDelay: DefaultResubscribeDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Default()
	}
	o.logger = o.logger.WithPrefix(prefix)
	return o
}
