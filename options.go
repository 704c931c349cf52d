package dbrouter

import (
	"time"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"
)

type options struct {
	logger    log.FieldLogger
	clock     clock.Clock
	metrics   *Metrics
	matchers  *Matchers
	newProber func(driver string, timeout time.Duration) Prober
}

// Option configures a Registry or a standalone Topology.
type Option func(*options)

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(logger log.FieldLogger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the clock driving the health polling timers.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithMetrics enables prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithMatchers shares a per-driver matcher cache.
func WithMatchers(ms *Matchers) Option {
	return func(o *options) { o.matchers = ms }
}

// WithProber replaces the database/sql based health probe.
func WithProber(newProber func(driver string, timeout time.Duration) Prober) Option {
	return func(o *options) { o.newProber = newProber }
}

func newOptions(opts []Option) *options {
	o := &options{
		logger: log.StandardLogger(),
		clock:  clock.WallClock,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.matchers == nil {
		o.matchers = NewMatchers()
	}
	if o.newProber == nil {
		logger := o.logger
		o.newProber = func(driver string, timeout time.Duration) Prober {
			return NewScanner(driver, timeout, logger)
		}
	}
	return o
}
