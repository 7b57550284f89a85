package monitor

import (
	"context"

	"beacon/internal/clock"
	"beacon/internal/connectivity"
	"beacon/internal/environ"
	"beacon/internal/events"
	"beacon/internal/lifecycle"
	logx "beacon/pkg/logx"
)

type Option func(*Monitor)

func WithLogger(log logx.Logger) Option {
	return func(m *Monitor) {
		if !log.IsZero() {
			m.log = log
		}
	}
}

// WithBus shares an existing bus instead of creating one.
func WithBus(b *events.Bus) Option {
	return func(m *Monitor) { m.bus = b }
}

func WithEnvironment(p environ.Provider) Option {
	return func(m *Monitor) { m.env = p }
}

func WithConnectivity(s connectivity.Source) Option {
	return func(m *Monitor) { m.conn = s }
}

func WithLifecycle(s lifecycle.Source) Option {
	return func(m *Monitor) { m.life = s }
}

// WithFlushSchedule flushes on a cron or interval spec (see schedule.Parse).
// The expression is validated by Start.
func WithFlushSchedule(spec string) Option {
	return func(m *Monitor) { m.flushSpec = spec }
}

func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithContext sets the parent of every scope the monitor creates.
func WithContext(ctx context.Context) Option {
	return func(m *Monitor) {
		if ctx != nil {
			m.root = ctx
		}
	}
}

// WithOnline sets the initial connectivity state (default online).
func WithOnline(online bool) Option {
	return func(m *Monitor) { m.online = online }
}
