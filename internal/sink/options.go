package sink

import (
	"beacon/internal/clock"
	"beacon/internal/severity"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

const (
	DefaultReportLevel     = severity.Error
	DefaultMaxStorageCount = 100
)

// Options are merged into the live config by Init and UpdateConfig.
// A nil field is "not set" and leaves the current value alone.
type Options struct {
	ReportLevel     *severity.Level
	Enabled         *bool
	MaxStorageCount *int
	Delivery        Delivery
	Platform        *string
	Fingerprint     *string
}

// Ptr is a convenience for filling Options literals.
func Ptr[T any](v T) *T { return &v }

type config struct {
	reportLevel     severity.Level
	enabled         bool
	maxStorageCount int
	delivery        Delivery
	platform        string
}

func defaultConfig() config {
	return config{
		reportLevel:     DefaultReportLevel,
		enabled:         true,
		maxStorageCount: DefaultMaxStorageCount,
	}
}

func (c *config) merge(o Options) {
	if o.ReportLevel != nil {
		c.reportLevel = *o.ReportLevel
	}
	if o.Enabled != nil {
		c.enabled = *o.Enabled
	}
	if o.MaxStorageCount != nil {
		c.maxStorageCount = max(*o.MaxStorageCount, 0)
	}
	if o.Delivery != nil {
		c.delivery = o.Delivery
	}
	if o.Platform != nil {
		c.platform = *o.Platform
	}
}

// Option configures a Sink at construction.
type Option func(*Sink)

// WithJournal records delivery failures for local inspection.
func WithJournal(j storage.Store) Option {
	return func(s *Sink) { s.journal = j }
}

func WithClock(c clock.Clock) Option {
	return func(s *Sink) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithOptions applies o as if passed to Init.
func WithOptions(o Options) Option {
	return func(s *Sink) { s.pending = append(s.pending, o) }
}

func levelFor(l severity.Level) logx.Level {
	switch l {
	case severity.Error:
		return logx.LevelError
	case severity.Warn:
		return logx.LevelWarn
	case severity.Info:
		return logx.LevelInfo
	default:
		return logx.LevelDebug
	}
}
