// Package whitescreen detects navigations that never render content.
package whitescreen

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"beacon/internal/clock"
	"beacon/internal/events"
	"beacon/internal/plugin"
	"beacon/internal/severity"
	logx "beacon/pkg/logx"
)

const Category = "whitescreen"

const (
	defaultInterval = 250 * time.Millisecond
	defaultTimeout  = 3 * time.Second
)

// Probe reports whether route currently shows content.
type Probe interface {
	Check(ctx context.Context, route string) (rendered bool, err error)
}

type ProbeFunc func(ctx context.Context, route string) (bool, error)

func (f ProbeFunc) Check(ctx context.Context, route string) (bool, error) { return f(ctx, route) }

type Config struct {
	IntervalMS int64 `json:"interval_ms"`
	TimeoutMS  int64 `json:"timeout_ms"`
}

func (c Config) interval() time.Duration {
	if c.IntervalMS <= 0 {
		return defaultInterval
	}
	return time.Duration(c.IntervalMS) * time.Millisecond
}

func (c Config) timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return defaultTimeout
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type Plugin struct {
	plugin.Base

	probe Probe
	clock clock.Clock

	mu     sync.Mutex
	cfg    Config
	cancel context.CancelFunc
}

type Option func(*Plugin)

func WithClock(c clock.Clock) Option {
	return func(p *Plugin) {
		if c != nil {
			p.clock = c
		}
	}
}

func New(probe Probe, opts ...Option) *Plugin {
	p := &Plugin{probe: probe, clock: clock.Real()}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Plugin) Name() string { return "whitescreen" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	if p.probe == nil {
		p.Log.Warn("no probe configured; white-screen detection disabled")
		return nil
	}
	return p.On(events.RouteChange, events.Func(p.onRoute))
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodeConfig[Config](raw)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = c
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Destroy(ctx context.Context) error { return p.DestroyBase(ctx) }

// onRoute starts a check for the new route, abandoning any check still
// running for the previous one.
func (p *Plugin) onRoute(e events.Event) error {
	r, _ := events.RouteOf(e)
	ctx, cancel := context.WithCancel(p.Context())

	p.mu.Lock()
	prev := p.cancel
	p.cancel = cancel
	cfg := p.cfg
	p.mu.Unlock()
	if prev != nil {
		prev()
	}

	p.Go("check", func(context.Context) {
		defer cancel()
		p.watch(ctx, r.To, cfg)
	})
	return nil
}

func (p *Plugin) watch(ctx context.Context, route string, cfg Config) {
	start := p.clock.Now()
	interval, timeout := cfg.interval(), cfg.timeout()

	var lastErr error
	for {
		rendered, err := p.probe.Check(ctx, route)
		if ctx.Err() != nil {
			return
		}
		if err == nil && rendered {
			p.Log.Debug("content rendered", logx.Duration("after", p.clock.Now().Sub(start)), logx.String("route", route))
			return
		}
		lastErr = err

		waited := p.clock.Now().Sub(start)
		if waited >= timeout {
			extra := map[string]any{"route": route, "waited_ms": waited.Milliseconds()}
			if lastErr != nil {
				extra["error"] = lastErr.Error()
			}
			p.Report(severity.Error, plugin.Fields{
				Message:  "white screen detected",
				Category: Category,
				Extra:    extra,
			})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(interval):
		}
	}
}
