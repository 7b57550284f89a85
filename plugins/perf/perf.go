// Package perf measures navigation windows: the time from a route change to
// each Mark the host records, closed by the next navigation or a flush.
package perf

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"beacon/internal/clock"
	"beacon/internal/events"
	"beacon/internal/plugin"
	"beacon/internal/severity"
)

const Category = "performance"

type Config struct {
	// MinWindowMS drops windows shorter than this with no marks.
	MinWindowMS int64 `json:"min_window_ms"`
}

type mark struct {
	name string
	at   time.Duration
}

type window struct {
	route string
	start time.Time
	marks []mark
}

type Plugin struct {
	plugin.Base

	clock clock.Clock

	mu  sync.Mutex
	cfg Config
	cur *window
}

type Option func(*Plugin)

func WithClock(c clock.Clock) Option {
	return func(p *Plugin) {
		if c != nil {
			p.clock = c
		}
	}
}

func New(opts ...Option) *Plugin {
	p := &Plugin{clock: clock.Real()}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Plugin) Name() string { return "perf" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	if err := p.On(events.RouteChange, events.Func(p.onRoute)); err != nil {
		return err
	}
	return p.On(events.BeforeFlush, events.Func(p.onFlush))
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

func (p *Plugin) Destroy(ctx context.Context) error {
	p.mu.Lock()
	p.cur = nil
	p.mu.Unlock()
	return p.DestroyBase(ctx)
}

// Mark records a named point in the current window. Marks outside a window
// are ignored.
func (p *Plugin) Mark(name string) {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return
	}
	p.cur.marks = append(p.cur.marks, mark{name: name, at: now.Sub(p.cur.start)})
}

func (p *Plugin) onRoute(e events.Event) error {
	r, _ := events.RouteOf(e)
	now := p.clock.Now()

	p.mu.Lock()
	closed := p.cur
	p.cur = &window{route: r.To, start: now}
	cfg := p.cfg
	p.mu.Unlock()

	p.report(closed, now, cfg, "navigation")
	return nil
}

func (p *Plugin) onFlush(events.Event) error {
	now := p.clock.Now()

	p.mu.Lock()
	closed := p.cur
	p.cur = nil
	cfg := p.cfg
	p.mu.Unlock()

	p.report(closed, now, cfg, "flush")
	return nil
}

func (p *Plugin) report(w *window, end time.Time, cfg Config, closedBy string) {
	if w == nil {
		return
	}
	d := end.Sub(w.start)
	if len(w.marks) == 0 && d.Milliseconds() < cfg.MinWindowMS {
		return
	}
	marks := make(map[string]int64, len(w.marks))
	for _, m := range w.marks {
		if _, seen := marks[m.name]; !seen {
			marks[m.name] = m.at.Milliseconds()
		}
	}
	p.Report(severity.Info, plugin.Fields{
		Message:  "navigation timing",
		Category: Category,
		Extra: map[string]any{
			"route":       w.route,
			"duration_ms": d.Milliseconds(),
			"marks":       marks,
			"closed_by":   closedBy,
		},
	})
}
