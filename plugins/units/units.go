// Package units watches host service units and reports state transitions:
// entering "failed" at ERROR, leaving "active" at WARN, recovering at INFO.
package units

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"beacon/internal/clock"
	"beacon/internal/plugin"
	"beacon/internal/severity"
	logx "beacon/pkg/logx"
)

const Category = "units"

const defaultInterval = 5 * time.Second

// State is a unit's systemd state triple.
type State struct {
	Active string // active, inactive, failed, activating, ...
	Sub    string // running, dead, exited, ...
	Load   string // loaded, not-found, ...
}

// Reader fetches the current state of the named units. Missing units are
// returned with Load "not-found".
type Reader interface {
	States(ctx context.Context, names []string) (map[string]State, error)
	Close() error
}

type Config struct {
	// Units are unit names; a bare name gets ".service" appended.
	Units      []string `json:"units"`
	IntervalMS int64    `json:"interval_ms"`
}

func (c Config) interval() time.Duration {
	if c.IntervalMS <= 0 {
		return defaultInterval
	}
	return time.Duration(c.IntervalMS) * time.Millisecond
}

func normalize(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if !strings.Contains(n, ".") {
			n += ".service"
		}
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

// Plugin polls a Reader. It is inert until configured with at least one unit.
type Plugin struct {
	plugin.Base

	open  func(ctx context.Context) (Reader, error)
	clock clock.Clock

	mu     sync.Mutex
	cfg    Config
	reader Reader
	prev   map[string]State
	wake   chan struct{}
}

type Option func(*Plugin)

func WithClock(c clock.Clock) Option {
	return func(p *Plugin) {
		if c != nil {
			p.clock = c
		}
	}
}

// New takes a Reader factory, called once on first use. Pass NewDBusReader
// for the system bus.
func New(open func(ctx context.Context) (Reader, error), opts ...Option) *Plugin {
	p := &Plugin{
		open:  open,
		clock: clock.Real(),
		prev:  map[string]State{},
		wake:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Plugin) Name() string { return "units" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	p.Go("poll", p.loop)
	return nil
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodeConfig[Config](raw)
	if err != nil {
		return err
	}
	c.Units = normalize(c.Units)
	p.mu.Lock()
	p.cfg = c
	for name := range p.prev {
		if !slices.Contains(c.Units, name) {
			delete(p.prev, name)
		}
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *Plugin) Destroy(ctx context.Context) error {
	err := p.DestroyBase(ctx)
	p.mu.Lock()
	r := p.reader
	p.reader = nil
	p.mu.Unlock()
	if r != nil {
		_ = r.Close()
	}
	return err
}

func (p *Plugin) loop(ctx context.Context) {
	for {
		p.mu.Lock()
		cfg := p.cfg
		p.mu.Unlock()

		if len(cfg.Units) > 0 {
			p.poll(ctx, cfg.Units)
		}

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-p.clock.After(cfg.interval()):
		}
	}
}

func (p *Plugin) readerFor(ctx context.Context) (Reader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reader != nil {
		return p.reader, nil
	}
	if p.open == nil {
		return nil, errors.New("no unit reader configured")
	}
	r, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	p.reader = r
	return r, nil
}

// poll reads every unit once and reports transitions. The first reading of a
// unit only reports if it is already failed.
func (p *Plugin) poll(ctx context.Context, names []string) {
	r, err := p.readerFor(ctx)
	if err != nil {
		p.Log.Warn("unit reader unavailable", logx.Err(err))
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	states, err := r.States(cctx, names)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			p.Log.Warn("unit state read failed", logx.Err(err))
		}
		return
	}

	for _, name := range names {
		cur, ok := states[name]
		if !ok {
			continue
		}
		p.mu.Lock()
		prev, seen := p.prev[name]
		p.prev[name] = cur
		p.mu.Unlock()

		if seen && prev.Active == cur.Active {
			continue
		}
		level, msg, report := classify(prev, cur, seen)
		if !report {
			continue
		}
		p.Report(level, plugin.Fields{
			Message:  name + " " + msg,
			Category: Category,
			Extra: map[string]any{
				"unit": name,
				"from": prev.Active,
				"to":   cur.Active,
				"sub":  cur.Sub,
				"load": cur.Load,
			},
		})
	}
}

func classify(prev, cur State, seen bool) (severity.Level, string, bool) {
	switch {
	case cur.Load == "not-found":
		if seen && prev.Load == "not-found" {
			return 0, "", false
		}
		return severity.Warn, "not found", true
	case cur.Active == "failed":
		return severity.Error, "failed", true
	case !seen:
		return 0, "", false
	case cur.Active == "active" && prev.Active == "failed":
		return severity.Info, "recovered", true
	case prev.Active == "active" && cur.Active != "activating" && cur.Active != "reloading":
		return severity.Warn, "stopped", true
	}
	return 0, "", false
}
