// Package system samples the host process and reports resource pressure:
// heap and goroutine counts crossing their thresholds, plus a runtime
// snapshot on every flush.
package system

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"beacon/internal/clock"
	"beacon/internal/events"
	"beacon/internal/plugin"
	"beacon/internal/severity"
)

const Category = "system"

const defaultInterval = 10 * time.Second

// Stats is one sample of the process.
type Stats struct {
	HeapAlloc  uint64
	Sys        uint64
	Goroutines int
	NumGC      uint32
}

// ReadStats samples the running process.
func ReadStats() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Stats{HeapAlloc: m.HeapAlloc, Sys: m.Sys, Goroutines: runtime.NumGoroutine(), NumGC: m.NumGC}
}

type Config struct {
	IntervalMS int64 `json:"interval_ms"`
	// HeapWarnMB reports WARN once when the heap grows past it. 0 disables.
	HeapWarnMB uint64 `json:"heap_warn_mb"`
	// GoroutineWarn reports WARN once when the goroutine count passes it. 0 disables.
	GoroutineWarn int `json:"goroutine_warn"`
}

func (c Config) interval() time.Duration {
	if c.IntervalMS <= 0 {
		return defaultInterval
	}
	return time.Duration(c.IntervalMS) * time.Millisecond
}

type Plugin struct {
	plugin.Base

	read  func() Stats
	clock clock.Clock

	mu        sync.Mutex
	cfg       Config
	startedAt time.Time
	heapHigh  bool
	goHigh    bool
}

type Option func(*Plugin)

func WithClock(c clock.Clock) Option {
	return func(p *Plugin) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithReader replaces ReadStats.
func WithReader(fn func() Stats) Option {
	return func(p *Plugin) {
		if fn != nil {
			p.read = fn
		}
	}
}

func New(opts ...Option) *Plugin {
	p := &Plugin{read: ReadStats, clock: clock.Real()}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Plugin) Name() string { return "system" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	p.mu.Lock()
	if p.startedAt.IsZero() {
		p.startedAt = p.clock.Now()
	}
	p.mu.Unlock()
	if err := p.On(events.BeforeFlush, events.Func(p.onFlush)); err != nil {
		return err
	}
	p.Go("sample", p.loop)
	return nil
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

func (p *Plugin) loop(ctx context.Context) {
	for {
		p.mu.Lock()
		interval := p.cfg.interval()
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(interval):
		}
		p.sample()
	}
}

// sample reports each threshold once on the way up and once on the way
// back down.
func (p *Plugin) sample() {
	s := p.read()

	p.mu.Lock()
	cfg := p.cfg
	heapOver := cfg.HeapWarnMB > 0 && s.HeapAlloc >= cfg.HeapWarnMB<<20
	goOver := cfg.GoroutineWarn > 0 && s.Goroutines >= cfg.GoroutineWarn
	heapFlip := heapOver != p.heapHigh
	goFlip := goOver != p.goHigh
	p.heapHigh, p.goHigh = heapOver, goOver
	p.mu.Unlock()

	if heapFlip {
		p.pressure(heapOver, "heap", fmtBytes(s.HeapAlloc), s)
	}
	if goFlip {
		p.pressure(goOver, "goroutines", fmt.Sprint(s.Goroutines), s)
	}
}

func (p *Plugin) pressure(over bool, what, value string, s Stats) {
	level, msg := severity.Info, what+" back to normal: "+value
	if over {
		level, msg = severity.Warn, "high "+what+": "+value
	}
	p.Report(level, plugin.Fields{Message: msg, Category: Category, Extra: statsExtra(s)})
}

func (p *Plugin) onFlush(events.Event) error {
	s := p.read()
	p.mu.Lock()
	up := p.clock.Now().Sub(p.startedAt)
	p.mu.Unlock()

	extra := statsExtra(s)
	extra["go"] = runtime.Version()
	extra["uptime"] = durRel(up)
	if bi, ok := debug.ReadBuildInfo(); ok {
		extra["module"] = bi.Main.Path + " " + bi.Main.Version
	}
	p.Report(severity.Info, plugin.Fields{Message: "runtime snapshot", Category: Category, Extra: extra})
	return nil
}

func statsExtra(s Stats) map[string]any {
	return map[string]any{
		"heap_alloc": s.HeapAlloc,
		"mem_sys":    s.Sys,
		"goroutines": s.Goroutines,
		"num_gc":     s.NumGC,
	}
}

func fmtBytes(n uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case n >= GB:
		return fmt.Sprintf("%.1fGB", float64(n)/GB)
	case n >= MB:
		return fmt.Sprintf("%.1fMB", float64(n)/MB)
	case n >= KB:
		return fmt.Sprintf("%.1fKB", float64(n)/KB)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func durRel(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
