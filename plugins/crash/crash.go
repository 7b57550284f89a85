// Package crash reports recovered panics. Hosts wrap risky work in Guard or
// defer Recover at the top of a goroutine.
package crash

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"beacon/internal/plugin"
	"beacon/internal/severity"
	logx "beacon/pkg/logx"

	"golang.org/x/time/rate"
)

const Category = "crash"

const defaultPerMinute = 30

type Config struct {
	// PerMinute caps crash records so a panic loop can't flood the sink.
	PerMinute int `json:"per_minute"`
	// StackBytes truncates the reported stack. 0 keeps it whole.
	StackBytes int `json:"stack_bytes"`
}

type Plugin struct {
	plugin.Base

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	suppressed atomic.Uint64
}

func New() *Plugin {
	p := &Plugin{}
	p.apply(Config{})
	return p
}

func (p *Plugin) Name() string { return "crash" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	return nil
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodeConfig[Config](raw)
	if err != nil {
		return err
	}
	p.apply(c)
	return nil
}

func (p *Plugin) apply(c Config) {
	if c.PerMinute <= 0 {
		c.PerMinute = defaultPerMinute
	}
	p.mu.Lock()
	p.cfg = c
	p.limiter = rate.NewLimiter(rate.Limit(float64(c.PerMinute)/60), c.PerMinute)
	p.mu.Unlock()
}

func (p *Plugin) Destroy(ctx context.Context) error {
	if n := p.suppressed.Load(); n > 0 {
		p.Log.Warn("crash records suppressed by rate limit", logx.Uint64("count", n))
	}
	return p.DestroyBase(ctx)
}

// Guard runs fn and converts a panic into a reported error.
func (p *Plugin) Guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.report(name, r, debug.Stack())
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn()
}

// Recover must be deferred directly: defer p.Recover().
func (p *Plugin) Recover() {
	if r := recover(); r != nil {
		p.report("", r, debug.Stack())
	}
}

// Suppressed counts crash records dropped by the rate limit.
func (p *Plugin) Suppressed() uint64 { return p.suppressed.Load() }

func (p *Plugin) report(name string, v any, stack []byte) {
	p.mu.Lock()
	allowed := p.limiter.Allow()
	maxStack := p.cfg.StackBytes
	p.mu.Unlock()
	if !allowed {
		p.suppressed.Add(1)
		return
	}
	if maxStack > 0 && len(stack) > maxStack {
		stack = stack[:maxStack]
	}

	extra := map[string]any{"stack": string(stack)}
	if name != "" {
		extra["where"] = name
	}
	if err, ok := v.(error); ok {
		extra["error_type"] = fmt.Sprintf("%T", err)
	}
	p.Report(severity.Error, plugin.Fields{
		Message:  fmt.Sprintf("panic: %v", v),
		Category: Category,
		Extra:    extra,
	})
}
