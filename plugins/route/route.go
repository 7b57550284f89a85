// Package route records navigations and announces them on the bus so
// per-navigation plugins can re-arm.
package route

import (
	"context"
	"sync"

	"beacon/internal/events"
	"beacon/internal/plugin"
	"beacon/internal/severity"
)

const Category = "route"

// Navigator performs a navigation in the host.
type Navigator interface {
	Navigate(ctx context.Context, path string) error
}

type NavigatorFunc func(ctx context.Context, path string) error

func (f NavigatorFunc) Navigate(ctx context.Context, path string) error { return f(ctx, path) }

// Plugin decorates a Navigator. It is itself a Navigator.
type Plugin struct {
	plugin.Base

	next Navigator

	mu      sync.Mutex
	current string
}

// New wraps next. A nil next only records the navigation.
func New(next Navigator) *Plugin { return &Plugin{next: next} }

func (p *Plugin) Name() string { return "route" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	return nil
}

func (p *Plugin) Destroy(ctx context.Context) error { return p.DestroyBase(ctx) }

// Current is the last successfully navigated path.
func (p *Plugin) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Navigate delegates to the wrapped navigator, then reports the change and
// emits RouteChange. A failed navigation is reported and leaves the current
// path unchanged.
func (p *Plugin) Navigate(ctx context.Context, path string) error {
	p.mu.Lock()
	from := p.current
	p.mu.Unlock()

	if p.next != nil {
		if err := p.next.Navigate(ctx, path); err != nil {
			p.Report(severity.Error, plugin.Fields{
				Message:  "navigation failed",
				Category: Category,
				Extra:    map[string]any{"from": from, "to": path, "error": err.Error()},
			})
			return err
		}
	}

	p.mu.Lock()
	p.current = path
	p.mu.Unlock()

	p.Report(severity.Info, plugin.Fields{
		Message:  "route change",
		Category: Category,
		Extra:    map[string]any{"from": from, "to": path},
	})
	if err := p.Emit(events.RouteChange, events.Route{From: from, To: path}); err != nil {
		p.Log.Debug("route change not emitted")
	}
	return nil
}
