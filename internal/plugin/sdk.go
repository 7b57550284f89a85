package plugin

import (
	"context"
	"encoding/json"
	"errors"

	"beacon/internal/events"
	"beacon/internal/severity"
	logx "beacon/pkg/logx"
)

var ErrNotInitialized = errors.New("plugin not initialized")

// Base is a small helper to make writing plugins faster and safer.
// Typical usage:
//
//	type Plugin struct{ plugin.Base }
//	func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
//		p.InitBase(deps, p.Name())
//		return p.On(events.RouteChange, events.Func(p.onRoute))
//	}
//	func (p *Plugin) Destroy(ctx context.Context) error { return p.DestroyBase(ctx) }
type Base struct {
	Log  logx.Logger
	Deps Deps

	name string
}

// InitBase wires deps + logger.
func (b *Base) InitBase(deps Deps, name string) {
	b.Deps = deps
	b.name = name
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	b.Log = log.With(logx.String("plugin", name))
}

func (b *Base) PluginName() string { return b.name }

// Context is cancelled when the plugin is torn down.
func (b *Base) Context() context.Context {
	if b.Deps.Scope == nil {
		return context.Background()
	}
	return b.Deps.Scope.Context()
}

// Report sends a record through the monitor, tagged with the plugin name.
func (b *Base) Report(level severity.Level, f Fields) {
	if b.Deps.Handle == nil {
		return
	}
	if f.Plugin == "" {
		f.Plugin = b.name
	}
	b.Deps.Handle.ReportInfo(level, f)
}

// On subscribes l for the lifetime of the plugin scope.
func (b *Base) On(name events.Name, l events.Listener) error {
	if b.Deps.Bus == nil {
		return ErrNotInitialized
	}
	unsub, err := b.Deps.Bus.Subscribe(name, l)
	if err != nil {
		return err
	}
	if b.Deps.Scope != nil {
		b.Deps.Scope.Add(unsub)
	}
	return nil
}

// Emit publishes on the shared bus.
func (b *Base) Emit(name events.Name, args ...any) error {
	if b.Deps.Bus == nil {
		return ErrNotInitialized
	}
	return b.Deps.Bus.Emit(name, args...)
}

// Go runs fn on a goroutine owned by the plugin scope.
func (b *Base) Go(name string, fn func(ctx context.Context)) {
	if b.Deps.Scope == nil {
		return
	}
	b.Deps.Scope.Go(b.name+"."+name, fn)
}

// DestroyBase cancels the scope and waits for its goroutines, bounded by ctx.
func (b *Base) DestroyBase(ctx context.Context) error {
	if b.Deps.Scope == nil {
		return nil
	}
	b.Deps.Scope.Cancel()
	return b.Deps.Scope.Wait(ctx)
}

// DecodeConfig decodes per-plugin raw json into a typed config struct.
// Empty input yields the zero value.
func DecodeConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
