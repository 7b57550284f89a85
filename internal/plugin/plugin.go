// Package plugin defines what an instrumentation unit implements and what it
// receives from the monitor.
package plugin

import (
	"context"
	"encoding/json"

	"beacon/internal/events"
	"beacon/internal/scope"
	"beacon/internal/severity"
	logx "beacon/pkg/logx"
)

// Plugin is registered with monitor.Use. Init runs once, synchronously.
type Plugin interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
}

// Destroyer is called once at monitor teardown, after the plugin's scope has
// been cancelled.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// ConfigurablePlugin receives its raw config block on load and on every
// reload where the block changed.
type ConfigurablePlugin interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// Fields are the caller-supplied parts of a record.
type Fields struct {
	Message  string
	Category string
	Plugin   string
	Extra    map[string]any
}

// Handle is the plugin's view of the monitor.
type Handle interface {
	ReportInfo(level severity.Level, f Fields)
	Fingerprint() string
}

type Deps struct {
	Handle Handle
	Bus    *events.Bus
	Logger logx.Logger
	// Scope is owned by this plugin's registration and cancelled at teardown.
	Scope *scope.Scope
}
