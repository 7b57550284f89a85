// Package analytics reports host-defined events and user identification.
package analytics

import (
	"context"
	"errors"
	"maps"
	"strings"

	"beacon/internal/plugin"
	"beacon/internal/severity"
)

const Category = "analytics"

var ErrEmptyEvent = errors.New("analytics: empty event name")

// FingerprintSetter rotates the identity stamped on records. *sink.Sink
// implements it.
type FingerprintSetter interface {
	SetFingerprint(id string)
}

type Plugin struct {
	plugin.Base

	ids FingerprintSetter
}

// New takes the identity setter used by Identify. It may be nil, in which
// case Identify only reports.
func New(ids FingerprintSetter) *Plugin { return &Plugin{ids: ids} }

func (p *Plugin) Name() string { return "analytics" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	return nil
}

func (p *Plugin) Destroy(ctx context.Context) error { return p.DestroyBase(ctx) }

// Track reports a named event. props are copied.
func (p *Plugin) Track(event string, props map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return ErrEmptyEvent
	}
	p.Report(severity.Info, plugin.Fields{
		Message:  event,
		Category: Category,
		Extra:    maps.Clone(props),
	})
	return nil
}

// Identify switches the record identity to id. The previous identity is
// kept as the old fingerprint on later records.
func (p *Plugin) Identify(id string) {
	id = strings.TrimSpace(id)
	var prev string
	if h := p.Deps.Handle; h != nil {
		prev = h.Fingerprint()
	}
	if id == "" || id == prev {
		return
	}
	if p.ids != nil {
		p.ids.SetFingerprint(id)
	}
	p.Report(severity.Info, plugin.Fields{
		Message:  "identify",
		Category: Category,
		Extra:    map[string]any{"previous": prev, "id": id},
	})
}
