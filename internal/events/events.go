// Package events declares the names shared on the SDK event bus.
package events

import (
	"beacon/internal/eventbus"
	logx "beacon/pkg/logx"
)

type Name string

const (
	// RouteChange carries a Route. Per-navigation plugins re-arm on it.
	RouteChange Name = "route.change"
	// ConnectivityChange carries a bool (true = online).
	ConnectivityChange Name = "connectivity.change"
	// BeforeFlush fires before the monitor drains buffers on hide/unload.
	BeforeFlush Name = "flush.before"
)

type (
	Bus      = eventbus.Bus[Name]
	Event    = eventbus.Event[Name]
	Listener = eventbus.Listener[Name]
)

// Route is the RouteChange argument.
type Route struct {
	From string
	To   string
}

func All() []Name { return []Name{RouteChange, ConnectivityChange, BeforeFlush} }

func NewBus(log logx.Logger) *Bus {
	return eventbus.New(log.With(logx.String("component", "eventbus")), All()...)
}

// Func adapts fn to a Listener.
func Func(fn func(Event) error) Listener { return eventbus.Func(fn) }

// RouteOf extracts the Route argument of a RouteChange event.
func RouteOf(e Event) (Route, bool) {
	r, ok := e.Arg(0).(Route)
	return r, ok
}
