// Package monitor is the orchestrator: it owns the plugin registry, routes
// plugin reports to the sink (or to the connectivity cache while offline),
// and flushes everything when the host is about to go away.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"beacon/internal/clock"
	"beacon/internal/connectivity"
	"beacon/internal/environ"
	"beacon/internal/events"
	"beacon/internal/lifecycle"
	"beacon/internal/plugin"
	"beacon/internal/schedule"
	"beacon/internal/scope"
	"beacon/internal/severity"
	"beacon/internal/sink"
	logx "beacon/pkg/logx"
)

var (
	ErrInvalidPlugin   = errors.New("monitor: invalid plugin")
	ErrDuplicatePlugin = errors.New("monitor: duplicate plugin")
	ErrDestroyed       = errors.New("monitor: destroyed")
)

// CategoryNetwork tags the connectivity transition records.
const CategoryNetwork = "network"

const cacheWarnEvery = 1000

// LogSink is the part of *sink.Sink the monitor needs.
type LogSink interface {
	Log(r sink.Record)
	ReportRestInfo()
	Fingerprint() string
}

type entry struct {
	p       plugin.Plugin
	name    string
	scope   *scope.Scope
	cfgHash uint64
}

type Monitor struct {
	log       logx.Logger
	sink      LogSink
	bus       *events.Bus
	env       environ.Provider
	conn      connectivity.Source
	life      lifecycle.Source
	clock     clock.Clock
	flushSpec string
	root      context.Context

	// scope owns the monitor's own subscriptions (connectivity, lifecycle,
	// flush schedule).
	scope *scope.Scope

	// order serializes hand-offs to the sink so cached records are never
	// overtaken by live ones.
	order sync.Mutex

	mu           sync.Mutex
	plugins      []*entry
	online       bool
	cache        []sink.Record
	offlineSince time.Time
	started      bool
	destroyed    bool
}

var _ plugin.Handle = (*Monitor)(nil)

func New(s LogSink, opts ...Option) *Monitor {
	m := &Monitor{
		log:    logx.Nop(),
		sink:   s,
		env:    environ.Runtime{},
		clock:  clock.Real(),
		root:   context.Background(),
		online: true,
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(logx.String("component", "monitor"))
	if m.bus == nil {
		m.bus = events.NewBus(m.log)
	}
	m.scope = scope.New(m.root, m.log)
	return m
}

func (m *Monitor) Bus() *events.Bus { return m.bus }

// Start subscribes to the connectivity and lifecycle sources and starts the
// flush schedule, all under the monitor's own scope.
func (m *Monitor) Start(ctx context.Context) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if m.conn != nil {
		if st, ok := m.conn.(interface{ Online() bool }); ok {
			m.mu.Lock()
			m.online = st.Online()
			m.mu.Unlock()
		}
		m.scope.Add(m.conn.Subscribe(m.SetOnline))
	}
	if m.life != nil {
		m.scope.Add(m.life.Subscribe(func(sig lifecycle.Signal) {
			m.log.Debug("lifecycle flush", logx.String("signal", sig.String()))
			m.Flush()
		}))
	}
	if strings.TrimSpace(m.flushSpec) != "" {
		spec, err := schedule.Parse(m.flushSpec)
		if err != nil {
			return fmt.Errorf("flush schedule: %w", err)
		}
		stop, err := schedule.Start(spec, nil, m.log, m.Flush)
		if err != nil {
			return fmt.Errorf("flush schedule: %w", err)
		}
		m.scope.Add(stop)
		m.log.Info("flush schedule started", logx.String("schedule", spec.String()))
	}
	return nil
}

// Use registers p and calls its Init. Invalid or duplicate plugins are
// logged and rejected without touching the registry. A failed Init leaves the
// plugin unregistered. Use keeps working after Destroy: the registry is empty
// again, so a plugin may be registered afresh under a previous name.
func (m *Monitor) Use(p plugin.Plugin) error {
	name, ok := pluginName(p)
	if !ok {
		m.log.Warn("plugin rejected: missing name or nil")
		return ErrInvalidPlugin
	}

	m.mu.Lock()
	for _, e := range m.plugins {
		if e.name == name {
			m.mu.Unlock()
			m.log.Warn("plugin already registered", logx.String("plugin", name))
			return fmt.Errorf("%w: %s", ErrDuplicatePlugin, name)
		}
	}
	plog := m.log.With(logx.String("plugin", name))
	e := &entry{p: p, name: name, scope: scope.New(m.root, plog)}
	m.plugins = append(m.plugins, e)
	m.mu.Unlock()

	deps := plugin.Deps{Handle: m, Bus: m.bus, Logger: m.log, Scope: e.scope}
	if err := m.safeCall("plugin.init."+name, func() error { return p.Init(e.scope.Context(), deps) }); err != nil {
		m.log.Error("plugin init failed", logx.String("plugin", name), logx.Err(err))
		e.scope.Cancel()
		m.remove(e)
		return fmt.Errorf("init %s: %w", name, err)
	}
	m.log.Info("plugin registered", logx.String("plugin", name))
	return nil
}

func pluginName(p plugin.Plugin) (name string, ok bool) {
	if p == nil {
		return "", false
	}
	if v := reflect.ValueOf(p); v.Kind() == reflect.Pointer && v.IsNil() {
		return "", false
	}
	defer func() {
		if recover() != nil {
			name, ok = "", false
		}
	}()
	name = strings.TrimSpace(p.Name())
	return name, name != ""
}

func (m *Monitor) remove(target *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.plugins {
		if e == target {
			m.plugins = append(m.plugins[:i], m.plugins[i+1:]...)
			return
		}
	}
}

// ReportInfo builds a record from f plus the current environment descriptors
// and hands it to the sink, or caches it while offline.
func (m *Monitor) ReportInfo(level severity.Level, f plugin.Fields) {
	rec := sink.Record{
		Level:      level,
		Message:    f.Message,
		Category:   f.Category,
		PluginName: f.Plugin,
		Extra:      maps.Clone(f.Extra),
		Timestamp:  m.clock.Now(),
	}
	if m.env != nil {
		rec.Device = maps.Clone(m.env.Device())
		rec.Navigator = maps.Clone(m.env.Navigator())
	}

	m.mu.Lock()
	if !m.online {
		m.cache = append(m.cache, rec)
		n := len(m.cache)
		m.mu.Unlock()
		if n%cacheWarnEvery == 0 {
			m.log.Warn("connectivity cache growing while offline", logx.Int("entries", n))
		}
		return
	}
	m.order.Lock()
	m.mu.Unlock()
	defer m.order.Unlock()
	m.sink.Log(rec)
}

func (m *Monitor) Fingerprint() string { return m.sink.Fingerprint() }

// SetOnline applies a connectivity notification. Repeats of the current
// state are ignored.
//
// Going offline puts a transition record at the head of the cache. Coming
// back online folds it into a single "back online" record appended after
// everything cached, then flushes the cache to the sink in order.
func (m *Monitor) SetOnline(online bool) {
	now := m.clock.Now()

	m.mu.Lock()
	if m.destroyed || m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	if !online {
		m.offlineSince = now
		m.cache = append(m.cache, m.transitionRecord(now, false, 0))
		m.mu.Unlock()
		m.log.Info("went offline; caching reports")
		_ = m.bus.Emit(events.ConnectivityChange, false)
		return
	}

	cached := m.cache
	if len(cached) > 0 && isOfflineMarker(cached[0]) {
		cached = cached[1:]
	}
	pending := make([]sink.Record, 0, len(cached)+1)
	pending = append(pending, cached...)
	pending = append(pending, m.transitionRecord(now, true, len(cached)))
	m.cache = nil
	m.order.Lock()
	m.mu.Unlock()

	for _, r := range pending {
		m.sink.Log(r)
	}
	m.order.Unlock()

	m.log.Info("back online; flushed cache", logx.Int("records", len(pending)))
	_ = m.bus.Emit(events.ConnectivityChange, true)
}

const (
	extraTransition  = "transition"
	extraOfflineFrom = "offline_since"
	extraOfflineFor  = "offline_for_ms"
	extraCached      = "cached"
)

func (m *Monitor) transitionRecord(now time.Time, online bool, cached int) sink.Record {
	r := sink.Record{
		Level:     severity.Info,
		Category:  CategoryNetwork,
		Timestamp: now,
	}
	if m.env != nil {
		r.Device = m.env.Device()
		r.Navigator = m.env.Navigator()
	}
	if !online {
		r.Message = "network offline"
		r.Extra = map[string]any{extraTransition: "offline"}
		return r
	}
	r.Message = "network back online"
	r.Extra = map[string]any{extraTransition: "online", extraCached: cached}
	if !m.offlineSince.IsZero() {
		r.Extra[extraOfflineFrom] = m.offlineSince.UTC().Format(time.RFC3339Nano)
		r.Extra[extraOfflineFor] = now.Sub(m.offlineSince).Milliseconds()
	}
	return r
}

func isOfflineMarker(r sink.Record) bool {
	return r.Category == CategoryNetwork && r.Extra[extraTransition] == "offline"
}

// ReportCacheLog hands every cached record to the sink in arrival order and
// clears the cache.
func (m *Monitor) ReportCacheLog() {
	m.mu.Lock()
	pending := m.cache
	m.cache = nil
	if len(pending) == 0 {
		m.mu.Unlock()
		return
	}
	m.order.Lock()
	m.mu.Unlock()
	defer m.order.Unlock()
	for _, r := range pending {
		m.sink.Log(r)
	}
}

// Flush is the hide/unload path: notify plugins, then drain the sink's
// buffers and the connectivity cache.
func (m *Monitor) Flush() {
	_ = m.bus.Emit(events.BeforeFlush)
	m.sink.ReportRestInfo()
	m.ReportCacheLog()
}

// Destroy detaches the monitor's own subscriptions, then tears down every
// plugin in registration order. A failing plugin does not stop the others.
// Calling Destroy again only tears down plugins registered since the last
// call, so with none it is a no-op.
func (m *Monitor) Destroy(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	first := !m.destroyed
	m.destroyed = true
	plugins := m.plugins
	m.plugins = nil
	m.mu.Unlock()

	if first {
		m.scope.Cancel()
	} else if len(plugins) == 0 {
		return
	}

	for _, e := range plugins {
		e.scope.Cancel()
		d, ok := e.p.(plugin.Destroyer)
		if !ok {
			continue
		}
		if err := m.safeCall("plugin.destroy."+e.name, func() error { return d.Destroy(ctx) }); err != nil {
			m.log.Error("plugin destroy failed", logx.String("plugin", e.name), logx.Err(err))
		}
	}

	m.log.Info("monitor destroyed", logx.Int("plugins", len(plugins)))
}

// ApplyPluginConfig hands each configurable plugin its raw config block when
// the block changed since the last successful apply.
func (m *Monitor) ApplyPluginConfig(ctx context.Context, raw map[string]json.RawMessage) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	plugins := append([]*entry(nil), m.plugins...)
	m.mu.Unlock()

	const callTimeout = 10 * time.Second
	for _, e := range plugins {
		cp, ok := e.p.(plugin.ConfigurablePlugin)
		if !ok {
			continue
		}
		block := raw[e.name]
		h := plugin.ConfigHash(block)

		m.mu.Lock()
		unchanged := h == e.cfgHash
		m.mu.Unlock()
		if unchanged {
			m.log.Debug("plugin config unchanged; skipping", logx.String("plugin", e.name))
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		err := m.safeCall("plugin.config."+e.name, func() error { return cp.OnConfigChange(cctx, block) })
		cancel()
		if err != nil {
			m.log.Error("plugin config apply failed", logx.String("plugin", e.name), logx.Err(err))
			continue
		}
		m.mu.Lock()
		e.cfgHash = h
		m.mu.Unlock()
		m.log.Debug("plugin config applied", logx.String("plugin", e.name))
	}
}

// Plugins returns registered plugin names in registration order.
func (m *Monitor) Plugins() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.plugins))
	for i, e := range m.plugins {
		out[i] = e.name
	}
	return out
}

// ActiveListeners counts subscriptions still held by the monitor's own scope.
func (m *Monitor) ActiveListeners() int { return m.scope.Active() }

func (m *Monitor) CacheLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}
