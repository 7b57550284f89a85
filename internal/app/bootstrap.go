package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strings"

	"beacon/internal/config"
	"beacon/internal/plugin"
	logx "beacon/pkg/logx"
	"beacon/plugins/analytics"
	"beacon/plugins/console"
	"beacon/plugins/crash"
	"beacon/plugins/httptrace"
	"beacon/plugins/perf"
	"beacon/plugins/route"
	"beacon/plugins/system"
	"beacon/plugins/units"
	"beacon/plugins/whitescreen"
)

// pluginOrder is registration order, which is also teardown order.
var pluginOrder = []string{
	"crash", "route", "httptrace", "perf", "whitescreen", "console", "analytics", "system", "units",
}

// pluginSet holds the concrete plugins the agent drives directly. A field
// is nil when the plugin is not enabled.
type pluginSet struct {
	crash       *crash.Plugin
	route       *route.Plugin
	httptrace   *httptrace.Plugin
	perf        *perf.Plugin
	whitescreen *whitescreen.Plugin
	console     *console.Plugin
	analytics   *analytics.Plugin
	system      *system.Plugin
	units       *units.Plugin
}

func (s *pluginSet) byName(name string) plugin.Plugin {
	switch name {
	case "crash":
		return nilable(s.crash)
	case "route":
		return nilable(s.route)
	case "httptrace":
		return nilable(s.httptrace)
	case "perf":
		return nilable(s.perf)
	case "whitescreen":
		return nilable(s.whitescreen)
	case "console":
		return nilable(s.console)
	case "analytics":
		return nilable(s.analytics)
	case "system":
		return nilable(s.system)
	case "units":
		return nilable(s.units)
	}
	return nil
}

// nilable keeps a typed nil from turning into a non-nil interface.
func nilable[P interface {
	plugin.Plugin
	comparable
}](p P) plugin.Plugin {
	var zero P
	if p == zero {
		return nil
	}
	return p
}

// buildPlugins constructs every enabled plugin and hooks the ones that
// decorate app-owned values (the HTTP client and the visit output).
func (a *App) buildPlugins(cfg *config.Config) *pluginSet {
	enabled := cfg.EnabledPlugins()
	s := &pluginSet{}
	for name := range enabled {
		switch name {
		case "crash":
			s.crash = crash.New()
		case "route":
			s.route = route.New(route.NavigatorFunc(a.visit))
		case "httptrace":
			s.httptrace = httptrace.New()
		case "perf":
			s.perf = perf.New()
		case "whitescreen":
			s.whitescreen = whitescreen.New(whitescreen.ProbeFunc(a.probeRendered))
		case "console":
			s.console = console.New()
		case "analytics":
			s.analytics = analytics.New(a.sink)
		case "system":
			s.system = system.New()
		case "units":
			s.units = units.New(units.NewDBusReader)
		default:
			a.log.Warn("unknown plugin in config; ignoring", logx.String("plugin", name))
		}
	}

	if s.httptrace != nil {
		a.client.Transport = s.httptrace.Wrap(a.base)
	}
	if s.console != nil {
		a.out = s.console.Wrap(a.out, "stdout")
	}
	return s
}

// registerPlugins hands the built plugins to the monitor in pluginOrder.
// A plugin whose Init fails is logged by the monitor and left out.
func (a *App) registerPlugins() {
	for _, name := range pluginOrder {
		p := a.plugins.byName(name)
		if p == nil {
			continue
		}
		if err := a.mon.Use(p); err != nil {
			a.log.Warn("plugin not registered", logx.String("plugin", name), logx.Err(err))
			continue
		}
		a.started[name] = true
	}
}

// pluginConfigs returns the raw config block of every plugin. httptrace
// always ignores the ingest and probe hosts so telemetry traffic is never
// reported as telemetry.
func (a *App) pluginConfigs(cfg *config.Config) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(cfg.Plugins))
	for name, pc := range cfg.Plugins {
		out[name] = pc.Config
	}

	var hosts []string
	if cfg.Upload != nil {
		hosts = append(hosts, hostOf(cfg.Upload.Endpoint))
	}
	hosts = append(hosts, hostOf(cfg.Connectivity.ProbeURL))
	if raw, err := withIgnoredHosts(out["httptrace"], hosts); err != nil {
		a.log.Warn("httptrace config not extended", logx.Err(err))
	} else {
		out["httptrace"] = raw
	}
	return out
}

func withIgnoredHosts(raw json.RawMessage, hosts []string) (json.RawMessage, error) {
	m := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return raw, err
		}
	}
	var list []any
	if v, ok := m["ignore_hosts"].([]any); ok {
		list = v
	}
	for _, h := range hosts {
		if h != "" && !slices.Contains(list, any(h)) {
			list = append(list, h)
		}
	}
	if len(list) == 0 {
		return raw, nil
	}
	m["ignore_hosts"] = list
	return json.Marshal(m)
}

// probeRendered is the white-screen probe: a page counts as rendered when it
// answers below 400 with a non-blank body.
func (a *App) probeRendered(ctx context.Context, target string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	resp, err := (&http.Client{Transport: a.base}).Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return false, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(body)) != "", nil
}
