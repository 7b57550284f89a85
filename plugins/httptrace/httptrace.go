// Package httptrace reports outgoing HTTP calls made through a decorated
// http.RoundTripper.
package httptrace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"beacon/internal/clock"
	"beacon/internal/plugin"
	"beacon/internal/severity"
)

const Category = "http"

type Config struct {
	// ErrorsOnly suppresses the INFO timing record for successful calls.
	ErrorsOnly bool `json:"errors_only"`
	// SlowMS upgrades successful calls slower than this to WARN. 0 disables.
	SlowMS int64 `json:"slow_ms"`
	// IgnoreHosts are never reported (the ingest endpoint belongs here).
	IgnoreHosts []string `json:"ignore_hosts"`
}

type Plugin struct {
	plugin.Base

	clock clock.Clock

	mu  sync.RWMutex
	cfg Config
}

func New() *Plugin { return &Plugin{clock: clock.Real()} }

func (p *Plugin) Name() string { return "httptrace" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	return nil
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodeConfig[Config](raw)
	if err != nil {
		return err
	}
	for i, h := range c.IgnoreHosts {
		c.IgnoreHosts[i] = strings.ToLower(strings.TrimSpace(h))
	}
	p.mu.Lock()
	p.cfg = c
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Destroy(ctx context.Context) error { return p.DestroyBase(ctx) }

func (p *Plugin) config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Wrap returns a RoundTripper that reports every call made through next.
// A nil next uses http.DefaultTransport.
func (p *Plugin) Wrap(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &transport{p: p, next: next}
}

type transport struct {
	p    *Plugin
	next http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := t.p.clock.Now()
	resp, err := t.next.RoundTrip(req)
	t.p.observe(req, resp, err, t.p.clock.Now().Sub(start))
	return resp, err
}

func (p *Plugin) observe(req *http.Request, resp *http.Response, err error, elapsed time.Duration) {
	cfg := p.config()
	if slices.Contains(cfg.IgnoreHosts, strings.ToLower(req.URL.Hostname())) {
		return
	}

	extra := map[string]any{
		"method":      req.Method,
		"url":         redact(req),
		"duration_ms": elapsed.Milliseconds(),
	}
	f := plugin.Fields{Category: Category, Extra: extra}

	switch {
	case err != nil:
		extra["error"] = err.Error()
		f.Message = fmt.Sprintf("%s %s failed", req.Method, req.URL.Path)
		p.Report(severity.Error, f)
	case resp.StatusCode >= http.StatusBadRequest:
		extra["status"] = resp.StatusCode
		f.Message = fmt.Sprintf("%s %s returned %d", req.Method, req.URL.Path, resp.StatusCode)
		p.Report(severity.Error, f)
	default:
		extra["status"] = resp.StatusCode
		f.Message = fmt.Sprintf("%s %s", req.Method, req.URL.Path)
		if cfg.SlowMS > 0 && elapsed.Milliseconds() >= cfg.SlowMS {
			f.Message += " slow"
			p.Report(severity.Warn, f)
			return
		}
		if !cfg.ErrorsOnly {
			p.Report(severity.Info, f)
		}
	}
}

// redact drops the query string and credentials.
func redact(req *http.Request) string {
	u := *req.URL
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
