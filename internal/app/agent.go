package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	logx "beacon/pkg/logx"
)

const visitBodyLimit = 1 << 20

// agentLoop visits every configured target once per interval. Targets and
// interval are re-read each cycle so reloads apply without a restart.
func (a *App) agentLoop(ctx context.Context) {
	for {
		cfg := a.cfgm.Get()
		interval, err := cfg.AgentInterval()
		if err != nil {
			interval = 30 * time.Second
		}
		if len(cfg.Agent.Targets) > 0 {
			a.runCycle(ctx, cfg.Agent.Targets)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (a *App) runCycle(ctx context.Context, targets []string) {
	start := time.Now()
	failed := 0
	for _, target := range targets {
		if ctx.Err() != nil {
			return
		}
		if err := a.guard("visit", func() error { return a.navigate(ctx, target) }); err != nil {
			failed++
		}
	}

	if p := a.plugins.analytics; p != nil {
		_ = p.Track("agent.cycle", map[string]any{
			"targets":     len(targets),
			"failed":      failed,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
	a.log.Debug("agent cycle done",
		logx.Int("targets", len(targets)),
		logx.Int("failed", failed),
		logx.Duration("took", time.Since(start)),
	)
}

// guard runs fn under the crash plugin when it is enabled.
func (a *App) guard(name string, fn func() error) error {
	if p := a.plugins.crash; p != nil {
		return p.Guard(name, fn)
	}
	return fn()
}

// navigate goes through the route plugin when enabled, so the visit is
// announced on the bus and the per-navigation plugins re-arm.
func (a *App) navigate(ctx context.Context, target string) error {
	if p := a.plugins.route; p != nil {
		if err := p.Navigate(ctx, target); err != nil {
			return err
		}
	} else if err := a.visit(ctx, target); err != nil {
		return err
	}
	if p := a.plugins.perf; p != nil {
		p.Mark("loaded")
	}
	return nil
}

// visit fetches target through the (possibly traced) client and writes a
// one-line summary to the output.
func (a *App) visit(ctx context.Context, target string) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		fmt.Fprintf(a.out, "error: visit %s: %v\n", target, err)
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		fmt.Fprintf(a.out, "error: visit %s: %v\n", target, err)
		return err
	}
	n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, visitBodyLimit))
	_ = resp.Body.Close()

	took := time.Since(start).Round(time.Millisecond)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		fmt.Fprintf(a.out, "error: visit %s: status %d in %s\n", target, resp.StatusCode, took)
	case resp.StatusCode >= http.StatusBadRequest:
		fmt.Fprintf(a.out, "warn: visit %s: status %d in %s\n", target, resp.StatusCode, took)
	default:
		fmt.Fprintf(a.out, "[info] visited %s status=%d bytes=%d in %s\n", target, resp.StatusCode, n, took)
	}
	return nil
}
