package connectivity

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"beacon/internal/runtime/supervisor"
	logx "beacon/pkg/logx"
)

type ProberConfig struct {
	URL           string
	Interval      time.Duration
	Timeout       time.Duration
	FailThreshold int
}

// Prober polls a URL with HEAD requests. It flips to offline after
// FailThreshold consecutive failures and back online on the first success.
// Any HTTP response counts as reachable.
type Prober struct {
	cfg    ProberConfig
	client *http.Client
	log    logx.Logger
	subs   subscribers

	mu       sync.Mutex
	online   bool
	failures int
	sup      *supervisor.Supervisor
}

func NewProber(cfg ProberConfig, client *http.Client, log logx.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 2
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Prober{
		cfg:    cfg,
		client: client,
		log:    log.With(logx.String("component", "connectivity")),
		online: true,
	}
}

func (p *Prober) Subscribe(fn func(bool)) func() { return p.subs.add(fn) }

func (p *Prober) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Start polls until Stop or ctx cancellation. Calling Start twice is a no-op.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil || strings.TrimSpace(p.cfg.URL) == "" {
		return
	}
	p.sup = supervisor.New(ctx, supervisor.WithLogger(p.log))
	p.sup.Go0("connectivity.probe", p.loop)
}

func (p *Prober) Stop(ctx context.Context) error {
	p.mu.Lock()
	sup := p.sup
	p.sup = nil
	p.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (p *Prober) loop(ctx context.Context) {
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	for {
		p.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Check runs one probe and applies the result.
func (p *Prober) Check(ctx context.Context) {
	ok := p.probe(ctx)
	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	changed := false
	if ok {
		p.failures = 0
		if !p.online {
			p.online, changed = true, true
		}
	} else {
		p.failures++
		if p.online && p.failures >= p.cfg.FailThreshold {
			p.online, changed = false, true
		}
	}
	online := p.online
	p.mu.Unlock()

	if changed {
		p.log.Info("connectivity changed", logx.Bool("online", online))
		p.subs.notify(online)
	}
}

func (p *Prober) probe(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodHead, p.cfg.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug("probe failed", logx.Err(err))
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return true
}
