// Package app wires the telemetry stack for the host agent: config, logging,
// journal storage, uploader, sink, monitor and the instrumentation plugins.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"beacon/internal/config"
	"beacon/internal/connectivity"
	"beacon/internal/environ"
	"beacon/internal/lifecycle"
	"beacon/internal/monitor"
	"beacon/internal/observability/debugsrv"
	"beacon/internal/runtime/supervisor"
	"beacon/internal/severity"
	"beacon/internal/sink"
	"beacon/internal/storage"
	"beacon/internal/upload"
	logx "beacon/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	up      *upload.Uploader
	sink    *sink.Sink
	mon     *monitor.Monitor
	manual  *connectivity.Manual
	prober  *connectivity.Prober
	plugins *pluginSet
	dbg     *debugsrv.Server

	// base is the untraced transport; client goes through httptrace when
	// that plugin is enabled.
	base   http.RoundTripper
	client *http.Client
	out    io.Writer

	// started is the set of plugins registered at startup. Plugins cannot be
	// added or removed without a restart.
	started map[string]bool
}

type Option func(*App)

// WithOutput replaces stdout as the destination of visit summaries.
func WithOutput(w io.Writer) Option {
	return func(a *App) {
		if w != nil {
			a.out = w
		}
	}
}

// WithTransport replaces the HTTP transport used for visits and probes.
func WithTransport(rt http.RoundTripper) Option {
	return func(a *App) {
		if rt != nil {
			a.base = rt
		}
	}
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.NewService(cfg.LogConfig())
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		base:    http.DefaultTransport,
		out:     os.Stdout,
		started: map[string]bool{},
	}
	for _, o := range opts {
		o(a)
	}

	// Storage (optional)
	sc, err := cfg.StorageOptions()
	if err != nil {
		return nil, a.abort(err)
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, a.abort(err)
	}
	if st != nil {
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	uc, err := cfg.UploadOptions()
	if err != nil {
		return nil, a.abort(err)
	}
	// The uploader talks to the ingest endpoint directly; tracing it would
	// report every upload as a new record.
	a.up = upload.New(uc, &http.Client{Transport: a.base}, log, a.store)

	so, err := cfg.SinkOptions()
	if err != nil {
		return nil, a.abort(err)
	}
	so.Delivery = sink.DeliveryFunc(a.deliver)
	a.sink = sink.New(log, sink.WithJournal(a.store))
	a.sink.Init(so)

	monOpts := []monitor.Option{
		monitor.WithLogger(log),
		monitor.WithEnvironment(environ.Runtime{UserAgent: cfg.Agent.UserAgent}),
		monitor.WithFlushSchedule(cfg.Flush.Schedule),
	}
	switch cfg.ConnectivityMode() {
	case config.ConnectivityProbe:
		pc, err := cfg.ProberConfig()
		if err != nil {
			return nil, a.abort(err)
		}
		a.prober = connectivity.NewProber(pc, &http.Client{Transport: a.base}, log)
		monOpts = append(monOpts, monitor.WithConnectivity(a.prober))
	default:
		a.manual = connectivity.NewManual(true)
		monOpts = append(monOpts, monitor.WithConnectivity(a.manual))
	}
	if cfg.FlushOnSignals() {
		monOpts = append(monOpts, monitor.WithLifecycle(lifecycle.NewOSSignals(log)))
	}
	a.mon = monitor.New(a.sink, monOpts...)

	a.client = &http.Client{Transport: a.base, Timeout: 15 * time.Second}
	a.plugins = a.buildPlugins(cfg)
	a.dbg = debugsrv.New(debugsrv.Config{}, a.telemetryState, log)

	return a, nil
}

// abort releases what New already opened.
func (a *App) abort(err error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) Monitor() *monitor.Monitor { return a.mon }

func (a *App) Sink() *sink.Sink { return a.sink }

// SetOnline drives connectivity in manual mode. It is a no-op when a prober
// owns connectivity.
func (a *App) SetOnline(online bool) {
	if a.manual != nil {
		a.manual.Set(online)
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// deliver forwards payloads to the uploader, or logs them when uploads are
// disabled so records are never lost silently.
func (a *App) deliver(ctx context.Context, p sink.Payload) error {
	if a.up.Enabled() {
		return a.up.Deliver(ctx, p)
	}
	for _, r := range p.Records {
		fields := []logx.Field{
			logx.String("severity", r.Level.String()),
			logx.String("category", r.Category),
			logx.String("plugin", r.PluginName),
			logx.Bool("batch", p.Batch),
			logx.Any("extra", r.Extra),
		}
		switch {
		case r.Level <= severity.Error:
			a.log.Error(r.Message, fields...)
		case r.Level == severity.Warn:
			a.log.Warn(r.Message, fields...)
		default:
			a.log.Info(r.Message, fields...)
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	cfg := a.cfgm.Get()
	if err := a.mon.Start(a.sup.Context()); err != nil {
		return err
	}
	a.up.Start(a.sup.Context())
	if a.prober != nil {
		a.prober.Start(a.sup.Context())
	}
	a.registerPlugins()
	a.mon.ApplyPluginConfig(a.sup.Context(), a.pluginConfigs(cfg))
	a.dbg.Reconfigure(a.sup.Context(), cfg.DebugOptions())

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("agent", a.agentLoop)

	a.log.Info("app started",
		logx.Any("plugins", a.mon.Plugins()),
		logx.String("connectivity", cfg.ConnectivityMode()),
		logx.Bool("upload", a.up.Enabled()),
	)
	return nil
}

// validate runs after Config.Validate on every reload, before commit.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := cfg.SinkOptions(); err != nil {
		return err
	}
	if _, err := cfg.UploadOptions(); err != nil {
		return err
	}
	if _, err := cfg.AgentInterval(); err != nil {
		return err
	}
	if cfg.ConnectivityMode() == config.ConnectivityProbe {
		if _, err := cfg.ProberConfig(); err != nil {
			return err
		}
	}
	return nil
}

// logEvents mirrors the bus at debug level.
func (a *App) logEvents(c context.Context) {
	tap, unsub := a.mon.Bus().Tap(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-tap:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("name", string(e.Name)), logx.Int("args", len(e.Args)), logx.Time("time", e.Time))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Flush before anything is cancelled so buffered records still reach the
	// uploader queue.
	a.mon.Flush()
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; a late finish is logged as a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("monitor", 4*time.Second, func(c context.Context) error { a.mon.Destroy(c); return nil })
	// Plugins may report while tearing down; drain that before the sink is
	// destroyed and the uploader stops taking payloads.
	step("sink", 1*time.Second, func(context.Context) error {
		a.sink.ReportRestInfo()
		a.sink.Destroy()
		return nil
	})
	step("debug", 1*time.Second, func(c context.Context) error { a.dbg.Stop(c); return nil })
	step("prober", 1*time.Second, func(c context.Context) error {
		if a.prober != nil {
			return a.prober.Stop(c)
		}
		return nil
	})
	step("uploader", 5*time.Second, func(c context.Context) error { a.up.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, agent loop).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	st := a.up.Stats()
	a.log.Info("stopped",
		logx.Uint64("sent", st.Sent),
		logx.Uint64("failed", st.Failed),
		logx.Uint64("dropped", st.Dropped),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
