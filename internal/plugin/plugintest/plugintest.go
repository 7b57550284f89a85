// Package plugintest provides a recording Handle and ready-made Deps for
// plugin tests.
package plugintest

import (
	"context"
	"sync"
	"testing"
	"time"

	"beacon/internal/events"
	"beacon/internal/plugin"
	"beacon/internal/scope"
	"beacon/internal/severity"
	logx "beacon/pkg/logx"
)

type Report struct {
	Level  severity.Level
	Fields plugin.Fields
}

// Recorder is a plugin.Handle that keeps every report.
type Recorder struct {
	mu          sync.Mutex
	reports     []Report
	fingerprint string
	notify      chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{fingerprint: "fp-test", notify: make(chan struct{}, 256)}
}

func (r *Recorder) ReportInfo(level severity.Level, f plugin.Fields) {
	r.mu.Lock()
	r.reports = append(r.reports, Report{Level: level, Fields: f})
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Recorder) Fingerprint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fingerprint
}

// SetFingerprint lets the recorder stand in for the sink's identity setter.
func (r *Recorder) SetFingerprint(id string) {
	r.mu.Lock()
	r.fingerprint = id
	r.mu.Unlock()
}

func (r *Recorder) Reports() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.reports...)
}

// WaitFor blocks until at least n reports arrived.
func (r *Recorder) WaitFor(t testing.TB, n int) []Report {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if got := r.Reports(); len(got) >= n {
			return got
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("got %d reports, want %d", len(r.Reports()), n)
		}
	}
}

// Env is a bus, scope and recorder wired together.
type Env struct {
	Bus      *events.Bus
	Scope    *scope.Scope
	Recorder *Recorder
}

// New returns an Env whose scope is cancelled at test cleanup.
func New(t testing.TB) *Env {
	t.Helper()
	e := &Env{
		Bus:      events.NewBus(logx.Nop()),
		Scope:    scope.New(context.Background(), logx.Nop()),
		Recorder: NewRecorder(),
	}
	t.Cleanup(e.Scope.Cancel)
	return e
}

func (e *Env) Deps() plugin.Deps {
	return plugin.Deps{Handle: e.Recorder, Bus: e.Bus, Logger: logx.Nop(), Scope: e.Scope}
}

// Init calls p.Init with the env's deps and fails the test on error.
func (e *Env) Init(t testing.TB, p plugin.Plugin) {
	t.Helper()
	if err := p.Init(e.Scope.Context(), e.Deps()); err != nil {
		t.Fatalf("Init %s: %v", p.Name(), err)
	}
}
