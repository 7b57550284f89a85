package units

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"beacon/internal/clock"
	"beacon/internal/plugin/plugintest"
	"beacon/internal/severity"
)

type fakeReader struct {
	mu     sync.Mutex
	states map[string]State
	reads  chan struct{}
	closed bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{states: map[string]State{}, reads: make(chan struct{}, 16)}
}

func (f *fakeReader) set(name string, s State) {
	f.mu.Lock()
	f.states[name] = s
	f.mu.Unlock()
}

func (f *fakeReader) States(_ context.Context, names []string) (map[string]State, error) {
	f.mu.Lock()
	out := map[string]State{}
	for _, n := range names {
		if s, ok := f.states[n]; ok {
			out[n] = s
		} else {
			out[n] = State{Active: "inactive", Sub: "dead", Load: "not-found"}
		}
	}
	f.mu.Unlock()
	f.reads <- struct{}{}
	return out, nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeReader) waitRead(t *testing.T) {
	t.Helper()
	select {
	case <-f.reads:
	case <-time.After(3 * time.Second):
		t.Fatal("no poll happened")
	}
}

func TestNormalize(t *testing.T) {
	got := normalize([]string{" nginx ", "", "cron.timer", "nginx.service"})
	if !slices.Equal(got, []string{"nginx.service", "cron.timer"}) {
		t.Fatalf("normalize = %v", got)
	}
}

func TestClassify(t *testing.T) {
	active := State{Active: "active", Sub: "running", Load: "loaded"}
	failed := State{Active: "failed", Sub: "failed", Load: "loaded"}
	inactive := State{Active: "inactive", Sub: "dead", Load: "loaded"}
	missing := State{Active: "inactive", Sub: "dead", Load: "not-found"}

	tests := []struct {
		name      string
		prev, cur State
		seen      bool
		want      severity.Level
		report    bool
	}{
		{"first seen active", State{}, active, false, 0, false},
		{"first seen failed", State{}, failed, false, severity.Error, true},
		{"first seen missing", State{}, missing, false, severity.Warn, true},
		{"still missing", missing, missing, true, 0, false},
		{"active to failed", active, failed, true, severity.Error, true},
		{"failed to active", failed, active, true, severity.Info, true},
		{"active to inactive", active, inactive, true, severity.Warn, true},
		{"active to activating", active, State{Active: "activating"}, true, 0, false},
		{"inactive to active", inactive, active, true, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lvl, _, report := classify(tt.prev, tt.cur, tt.seen)
			if report != tt.report || (report && lvl != tt.want) {
				t.Fatalf("classify = %v %v, want %v %v", lvl, report, tt.want, tt.report)
			}
		})
	}
}

func TestPollReportsTransitions(t *testing.T) {
	env := plugintest.New(t)
	fc := clock.Fake(time.Unix(0, 0))
	r := newFakeReader()
	r.set("web.service", State{Active: "active", Sub: "running", Load: "loaded"})

	p := New(func(context.Context) (Reader, error) { return r, nil }, WithClock(fc))
	p.cfg = Config{Units: []string{"web.service"}, IntervalMS: 1000}
	env.Init(t, p)
	r.waitRead(t) // baseline, nothing reported

	r.set("web.service", State{Active: "failed", Sub: "failed", Load: "loaded"})
	fc.BlockUntilWaiters(1)
	fc.Advance(time.Second)
	r.waitRead(t)

	r.set("web.service", State{Active: "active", Sub: "running", Load: "loaded"})
	fc.BlockUntilWaiters(1)
	fc.Advance(time.Second)
	r.waitRead(t)

	got := env.Recorder.WaitFor(t, 2)
	if len(got) != 2 {
		t.Fatalf("reports = %+v", got)
	}
	if got[0].Level != severity.Error || got[0].Fields.Message != "web.service failed" {
		t.Fatalf("first = %+v", got[0])
	}
	if got[1].Level != severity.Info || got[1].Fields.Extra["from"] != "failed" {
		t.Fatalf("second = %+v", got[1])
	}

	if err := p.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !r.closed {
		t.Fatal("reader not closed")
	}
}

func TestOnConfigChangeNormalizesAndWakes(t *testing.T) {
	p := New(nil)
	p.prev["old.service"] = State{Active: "active"}
	if err := p.OnConfigChange(context.Background(), json.RawMessage(`{"units":["web","web.service"],"interval_ms":50}`)); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}
	if !slices.Equal(p.cfg.Units, []string{"web.service"}) || p.cfg.interval() != 50*time.Millisecond {
		t.Fatalf("cfg = %+v", p.cfg)
	}
	if _, ok := p.prev["old.service"]; ok {
		t.Fatal("state of dropped unit kept")
	}
	select {
	case <-p.wake:
	default:
		t.Fatal("poll loop not woken")
	}
	if err := p.OnConfigChange(context.Background(), json.RawMessage(`{"units":7}`)); err == nil {
		t.Fatal("expected decode error")
	}
}
