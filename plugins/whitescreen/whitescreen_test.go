package whitescreen

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"beacon/internal/clock"
	"beacon/internal/events"
	"beacon/internal/plugin/plugintest"
	"beacon/internal/severity"
)

func TestBlankPageReportedAfterTimeout(t *testing.T) {
	env := plugintest.New(t)
	fc := clock.Fake(time.Unix(0, 0))
	var checks atomic.Int32
	p := New(ProbeFunc(func(context.Context, string) (bool, error) {
		checks.Add(1)
		return false, errors.New("empty body")
	}), WithClock(fc))
	env.Init(t, p)
	if err := p.OnConfigChange(context.Background(), json.RawMessage(`{"interval_ms":250,"timeout_ms":1000}`)); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}

	_ = env.Bus.Emit(events.RouteChange, events.Route{To: "/blank"})
	for range 4 {
		fc.BlockUntilWaiters(1)
		fc.Advance(250 * time.Millisecond)
	}

	got := env.Recorder.WaitFor(t, 1)
	r := got[0]
	if r.Level != severity.Error || r.Fields.Category != Category {
		t.Fatalf("report = %+v", r)
	}
	if r.Fields.Extra["route"] != "/blank" || r.Fields.Extra["waited_ms"] != int64(1000) || r.Fields.Extra["error"] != "empty body" {
		t.Fatalf("extra = %v", r.Fields.Extra)
	}
	if n := checks.Load(); n != 5 {
		t.Fatalf("checks = %d, want 5", n)
	}
}

func TestRenderedPageIsQuiet(t *testing.T) {
	env := plugintest.New(t)
	fc := clock.Fake(time.Unix(0, 0))
	var checks atomic.Int32
	done := make(chan struct{})
	p := New(ProbeFunc(func(context.Context, string) (bool, error) {
		if checks.Add(1) == 2 {
			close(done)
			return true, nil
		}
		return false, nil
	}), WithClock(fc))
	env.Init(t, p)

	_ = env.Bus.Emit(events.RouteChange, events.Route{To: "/ok"})
	fc.BlockUntilWaiters(1)
	fc.Advance(defaultInterval)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("probe not retried")
	}
	if err := p.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if n := len(env.Recorder.Reports()); n != 0 {
		t.Fatalf("rendered page reported: %d", n)
	}
}

func TestNoProbeDisablesPlugin(t *testing.T) {
	env := plugintest.New(t)
	p := New(nil)
	env.Init(t, p)
	if n := env.Bus.ListenerCount(events.RouteChange); n != 0 {
		t.Fatalf("listeners = %d", n)
	}
}
