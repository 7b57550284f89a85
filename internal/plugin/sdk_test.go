package plugin

import (
	"context"
	"encoding/json"
	"testing"

	"beacon/internal/events"
	"beacon/internal/scope"
	"beacon/internal/severity"
	logx "beacon/pkg/logx"
)

type handle struct {
	got []Fields
}

func (h *handle) ReportInfo(_ severity.Level, f Fields) { h.got = append(h.got, f) }
func (h *handle) Fingerprint() string                   { return "fp" }

func TestBaseReportTagsPlugin(t *testing.T) {
	h := &handle{}
	var b Base
	b.InitBase(Deps{Handle: h}, "perf")
	b.Report(severity.Info, Fields{Message: "m"})
	b.Report(severity.Info, Fields{Message: "m", Plugin: "other"})
	if h.got[0].Plugin != "perf" || h.got[1].Plugin != "other" {
		t.Fatalf("plugin tags = %q, %q", h.got[0].Plugin, h.got[1].Plugin)
	}
}

func TestBaseOnDetachesWithScope(t *testing.T) {
	bus := events.NewBus(logx.Nop())
	sc := scope.New(context.Background(), logx.Nop())
	var b Base
	b.InitBase(Deps{Bus: bus, Scope: sc}, "route")

	calls := 0
	if err := b.On(events.RouteChange, events.Func(func(events.Event) error { calls++; return nil })); err != nil {
		t.Fatalf("On: %v", err)
	}
	_ = b.Emit(events.RouteChange, events.Route{To: "/a"})

	if err := b.DestroyBase(context.Background()); err != nil {
		t.Fatalf("DestroyBase: %v", err)
	}
	_ = bus.Emit(events.RouteChange, events.Route{To: "/b"})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if bus.ListenerCount(events.RouteChange) != 0 {
		t.Fatal("listener survived scope cancellation")
	}
}

func TestBaseWithoutDeps(t *testing.T) {
	var b Base
	b.InitBase(Deps{}, "x")
	if err := b.On(events.BeforeFlush, events.Func(func(events.Event) error { return nil })); err != ErrNotInitialized {
		t.Fatalf("On without bus = %v", err)
	}
	b.Report(severity.Error, Fields{}) // no handle: no-op
	if b.Context() == nil {
		t.Fatal("Context must never be nil")
	}
}

func TestDecodeConfig(t *testing.T) {
	type cfg struct {
		Threshold int `json:"threshold"`
	}
	got, err := DecodeConfig[cfg](json.RawMessage(`{"threshold":5}`))
	if err != nil || got.Threshold != 5 {
		t.Fatalf("DecodeConfig = %+v, %v", got, err)
	}
	if got, err := DecodeConfig[cfg](nil); err != nil || got.Threshold != 0 {
		t.Fatalf("empty DecodeConfig = %+v, %v", got, err)
	}
}

func TestConfigHashCanonical(t *testing.T) {
	a := ConfigHash(json.RawMessage(`{"a":1,"b":2}`))
	b := ConfigHash(json.RawMessage("{ \"b\": 2,\n \"a\": 1 }"))
	if a != b || a == 0 {
		t.Fatalf("hashes differ: %d vs %d", a, b)
	}
	if ConfigHash(nil) != 0 {
		t.Fatal("empty config should hash to 0")
	}
}
