package crash

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"beacon/internal/plugin/plugintest"
	"beacon/internal/severity"
)

func TestGuard(t *testing.T) {
	env := plugintest.New(t)
	p := New()
	env.Init(t, p)

	if err := p.Guard("ok", func() error { return nil }); err != nil {
		t.Fatalf("Guard ok = %v", err)
	}
	plain := errors.New("plain")
	if err := p.Guard("err", func() error { return plain }); err != plain {
		t.Fatalf("Guard err = %v", err)
	}
	err := p.Guard("checkout", func() error { panic("nil cart") })
	if err == nil || !strings.Contains(err.Error(), "nil cart") {
		t.Fatalf("Guard panic = %v", err)
	}

	got := env.Recorder.Reports()
	if len(got) != 1 {
		t.Fatalf("reports = %d, want 1", len(got))
	}
	r := got[0]
	if r.Level != severity.Error || r.Fields.Message != "panic: nil cart" || r.Fields.Extra["where"] != "checkout" {
		t.Fatalf("report = %+v", r)
	}
	if s, _ := r.Fields.Extra["stack"].(string); !strings.Contains(s, "goroutine") {
		t.Fatalf("stack missing: %q", s)
	}
}

func TestRecover(t *testing.T) {
	env := plugintest.New(t)
	p := New()
	env.Init(t, p)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer p.Recover()
		panic(errors.New("worker died"))
	}()
	<-done

	got := env.Recorder.Reports()
	if len(got) != 1 || got[0].Fields.Extra["error_type"] != "*errors.errorString" {
		t.Fatalf("reports = %+v", got)
	}
}

func TestRateLimitAndStackTruncation(t *testing.T) {
	env := plugintest.New(t)
	p := New()
	env.Init(t, p)
	if err := p.OnConfigChange(context.Background(), json.RawMessage(`{"per_minute":2,"stack_bytes":16}`)); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}

	for range 5 {
		_ = p.Guard("loop", func() error { panic("again") })
	}
	got := env.Recorder.Reports()
	if len(got) != 2 {
		t.Fatalf("reports = %d, want 2", len(got))
	}
	if p.Suppressed() != 3 {
		t.Fatalf("suppressed = %d", p.Suppressed())
	}
	if s := got[0].Fields.Extra["stack"].(string); len(s) != 16 {
		t.Fatalf("stack len = %d", len(s))
	}
}
