package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"beacon/internal/severity"
	"beacon/internal/sink"
)

type ingest struct {
	mu     sync.Mutex
	bodies []string
}

func (in *ingest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	in.mu.Lock()
	in.bodies = append(in.bodies, string(b))
	in.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (in *ingest) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		in.mu.Lock()
		all := strings.Join(in.bodies, "\n")
		in.mu.Unlock()
		if strings.Contains(all, substr) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("ingest never received %q", substr)
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func writeConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(t.TempDir(), "beacon.json")
	if err := os.WriteFile(p, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAgentVisitReachesIngest(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html><body>hello</body></html>")
	}))
	defer site.Close()
	in := &ingest{}
	collector := httptest.NewServer(in)
	defer collector.Close()

	path := writeConfig(t, map[string]any{
		"logging": map[string]any{"level": "error"},
		"sink":    map[string]any{"report_level": "info"},
		"upload": map[string]any{
			"enabled":      true,
			"endpoint":     collector.URL + "/ingest",
			"workers":      1,
			"rate_per_sec": 1000,
			"retry_base":   "1ms",
		},
		"flush": map[string]any{"on_signals": false},
		"debug": map[string]any{"enabled": true, "addr": "127.0.0.1:0"},
		"agent": map[string]any{"targets": []string{site.URL + "/home"}, "interval": "1h"},
		"plugins": map[string]any{
			"crash":     map[string]any{"enabled": true},
			"route":     map[string]any{"enabled": true},
			"httptrace": map[string]any{"enabled": true},
			"perf":      map[string]any{"enabled": true},
			"console":   map[string]any{"enabled": true},
			"analytics": map[string]any{"enabled": true},
		},
	})

	out := &lockedBuffer{}
	a, err := New(path, WithOutput(out))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	in.waitFor(t, "route change")
	in.waitFor(t, "agent.cycle")
	in.waitFor(t, "visited "+site.URL+"/home")

	if !strings.Contains(out.String(), "[info] visited "+site.URL+"/home status=200") {
		t.Fatalf("visit output = %q", out.String())
	}
	if got := a.Monitor().Plugins(); len(got) != 6 || got[0] != "crash" {
		t.Fatalf("plugins = %v", got)
	}

	var addr string
	for deadline := time.Now().Add(3 * time.Second); addr == "" && time.Now().Before(deadline); {
		if addr = a.dbg.Addr(); addr == "" {
			time.Sleep(10 * time.Millisecond)
		}
	}
	resp, err := http.Get("http://" + addr + "/debug/telemetry")
	if err != nil {
		t.Fatalf("debug state: %v", err)
	}
	var st telemetryState
	err = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if !st.Upload.Enabled || st.Upload.Stats.Queued == 0 || len(st.Monitor.Plugins) != 6 {
		t.Fatalf("state = %+v", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Monitor().ActiveListeners() != 0 {
		t.Fatalf("monitor still holds %d listeners", a.Monitor().ActiveListeners())
	}
}

func TestStopLeavesSinkEmpty(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"logging": map[string]any{"level": "error"},
		"sink":    map[string]any{"report_level": "error", "max_storage_count": 2},
		"flush":   map[string]any{"on_signals": false},
	})
	a, err := New(path, WithOutput(io.Discard))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := range 5 {
		a.Sink().Log(sink.Record{Level: severity.Info, Message: fmt.Sprintf("held %d", i)})
	}
	if a.Sink().StorageLen() == 0 || a.Sink().RemovedLen() == 0 {
		t.Fatalf("setup: queue=%d removed=%d", a.Sink().StorageLen(), a.Sink().RemovedLen())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n, r := a.Sink().StorageLen(), a.Sink().RemovedLen(); n != 0 || r != 0 {
		t.Fatalf("after Stop: queue=%d removed=%d", n, r)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, map[string]any{"sink": map[string]any{"report_level": "loud"}})
	if _, err := New(path); err == nil {
		t.Fatal("expected invalid config to fail")
	}
}

func TestWithIgnoredHosts(t *testing.T) {
	raw, err := withIgnoredHosts(json.RawMessage(`{"slow_ms":100,"ignore_hosts":["a.example"]}`), []string{"ingest.example", "", "a.example"})
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		SlowMS      int      `json:"slow_ms"`
		IgnoreHosts []string `json:"ignore_hosts"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got.SlowMS != 100 || strings.Join(got.IgnoreHosts, ",") != "a.example,ingest.example" {
		t.Fatalf("merged = %s", raw)
	}

	if raw, _ := withIgnoredHosts(nil, []string{""}); raw != nil {
		t.Fatalf("empty merge = %s", raw)
	}
}

func TestHostOf(t *testing.T) {
	tests := map[string]string{
		"https://Ingest.Example.com:8443/api": "ingest.example.com",
		"http://user:pw@10.0.0.1/x":           "10.0.0.1",
		"":                                    "",
		"http://[::1]:9000/":                  "::1",
	}
	for in, want := range tests {
		if got := hostOf(in); got != want {
			t.Errorf("hostOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStopReasonFromSignal(t *testing.T) {
	if StopReasonFromSignal(os.Interrupt) != StopSIGINT || StopReasonFromSignal(nil) != StopAppStop {
		t.Fatal("unexpected stop reason mapping")
	}
}
