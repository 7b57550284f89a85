package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"beacon/internal/severity"
	logx "beacon/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
sink:
  report_level: warn
  max_storage_count: 50
  platform: linux-agent
upload:
  enabled: true
  endpoint: https://ingest.example.com/api/ingest
  api_key: s3cret
  codec: cbor
  compression: zstd
  retry_base: 250ms
connectivity:
  mode: probe
  probe_url: https://ingest.example.com/healthz
  interval: 10s
flush:
  schedule: "every:30s"
storage:
  driver: sqlite
  path: ./beacon.db
  busy_timeout: 2s
agent:
  targets:
    - https://shop.example.com/
    - https://shop.example.com/cart
plugins:
  perf:
    enabled: true
    config:
      min_window_ms: 20
  console:
    enabled: false
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "beacon.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}

	so, err := cfg.SinkOptions()
	if err != nil {
		t.Fatalf("SinkOptions: %v", err)
	}
	if *so.ReportLevel != severity.Warn || *so.MaxStorageCount != 50 || *so.Platform != "linux-agent" || so.Enabled != nil {
		t.Fatalf("sink options = %+v", so)
	}

	uo, err := cfg.UploadOptions()
	if err != nil {
		t.Fatalf("UploadOptions: %v", err)
	}
	if uo.Codec != "cbor" || uo.Compression != "zstd" || uo.RetryBase != 250*time.Millisecond {
		t.Fatalf("upload options = %+v", uo)
	}

	st, err := cfg.StorageOptions()
	if err != nil || st.Driver != "sqlite" || st.BusyTimeout != 2*time.Second {
		t.Fatalf("storage options = %+v, %v", st, err)
	}

	enabled := cfg.EnabledPlugins()
	if _, ok := enabled["perf"]; !ok || len(enabled) != 1 {
		t.Fatalf("enabled plugins = %v", enabled)
	}
	if !cfg.FlushOnSignals() || cfg.ConnectivityMode() != ConnectivityProbe {
		t.Fatal("flush/connectivity defaults wrong")
	}
}

func TestStrictDecoding(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"unknown top-level key", "c.json", `{"logging":{},"bogus":1}`},
		{"unknown plugin key", "c.json", `{"plugins":{"perf":{"enabled":true,"timeout":"1s"}}}`},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "logging: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewConfigManager(writeFile(t, tt.file, tt.body)).Parse(); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	neg := -1
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"empty is valid", Config{}, ""},
		{"bad level", Config{Sink: SinkConfig{ReportLevel: "loud"}}, "sink.report_level"},
		{"negative max", Config{Sink: SinkConfig{MaxStorageCount: &neg}}, "sink.max_storage_count"},
		{"bad codec", Config{Upload: &UploadConfig{Codec: "xml"}}, "upload.codec"},
		{"bad compression", Config{Upload: &UploadConfig{Compression: "lz4"}}, "upload.compression"},
		{"enabled upload needs endpoint", Config{Upload: &UploadConfig{Enabled: true}}, "upload.endpoint"},
		{"bad retry duration", Config{Upload: &UploadConfig{RetryBase: "soon"}}, "upload.retry_base"},
		{"probe needs url", Config{Connectivity: ConnectivityConfig{Mode: "probe"}}, "connectivity.probe_url"},
		{"unknown mode", Config{Connectivity: ConnectivityConfig{Mode: "psychic"}}, "connectivity.mode"},
		{"bad schedule", Config{Flush: FlushConfig{Schedule: "cron:not a cron"}}, "flush.schedule"},
		{"storage needs path", Config{Storage: &StorageConfig{Driver: "file"}}, "storage.path"},
		{"unknown driver", Config{Storage: &StorageConfig{Driver: "redis"}}, "storage.driver"},
		{"bad debug addr", Config{Debug: DebugConfig{Addr: "nope"}}, "debug.addr"},
		{"relative target", Config{Agent: AgentConfig{Targets: []string{"/cart"}}}, "agent.targets[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := Decode("a.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	newCfg, _ := Decode("a.yaml", []byte(sampleYAML))
	newCfg.Upload.APIKey = "rotated"
	newCfg.Sink.ReportLevel = "info"
	newCfg.Plugins["console"] = PluginConfigRaw{Enabled: true}
	newCfg.Plugins["perf"] = PluginConfigRaw{Enabled: true, Config: []byte(`{ "min_window_ms" : 20 }`)}

	changed, _, plugins := SummarizeConfigChange(oldCfg, newCfg)
	if !slices.Equal(changed, []string{"plugins", "sink", "upload"}) {
		t.Fatalf("changed = %v", changed)
	}
	if !slices.Equal(plugins, []string{"console"}) {
		t.Fatalf("plugins changed = %v", plugins)
	}

	if changed, _, _ := SummarizeConfigChange(oldCfg, oldCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestHashConfigIgnoresPluginKeyOrder(t *testing.T) {
	a, err := Decode("a.json", []byte(`{"plugins":{"perf":{"enabled":true,"config":{"a":1,"b":2}}}}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Decode("b.json", []byte(`{"plugins":{"perf":{"enabled":true,"config":{ "b": 2, "a": 1 }}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if hashConfig(a) != hashConfig(b) {
		t.Fatal("key order changed the config hash")
	}
	b.Plugins["perf"] = PluginConfigRaw{Enabled: false, Config: b.Plugins["perf"].Config}
	if hashConfig(a) == hashConfig(b) {
		t.Fatal("enabled flip not reflected in the config hash")
	}
	if hashConfig(nil) != 0 {
		t.Fatal("nil config should hash to 0")
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "beacon.json", `{"sink":{"report_level":"error"}}`)
	m := NewConfigManager(path)
	m.SetLogger(logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"sink":{"report_level":"bogus"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * reloadDebounce)
	if err := os.WriteFile(path, []byte(`{"sink":{"report_level":"debug"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-ch:
		if cfg.Sink.ReportLevel != "debug" {
			t.Fatalf("published level = %q", cfg.Sink.ReportLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Sink.ReportLevel != "debug" {
		t.Fatalf("committed level = %q", m.Get().Sink.ReportLevel)
	}
}
