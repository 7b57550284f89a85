package logx

import (
	"bytes"
	"strings"
	"testing"
)

func TestDiagnosticEchoRespectsMinLevel(t *testing.T) {
	var diag bytes.Buffer
	svc, log := NewService(Config{Level: "debug"})
	svc.SetDiagnosticOutput(&diag)
	svc.Apply(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: t.TempDir() + "/beacon.log"},
		Diagnostic: DiagnosticConfig{
			Enabled:    true,
			MinLevel:   "warn",
			RatePerSec: 100,
		},
	})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("quiet")
	log.Warn("delivery failed", String("plugin", "route"))

	out := diag.String()
	if strings.Contains(out, "quiet") {
		t.Fatalf("info line leaked into diagnostic echo: %q", out)
	}
	if !strings.Contains(out, "[WARN] delivery failed") || !strings.Contains(out, "plugin=route") {
		t.Fatalf("unexpected diagnostic echo: %q", out)
	}
}

func TestFormatDiagnosticJSONFallsBackToRaw(t *testing.T) {
	if got := formatDiagnosticJSON([]byte("  not json \n")); got != "not json" {
		t.Fatalf("formatDiagnosticJSON = %q", got)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("must not panic", Int("n", 1))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARNING ", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in, LevelInfo); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
