package analytics

import (
	"errors"
	"testing"

	"beacon/internal/plugin/plugintest"
	"beacon/internal/severity"
)

func TestTrack(t *testing.T) {
	env := plugintest.New(t)
	p := New(nil)
	env.Init(t, p)

	props := map[string]any{"sku": "A-1"}
	if err := p.Track("add_to_cart", props); err != nil {
		t.Fatalf("Track: %v", err)
	}
	props["sku"] = "mutated"
	if err := p.Track("  ", nil); !errors.Is(err, ErrEmptyEvent) {
		t.Fatalf("empty Track = %v", err)
	}

	got := env.Recorder.Reports()
	if len(got) != 1 {
		t.Fatalf("reports = %d", len(got))
	}
	if got[0].Level != severity.Info || got[0].Fields.Message != "add_to_cart" || got[0].Fields.Extra["sku"] != "A-1" {
		t.Fatalf("report = %+v", got[0])
	}
}

func TestIdentifyRotatesFingerprint(t *testing.T) {
	env := plugintest.New(t)
	p := New(env.Recorder)
	env.Init(t, p)

	p.Identify("user-42")
	p.Identify("user-42")
	p.Identify("")

	if fp := env.Recorder.Fingerprint(); fp != "user-42" {
		t.Fatalf("fingerprint = %q", fp)
	}
	got := env.Recorder.Reports()
	if len(got) != 1 {
		t.Fatalf("reports = %d, want 1", len(got))
	}
	if got[0].Fields.Extra["previous"] != "fp-test" || got[0].Fields.Extra["id"] != "user-42" {
		t.Fatalf("extra = %v", got[0].Fields.Extra)
	}
}
