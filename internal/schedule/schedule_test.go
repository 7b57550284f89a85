package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	logx "beacon/pkg/logx"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		kind    Kind
		every   time.Duration
		source  string
		wantErr bool
	}{
		{in: "*/5 * * * *", kind: KindCron, source: "cron"},
		{in: "@hourly", kind: KindCron, source: "cron"},
		{in: "cron:@every 30s", kind: KindCron, source: "cron"},
		{in: "30s", kind: KindInterval, every: 30 * time.Second, source: "duration"},
		{in: "00:05", kind: KindInterval, every: 5 * time.Minute, source: "hhmm"},
		{in: "every:2h30m", kind: KindInterval, every: 150 * time.Minute, source: "duration"},
		{in: "interval:01:00", kind: KindInterval, every: time.Hour, source: "hhmm"},
		{in: "", wantErr: true},
		{in: "00:61", wantErr: true},
		{in: "-5s", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "61 * * * *", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.in, err)
			}
			if got.Kind != tt.kind || got.Every != tt.every || got.Source != tt.source {
				t.Fatalf("Parse(%q) = %+v", tt.in, got)
			}
		})
	}
}

func TestStartRunsIntervalJob(t *testing.T) {
	var runs atomic.Int32
	fired := make(chan struct{}, 1)
	stop, err := Start(Spec{Kind: KindInterval, Every: time.Second}, nil, logx.Nop(), func() {
		runs.Add(1)
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("interval job did not run")
	}
}

func TestStartRecoversPanics(t *testing.T) {
	fired := make(chan struct{})
	var once atomic.Bool
	stop, err := Start(Spec{Kind: KindInterval, Every: time.Second}, nil, logx.Nop(), func() {
		if once.CompareAndSwap(false, true) {
			close(fired)
		}
		panic("job blew up")
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
	stop()
}

func TestStartRejectsNilJob(t *testing.T) {
	if _, err := Start(Spec{Kind: KindInterval, Every: time.Second}, nil, logx.Nop(), nil); err == nil {
		t.Fatal("expected error for nil job")
	}
}
