package app

import (
	"context"
	"time"

	"beacon/internal/storage"
	"beacon/internal/upload"
)

const stateRecentFailures = 20

// telemetryState is what the debug listener serves at /debug/telemetry.
type telemetryState struct {
	Time    time.Time   `json:"time"`
	Sink    sinkState   `json:"sink"`
	Monitor monState    `json:"monitor"`
	Upload  uploadState `json:"upload"`

	RecentFailures []storage.FailureEntry `json:"recent_failures,omitempty"`
}

type sinkState struct {
	Enabled         bool   `json:"enabled"`
	ReportLevel     string `json:"report_level"`
	MaxStorageCount int    `json:"max_storage_count"`
	StorageQueue    int    `json:"storage_queue"`
	RemovedItems    int    `json:"removed_items"`
	Fingerprint     string `json:"fingerprint"`
}

type monState struct {
	Online          bool     `json:"online"`
	CacheLen        int      `json:"cache_len"`
	Plugins         []string `json:"plugins"`
	ActiveListeners int      `json:"active_listeners"`
}

type uploadState struct {
	Enabled    bool         `json:"enabled"`
	InstanceID string       `json:"instance_id"`
	Stats      upload.Stats `json:"stats"`
}

func (a *App) telemetryState(ctx context.Context) any {
	snap := a.sink.Snapshot()
	st := telemetryState{
		Time: time.Now(),
		Sink: sinkState{
			Enabled:         snap.Enabled,
			ReportLevel:     snap.ReportLevel.String(),
			MaxStorageCount: snap.MaxStorageCount,
			StorageQueue:    len(snap.StorageQueue),
			RemovedItems:    len(snap.RemovedItems),
			Fingerprint:     snap.Fingerprint,
		},
		Monitor: monState{
			Online:          a.mon.Online(),
			CacheLen:        a.mon.CacheLen(),
			Plugins:         a.mon.Plugins(),
			ActiveListeners: a.mon.ActiveListeners(),
		},
		Upload: uploadState{
			Enabled:    a.up.Enabled(),
			InstanceID: a.up.InstanceID(),
			Stats:      a.up.Stats(),
		},
	}
	if a.store != nil {
		if recent, err := a.store.RecentFailures(ctx, stateRecentFailures); err == nil {
			st.RecentFailures = recent
		}
	}
	return st
}
