package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Sink    SinkConfig    `json:"sink"`

	// Upload is the ingest pipeline. Omitted means records are only logged
	// locally.
	Upload *UploadConfig `json:"upload,omitempty"`

	Connectivity ConnectivityConfig `json:"connectivity"`
	Flush        FlushConfig        `json:"flush"`

	// Storage is the failure journal. Omitted means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	Agent   AgentConfig                `json:"agent"`
	Debug   DebugConfig                `json:"debug"`
	Plugins map[string]PluginConfigRaw `json:"plugins"`
}

type LoggingConfig struct {
	Level      string            `json:"level"`
	Console    bool              `json:"console"`
	File       LoggingFile       `json:"file"`
	Diagnostic LoggingDiagnostic `json:"diagnostic"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingDiagnostic echoes warnings to stderr at a bounded rate.
type LoggingDiagnostic struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SinkConfig mirrors the sink options. Pointer fields distinguish "omitted"
// (keep the default) from an explicit zero.
//
// Defaults: report_level "error", enabled true, max_storage_count 100.
type SinkConfig struct {
	ReportLevel     string `json:"report_level,omitempty"`
	Enabled         *bool  `json:"enabled,omitempty"`
	MaxStorageCount *int   `json:"max_storage_count,omitempty"`
	Platform        string `json:"platform,omitempty"`
	Fingerprint     string `json:"fingerprint,omitempty"`
}

// UploadConfig controls delivery to the ingest service.
//
// All durations are Go duration strings (e.g. "500ms", "10s").
type UploadConfig struct {
	Enabled       bool   `json:"enabled"`
	Endpoint      string `json:"endpoint"`
	APIKey        string `json:"api_key,omitempty"` // do not log
	InstanceID    string `json:"instance_id,omitempty"`
	Codec         string `json:"codec,omitempty"`       // json | cbor
	Compression   string `json:"compression,omitempty"` // none | gzip | zstd
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
}

// ConnectivityConfig selects how the agent learns it is offline.
//
// Mode "probe" polls ProbeURL; "manual" (default) assumes online.
type ConnectivityConfig struct {
	Mode          string `json:"mode,omitempty"`
	ProbeURL      string `json:"probe_url,omitempty"`
	Interval      string `json:"interval,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	FailThreshold int    `json:"fail_threshold,omitempty"`
}

type FlushConfig struct {
	// Schedule is a cron or interval spec, e.g. "every:30s" or "cron:*/5 * * * *".
	// Empty flushes only on lifecycle signals and shutdown.
	Schedule string `json:"schedule,omitempty"`
	// OnSignals maps SIGHUP/SIGINT/SIGTERM to a flush. Default true.
	OnSignals *bool `json:"on_signals,omitempty"`
}

// StorageConfig controls the failure journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./beacon.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxEntries  int    `json:"max_entries,omitempty"`
}

// AgentConfig drives the synthetic navigation loop of the host agent.
type AgentConfig struct {
	// Targets are absolute URLs, all visited in order every Interval.
	Targets   []string `json:"targets"`
	Interval  string   `json:"interval,omitempty"` // default "30s"
	UserAgent string   `json:"user_agent,omitempty"`
}

// DebugConfig is the local pprof + telemetry-state listener.
//
// Example:
//
//	"debug": { "enabled": true, "addr": "127.0.0.1:6060" }
type DebugConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"`  // default 127.0.0.1:6060
	Token                string `json:"token,omitempty"` // do not log
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in a plugin block are
// caught at load time.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}

// EnabledPlugins returns the raw config block of every enabled plugin.
func (c *Config) EnabledPlugins() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(c.Plugins))
	for name, p := range c.Plugins {
		if p.Enabled {
			out[name] = p.Config
		}
	}
	return out
}
