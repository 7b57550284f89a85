package config

import (
	"strings"
	"time"

	"beacon/internal/connectivity"
	"beacon/internal/observability/debugsrv"
	"beacon/internal/severity"
	"beacon/internal/sink"
	"beacon/internal/storage"
	"beacon/internal/upload"
	logx "beacon/pkg/logx"
)

const (
	ConnectivityManual = "manual"
	ConnectivityProbe  = "probe"

	defaultAgentInterval = 30 * time.Second
)

// LogConfig converts the logging section.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		Diagnostic: logx.DiagnosticConfig{
			Enabled:    c.Logging.Diagnostic.Enabled,
			MinLevel:   c.Logging.Diagnostic.MinLevel,
			RatePerSec: c.Logging.Diagnostic.RatePerSec,
		},
	}
}

// SinkOptions converts the sink section. Omitted fields stay nil so they
// don't override the sink's current values. Delivery is wired by the caller.
func (c *Config) SinkOptions() (sink.Options, error) {
	var o sink.Options
	s := c.Sink
	if strings.TrimSpace(s.ReportLevel) != "" {
		lvl, err := severity.Parse(s.ReportLevel)
		if err != nil {
			return o, err
		}
		o.ReportLevel = &lvl
	}
	o.Enabled = s.Enabled
	o.MaxStorageCount = s.MaxStorageCount
	if v := strings.TrimSpace(s.Platform); v != "" {
		o.Platform = &v
	}
	if v := strings.TrimSpace(s.Fingerprint); v != "" {
		o.Fingerprint = &v
	}
	return o, nil
}

// UploadOptions converts the upload section. A nil section is disabled.
func (c *Config) UploadOptions() (upload.Config, error) {
	u := c.Upload
	if u == nil {
		return upload.Config{}, nil
	}
	out := upload.Config{
		Enabled:     u.Enabled,
		Endpoint:    strings.TrimSpace(u.Endpoint),
		APIKey:      strings.TrimSpace(u.APIKey),
		InstanceID:  strings.TrimSpace(u.InstanceID),
		Codec:       strings.ToLower(strings.TrimSpace(u.Codec)),
		Compression: strings.ToLower(strings.TrimSpace(u.Compression)),
		Workers:     u.Workers,
		QueueSize:   u.QueueSize,
		RatePerSec:  u.RatePerSec,
		RetryMax:    u.RetryMax,
	}
	var err error
	if out.RetryBase, err = ParseDurationField("upload.retry_base", u.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = ParseDurationField("upload.retry_max_delay", u.RetryMaxDelay); err != nil {
		return out, err
	}
	if out.Timeout, err = ParseDurationField("upload.timeout", u.Timeout); err != nil {
		return out, err
	}
	return out, nil
}

// StorageOptions converts the storage section. A nil section is disabled.
func (c *Config) StorageOptions() (storage.Config, error) {
	s := c.Storage
	if s == nil {
		return storage.Config{}, nil
	}
	busy, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(s.Driver)),
		Path:        strings.TrimSpace(s.Path),
		BusyTimeout: busy,
		MaxEntries:  s.MaxEntries,
	}, nil
}

func (c *Config) ConnectivityMode() string {
	m := strings.ToLower(strings.TrimSpace(c.Connectivity.Mode))
	if m == "" {
		return ConnectivityManual
	}
	return m
}

func (c *Config) ProberConfig() (connectivity.ProberConfig, error) {
	cc := c.Connectivity
	out := connectivity.ProberConfig{
		URL:           strings.TrimSpace(cc.ProbeURL),
		FailThreshold: cc.FailThreshold,
	}
	var err error
	if out.Interval, err = ParseDurationField("connectivity.interval", cc.Interval); err != nil {
		return out, err
	}
	if out.Timeout, err = ParseDurationField("connectivity.timeout", cc.Timeout); err != nil {
		return out, err
	}
	return out, nil
}

// FlushOnSignals defaults to true.
func (c *Config) FlushOnSignals() bool {
	return c.Flush.OnSignals == nil || *c.Flush.OnSignals
}

func (c *Config) AgentInterval() (time.Duration, error) {
	return ParseDurationOrDefault("agent.interval", c.Agent.Interval, defaultAgentInterval)
}

func (c *Config) DebugOptions() debugsrv.Config {
	d := c.Debug
	return debugsrv.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
}
