package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"beacon/internal/schedule"
	"beacon/internal/severity"
	"beacon/internal/upload"
)

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(c.Sink.ReportLevel); lvl != "" {
		if _, err := severity.Parse(lvl); err != nil {
			add(fmt.Errorf("sink.report_level: %w", err))
		}
	}
	if n := c.Sink.MaxStorageCount; n != nil && *n < 0 {
		add(fmt.Errorf("sink.max_storage_count: must be >= 0, got %d", *n))
	}

	if u := c.Upload; u != nil {
		if u.Enabled {
			add(validURL("upload.endpoint", u.Endpoint))
		}
		if !upload.ValidCodec(strings.ToLower(strings.TrimSpace(u.Codec))) {
			add(fmt.Errorf("upload.codec: unknown codec %q", u.Codec))
		}
		if !upload.ValidCompression(strings.ToLower(strings.TrimSpace(u.Compression))) {
			add(fmt.Errorf("upload.compression: unknown compression %q", u.Compression))
		}
		for name, v := range map[string]int{
			"upload.workers":      u.Workers,
			"upload.queue_size":   u.QueueSize,
			"upload.rate_per_sec": u.RatePerSec,
			"upload.retry_max":    u.RetryMax,
		} {
			if v < 0 {
				add(fmt.Errorf("%s: must be >= 0, got %d", name, v))
			}
		}
		_, err := c.UploadOptions()
		add(err)
	}

	switch c.ConnectivityMode() {
	case ConnectivityManual:
	case ConnectivityProbe:
		add(validURL("connectivity.probe_url", c.Connectivity.ProbeURL))
		_, err := c.ProberConfig()
		add(err)
	default:
		add(fmt.Errorf("connectivity.mode: unknown mode %q", c.Connectivity.Mode))
	}

	if s := strings.TrimSpace(c.Flush.Schedule); s != "" {
		if _, err := schedule.Parse(s); err != nil {
			add(fmt.Errorf("flush.schedule: %w", err))
		}
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path: required for driver %q", s.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if s.MaxEntries < 0 {
			add(fmt.Errorf("storage.max_entries: must be >= 0, got %d", s.MaxEntries))
		}
		_, err := c.StorageOptions()
		add(err)
	}

	for i, t := range c.Agent.Targets {
		add(validURL(fmt.Sprintf("agent.targets[%d]", i), t))
	}
	_, err := c.AgentInterval()
	add(err)

	if addr := strings.TrimSpace(c.Debug.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(fmt.Errorf("debug.addr: %w", err))
		}
	}
	if c.Debug.MutexProfileFraction < 0 || c.Debug.BlockProfileRate < 0 {
		add(errors.New("debug: profile rates must be >= 0"))
	}

	return errors.Join(errs...)
}

func validURL(field, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%s: want an absolute http(s) URL, got %q", field, raw)
	}
	return nil
}
