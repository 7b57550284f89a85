package config

import (
	"reflect"
	"sort"
	"strings"

	"beacon/internal/plugin"
	logx "beacon/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like API
// keys), and (3) a list of plugin names that changed (enable/config).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.diagnostic_enabled", newCfg.Logging.Diagnostic.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sink, newCfg.Sink) {
		changed = append(changed, "sink")
		attrs = append(attrs,
			logx.String("sink.report_level", strings.TrimSpace(newCfg.Sink.ReportLevel)),
			logx.Bool("sink.fingerprint_set", strings.TrimSpace(newCfg.Sink.Fingerprint) != ""),
		)
		if n := newCfg.Sink.MaxStorageCount; n != nil {
			attrs = append(attrs, logx.Int("sink.max_storage_count", *n))
		}
	}

	// Upload (never log the API key)
	oldU, newU := derefUpload(oldCfg.Upload), derefUpload(newCfg.Upload)
	keyChanged := oldU.APIKey != newU.APIKey
	oldU.APIKey, newU.APIKey = "", ""
	if keyChanged || !reflect.DeepEqual(oldU, newU) {
		changed = append(changed, "upload")
		attrs = append(attrs,
			logx.Bool("upload.enabled", newU.Enabled),
			logx.String("upload.endpoint", strings.TrimSpace(newU.Endpoint)),
			logx.String("upload.codec", newU.Codec),
			logx.String("upload.compression", newU.Compression),
			logx.Bool("upload.api_key_changed", keyChanged),
		)
	}

	if !reflect.DeepEqual(oldCfg.Connectivity, newCfg.Connectivity) {
		changed = append(changed, "connectivity")
		attrs = append(attrs,
			logx.String("connectivity.mode", newCfg.ConnectivityMode()),
			logx.String("connectivity.probe_url", strings.TrimSpace(newCfg.Connectivity.ProbeURL)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Flush, newCfg.Flush) {
		changed = append(changed, "flush")
		attrs = append(attrs,
			logx.String("flush.schedule", strings.TrimSpace(newCfg.Flush.Schedule)),
			logx.Bool("flush.on_signals", newCfg.FlushOnSignals()),
		)
	}

	// Storage (nil means disabled)
	oldS, newS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if !reflect.DeepEqual(oldS, newS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Agent, newCfg.Agent) {
		changed = append(changed, "agent")
		attrs = append(attrs,
			logx.Int("agent.targets", len(newCfg.Agent.Targets)),
			logx.String("agent.interval", strings.TrimSpace(newCfg.Agent.Interval)),
		)
	}

	// Debug listener (never log the token)
	oldD, newD := oldCfg.Debug, newCfg.Debug
	tokenChanged := oldD.Token != newD.Token
	oldD.Token, newD.Token = "", ""
	if tokenChanged || oldD != newD {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newD.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newD.Addr)),
			logx.Bool("debug.token_changed", tokenChanged),
		)
	}

	// Plugins (summarize only; details at debug)
	pluginChanged := diffPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(pluginChanged) > 0 {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.Int("plugins.changed_count", len(pluginChanged)),
			logx.Int("plugins.enabled_count", countEnabled(newCfg.Plugins)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, pluginChanged
}

func derefUpload(u *UploadConfig) UploadConfig {
	if u == nil {
		return UploadConfig{}
	}
	return *u
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func countEnabled(m map[string]PluginConfigRaw) int {
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffPlugins(oldM, newM map[string]PluginConfigRaw) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o := oldM[name]
		n := newM[name]
		if o.Enabled != n.Enabled || plugin.ConfigHash(o.Config) != plugin.ConfigHash(n.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
