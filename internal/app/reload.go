package app

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"beacon/internal/config"
	logx "beacon/pkg/logx"
)

// reloadLoop applies every published config to the live components.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	// Track last applied config to generate a safe diff summary for logx.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, pluginChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(pluginChanged) > 0 {
		a.log.Debug("plugin config changes detected", logx.Any("plugins", pluginChanged))
	}

	for _, s := range sections {
		switch s {
		case "storage", "connectivity":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		case "flush":
			a.log.Warn("flush config changed; restart required for changes to take effect")
		}
	}

	// logging first so the rest of the apply is logged at the new level
	a.logs.Apply(newCfg.LogConfig())

	if so, err := newCfg.SinkOptions(); err != nil {
		a.log.Warn("invalid sink config; keeping previous", logx.Err(err))
	} else {
		a.sink.UpdateConfig(so)
	}

	if slices.Contains(sections, "upload") {
		a.applyUpload(c, newCfg)
	}
	if slices.Contains(sections, "debug") {
		a.dbg.Reconfigure(c, newCfg.DebugOptions())
	}

	enabled := newCfg.EnabledPlugins()
	maps.DeleteFunc(enabled, func(name string, _ json.RawMessage) bool { return !slices.Contains(pluginOrder, name) })
	if !samePluginSet(a.started, enabled) {
		a.log.Warn("enabled plugin set changed; restart required",
			logx.Any("running", slices.Sorted(maps.Keys(a.started))),
			logx.Any("configured", slices.Sorted(maps.Keys(enabled))),
		)
	}
	a.mon.ApplyPluginConfig(c, a.pluginConfigs(newCfg))

	a.log.Info("config reloaded", fields...)
}

// applyUpload swaps the uploader config and starts or drains it when the
// enabled flag flipped.
func (a *App) applyUpload(c context.Context, cfg *config.Config) {
	uc, err := cfg.UploadOptions()
	if err != nil {
		a.log.Warn("invalid upload config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.up.Enabled()
	if wasEnabled && !uc.Enabled {
		a.log.Info("uploader disabled via config")
		a.up.Stop(c)
	}
	a.up.Apply(uc)
	if !wasEnabled && uc.Enabled {
		a.log.Info("uploader enabled via config")
		a.up.Start(c)
	}
}

func samePluginSet[V any](running map[string]bool, configured map[string]V) bool {
	if len(running) != len(configured) {
		return false
	}
	for name := range configured {
		if !running[name] {
			return false
		}
	}
	return true
}
