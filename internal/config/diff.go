package config

import (
	"encoding/json"
	"reflect"
	"slices"
)

// Sections that apply without a restart.
const (
	SectionLogging = "logging"
	SectionAdmin   = "admin"
)

// ChangedSections lists the top-level sections that differ between two configs,
// in document order. Secrets are never compared by value in logs, only here.
func ChangedSections(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var out []string
	diff := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	diff("runtime", oldCfg.Runtime, newCfg.Runtime)
	diff("irc", oldCfg.IRC, newCfg.IRC)
	diff("telegram", oldCfg.Telegram, newCfg.Telegram)
	diff(SectionAdmin, oldCfg.Admin, newCfg.Admin)
	diff(SectionLogging, oldCfg.Logging, newCfg.Logging)
	diff("web", oldCfg.Web, newCfg.Web)
	diff("storage", oldCfg.Storage, newCfg.Storage)
	if !pluginsEqual(oldCfg.Plugins, newCfg.Plugins) {
		out = append(out, "plugins")
	}
	return out
}

// NeedsRestart reports whether any changed section cannot be applied live.
func NeedsRestart(changed []string) bool {
	for _, s := range changed {
		if s != SectionLogging && s != SectionAdmin {
			return true
		}
	}
	return false
}

// pluginsEqual compares plugin blocks with their raw JSON canonicalized.
func pluginsEqual(a, b map[string]PluginConfigRaw) bool {
	if len(a) != len(b) {
		return false
	}
	for name, pa := range a {
		pb, ok := b[name]
		if !ok || pa.Enabled != pb.Enabled {
			return false
		}
		if !slices.Equal(canonical(pa.Config), canonical(pb.Config)) {
			return false
		}
	}
	return true
}

func canonical(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
