package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"catabot/internal/apperr"
)

const sampleYAML = `
runtime:
  transport: irc
  quit_timeout: 3s
irc:
  server: irc.example.org
  tls: true
  nick: catabot
  channels: ["#dev", "#ops secret"]
admin:
  masks: ["*!*@admin.example.org"]
logging:
  level: debug
  console: true
web:
  enabled: true
  port: 9090
plugins:
  github:
    enabled: true
    config:
      repo: acme/widgets
      limit: 3
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeFile(t, "catabot.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Load did not commit")
	}
	if cfg.IRC.Address() != "irc.example.org:6697" {
		t.Fatalf("address=%q", cfg.IRC.Address())
	}
	if cfg.QuitTimeout() != 3*time.Second || cfg.ShutdownTimeout() != DefaultShutdownTimeout {
		t.Fatalf("timeouts: %v %v", cfg.QuitTimeout(), cfg.ShutdownTimeout())
	}
	if name, key := SplitChannel(cfg.IRC.Channels[1]); name != "#ops" || key != "secret" {
		t.Fatalf("split: %q %q", name, key)
	}
	if cfg.Web.Addr() != "127.0.0.1:9090" || cfg.Web.BaseURL() != "http://127.0.0.1:9090" {
		t.Fatalf("web addr=%q url=%q", cfg.Web.Addr(), cfg.Web.BaseURL())
	}
	if !cfg.PluginEnabled("github") || cfg.PluginEnabled("jq") {
		t.Fatalf("plugin enabled flags wrong")
	}
	var gh struct {
		Repo  string `json:"repo"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(cfg.Plugins["github"].Config, &gh); err != nil || gh.Repo != "acme/widgets" || gh.Limit != 3 {
		t.Fatalf("plugin config: %+v %v", gh, err)
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name string
		file string
		body string
	}{
		{"unknown field", "c.json", `{"runtime":{},"bogus":1}`},
		{"unknown plugin field", "c.json", `{"plugins":{"x":{"enabled":true,"timeout":"1s"}}}`},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "a: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.file, []byte(tc.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !apperr.IsConfiguration(err) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"irc ok", Config{IRC: &IRCConfig{Server: "s", Nick: "n"}}, ""},
		{"irc missing", Config{}, "irc: section required"},
		{"irc nick", Config{IRC: &IRCConfig{Server: "s"}}, "irc.nick"},
		{"unknown transport", Config{Runtime: RuntimeConfig{Transport: "smoke"}}, "unknown transport"},
		{"telegram token", Config{Runtime: RuntimeConfig{Transport: "telegram"}}, "telegram.token"},
		{"bad duration", Config{IRC: &IRCConfig{Server: "s", Nick: "n"}, Runtime: RuntimeConfig{QuitTimeout: "soon"}}, "runtime.quit_timeout"},
		{"bad level", Config{IRC: &IRCConfig{Server: "s", Nick: "n"}, Logging: LoggingConfig{Level: "loud"}}, "logging.level"},
		{"chat target", Config{IRC: &IRCConfig{Server: "s", Nick: "n"}, Logging: LoggingConfig{Chat: LoggingChat{Enabled: true}}}, "logging.chat.target"},
		{"storage driver", Config{IRC: &IRCConfig{Server: "s", Nick: "n"}, Storage: &StorageConfig{Driver: "mysql"}}, "storage.driver"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("got %v want substring %q", err, tc.wantErr)
			}
			if !apperr.IsConfiguration(err) {
				t.Fatalf("not a configuration error: %v", err)
			}
		})
	}
}

func TestChangedSections(t *testing.T) {
	a := &Config{Admin: AdminConfig{Masks: []string{"a"}}, Plugins: map[string]PluginConfigRaw{
		"jq": {Enabled: true, Config: json.RawMessage(`{"limit": 5, "bin":"jq"}`)},
	}}
	b := &Config{Admin: AdminConfig{Masks: []string{"b"}}, Plugins: map[string]PluginConfigRaw{
		"jq": {Enabled: true, Config: json.RawMessage(`{"bin":"jq","limit":5}`)},
	}}
	got := ChangedSections(a, b)
	if !slices.Equal(got, []string{"admin"}) {
		t.Fatalf("changed=%v", got)
	}
	if NeedsRestart(got) {
		t.Fatalf("admin change should apply live")
	}
	b.Web.Enabled = true
	if got := ChangedSections(a, b); !NeedsRestart(got) {
		t.Fatalf("web change needs restart: %v", got)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeFile(t, "catabot.yaml", sampleYAML)
	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("level=%q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no config published")
	}
}
