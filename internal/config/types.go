package config

import (
	"bytes"
	"encoding/json"
)

// Config is the whole on-disk configuration (YAML or JSON).
type Config struct {
	Runtime  RuntimeConfig              `json:"runtime"`
	IRC      *IRCConfig                 `json:"irc,omitempty"`
	Telegram *TelegramConfig            `json:"telegram,omitempty"`
	Admin    AdminConfig                `json:"admin"`
	Logging  LoggingConfig              `json:"logging"`
	Web      WebConfig                  `json:"web"`
	Storage  *StorageConfig             `json:"storage,omitempty"`
	Plugins  map[string]PluginConfigRaw `json:"plugins"`
}

const (
	TransportIRC      = "irc"
	TransportTelegram = "telegram"
)

// RuntimeConfig controls the process itself.
//
// Durations are Go duration strings (e.g. "500ms", "10s", "1m").
type RuntimeConfig struct {
	// Transport selects the chat network: "irc" (default) or "telegram".
	Transport string `json:"transport,omitempty"`
	// Version overrides the build version reported by the bot.
	Version string `json:"version,omitempty"`
	PIDFile string `json:"pid_file,omitempty"`
	// QuitTimeout bounds the wait for the server to acknowledge our QUIT. Default 10s.
	QuitTimeout string `json:"quit_timeout,omitempty"`
	// ShutdownTimeout bounds each shutdown step. Default 15s.
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// WatchConfig hot-reloads logging and admin masks when the file changes.
	WatchConfig bool `json:"watch_config,omitempty"`
}

type IRCConfig struct {
	Server string `json:"server"`
	Port   int    `json:"port,omitempty"`
	TLS    bool   `json:"tls,omitempty"`
	// InsecureSkipVerify disables certificate checks (self-signed test servers only).
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
	ServerPassword     string `json:"server_password,omitempty"`

	Nick     string `json:"nick"`
	User     string `json:"user,omitempty"`
	RealName string `json:"realname,omitempty"`
	// Password is sent to NickServ on connect and on the admin auth command.
	Password string `json:"password,omitempty"`

	// Channels are "#name" or "#name key".
	Channels []string `json:"channels"`

	ReconnectDelay string `json:"reconnect_delay,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// AdminConfig lists the hostmask globs (nick!user@host) allowed to run admin commands.
type AdminConfig struct {
	Masks []string `json:"masks"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors warnings into a chat channel.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	Target     string `json:"target"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// WebConfig controls the companion HTTP listener that plugins mount routes on.
//
// Security note: bind to localhost unless a reverse proxy sits in front.
// Token protects /debug/ and /status when set (do not log it).
type WebConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host,omitempty"` // default 127.0.0.1
	Port    int    `json:"port,omitempty"` // default 8080
	// URL is the externally advertised base URL used in chat replies.
	URL string `json:"url,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	Pprof bool   `json:"pprof,omitempty"`
	Token string `json:"token,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./catabot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in plugin blocks fail at load.
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
	*p = PluginConfigRaw(t)
	return nil
}
