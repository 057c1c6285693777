package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"catabot/internal/apperr"
	"catabot/pkg/logx"
)

const (
	DefaultQuitTimeout     = 10 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultIRCPort         = 6667
	DefaultIRCTLSPort      = 6697
	DefaultWebHost         = "127.0.0.1"
	DefaultWebPort         = 8080
)

// Validate checks the whole document and returns every problem at once.
// The result is a configuration error.
func (c *Config) Validate() error {
	if c == nil {
		return apperr.Configf("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch c.TransportName() {
	case TransportIRC:
		if c.IRC == nil {
			add("irc: section required for transport %q", TransportIRC)
			break
		}
		if strings.TrimSpace(c.IRC.Server) == "" {
			add("irc.server: required")
		}
		if strings.TrimSpace(c.IRC.Nick) == "" {
			add("irc.nick: required")
		}
		if c.IRC.Port < 0 || c.IRC.Port > 65535 {
			add("irc.port: out of range")
		}
		for i, ch := range c.IRC.Channels {
			if name, _ := SplitChannel(ch); name == "" {
				add("irc.channels[%d]: empty", i)
			}
		}
		dur("irc.reconnect_delay", c.IRC.ReconnectDelay)
	case TransportTelegram:
		if c.Telegram == nil || strings.TrimSpace(c.Telegram.Token) == "" {
			add("telegram.token: required for transport %q", TransportTelegram)
		} else {
			dur("telegram.poll_timeout", c.Telegram.PollTimeout)
		}
	default:
		add("runtime.transport: unknown transport %q", c.Runtime.Transport)
	}

	dur("runtime.quit_timeout", c.Runtime.QuitTimeout)
	dur("runtime.shutdown_timeout", c.Runtime.ShutdownTimeout)

	for i, m := range c.Admin.Masks {
		if strings.TrimSpace(m) == "" {
			add("admin.masks[%d]: empty", i)
		}
	}

	if lv := strings.TrimSpace(c.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		add("logging.level: unknown level %q", lv)
	}
	if c.Logging.Chat.Enabled && strings.TrimSpace(c.Logging.Chat.Target) == "" {
		add("logging.chat.target: required when chat logging is enabled")
	}

	if c.Web.Enabled {
		if c.Web.Port < 0 || c.Web.Port > 65535 {
			add("web.port: out of range")
		}
		dur("web.read_timeout", c.Web.ReadTimeout)
		dur("web.write_timeout", c.Web.WriteTimeout)
		dur("web.idle_timeout", c.Web.IdleTimeout)
	}

	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "sqlite":
		default:
			add("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		dur("storage.busy_timeout", c.Storage.BusyTimeout)
	}

	if len(errs) == 0 {
		return nil
	}
	return apperr.Configuration(errors.Join(errs...))
}

// TransportName returns the normalized transport, defaulting to IRC.
func (c *Config) TransportName() string {
	t := strings.ToLower(strings.TrimSpace(c.Runtime.Transport))
	if t == "" {
		return TransportIRC
	}
	return t
}

func (c *Config) QuitTimeout() time.Duration {
	return durationOr(c.Runtime.QuitTimeout, DefaultQuitTimeout)
}

func (c *Config) ShutdownTimeout() time.Duration {
	return durationOr(c.Runtime.ShutdownTimeout, DefaultShutdownTimeout)
}

// LogConfig maps the logging section to logx.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    c.Logging.Chat.Enabled,
			Target:     c.Logging.Chat.Target,
			MinLevel:   c.Logging.Chat.MinLevel,
			RatePerSec: c.Logging.Chat.RatePerSec,
		},
	}
}

// Addr is the web listen address.
func (w WebConfig) Addr() string {
	host := strings.TrimSpace(w.Host)
	if host == "" {
		host = DefaultWebHost
	}
	port := w.Port
	if port == 0 {
		port = DefaultWebPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// BaseURL is the URL advertised in chat replies.
func (w WebConfig) BaseURL() string {
	if u := strings.TrimRight(strings.TrimSpace(w.URL), "/"); u != "" {
		return u
	}
	return "http://" + w.Addr()
}

// Timeouts returns read, write and idle timeouts with defaults applied.
func (w WebConfig) Timeouts() (read, write, idle time.Duration) {
	return durationOr(w.ReadTimeout, 10*time.Second),
		durationOr(w.WriteTimeout, 30*time.Second),
		durationOr(w.IdleTimeout, 60*time.Second)
}

// Address is the IRC server address with the default port applied.
func (c *IRCConfig) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultIRCPort
		if c.TLS {
			port = DefaultIRCTLSPort
		}
	}
	return net.JoinHostPort(c.Server, strconv.Itoa(port))
}

// SplitChannel splits "#name key" into its parts.
func SplitChannel(s string) (name, key string) {
	f := strings.Fields(s)
	switch len(f) {
	case 0:
		return "", ""
	case 1:
		return f[0], ""
	default:
		return f[0], f[1]
	}
}

// PluginEnabled reports whether plugins.<name>.enabled is true.
func (c *Config) PluginEnabled(name string) bool {
	p, ok := c.Plugins[name]
	return ok && p.Enabled
}
