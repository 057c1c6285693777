package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"catabot/internal/apperr"
	"catabot/internal/cooldown"
	"catabot/internal/gate"
	"catabot/internal/router"
	"catabot/internal/scheduler"
	"catabot/internal/storage"
	"catabot/internal/transport"
	"catabot/pkg/logx"
)

// Registrar is the capability bundle one plugin receives at load time.
// Job, finalizer, cooldown and gate ids are namespaced "<plugin>:<id>".
type Registrar struct {
	name string
	raw  json.RawMessage
	host *Host
	log  logx.Logger
}

func NewRegistrar(name string, raw json.RawMessage, h *Host) *Registrar {
	log := h.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registrar{
		name: name,
		raw:  raw,
		host: h,
		log:  log.With(logx.String("plugin", name)),
	}
}

func (r *Registrar) Name() string                   { return r.name }
func (r *Registrar) Logger() logx.Logger            { return r.log }
func (r *Registrar) Admin() *router.AdminMask       { return r.host.Router.Admin() }
func (r *Registrar) Runtime() Runtime               { return r.host.Runtime }
func (r *Registrar) Transport() transport.Transport { return r.host.Transport }

// Context is the runtime's lifetime context, for work done while registering.
func (r *Registrar) Context() context.Context {
	if r.host.Context == nil {
		return context.Background()
	}
	return r.host.Context
}

func (r *Registrar) id(id string) string { return r.name + ":" + id }

// Command registers a chat command owned by this plugin.
func (r *Registrar) Command(spec router.CommandSpec) error {
	spec.Plugin = r.name
	return r.host.Router.Register(spec)
}

// Listen observes raw transport events.
func (r *Registrar) Listen(kind transport.EventKind, fn router.Listener) error {
	return r.host.Router.Listen(kind, fn)
}

func (r *Registrar) Every(id string, d time.Duration, fn scheduler.JobFunc) error {
	return r.host.Scheduler.SchedulePeriodic(r.id(id), d, fn)
}

// Daily runs fn at every UTC midnight.
func (r *Registrar) Daily(id string, fn scheduler.JobFunc) error {
	return r.host.Scheduler.ScheduleDaily(r.id(id), fn)
}

func (r *Registrar) DailyAt(id string, hour, minute int, fn scheduler.JobFunc) error {
	return r.host.Scheduler.ScheduleDailyAt(r.id(id), hour, minute, fn)
}

func (r *Registrar) Cron(id, expr string, fn scheduler.JobFunc) error {
	return r.host.Scheduler.ScheduleCron(r.id(id), expr, fn)
}

// Schedule accepts any trigger scheduler.ParseSchedule understands, which
// lets plugins take their schedule from config.
func (r *Registrar) Schedule(id, spec string, fn scheduler.JobFunc) error {
	return r.host.Scheduler.Schedule(r.id(id), spec, fn)
}

// Finalizer runs fn once during shutdown, after jobs have stopped.
func (r *Registrar) Finalizer(id string, fn scheduler.JobFunc) error {
	return r.host.Scheduler.RegisterFinalizer(r.id(id), fn)
}

// Mount serves h under prefix on the companion web listener. With the
// listener disabled the route is skipped.
func (r *Registrar) Mount(prefix string, h http.Handler) error {
	if r.host.Web == nil {
		r.log.Debug("web disabled, route not mounted", logx.String("prefix", prefix))
		return nil
	}
	return r.host.Web.Mount(prefix, h)
}

// BaseURL is where this bot's web routes are reachable.
func (r *Registrar) BaseURL() string {
	if r.host.Web == nil {
		return ""
	}
	return r.host.Web.URL()
}

// NewGate builds a gate owned by this plugin. The runtime closes it at shutdown.
func (r *Registrar) NewGate(limit int, opts ...gate.Option) (*gate.Gate, error) {
	base := []gate.Option{
		gate.WithName(r.name),
		gate.WithLogger(r.log),
		gate.WithContext(r.Context()),
	}
	g, err := gate.New(limit, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", r.name, err)
	}
	r.host.track(g)
	return g, nil
}

// Cooldowns returns the plugin's named cooldown set, shared with its jobs.
func (r *Registrar) Cooldowns(name string) *cooldown.Set {
	return r.host.Cooldowns.Get(r.id(name))
}

// Store returns the persistent store, or a ConfigurationError when storage
// is disabled.
func (r *Registrar) Store() (*storage.Store, error) {
	if r.host.Store == nil {
		return nil, apperr.Configf("plugin %s requires storage (storage.driver is none)", r.name)
	}
	return r.host.Store, nil
}

// RawConfig is plugins.<name>.config as written in the config file.
func (r *Registrar) RawConfig() json.RawMessage { return r.raw }

// DecodeConfig strictly decodes the plugin's config block into dst. An empty
// block leaves dst untouched so callers can preset defaults.
func DecodeConfig[T any](r *Registrar, dst *T) error {
	raw := bytes.TrimSpace(r.raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Configuration(fmt.Errorf("plugins.%s.config: %w", r.name, err))
	}
	return nil
}
