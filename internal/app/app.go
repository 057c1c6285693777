// Package app is the runtime core: it wires config, logging, transport,
// router, scheduler, web listener and storage, loads plugins, runs the bot
// and shuts it down in order.
package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"catabot/internal/apperr"
	"catabot/internal/config"
	"catabot/internal/cooldown"
	"catabot/internal/eventbus"
	"catabot/internal/plugin"
	"catabot/internal/router"
	"catabot/internal/runtime/supervisor"
	"catabot/internal/scheduler"
	"catabot/internal/storage"
	"catabot/internal/transport"
	"catabot/internal/web"
	"catabot/pkg/logx"
)

type App struct {
	cfg  *config.Config
	cfgm *config.Manager

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	version string
	started time.Time

	tr        transport.Transport
	router    *router.Router
	sched     *scheduler.Scheduler
	web       *web.Server
	store     *storage.Store
	cooldowns *cooldown.Registry
	host      *plugin.Host

	// rootCtx outlives Run's ctx so shutdown steps can still use gated
	// calls and transports after a signal.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu      sync.Mutex
	state   State
	plugins []string
	sup     *supervisor.Supervisor

	stopOnce   sync.Once
	stopCh     chan struct{}
	stopReason string
}

type Option func(*App)

// WithTransport replaces the configured chat transport (tests, embedding).
func WithTransport(tr transport.Transport) Option { return func(a *App) { a.tr = tr } }

// WithLogger replaces the logging service built from config.
func WithLogger(svc *logx.Service, log logx.Logger) Option {
	return func(a *App) { a.logs, a.log = svc, log }
}

// WithManager enables config hot reload through m when runtime.watch_config is set.
func WithManager(m *config.Manager) Option { return func(a *App) { a.cfgm = m } }

func WithVersion(v string) Option { return func(a *App) { a.version = v } }

func WithBus(b eventbus.Bus) Option { return func(a *App) { a.bus = b } }

// New builds every component from cfg. Nothing connects until Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: nil config")
	}
	a := &App{
		cfg:       cfg,
		version:   "dev",
		state:     StateCreated,
		cooldowns: cooldown.NewRegistry(),
		stopCh:    make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log.IsZero() && a.logs == nil {
		a.logs, a.log = logx.New(cfg.LogConfig())
	}
	base := a.log
	a.log = base.With(logx.String("comp", "app"))
	if a.bus == nil {
		a.bus = eventbus.New()
	}

	if a.tr == nil {
		tr, err := newTransport(cfg, base)
		if err != nil {
			return nil, err
		}
		a.tr = tr
	}
	if a.logs != nil {
		a.logs.SetSender(a.tr)
	}

	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, apperr.Configuration(err)
		}
		st, err := storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, base.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
	}

	if cfg.Web.Enabled {
		read, write, idle := cfg.Web.Timeouts()
		a.web = web.New(web.Config{
			Addr:         cfg.Web.Addr(),
			BaseURL:      cfg.Web.URL,
			Token:        cfg.Web.Token,
			Pprof:        cfg.Web.Pprof,
			ReadTimeout:  read,
			WriteTimeout: write,
			IdleTimeout:  idle,
		}, base)
		a.web.SetStatus(func() any { return a.Status() })
	}

	a.router = router.New(a.tr,
		router.WithLogger(base.With(logx.String("comp", "router"))),
		router.WithBus(a.bus),
		router.WithAdmin(router.NewAdminMask(cfg.Admin.Masks...)),
	)
	if nl, ok := a.tr.(transport.NickListener); ok {
		nl.OnNickChange(a.router.SetNick)
	}
	a.sched = scheduler.New(
		scheduler.WithLogger(base.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(a.bus),
	)

	a.rootCtx, a.rootCancel = context.WithCancel(context.Background())
	a.host = &plugin.Host{
		Context:   a.rootCtx,
		Logger:    base,
		Router:    a.router,
		Scheduler: a.sched,
		Web:       a.web,
		Store:     a.store,
		Cooldowns: a.cooldowns,
		Transport: a.tr,
		Runtime:   a,
	}
	return a, nil
}

func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *App) setState(to State, reason string) error {
	a.mu.Lock()
	from := a.state
	if !canTransition(from, to) {
		a.mu.Unlock()
		return invalidTransition(from, to)
	}
	a.state = to
	a.mu.Unlock()

	a.log.Info("state", logx.String("from", string(from)), logx.String("to", string(to)), logx.String("reason", reason))
	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypeState,
		Data: eventbus.StateChange{From: string(from), To: string(to), Reason: reason},
	})
	return nil
}

// Register loads every plugin enabled in config, in the order given, then
// freezes the command registry. Any error aborts boot.
func (a *App) Register(plugins ...plugin.Plugin) error {
	if err := a.setState(StateConfiguring, "register"); err != nil {
		return err
	}
	known := map[string]bool{}
	for _, p := range plugins {
		name := p.Name()
		known[name] = true
		if !a.cfg.PluginEnabled(name) {
			a.log.Debug("plugin disabled", logx.String("plugin", name))
			continue
		}
		start := time.Now()
		if err := p.Register(plugin.NewRegistrar(name, a.cfg.Plugins[name].Config, a.host)); err != nil {
			return fmt.Errorf("plugin %s: %w", name, err)
		}
		a.mu.Lock()
		a.plugins = append(a.plugins, name)
		a.mu.Unlock()
		a.log.Info("plugin loaded", logx.String("plugin", name), logx.Duration("took", time.Since(start)))
	}
	for name := range a.cfg.Plugins {
		if !known[name] {
			a.log.Warn("config names an unknown plugin", logx.String("plugin", name))
		}
	}
	a.router.Freeze()
	return nil
}

// Close releases resources of an app that never ran (boot aborted).
func (a *App) Close() error {
	if err := a.setState(StateStopped, "boot aborted"); err != nil {
		return err
	}
	a.rootCancel()
	_ = a.host.CloseGates(context.Background())
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// Run connects, starts the listener and jobs, and dispatches until ctx ends
// or RequestStop is called. It returns after an orderly shutdown.
func (a *App) Run(ctx context.Context) error {
	if a.State() == StateCreated {
		if err := a.Register(); err != nil {
			return err
		}
	}
	a.mu.Lock()
	if a.state != StateConfiguring {
		from := a.state
		a.mu.Unlock()
		return invalidTransition(from, StateRunning)
	}
	a.started = time.Now()
	a.sup = supervisor.New(a.rootCtx, supervisor.WithLogger(a.log))
	sup := a.sup
	a.mu.Unlock()

	if a.web != nil {
		if err := a.web.Start(a.rootCtx); err != nil {
			a.log.Error("web listener failed to start", logx.Err(err))
			_ = a.Close()
			return err
		}
	}

	events := make(chan transport.Event, 256)
	sup.GoRestart("transport", func(c context.Context) error {
		return a.tr.Start(c, events)
	}, supervisor.WithRestartBackoff(time.Second, time.Minute))

	dispatchCtx, dispatchCancel := context.WithCancel(a.rootCtx)
	dispatchDone := make(chan struct{})
	sup.Go("dispatch", func(context.Context) error {
		defer close(dispatchDone)
		return a.router.DispatchLoop(dispatchCtx, events)
	})

	if err := a.sched.Start(a.rootCtx); err != nil {
		a.log.Error("scheduler start", logx.Err(err))
	}
	a.logEvents(sup)
	a.publishMenu(sup)
	if a.cfgm != nil && a.cfg.Runtime.WatchConfig {
		a.watchConfig(sup)
	}

	if err := a.setState(StateRunning, "started"); err != nil {
		dispatchCancel()
		return err
	}

	reason := "context done"
	select {
	case <-ctx.Done():
	case <-a.stopCh:
		a.mu.Lock()
		reason = a.stopReason
		a.mu.Unlock()
	}
	a.shutdown(reason, dispatchCancel, dispatchDone)
	return nil
}

// RequestStop starts an orderly shutdown. Safe to call many times and from
// handlers; only the first reason is kept.
func (a *App) RequestStop(reason string) {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.stopReason = reason
		a.mu.Unlock()
		a.log.Info("stop requested", logx.String("reason", reason))
		close(a.stopCh)
	})
}

// Done is closed once a stop was requested.
func (a *App) Done() <-chan struct{} { return a.stopCh }

func (a *App) logEvents(sup *supervisor.Supervisor) {
	events, unsub := a.bus.Subscribe(128)
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Debug level: jobs publish on every run.
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})
}

// publishMenu advertises the named commands on transports that have a
// native command menu.
func (a *App) publishMenu(sup *supervisor.Supervisor) {
	menu, ok := a.tr.(transport.CommandMenu)
	if !ok {
		return
	}
	cmds := a.router.Commands()
	help := make([]transport.CommandHelp, 0, len(cmds))
	for _, c := range cmds {
		if c.Admin {
			continue
		}
		help = append(help, transport.CommandHelp{Name: c.Name, Description: c.Description})
	}
	sup.Go0("transport.menu", func(c context.Context) {
		cctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		if err := menu.PublishCommands(cctx, help); err != nil {
			a.log.Warn("command menu not published", logx.Err(err))
		}
	})
}

// Version implements plugin.Runtime.
func (a *App) Version() string { return a.version }

func (a *App) Plugins() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.plugins...)
}

func (a *App) Commands() []router.CommandInfo { return a.router.Commands() }

func (a *App) BaseURL() string {
	if a.web != nil {
		return a.web.URL()
	}
	return a.cfg.Web.BaseURL()
}

func (a *App) SetNick(ctx context.Context, nick string) error {
	if err := a.tr.SetNick(ctx, nick); err != nil {
		return err
	}
	a.router.SetNick(nick)
	return nil
}

// Status is the /status document.
type Status struct {
	State   State                  `json:"state"`
	Version string                 `json:"version"`
	Uptime  string                 `json:"uptime"`
	Nick    string                 `json:"nick"`
	Plugins []string               `json:"plugins"`
	Jobs    []scheduler.JobInfo    `json:"jobs"`
	Gates   []GateStatus           `json:"gates"`
	Tasks   []supervisor.TaskStats `json:"tasks,omitempty"`
}

type GateStatus struct {
	Name     string `json:"name"`
	InFlight int    `json:"in_flight"`
	Limit    int    `json:"limit"`
}

func (a *App) Status() Status {
	a.mu.Lock()
	st := Status{
		State:   a.state,
		Version: a.version,
		Plugins: append([]string(nil), a.plugins...),
	}
	started, sup := a.started, a.sup
	a.mu.Unlock()

	if !started.IsZero() {
		st.Uptime = time.Since(started).Truncate(time.Second).String()
	}
	st.Nick = a.tr.Nick()
	st.Jobs = a.sched.Snapshot()
	for _, g := range a.host.Gates() {
		st.Gates = append(st.Gates, GateStatus{Name: g.Name(), InFlight: g.InFlight(), Limit: g.Limit()})
	}
	if sup != nil {
		st.Tasks = sup.Snapshot().Tasks
		sort.Slice(st.Tasks, func(i, j int) bool { return st.Tasks[i].Name < st.Tasks[j].Name })
	}
	return st
}
