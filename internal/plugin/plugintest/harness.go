// Package plugintest loads a single plugin against in-memory runtime services.
package plugintest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"catabot/internal/cooldown"
	"catabot/internal/plugin"
	"catabot/internal/router"
	"catabot/internal/scheduler"
	"catabot/internal/storage"
	"catabot/internal/transport"
	"catabot/internal/transport/transporttest"
	"catabot/internal/web"
	"catabot/pkg/logx"
)

// Nick is the bot's nick inside the harness.
const Nick = "catabot"

type Harness struct {
	t *testing.T

	Host      *plugin.Host
	Router    *router.Router
	Scheduler *scheduler.Scheduler
	Web       *web.Server
	Store     *storage.Store
	Rec       *transporttest.Recorder
	Runtime   *Runtime
}

type Option func(*options)

type options struct {
	store bool
	admin []string
	web   bool
	logW  io.Writer
}

// WithStore opens a fresh SQLite store in a temp dir.
func WithStore() Option { return func(o *options) { o.store = true } }

// WithAdmin sets the admin masks.
func WithAdmin(masks ...string) Option { return func(o *options) { o.admin = masks } }

// WithLogOutput writes debug-level JSON logs to w instead of dropping them.
func WithLogOutput(w io.Writer) Option { return func(o *options) { o.logW = w } }

// WithoutWeb runs with the companion listener disabled.
func WithoutWeb() Option { return func(o *options) { o.web = false } }

func New(t *testing.T, opts ...Option) *Harness {
	t.Helper()
	o := options{web: true}
	for _, fn := range opts {
		fn(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := transporttest.New(Nick)
	log := logx.Nop()
	if o.logW != nil {
		log = logx.NewWriter(o.logW, "debug")
	}
	r := router.New(rec, router.WithLogger(log), router.WithAdmin(router.NewAdminMask(o.admin...)))
	sched := scheduler.New(scheduler.WithLogger(log))

	h := &Harness{t: t, Router: r, Scheduler: sched, Rec: rec}
	if o.web {
		h.Web = web.New(web.Config{Addr: "127.0.0.1:0", BaseURL: "http://bot.test"}, log)
	}
	if o.store {
		st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")}, log)
		if err != nil {
			t.Fatalf("storage: %v", err)
		}
		h.Store = st
	}
	h.Runtime = &Runtime{h: h, version: "test"}
	h.Host = &plugin.Host{
		Context:   ctx,
		Logger:    log,
		Router:    r,
		Scheduler: sched,
		Web:       h.Web,
		Store:     h.Store,
		Cooldowns: cooldown.NewRegistry(),
		Transport: rec,
		Runtime:   h.Runtime,
	}

	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		cancel()
		_ = h.Host.CloseGates(stopCtx)
		_ = sched.StopAll(stopCtx)
		if h.Store != nil {
			_ = h.Store.Close()
		}
	})
	return h
}

// Load registers p with raw as its config block (JSON, may be empty).
func (h *Harness) Load(p plugin.Plugin, raw string) error {
	h.t.Helper()
	h.Runtime.mu.Lock()
	h.Runtime.plugins = append(h.Runtime.plugins, p.Name())
	h.Runtime.mu.Unlock()
	return p.Register(plugin.NewRegistrar(p.Name(), json.RawMessage(raw), h.Host))
}

// MustLoad is Load that fails the test on error.
func (h *Harness) MustLoad(p plugin.Plugin, raw string) {
	h.t.Helper()
	if err := h.Load(p, raw); err != nil {
		h.t.Fatalf("load %s: %v", p.Name(), err)
	}
}

// Say dispatches a message synchronously. channel "" is a private message;
// channel lines must carry the addressing prefix themselves.
func (h *Harness) Say(sender, channel, text string) {
	u := transport.ParseMask(sender)
	h.Router.Dispatch(context.Background(), transport.Event{
		Kind:    transport.EventMessage,
		Message: &transport.Message{Sender: u, Channel: channel, Text: text},
		User:    u,
		Channel: channel,
	})
}

// Event dispatches a raw event synchronously.
func (h *Harness) Event(ev transport.Event) {
	h.Router.Dispatch(context.Background(), ev)
}

// Texts is every line sent so far.
func (h *Harness) Texts() []string { return h.Rec.Texts() }

// Last is the most recent line sent, or "".
func (h *Harness) Last() string {
	s := h.Rec.Texts()
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

// Get serves a request through the web handler chain.
func (h *Harness) Get(path string) *httptest.ResponseRecorder {
	h.t.Helper()
	if h.Web == nil {
		h.t.Fatalf("web disabled")
	}
	rec := httptest.NewRecorder()
	h.Web.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

// Runtime is a plugin.Runtime that records stop requests.
type Runtime struct {
	h       *Harness
	version string

	mu      sync.Mutex
	plugins []string
	stops   []string
}

var _ plugin.Runtime = (*Runtime)(nil)

func (r *Runtime) Version() string { return r.version }

func (r *Runtime) Plugins() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.plugins...)
}

func (r *Runtime) Commands() []router.CommandInfo { return r.h.Router.Commands() }

func (r *Runtime) BaseURL() string {
	if r.h.Web == nil {
		return ""
	}
	return r.h.Web.URL()
}

func (r *Runtime) RequestStop(reason string) {
	r.mu.Lock()
	r.stops = append(r.stops, reason)
	r.mu.Unlock()
}

func (r *Runtime) SetNick(ctx context.Context, nick string) error {
	if err := r.h.Rec.SetNick(ctx, nick); err != nil {
		return err
	}
	r.h.Router.SetNick(nick)
	return nil
}

// Stops lists the reasons passed to RequestStop.
func (r *Runtime) Stops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stops...)
}
