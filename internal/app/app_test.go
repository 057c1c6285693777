package app

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"catabot/internal/apperr"
	"catabot/internal/config"
	"catabot/internal/eventbus"
	"catabot/internal/plugin"
	"catabot/internal/router"
	"catabot/internal/transport/transporttest"
	"catabot/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const root = "root!ops@admin.example.org"

type ctlPlugin struct {
	name      string
	finalized atomic.Int32
	extra     func(r *plugin.Registrar) error
}

func (p *ctlPlugin) Name() string { return p.name }

func (p *ctlPlugin) Register(r *plugin.Registrar) error {
	if err := r.Command(router.CommandSpec{
		Name:    "quit",
		Pattern: `quit(?: (.+))?`,
		Admin:   true,
		Handle: func(ctx context.Context, req *router.Request) error {
			r.Runtime().RequestStop(req.Arg(0))
			return nil
		},
	}); err != nil {
		return err
	}
	if err := r.Every("tick", time.Hour, func(context.Context) error { return nil }); err != nil {
		return err
	}
	if err := r.Finalizer("save", func(context.Context) error {
		p.finalized.Add(1)
		return nil
	}); err != nil {
		return err
	}
	if p.extra != nil {
		return p.extra(r)
	}
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Runtime: config.RuntimeConfig{QuitTimeout: "500ms", ShutdownTimeout: "2s"},
		IRC:     &config.IRCConfig{Server: "irc.example.org", Nick: "catabot"},
		Admin:   config.AdminConfig{Masks: []string{"*!*@admin.example.org"}},
		Plugins: map[string]config.PluginConfigRaw{"ctl": {Enabled: true}},
	}
}

func newTestApp(t *testing.T, cfg *config.Config, log logx.Logger) (*App, *transporttest.Recorder, eventbus.Bus) {
	t.Helper()
	rec := transporttest.New("catabot")
	bus := eventbus.New()
	a, err := New(cfg, WithTransport(rec), WithLogger(nil, log), WithBus(bus), WithVersion("1.0.0"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, rec, bus
}

func states(events <-chan eventbus.Event) []string {
	var out []string
	for {
		select {
		case e := <-events:
			if sc, ok := e.Data.(eventbus.StateChange); ok {
				out = append(out, sc.To)
			}
		default:
			return out
		}
	}
}

func TestQuitCommandShutsDownInOrder(t *testing.T) {
	a, rec, bus := newTestApp(t, testConfig(), logx.Nop())
	events, unsub := bus.Subscribe(64)
	defer unsub()

	p := &ctlPlugin{name: "ctl"}
	if err := a.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rec.PushMessage("mallory!m@evil.example.org", "", "quit now")
	rec.PushMessage(root, "", "quit Time to leave...")

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}

	reason, n := rec.Quit()
	if reason != "Time to leave..." || n != 1 {
		t.Fatalf("quit reason=%q count=%d", reason, n)
	}
	if p.finalized.Load() != 1 {
		t.Fatalf("finalizer ran %d times", p.finalized.Load())
	}
	if len(rec.Sent()) != 0 {
		t.Fatalf("non-admin quit must be silent, sent %v", rec.Sent())
	}
	if a.State() != StateStopped {
		t.Fatalf("state=%s", a.State())
	}
	got := states(events)
	want := []string{"configuring", "running", "draining", "stopped"}
	if len(got) != len(want) {
		t.Fatalf("states=%v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states=%v", got)
		}
	}
}

func TestQuitNotAcknowledgedIsBounded(t *testing.T) {
	var buf syncBuffer
	cfg := testConfig()
	cfg.Runtime.QuitTimeout = "100ms"
	a, rec, _ := newTestApp(t, cfg, logx.NewWriter(&buf, "info"))
	rec.QuitAckDelay = -1
	if err := a.Register(&ctlPlugin{name: "ctl"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	waitState(t, a, StateRunning)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("shutdown hung on an unresponsive peer")
	}
	if !bytes.Contains(buf.Bytes(), []byte("shutdown timeout")) {
		t.Fatalf("missing shutdown timeout warning: %s", buf.String())
	}
}

func TestRegisterConfigurationErrorAbortsBoot(t *testing.T) {
	a, _, _ := newTestApp(t, testConfig(), logx.Nop())
	p := &ctlPlugin{name: "ctl", extra: func(r *plugin.Registrar) error {
		return r.Command(router.CommandSpec{Name: "quit", Pattern: "bye", Handle: func(context.Context, *router.Request) error { return nil }})
	}}
	err := a.Register(p)
	if !errors.Is(err, router.ErrDuplicateCommand) || !apperr.IsConfiguration(err) {
		t.Fatalf("want duplicate command configuration error, got %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if a.State() != StateStopped {
		t.Fatalf("state=%s", a.State())
	}
	if err := a.Run(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Run after Close: %v", err)
	}
}

func TestDisabledPluginsAreSkipped(t *testing.T) {
	cfg := testConfig()
	cfg.Plugins = map[string]config.PluginConfigRaw{"ctl": {Enabled: false}, "ghost": {Enabled: true}}
	a, _, _ := newTestApp(t, cfg, logx.Nop())
	if err := a.Register(&ctlPlugin{name: "ctl"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(a.Plugins()) != 0 || len(a.Commands()) != 0 {
		t.Fatalf("disabled plugin registered: %v %v", a.Plugins(), a.Commands())
	}
	if err := a.Register(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Register: %v", err)
	}
	_ = a.Close()
}

func TestApplyConfigHotReloadsAdmin(t *testing.T) {
	a, _, bus := newTestApp(t, testConfig(), logx.Nop())
	events, unsub := bus.Subscribe(8)
	defer unsub()

	next := testConfig()
	next.Admin.Masks = []string{"*!*@new.example.org"}
	a.applyConfig(a.cfg, next)

	if a.router.Admin().Match(root) {
		t.Fatalf("old admin mask still matches")
	}
	if !a.router.Admin().Match("x!y@new.example.org") {
		t.Fatalf("new admin mask not applied")
	}
	select {
	case e := <-events:
		if e.Type != eventbus.TypeConfig {
			t.Fatalf("event type=%s", e.Type)
		}
	default:
		t.Fatalf("no config event published")
	}
	_ = a.Close()
}

func TestStatus(t *testing.T) {
	a, _, _ := newTestApp(t, testConfig(), logx.Nop())
	if err := a.Register(&ctlPlugin{name: "ctl"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	st := a.Status()
	if st.State != StateConfiguring || st.Version != "1.0.0" || st.Nick != "catabot" {
		t.Fatalf("status=%+v", st)
	}
	if len(st.Jobs) != 1 || st.Jobs[0].ID != "ctl:tick" {
		t.Fatalf("jobs=%+v", st.Jobs)
	}
	_ = a.Close()
}

func waitState(t *testing.T, a *App, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for a.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state=%s, want %s", a.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *syncBuffer) String() string { return string(b.Bytes()) }
