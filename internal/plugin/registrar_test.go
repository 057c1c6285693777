package plugin_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"catabot/internal/apperr"
	"catabot/internal/gate"
	"catabot/internal/plugin"
	"catabot/internal/plugin/plugintest"
	"catabot/internal/router"
	"catabot/internal/scheduler"
	"catabot/internal/web"
)

type fakePlugin struct {
	name string
	reg  func(r *plugin.Registrar) error
}

func (p fakePlugin) Name() string                        { return p.name }
func (p fakePlugin) Register(r *plugin.Registrar) error { return p.reg(r) }

const alice = "alice!al@users.example.org"

func TestRegistrarNamespacesIDs(t *testing.T) {
	h := plugintest.New(t)
	noop := func(context.Context) error { return nil }
	h.MustLoad(fakePlugin{name: "rules", reg: func(r *plugin.Registrar) error {
		if err := r.Daily("reset", noop); err != nil {
			return err
		}
		if err := r.Every("tick", time.Hour, noop); err != nil {
			return err
		}
		return r.Finalizer("save", noop)
	}}, "")

	var ids []string
	for _, j := range h.Scheduler.Snapshot() {
		ids = append(ids, j.ID)
	}
	if strings.Join(ids, ",") != "rules:reset,rules:tick" {
		t.Fatalf("job ids=%v", ids)
	}

	// Same local id from another plugin does not collide.
	h.MustLoad(fakePlugin{name: "seen", reg: func(r *plugin.Registrar) error { return r.Daily("reset", noop) }}, "")
	// Same plugin twice does.
	err := h.Load(fakePlugin{name: "rules", reg: func(r *plugin.Registrar) error { return r.Finalizer("save", noop) }}, "")
	if !errors.Is(err, scheduler.ErrDuplicateFinalizer) {
		t.Fatalf("want duplicate finalizer, got %v", err)
	}
}

func TestDecodeConfig(t *testing.T) {
	type cfg struct {
		Limit int    `json:"limit"`
		Repo  string `json:"repo"`
	}
	tests := []struct {
		name    string
		raw     string
		want    cfg
		wantErr bool
	}{
		{"empty keeps defaults", "", cfg{Limit: 3}, false},
		{"null keeps defaults", "null", cfg{Limit: 3}, false},
		{"override", `{"limit":5,"repo":"a/b"}`, cfg{Limit: 5, Repo: "a/b"}, false},
		{"unknown field", `{"limt":5}`, cfg{}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := plugintest.New(t, plugintest.WithoutWeb())
			got := cfg{Limit: 3}
			err := h.Load(fakePlugin{name: "x", reg: func(r *plugin.Registrar) error {
				return plugin.DecodeConfig(r, &got)
			}}, tc.raw)
			if tc.wantErr {
				if !apperr.IsConfiguration(err) {
					t.Fatalf("want configuration error, got %v", err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("got %+v err=%v", got, err)
			}
		})
	}
}

func TestStoreRequired(t *testing.T) {
	h := plugintest.New(t)
	err := h.Load(fakePlugin{name: "rules", reg: func(r *plugin.Registrar) error {
		_, err := r.Store()
		return err
	}}, "")
	if !apperr.IsConfiguration(err) {
		t.Fatalf("want configuration error, got %v", err)
	}
}

func TestNewGateInvalidLimit(t *testing.T) {
	h := plugintest.New(t)
	err := h.Load(fakePlugin{name: "github", reg: func(r *plugin.Registrar) error {
		_, err := r.NewGate(0)
		return err
	}}, "")
	if !errors.Is(err, gate.ErrInvalidLimit) || !apperr.IsConfiguration(err) {
		t.Fatalf("want invalid limit configuration error, got %v", err)
	}
}

func TestMountCollisionAcrossPlugins(t *testing.T) {
	h := plugintest.New(t)
	mount := func(r *plugin.Registrar) error { return r.Mount("/shared", http.NotFoundHandler()) }
	h.MustLoad(fakePlugin{name: "a", reg: mount}, "")
	if err := h.Load(fakePlugin{name: "b", reg: mount}, ""); !errors.Is(err, web.ErrDuplicateMount) {
		t.Fatalf("want duplicate mount, got %v", err)
	}

	off := plugintest.New(t, plugintest.WithoutWeb())
	off.MustLoad(fakePlugin{name: "a", reg: mount}, "")
}

func TestCooldownsSharedPerPlugin(t *testing.T) {
	h := plugintest.New(t)
	var a, b *plugin.Registrar
	h.MustLoad(fakePlugin{name: "rules", reg: func(r *plugin.Registrar) error { a = r; return nil }}, "")
	h.MustLoad(fakePlugin{name: "facts", reg: func(r *plugin.Registrar) error { b = r; return nil }}, "")
	if a.Cooldowns("votes") != a.Cooldowns("votes") {
		t.Fatalf("same name must return the same set")
	}
	if a.Cooldowns("votes") == b.Cooldowns("votes") {
		t.Fatalf("plugins must not share sets")
	}
}

func TestSpawnReply(t *testing.T) {
	h := plugintest.New(t)
	release := make(chan struct{})
	var calls atomic.Int32
	h.MustLoad(fakePlugin{name: "slow", reg: func(r *plugin.Registrar) error {
		g, err := r.NewGate(1, gate.WithTimeout(time.Second))
		if err != nil {
			return err
		}
		return r.Command(router.CommandSpec{
			Name:    "slow",
			Pattern: `slow (\w+)`,
			Handle: func(ctx context.Context, req *router.Request) error {
				mode := req.Arg(0)
				return plugin.SpawnReply(ctx, g, req, func(ctx context.Context) ([]string, error) {
					calls.Add(1)
					switch mode {
					case "wait":
						<-release
						return []string{"one", "two"}, nil
					case "fail":
						return nil, errors.New("upstream 500")
					default:
						return nil, nil
					}
				})
			},
		})
	}}, "")

	h.Say(alice, "", "slow wait")
	h.Say(alice, "", "slow wait")
	h.Say("bob!b@h", "", "slow wait")
	close(release)
	sent := h.Rec.WaitSent(4, 2*time.Second)
	got := make([]string, 0, len(sent))
	for _, s := range sent {
		got = append(got, s.Text)
	}
	want := []string{gate.RejectionText(gate.ErrAlreadyInFlight), gate.RejectionText(gate.ErrTooBusy), "one", "two"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q want %q", got, want)
	}

	h.Say(alice, "", "slow fail")
	if s := h.Rec.WaitSent(5, 2*time.Second); s[len(s)-1].Text != plugin.ApologyText {
		t.Fatalf("failure reply=%q", s[len(s)-1].Text)
	}
	h.Say(alice, "", "slow none")
	if s := h.Rec.WaitSent(6, 2*time.Second); s[len(s)-1].Text != plugin.NoResultsText {
		t.Fatalf("empty reply=%q", s[len(s)-1].Text)
	}
	if calls.Load() != 3 {
		t.Fatalf("op calls=%d", calls.Load())
	}
}
