package seen

import (
	"context"
	"strings"
	"testing"
	"time"

	"catabot/internal/plugin/plugintest"
	"catabot/internal/transport"
	"catabot/pkg/logx"
)

const (
	alice = "Alice!al@example.org"
	bob   = "bob!b@example.org"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func load(t *testing.T, opts ...plugintest.Option) (*plugintest.Harness, *Plugin) {
	t.Helper()
	h := plugintest.New(t, append(opts, plugintest.WithoutWeb())...)
	p := New()
	p.now = func() time.Time { return base }
	h.MustLoad(p, `{"expire":"24h"}`)
	return h, p
}

func presence(h *plugintest.Harness, kind transport.EventKind, who, channel string) {
	h.Event(transport.Event{Kind: kind, User: transport.ParseMask(who), Channel: channel})
}

func TestSeen(t *testing.T) {
	h, _ := load(t)
	presence(h, transport.EventUserJoined, alice, "#cata")
	presence(h, transport.EventUserLeft, bob, "")

	cases := []struct {
		line string
		want string
	}{
		{"seen", `Ask me "seen [nick]"`},
		{"seen carol", "Don't recall seeing carol"},
		{"seen alice", "Last seen Alice joining channel #cata at 2024-03-01 10:00:00 UTC ("},
		{"seen bob", "Last seen bob quitting at 2024-03-01 10:00:00 UTC ("},
	}
	for _, tc := range cases {
		h.Say(bob, "", tc.line)
		if got := h.Last(); !strings.HasPrefix(got, tc.want) {
			t.Fatalf("%q: got %q want prefix %q", tc.line, got, tc.want)
		}
	}

	presence(h, transport.EventUserLeft, alice, "#cata")
	h.Say(bob, "#cata", "catabot: seen ALICE")
	if got := h.Last(); !strings.HasPrefix(got, "bob: Last seen Alice parting channel #cata at ") {
		t.Fatalf("got %q", got)
	}
}

func TestExpire(t *testing.T) {
	h, p := load(t)
	presence(h, transport.EventUserJoined, alice, "#cata")
	p.now = func() time.Time { return base.Add(2 * time.Hour) }
	presence(h, transport.EventUserJoined, bob, "#cata")

	p.expireOld(base.Add(25 * time.Hour))
	h.Say(bob, "", "seen alice")
	if got := h.Last(); got != "Don't recall seeing alice" {
		t.Fatalf("alice should have expired, got %q", got)
	}
	h.Say(alice, "", "seen bob")
	if got := h.Last(); !strings.HasPrefix(got, "Last seen bob") {
		t.Fatalf("bob should be kept, got %q", got)
	}
}

func TestPersistAndRestore(t *testing.T) {
	h, _ := load(t, plugintest.WithStore())
	presence(h, transport.EventUserJoined, alice, "#cata")
	presence(h, transport.EventUserLeft, bob, "#cata")
	h.Scheduler.RunFinalizers(context.Background())

	p := New()
	p.store = h.Store
	p.log = logx.Nop()
	p.expire = 24 * time.Hour
	p.now = func() time.Time { return base.Add(time.Hour) }
	if err := p.restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, ok := p.seen["alice"]
	if !ok || got.Nick != "Alice" || got.Action != actionJoin || got.Channel != "#cata" || !got.At.Equal(base) {
		t.Fatalf("restored alice=%+v ok=%v", got, ok)
	}
	if got := p.seen["bob"]; got.Action != actionPart {
		t.Fatalf("restored bob=%+v", got)
	}

	// Stale entries are dropped on restore.
	p2 := New()
	p2.store, p2.log, p2.expire = h.Store, logx.Nop(), time.Hour
	p2.now = func() time.Time { return base.Add(3 * time.Hour) }
	if err := p2.restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(p2.seen) != 0 {
		t.Fatalf("stale entries kept: %+v", p2.seen)
	}
}

func TestBadExpire(t *testing.T) {
	h := plugintest.New(t, plugintest.WithoutWeb())
	if err := h.Load(New(), `{"expire":"never"}`); err == nil {
		t.Fatalf("expected a configuration error")
	}
}
