// Package seen remembers when nicks last joined or left.
package seen

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"catabot/internal/apperr"
	"catabot/internal/plugin"
	"catabot/internal/router"
	"catabot/internal/storage"
	"catabot/internal/transport"
	"catabot/pkg/logx"
)

const (
	actionJoin = "join"
	actionPart = "part"
)

type Config struct {
	// Expire drops entries older than this.
	Expire string `json:"expire"`
}

type Plugin struct {
	expire time.Duration
	store  *storage.Store
	log    logx.Logger
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]storage.Seen // keyed by lower-cased nick
}

func New() *Plugin {
	return &Plugin{now: time.Now, seen: map[string]storage.Seen{}}
}

func (p *Plugin) Name() string { return "seen" }

func (p *Plugin) Register(r *plugin.Registrar) error {
	cfg := Config{Expire: "720h"}
	if err := plugin.DecodeConfig(r, &cfg); err != nil {
		return err
	}
	d, err := time.ParseDuration(cfg.Expire)
	if err != nil || d <= 0 {
		return apperr.Configf("plugins.seen.config.expire: invalid duration %q", cfg.Expire)
	}
	p.expire = d
	p.log = r.Logger()

	// Without storage the cache lives in memory only.
	st, err := r.Store()
	switch {
	case err == nil:
		p.store = st
		if err := p.restore(r.Context()); err != nil {
			p.log.Warn("seen cache not restored", logx.Err(err))
		}
	case apperr.IsConfiguration(err):
		p.log.Info("seen cache is not persisted, storage disabled")
	default:
		return err
	}

	if err := r.Listen(transport.EventUserJoined, p.onJoin); err != nil {
		return err
	}
	if err := r.Listen(transport.EventUserLeft, p.onLeave); err != nil {
		return err
	}
	if err := r.Command(router.CommandSpec{
		Name:        "seen",
		Usage:       "seen [nick]",
		Description: "Check last known presence of [nick]",
		Pattern:     `seen(?:\s+(\S+))?`,
		Handle:      p.handle,
	}); err != nil {
		return err
	}
	if err := r.Every("expire", time.Hour, func(context.Context) error {
		p.expireOld(p.now())
		return nil
	}); err != nil {
		return err
	}
	if p.store == nil {
		return nil
	}
	return r.Finalizer("persist", p.persist)
}

func (p *Plugin) onJoin(_ context.Context, ev transport.Event) {
	p.record(ev, actionJoin)
}

func (p *Plugin) onLeave(_ context.Context, ev transport.Event) {
	p.record(ev, actionPart)
}

func (p *Plugin) record(ev transport.Event, action string) {
	if ev.User.Nick == "" {
		return
	}
	p.log.Debug("seen", logx.String("nick", ev.User.Nick), logx.String("action", action))
	p.mu.Lock()
	p.seen[strings.ToLower(ev.User.Nick)] = storage.Seen{
		Nick:    ev.User.Nick,
		Action:  action,
		Channel: ev.Channel,
		At:      p.now(),
	}
	p.mu.Unlock()
}

func (p *Plugin) handle(ctx context.Context, req *router.Request) error {
	nick := req.Arg(0)
	if nick == "" {
		return req.Reply(ctx, `Ask me "seen [nick]"`)
	}
	p.mu.Lock()
	e, ok := p.seen[strings.ToLower(nick)]
	p.mu.Unlock()
	if !ok {
		return req.Reply(ctx, fmt.Sprintf("Don't recall seeing %s", nick))
	}
	return req.Reply(ctx, fmt.Sprintf("Last seen %s %s", e.Nick, describe(e)))
}

func describe(e storage.Seen) string {
	stamp := e.At.UTC().Format("2006-01-02 15:04:05 MST")
	ago := humanize.Time(e.At)
	switch {
	case e.Channel == "" && e.Action == actionPart:
		return fmt.Sprintf("quitting at %s (%s)", stamp, ago)
	case e.Channel == "":
		return fmt.Sprintf("%sing at %s (%s)", e.Action, stamp, ago)
	default:
		return fmt.Sprintf("%sing channel %s at %s (%s)", e.Action, e.Channel, stamp, ago)
	}
}

func (p *Plugin) expireOld(now time.Time) {
	cutoff := now.Add(-p.expire)
	p.mu.Lock()
	deleted := 0
	for k, e := range p.seen {
		if e.At.Before(cutoff) {
			delete(p.seen, k)
			deleted++
		}
	}
	kept := len(p.seen)
	p.mu.Unlock()
	p.log.Debug("seen cleaner", logx.Int("deleted", deleted), logx.Int("kept", kept))
}

func (p *Plugin) restore(ctx context.Context) error {
	entries, err := p.store.LoadSeen(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	for _, e := range entries {
		p.seen[strings.ToLower(e.Nick)] = e
	}
	p.mu.Unlock()
	p.log.Debug("seen cache restored", logx.Int("entries", len(entries)))
	p.expireOld(p.now())
	return nil
}

func (p *Plugin) persist(ctx context.Context) error {
	p.mu.Lock()
	entries := make([]storage.Seen, 0, len(p.seen))
	for _, e := range p.seen {
		entries = append(entries, e)
	}
	p.mu.Unlock()
	if err := p.store.ReplaceSeen(ctx, entries); err != nil {
		return fmt.Errorf("persist seen cache: %w", err)
	}
	p.log.Debug("seen cache saved", logx.Int("entries", len(entries)))
	return nil
}
