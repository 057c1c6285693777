// Package base answers questions about the bot itself.
package base

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"catabot/internal/plugin"
	"catabot/internal/router"
	"catabot/internal/web"
)

type Plugin struct {
	rt        plugin.Runtime
	startedAt time.Time
}

func New() *Plugin             { return &Plugin{} }
func (p *Plugin) Name() string { return "base" }

func (p *Plugin) Register(r *plugin.Registrar) error {
	p.rt = r.Runtime()
	p.startedAt = time.Now()

	cmds := []router.CommandSpec{
		{
			Name:        "version",
			Usage:       "version",
			Description: "Tells which version I am",
			Pattern:     `version`,
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.Reply(ctx, fmt.Sprintf("I'm Catabot v%s.", p.rt.Version()))
			},
		},
		{
			Name:        "plugins",
			Usage:       "plugins",
			Description: "Lists loaded plugins",
			Pattern:     `plugins`,
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.Reply(ctx, fmt.Sprintf("I have loaded: %s.", strings.Join(p.rt.Plugins(), ", ")))
			},
		},
		{
			Name:        "help",
			Usage:       "help [command]",
			Description: "Lists commands, or describes one",
			Pattern:     `help(?:\s+(\S+))?`,
			Handle:      p.cmdHelp,
		},
		{
			Name:        "uptime",
			Usage:       "uptime",
			Description: "Tells how long I've been running",
			Pattern:     `uptime`,
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.Reply(ctx, "Up since "+humanize.Time(p.startedAt)+".")
			},
		},
		{
			Name:        "sysinfo",
			Usage:       "sysinfo",
			Description: "Runtime details",
			Pattern:     `sysinfo`,
			Admin:       true,
			Handle:      p.cmdSysinfo,
		},
	}
	for _, c := range cmds {
		if err := r.Command(c); err != nil {
			return err
		}
	}
	return r.Mount("/version", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		web.ReplyOK(w, map[string]string{"version": p.rt.Version()})
	}))
}

func (p *Plugin) cmdHelp(ctx context.Context, req *router.Request) error {
	name := req.Arg(0)
	if name == "" {
		var names []string
		for _, c := range p.rt.Commands() {
			if !c.Admin {
				names = append(names, c.Name)
			}
		}
		return req.Reply(ctx, "I can reply to: "+strings.Join(names, ", ")+".")
	}
	for _, c := range p.rt.Commands() {
		if strings.EqualFold(c.Name, name) {
			desc := c.Description
			if c.Usage != "" && c.Usage != c.Name {
				desc += " (usage: " + c.Usage + ")"
			}
			return req.Reply(ctx, fmt.Sprintf("'%s': %s", c.Name, desc))
		}
	}
	return req.Reply(ctx, "I don't know this command.")
}

func (p *Plugin) cmdSysinfo(ctx context.Context, req *router.Request) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return req.Tell(ctx, strings.Join([]string{
		"go " + runtime.Version(),
		fmt.Sprintf("goroutines %d", runtime.NumGoroutine()),
		"heap " + humanize.Bytes(m.HeapAlloc) + ", sys " + humanize.Bytes(m.Sys),
		"up " + strings.TrimSpace(humanize.RelTime(p.startedAt, time.Now(), "", "")),
	}, ", "))
}
