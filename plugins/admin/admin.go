// Package admin holds the operator commands. Every command is restricted to
// the admin masks; anybody else is ignored.
package admin

import (
	"context"
	"errors"
	"strings"

	"catabot/internal/plugin"
	"catabot/internal/router"
	"catabot/internal/transport"
	"catabot/pkg/logx"
)

const defaultQuitReason = "Time to leave..."

type Config struct {
	QuitReason string `json:"quit_reason"`
}

type Plugin struct {
	cfg Config
	rt  plugin.Runtime
	tr  transport.Transport
	log logx.Logger
}

func New() *Plugin             { return &Plugin{} }
func (p *Plugin) Name() string { return "admin" }

func (p *Plugin) Register(r *plugin.Registrar) error {
	p.cfg = Config{QuitReason: defaultQuitReason}
	if err := plugin.DecodeConfig(r, &p.cfg); err != nil {
		return err
	}
	p.rt = r.Runtime()
	p.tr = r.Transport()
	p.log = r.Logger()

	cmds := []router.CommandSpec{
		{
			Name:        "quit",
			Usage:       "quit [reason]",
			Description: "Disconnects and shuts down",
			Pattern:     `quit(?:\s+(.+))?`,
			Admin:       true,
			Handle:      p.cmdQuit,
		},
		{
			Name:        "nick",
			Usage:       "nick <name>",
			Description: "Changes my nick",
			Pattern:     `nick\s+(\S+)`,
			Admin:       true,
			Handle:      p.cmdNick,
		},
		{
			Name:        "join",
			Usage:       "join <#channel> [key]",
			Description: "Joins a channel",
			Pattern:     `join\s+(\S+)(?:\s+(\S+))?`,
			Admin:       true,
			Handle:      p.cmdJoin,
		},
		{
			Name:        "auth",
			Usage:       "auth",
			Description: "Identifies with NickServ again",
			Pattern:     `auth`,
			Admin:       true,
			Handle:      p.cmdAuth,
		},
	}
	for _, c := range cmds {
		if err := r.Command(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plugin) cmdQuit(_ context.Context, req *router.Request) error {
	reason := strings.TrimSpace(req.Arg(0))
	if reason == "" {
		reason = p.cfg.QuitReason
	}
	req.Logger.Info("quit requested", logx.String("reason", reason))
	p.rt.RequestStop(reason)
	return nil
}

func (p *Plugin) cmdNick(ctx context.Context, req *router.Request) error {
	nick := req.Arg(0)
	if err := p.rt.SetNick(ctx, nick); err != nil {
		return req.Reply(ctx, failure(req, "change nick", err))
	}
	return req.Reply(ctx, "Trying nick "+nick+".")
}

func (p *Plugin) cmdJoin(ctx context.Context, req *router.Request) error {
	channel, key := req.Arg(0), req.Arg(1)
	if err := p.tr.Join(ctx, channel, key); err != nil {
		return req.Reply(ctx, failure(req, "join "+channel, err))
	}
	return req.Reply(ctx, "Joining "+channel+".")
}

func (p *Plugin) cmdAuth(ctx context.Context, req *router.Request) error {
	if err := p.tr.Identify(ctx); err != nil {
		return req.Reply(ctx, failure(req, "identify", err))
	}
	return req.Reply(ctx, "Sent IDENTIFY.")
}

// failure logs err and returns the chat answer, which never carries the error text.
func failure(req *router.Request, what string, err error) string {
	if errors.Is(err, transport.ErrUnsupported) {
		return "Can't " + what + " on this network."
	}
	req.Logger.Error("admin command failed", logx.String("action", what), logx.Err(err))
	return "Couldn't " + what + "."
}
