package router

import (
	"context"

	"catabot/internal/transport"
	"catabot/pkg/logx"
)

// Request is one matched command invocation.
type Request struct {
	Message *transport.Message
	// Text is the message text with the addressing prefix removed.
	Text string
	// Args holds the pattern's capture groups.
	Args    []string
	Command string
	Plugin  string
	ReqID   string

	Transport transport.Transport
	Logger    logx.Logger

	admin *AdminMask
}

// Arg returns capture group i, or "" when absent.
func (r *Request) Arg(i int) string {
	if i < 0 || i >= len(r.Args) {
		return ""
	}
	return r.Args[i]
}

// Caller is the sender's hostmask, the per-caller key for gates and cooldowns.
func (r *Request) Caller() string {
	if r.Message == nil {
		return ""
	}
	return r.Message.Sender.Mask()
}

// IsAdmin evaluates the admin masks against the caller now.
func (r *Request) IsAdmin() bool { return r.admin.Match(r.Caller()) }

// Reply answers in place, addressing the sender by nick in channels.
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.Transport.Reply(ctx, r.Message, text, true)
}

// Say answers in place without addressing the sender.
func (r *Request) Say(ctx context.Context, text string) error {
	return r.Transport.Reply(ctx, r.Message, text, false)
}

// Tell sends text privately to the sender.
func (r *Request) Tell(ctx context.Context, text string) error {
	return r.Transport.DirectMessage(ctx, r.Message.Sender.Nick, text)
}
