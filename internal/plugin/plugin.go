// Package plugin is the contract between the runtime and feature plugins.
//
// A plugin is registered once during the Configuring phase. Everything it
// needs later (commands, listeners, jobs, finalizers, HTTP routes, gates,
// cooldowns, storage) is requested through the Registrar it receives.
package plugin

import (
	"context"

	"catabot/internal/router"
)

type Plugin interface {
	Name() string
	Register(r *Registrar) error
}

// Runtime is the slice of the running bot plugins may query or steer.
type Runtime interface {
	Version() string
	// Plugins lists loaded plugins in load order.
	Plugins() []string
	Commands() []router.CommandInfo
	// BaseURL is the advertised companion web URL.
	BaseURL() string
	// RequestStop starts an orderly shutdown. Safe to call many times.
	RequestStop(reason string)
	// SetNick changes the bot's nick on the network and in the router.
	SetNick(ctx context.Context, nick string) error
}
