package router

import (
	"context"
	"errors"
	"time"

	"catabot/internal/apperr"
	"catabot/internal/transport"
)

var (
	// ErrDuplicateCommand is returned when a named command is registered twice.
	ErrDuplicateCommand = errors.New("duplicate command")
	// ErrRegistryFrozen is returned by Register after the plugin-load phase.
	ErrRegistryFrozen = errors.New("command registry is frozen")
)

// Scope says where a command may be triggered from.
type Scope int

const (
	ScopeBoth Scope = iota
	ScopeChannel
	ScopePrivate
)

func (s Scope) String() string {
	switch s {
	case ScopeChannel:
		return "channel"
	case ScopePrivate:
		return "private"
	default:
		return "both"
	}
}

func (s Scope) allows(private bool) bool {
	switch s {
	case ScopeChannel:
		return !private
	case ScopePrivate:
		return private
	default:
		return true
	}
}

type HandlerFunc func(ctx context.Context, req *Request) error

// Listener observes raw transport events (joins, leaves, every channel line).
type Listener func(ctx context.Context, ev transport.Event)

// CommandSpec describes one command.
//
// Pattern is a regular expression matched against the whole text after the
// addressing prefix was stripped; surrounding whitespace is ignored. Its
// capture groups become Request.Args.
type CommandSpec struct {
	Name        string // optional; unique when set
	Usage       string
	Description string
	Pattern     string
	Scope       Scope
	// Admin restricts the command to callers matching the admin masks.
	// Everyone else is ignored without a reply.
	Admin   bool
	Timeout time.Duration
	Plugin  string
	Handle  HandlerFunc
}

// CommandInfo is the self-documentation view of a named command.
type CommandInfo struct {
	Name        string
	Usage       string
	Description string
	Scope       Scope
	Admin       bool
	Plugin      string
}

func duplicateCommand(name string) error {
	return apperr.Configuration(&nameError{name: name, err: ErrDuplicateCommand})
}

type nameError struct {
	name string
	err  error
}

func (e *nameError) Error() string { return e.err.Error() + ": " + e.name }
func (e *nameError) Unwrap() error { return e.err }
