package router

import (
	"context"
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"catabot/internal/apperr"
	"catabot/internal/eventbus"
	"catabot/internal/transport"
	"catabot/pkg/logx"
)

// DefaultTimeout bounds a handler that sets no Timeout of its own.
const DefaultTimeout = 30 * time.Second

type entry struct {
	spec CommandSpec
	re   *regexp.Regexp
	h    HandlerFunc
}

// Router maps inbound chat events to handlers. Commands are matched in
// registration order and the first match wins.
type Router struct {
	tr    transport.Transport
	log   logx.Logger
	bus   eventbus.Bus
	admin *AdminMask

	mu        sync.RWMutex
	entries   []*entry
	names     map[string]struct{}
	listeners map[transport.EventKind][]Listener
	frozen    bool
	nick      string
	prefix    *regexp.Regexp
}

type Option func(*Router)

func WithLogger(l logx.Logger) Option { return func(r *Router) { r.log = l } }
func WithBus(b eventbus.Bus) Option   { return func(r *Router) { r.bus = b } }
func WithAdmin(a *AdminMask) Option   { return func(r *Router) { r.admin = a } }
func WithNick(nick string) Option     { return func(r *Router) { r.setNickLocked(nick) } }

func New(tr transport.Transport, opts ...Option) *Router {
	r := &Router{
		tr:        tr,
		bus:       eventbus.Nop(),
		names:     map[string]struct{}{},
		listeners: map[transport.EventKind][]Listener{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.admin == nil {
		r.admin = NewAdminMask()
	}
	if r.prefix == nil && tr != nil {
		r.setNickLocked(tr.Nick())
	}
	return r
}

func (r *Router) Admin() *AdminMask { return r.admin }

// Register adds a command. Named commands must be unique; unnamed commands
// may share a pattern, in which case the first registered one wins.
func (r *Router) Register(spec CommandSpec) error {
	if spec.Handle == nil {
		return apperr.Configf("command %q: nil handler", spec.Name)
	}
	if strings.TrimSpace(spec.Pattern) == "" {
		return apperr.Configf("command %q: empty pattern", spec.Name)
	}
	re, err := regexp.Compile(`^\s*(?:` + spec.Pattern + `)\s*$`)
	if err != nil {
		return apperr.Configuration(fmt.Errorf("command %q: %w", spec.Name, err))
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	h := Chain(spec.Handle,
		MWRequestLog(r.bus),
		MWPanicRecover(),
		MWGateRejection(),
		MWTimeout(timeout),
	)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return apperr.Configuration(fmt.Errorf("%w: %q", ErrRegistryFrozen, spec.Name))
	}
	if spec.Name != "" {
		if _, dup := r.names[spec.Name]; dup {
			return duplicateCommand(spec.Name)
		}
		r.names[spec.Name] = struct{}{}
	}
	r.entries = append(r.entries, &entry{spec: spec, re: re, h: h})
	return nil
}

// Listen registers a passive observer for kind. Listeners run on the dispatch
// worker before command matching.
func (r *Router) Listen(kind transport.EventKind, fn Listener) error {
	if fn == nil {
		return apperr.Configf("listener for %s: nil func", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return apperr.Configuration(fmt.Errorf("%w: listener for %s", ErrRegistryFrozen, kind))
	}
	r.listeners[kind] = append(r.listeners[kind], fn)
	return nil
}

// Freeze ends the registration phase.
func (r *Router) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Commands lists the named commands in registration order.
func (r *Router) Commands() []CommandInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CommandInfo, 0, len(r.names))
	for _, e := range r.entries {
		if e.spec.Name == "" {
			continue
		}
		out = append(out, CommandInfo{
			Name:        e.spec.Name,
			Usage:       e.spec.Usage,
			Description: e.spec.Description,
			Scope:       e.spec.Scope,
			Admin:       e.spec.Admin,
			Plugin:      e.spec.Plugin,
		})
	}
	return out
}

// Lookup returns the named command.
func (r *Router) Lookup(name string) (CommandInfo, bool) {
	for _, c := range r.Commands() {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return CommandInfo{}, false
}

// SetNick changes the name channel messages must be addressed to.
func (r *Router) SetNick(nick string) {
	r.mu.Lock()
	r.setNickLocked(nick)
	r.mu.Unlock()
}

func (r *Router) Nick() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nick
}

func (r *Router) setNickLocked(nick string) {
	nick = strings.TrimSpace(nick)
	r.nick = nick
	if nick == "" {
		r.prefix = nil
		return
	}
	// "nick", optional dedup underscores, optional punctuation, whitespace.
	r.prefix = regexp.MustCompile(`(?i)^\s*` + regexp.QuoteMeta(nick) + `_*[:,.;!>]?\s+`)
}

// StripPrefix removes the addressing prefix from a channel line.
func (r *Router) StripPrefix(text string) (string, bool) {
	r.mu.RLock()
	re := r.prefix
	r.mu.RUnlock()
	if re == nil {
		return "", false
	}
	loc := re.FindStringIndex(text)
	if loc == nil {
		return "", false
	}
	return strings.TrimSpace(text[loc[1]:]), true
}

// DispatchLoop handles events one at a time until ctx ends or events closes.
func (r *Router) DispatchLoop(ctx context.Context, events <-chan transport.Event) error {
	r.log.Info("dispatcher started")
	defer r.log.Info("dispatcher stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.Dispatch(ctx, ev)
		}
	}
}

// Dispatch handles one event: listeners first, then at most one command.
func (r *Router) Dispatch(ctx context.Context, ev transport.Event) {
	r.mu.RLock()
	ls := r.listeners[ev.Kind]
	entries := r.entries
	r.mu.RUnlock()

	for _, fn := range ls {
		r.runListener(ctx, fn, ev)
	}
	if ev.Kind != transport.EventMessage || ev.Message == nil {
		return
	}

	msg := ev.Message
	private := msg.Private()
	text := strings.TrimSpace(msg.Text)
	if !private {
		var ok bool
		if text, ok = r.StripPrefix(msg.Text); !ok {
			return
		}
	}

	for _, e := range entries {
		if !e.spec.Scope.allows(private) {
			continue
		}
		m := e.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		r.invoke(ctx, e, msg, text, m[1:])
		return
	}
}

func (r *Router) invoke(ctx context.Context, e *entry, msg *transport.Message, text string, args []string) {
	name := e.spec.Name
	if name == "" {
		name = e.spec.Pattern
	}
	rid := uuid.NewString()[:8]
	req := &Request{
		Message:   msg,
		Text:      text,
		Args:      args,
		Command:   name,
		Plugin:    e.spec.Plugin,
		ReqID:     rid,
		Transport: r.tr,
		admin:     r.admin,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.String("cmd", name),
			logx.String("plugin", e.spec.Plugin),
			logx.String("caller", msg.Sender.Mask()),
			logx.String("channel", msg.Channel),
		),
	}
	if e.spec.Admin && !req.IsAdmin() {
		req.Logger.Debug("admin command ignored")
		return
	}
	// Errors were logged by the middleware chain.
	_ = e.h(ctx, req)
}

func (r *Router) runListener(ctx context.Context, fn Listener, ev transport.Event) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("listener panicked", logx.String("event", string(ev.Kind)), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()
	fn(ctx, ev)
}
