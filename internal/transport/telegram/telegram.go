// Package telegram implements transport.Transport on top of telebot.
//
// Group chats are channels named by their numeric chat id. Slash commands
// ("/rule@catabot give") and mentions ("@catabot rule give") are rewritten
// into the "catabot rule give" form the router expects.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"catabot/internal/apperr"
	"catabot/internal/runtime/supervisor"
	"catabot/internal/transport"
	"catabot/pkg/logx"
)

const (
	textLimit   = 4096
	defaultPoll = 10 * time.Second
	stopGrace   = 2 * time.Second
	userHost    = "telegram"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Transport struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	out     chan<- transport.Event
	running bool
	users   map[string]int64

	stopped  chan struct{}
	stopOnce sync.Once

	dropped uint64
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.CommandMenu = (*Transport)(nil)

func New(cfg Config, log logx.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, apperr.Configf("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPoll
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, apperr.External("telegram.getMe", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Transport{
		cfg:     cfg,
		log:     log,
		bot:     b,
		users:   map[string]int64{},
		stopped: make(chan struct{}),
	}
	t.registerHandlers()
	return t, nil
}

func (t *Transport) registerHandlers() {
	t.bot.Handle(tele.OnText, func(c tele.Context) error {
		if m := c.Message(); m != nil {
			if ev, ok := t.messageEvent(m); ok {
				t.emit(ev)
			}
		}
		return nil
	})
	t.bot.Handle(tele.OnUserJoined, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil || m.UserJoined == nil {
			return nil
		}
		t.emit(transport.Event{Kind: transport.EventUserJoined, Channel: chatName(m.Chat), User: t.user(m.UserJoined)})
		return nil
	})
	t.bot.Handle(tele.OnUserLeft, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil || m.UserLeft == nil {
			return nil
		}
		t.emit(transport.Event{Kind: transport.EventUserLeft, Channel: chatName(m.Chat), User: t.user(m.UserLeft)})
		return nil
	})
}

func (t *Transport) messageEvent(m *tele.Message) (transport.Event, bool) {
	if m.Sender == nil || m.Chat == nil || m.Sender.IsBot {
		return transport.Event{}, false
	}
	private := m.Chat.Type == tele.ChatPrivate
	msg := &transport.Message{
		Sender: t.user(m.Sender),
		Text:   normalizeText(m.Text, t.Nick(), private),
	}
	if !private {
		msg.Channel = chatName(m.Chat)
	}
	return transport.Event{Kind: transport.EventMessage, Message: msg, User: msg.Sender, Channel: msg.Channel}, true
}

// user maps a Telegram account to a mask and remembers its id so
// DirectMessage can reach it by nick later.
func (t *Transport) user(u *tele.User) transport.User {
	out := userOf(u)
	t.mu.Lock()
	t.users[strings.ToLower(out.Nick)] = u.ID
	t.mu.Unlock()
	return out
}

func userOf(u *tele.User) transport.User {
	nick := u.Username
	if nick == "" {
		nick = strings.TrimSpace(strings.ReplaceAll(u.FirstName+"_"+u.LastName, " ", "_"))
		nick = strings.Trim(nick, "_")
	}
	if nick == "" {
		nick = "user" + strconv.FormatInt(u.ID, 10)
	}
	return transport.User{Nick: nick, Ident: strconv.FormatInt(u.ID, 10), Host: userHost}
}

func chatName(c *tele.Chat) string { return strconv.FormatInt(c.ID, 10) }

// normalizeText rewrites Telegram addressing into "<bot> <text>" for groups
// and bare "<text>" for private chats. Commands aimed at another bot are left
// untouched so the router ignores them.
func normalizeText(text, bot string, private bool) string {
	text = strings.TrimSpace(text)
	if bot == "" || text == "" {
		return text
	}
	body, addressed := "", false
	switch {
	case strings.HasPrefix(text, "/"):
		head, rest, _ := strings.Cut(text[1:], " ")
		if name, target, ok := strings.Cut(head, "@"); ok {
			if !strings.EqualFold(target, bot) {
				return text
			}
			head = name
		}
		body = strings.TrimSpace(head + " " + rest)
		addressed = true
	case len(text) > len(bot) && text[0] == '@' && strings.EqualFold(text[1:1+len(bot)], bot):
		rest := text[1+len(bot):]
		if rest != "" && rest[0] != ' ' && rest[0] != ':' && rest[0] != ',' {
			return text
		}
		body = strings.TrimLeft(rest, " :,")
		addressed = true
	}
	if !addressed {
		return text
	}
	if private {
		return body
	}
	return bot + " " + body
}

func (t *Transport) emit(ev transport.Event) {
	t.mu.Lock()
	out := t.out
	t.mu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- ev:
	default:
		atomic.AddUint64(&t.dropped, 1)
	}
}

func (t *Transport) Start(ctx context.Context, out chan<- transport.Event) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return errors.New("telegram: already running")
	}
	t.running = true
	t.out = out
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.running = false
		t.out = nil
		t.mu.Unlock()
	}()

	sup := supervisor.New(ctx, supervisor.WithLogger(t.log), supervisor.WithCancelOnError(false))
	sup.Go0("updates.drop_report", func(c context.Context) {
		tick := time.NewTicker(5 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-c.Done():
				t.reportDropped(cap(out))
				return
			case <-tick.C:
				t.reportDropped(cap(out))
			}
		}
	})
	// bot.Start blocks until bot.Stop; a poller that exits on its own is restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		t.log.Info("polling started")
		t.bot.Start()
		t.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("telegram: poller exited")
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	t.emit(transport.Event{Kind: transport.EventConnected})

	select {
	case <-ctx.Done():
	case <-t.stopped:
	}
	sup.Cancel()
	go t.bot.Stop()

	wctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		t.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

func (t *Transport) reportDropped(capacity int) {
	if n := atomic.SwapUint64(&t.dropped, 0); n > 0 {
		t.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (t *Transport) Reply(ctx context.Context, msg *transport.Message, text string, addressed bool) error {
	if msg.Private() {
		return t.DirectMessage(ctx, msg.Sender.Ident, text)
	}
	if addressed {
		text = "@" + msg.Sender.Nick + " " + text
	}
	return t.DirectMessage(ctx, msg.Channel, text)
}

// DirectMessage accepts a numeric chat id or the nick of a user seen before.
func (t *Transport) DirectMessage(ctx context.Context, target, text string) error {
	id, err := t.resolve(target)
	if err != nil {
		return err
	}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(tele.ChatID(id), chunk); err != nil {
			return fmt.Errorf("telegram send to %s: %w", target, err)
		}
	}
	return nil
}

func (t *Transport) resolve(target string) (int64, error) {
	target = strings.TrimPrefix(strings.TrimSpace(target), "@")
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		return id, nil
	}
	t.mu.Lock()
	id, ok := t.users[strings.ToLower(target)]
	t.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("telegram: unknown recipient %q", target)
	}
	return id, nil
}

func (t *Transport) Join(context.Context, string, string) error { return transport.ErrUnsupported }

func (t *Transport) SetNick(context.Context, string) error { return transport.ErrUnsupported }

// Identify is a no-op: bot tokens need no nick service.
func (t *Transport) Identify(context.Context) error { return nil }

// Disconnect stops polling. Telegram has no quit message, so reason is only logged.
func (t *Transport) Disconnect(_ context.Context, reason string) error {
	t.log.Info("disconnecting", logx.String("reason", reason))
	t.stopOnce.Do(func() { close(t.stopped) })
	return nil
}

func (t *Transport) Nick() string {
	if t.bot == nil || t.bot.Me == nil {
		return ""
	}
	return t.bot.Me.Username
}

// PublishCommands replaces the bot's command menu.
func (t *Transport) PublishCommands(_ context.Context, cmds []transport.CommandHelp) error {
	menu := menuCommands(cmds)
	if len(menu) == 0 {
		return nil
	}
	if err := t.bot.SetCommands(menu); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	t.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}

func menuCommands(cmds []transport.CommandHelp) []tele.Command {
	seen := map[string]bool{}
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeCommand(c.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		d := strings.TrimSpace(c.Description)
		if d == "" {
			d = name
		}
		if r := []rune(d); len(r) > 256 {
			d = string(r[:256])
		}
		out = append(out, tele.Command{Text: name, Description: d})
		if len(out) == 100 {
			break
		}
	}
	return out
}

// sanitizeCommand maps a command name onto Telegram's [a-z0-9_]{1,32}.
func sanitizeCommand(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	under := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			under = false
		case r == '_' || r == '-' || r == ' ' || r == '/':
			if b.Len() > 0 && !under {
				b.WriteByte('_')
				under = true
			}
		}
		if b.Len() >= 32 {
			break
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// splitText cuts s into chunks of at most limit runes, preferring newlines.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, string(rs[start:end]))
		start = end
	}
	return out
}
