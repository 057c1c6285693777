// Package irc implements transport.Transport over a single IRC connection.
package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
	"gopkg.in/irc.v3"

	"catabot/internal/apperr"
	"catabot/internal/transport"
	"catabot/pkg/logx"
)

const (
	dialTimeout = 30 * time.Second
	// maxLine keeps PRIVMSG payloads well under the 512 byte protocol limit
	// once the server adds the prefix.
	maxLine = 400
)

type Channel struct {
	Name string
	Key  string
}

type Config struct {
	Addr               string
	TLS                bool
	InsecureSkipVerify bool
	ServerPassword     string
	Nick               string
	User               string
	RealName           string
	// Password is sent to NickServ after registration.
	Password       string
	Channels       []Channel
	ReconnectDelay time.Duration
}

type Transport struct {
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter
	dial    func(ctx context.Context) (net.Conn, error)

	// wmu serializes writes from handlers and the dispatch worker.
	wmu sync.Mutex

	mu       sync.Mutex
	client   *irc.Client
	closed   chan struct{}
	nick     string
	nickFns  []func(string)
	quitting bool
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.NickListener = (*Transport)(nil)

func New(cfg Config, log logx.Logger) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.User == "" {
		cfg.User = cfg.Nick
	}
	if cfg.RealName == "" {
		cfg.RealName = cfg.Nick
	}
	t := &Transport{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 4),
		nick:    cfg.Nick,
	}
	t.dial = t.dialNet
	return t
}

func (t *Transport) dialNet(ctx context.Context) (net.Conn, error) {
	nd := &net.Dialer{Timeout: dialTimeout}
	if !t.cfg.TLS {
		return nd.DialContext(ctx, "tcp", t.cfg.Addr)
	}
	host, _, _ := net.SplitHostPort(t.cfg.Addr)
	td := &tls.Dialer{NetDialer: nd, Config: &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: t.cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed servers
	}}
	return td.DialContext(ctx, "tcp", t.cfg.Addr)
}

// Start connects, registers and delivers events until ctx ends, the server
// closes the link or the connection drops. A drop after anything but
// Disconnect is returned as an error so the caller can reconnect.
func (t *Transport) Start(ctx context.Context, out chan<- transport.Event) error {
	conn, err := t.dial(ctx)
	if err != nil {
		t.backoff(ctx)
		return apperr.External("irc.dial", err)
	}
	t.log.Info("connected", logx.String("addr", t.cfg.Addr), logx.Bool("tls", t.cfg.TLS))

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	closed := make(chan struct{})

	client := irc.NewClient(conn, irc.ClientConfig{
		Nick:          t.cfg.Nick,
		Pass:          t.cfg.ServerPassword,
		User:          t.cfg.User,
		Name:          t.cfg.RealName,
		PingFrequency: time.Minute,
		PingTimeout:   2 * time.Minute,
		Handler: irc.HandlerFunc(func(c *irc.Client, m *irc.Message) {
			t.handle(cctx, c, m, out)
		}),
	})

	t.mu.Lock()
	t.client = client
	t.closed = closed
	t.quitting = false
	t.mu.Unlock()

	go func() {
		<-cctx.Done()
		_ = conn.Close()
	}()

	runErr := client.RunContext(cctx)
	_ = conn.Close()
	close(closed)

	t.mu.Lock()
	t.client = nil
	quitting := t.quitting
	t.mu.Unlock()

	if ctx.Err() != nil || quitting {
		t.log.Info("disconnected")
		return nil
	}
	if runErr == nil {
		runErr = errors.New("server closed the connection")
	}
	t.log.Warn("connection lost", logx.Err(runErr))
	t.backoff(ctx)
	return apperr.External("irc.run", runErr)
}

func (t *Transport) backoff(ctx context.Context) {
	if t.cfg.ReconnectDelay <= 0 {
		return
	}
	tm := time.NewTimer(t.cfg.ReconnectDelay)
	defer tm.Stop()
	select {
	case <-ctx.Done():
	case <-tm.C:
	}
}

func (t *Transport) handle(ctx context.Context, c *irc.Client, m *irc.Message, out chan<- transport.Event) {
	t.syncNick(c.CurrentNick())

	switch m.Command {
	case "001":
		t.onWelcome(ctx, c)
		t.emit(ctx, out, transport.Event{Kind: transport.EventConnected})
	case "PRIVMSG":
		if m.Prefix == nil || len(m.Params) < 2 {
			return
		}
		text := m.Trailing()
		if strings.HasPrefix(text, "\x01") || strings.EqualFold(m.Prefix.Name, c.CurrentNick()) {
			return
		}
		msg := &transport.Message{Sender: userOf(m.Prefix), Text: text}
		if c.FromChannel(m) {
			msg.Channel = m.Params[0]
		}
		t.emit(ctx, out, transport.Event{Kind: transport.EventMessage, Message: msg, User: msg.Sender, Channel: msg.Channel})
	case "JOIN":
		if m.Prefix == nil || len(m.Params) < 1 || strings.EqualFold(m.Prefix.Name, c.CurrentNick()) {
			return
		}
		t.emit(ctx, out, transport.Event{Kind: transport.EventUserJoined, Channel: m.Params[0], User: userOf(m.Prefix)})
	case "PART":
		if m.Prefix == nil || len(m.Params) < 1 {
			return
		}
		t.emit(ctx, out, transport.Event{Kind: transport.EventUserLeft, Channel: m.Params[0], User: userOf(m.Prefix)})
	case "QUIT":
		if m.Prefix == nil {
			return
		}
		t.emit(ctx, out, transport.Event{Kind: transport.EventUserLeft, User: userOf(m.Prefix)})
	case "ERROR":
		t.log.Info("server closed link", logx.String("reason", m.Trailing()))
	}
}

func (t *Transport) onWelcome(ctx context.Context, c *irc.Client) {
	t.log.Info("registered", logx.String("nick", c.CurrentNick()))
	if t.cfg.Password != "" {
		if err := t.identify(ctx, c); err != nil {
			t.log.Warn("identify failed", logx.Err(err))
		}
	}
	for _, ch := range t.cfg.Channels {
		if err := t.join(ctx, c, ch.Name, ch.Key); err != nil {
			t.log.Warn("join failed", logx.String("channel", ch.Name), logx.Err(err))
		}
	}
}

func (t *Transport) emit(ctx context.Context, out chan<- transport.Event, ev transport.Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func userOf(p *irc.Prefix) transport.User {
	return transport.User{Nick: p.Name, Ident: p.User, Host: p.Host}
}

func (t *Transport) syncNick(current string) {
	if current == "" {
		return
	}
	t.mu.Lock()
	if current == t.nick {
		t.mu.Unlock()
		return
	}
	t.nick = current
	fns := append([]func(string){}, t.nickFns...)
	t.mu.Unlock()

	t.log.Info("nick changed", logx.String("nick", current))
	for _, fn := range fns {
		fn(current)
	}
}

func (t *Transport) OnNickChange(fn func(string)) {
	t.mu.Lock()
	t.nickFns = append(t.nickFns, fn)
	t.mu.Unlock()
}

func (t *Transport) current() *irc.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

func (t *Transport) write(ctx context.Context, c *irc.Client, m *irc.Message) error {
	if c == nil {
		return transport.ErrNotConnected
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := t.send(c, m); err != nil {
		return apperr.External("irc.write", err)
	}
	return nil
}

func (t *Transport) send(c *irc.Client, m *irc.Message) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return c.WriteMessage(m)
}

func (t *Transport) Reply(ctx context.Context, msg *transport.Message, text string, addressed bool) error {
	if addressed && !msg.Private() {
		text = msg.Sender.Nick + ": " + text
	}
	return t.DirectMessage(ctx, msg.Target(), text)
}

// DirectMessage sends text to a nick or channel, one PRIVMSG per line.
func (t *Transport) DirectMessage(ctx context.Context, target, text string) error {
	c := t.current()
	for _, line := range splitLines(text, maxLine) {
		if err := t.write(ctx, c, &irc.Message{Command: "PRIVMSG", Params: []string{target, line}}); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) Join(ctx context.Context, channel, key string) error {
	return t.join(ctx, t.current(), channel, key)
}

func (t *Transport) join(ctx context.Context, c *irc.Client, channel, key string) error {
	params := []string{channel}
	if key != "" {
		params = append(params, key)
	}
	return t.write(ctx, c, &irc.Message{Command: "JOIN", Params: params})
}

// SetNick asks the server for a new nick. Listeners are told once the server
// confirms it.
func (t *Transport) SetNick(ctx context.Context, nick string) error {
	return t.write(ctx, t.current(), &irc.Message{Command: "NICK", Params: []string{nick}})
}

func (t *Transport) Identify(ctx context.Context) error {
	if t.cfg.Password == "" {
		return apperr.Configf("irc.password is not set")
	}
	return t.identify(ctx, t.current())
}

func (t *Transport) identify(ctx context.Context, c *irc.Client) error {
	return t.write(ctx, c, &irc.Message{Command: "PRIVMSG", Params: []string{"NickServ", "IDENTIFY " + t.cfg.Password}})
}

// Disconnect sends QUIT and waits until the server drops the link or ctx ends.
func (t *Transport) Disconnect(ctx context.Context, reason string) error {
	t.mu.Lock()
	c, closed := t.client, t.closed
	if c != nil {
		t.quitting = true
	}
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	if err := t.send(c, &irc.Message{Command: "QUIT", Params: []string{reason}}); err != nil {
		return fmt.Errorf("irc quit: %w", err)
	}
	select {
	case <-closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) Nick() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nick
}

// splitLines breaks text on newlines and cuts lines longer than limit bytes
// at a rune boundary. Empty lines are dropped.
func splitLines(text string, limit int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		for len(line) > limit {
			cut := limit
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
			out = append(out, line[:cut])
			line = line[cut:]
		}
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
