// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"sync"
	"time"

	"catabot/internal/transport"
)

// Sent is one outbound line recorded by Recorder.
type Sent struct {
	Target string
	Text   string
}

// Recorder is a Transport that records every outbound call. Events pushed with
// Push are delivered to the channel handed to Start.
type Recorder struct {
	mu         sync.Mutex
	nick       string
	sent       []Sent
	joins      []string
	identifies int
	quit       string
	quitCount  int
	nickFns    []func(string)

	in      chan transport.Event
	stopped chan struct{}
	once    sync.Once

	// QuitAckDelay delays the quit acknowledgement; negative never acknowledges.
	QuitAckDelay time.Duration
	// SendErr is returned from Reply and DirectMessage when set.
	SendErr error
	// JoinErr and IdentifyErr fail Join and Identify when set.
	JoinErr     error
	IdentifyErr error
}

var _ transport.Transport = (*Recorder)(nil)
var _ transport.NickListener = (*Recorder)(nil)

func New(nick string) *Recorder {
	return &Recorder{
		nick:    nick,
		in:      make(chan transport.Event, 64),
		stopped: make(chan struct{}),
	}
}

func (r *Recorder) Start(ctx context.Context, out chan<- transport.Event) error {
	select {
	case out <- transport.Event{Kind: transport.EventConnected}:
	case <-ctx.Done():
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopped:
			return nil
		case ev := <-r.in:
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Push queues an inbound event.
func (r *Recorder) Push(ev transport.Event) { r.in <- ev }

// PushMessage queues a message from sender (nick!ident@host) to channel ("" = private).
func (r *Recorder) PushMessage(sender, channel, text string) {
	r.Push(transport.Event{
		Kind:    transport.EventMessage,
		Message: &transport.Message{Sender: transport.ParseMask(sender), Channel: channel, Text: text},
		User:    transport.ParseMask(sender),
		Channel: channel,
	})
}

func (r *Recorder) Reply(ctx context.Context, msg *transport.Message, text string, addressed bool) error {
	if addressed && !msg.Private() {
		text = msg.Sender.Nick + ": " + text
	}
	return r.DirectMessage(ctx, msg.Target(), text)
}

func (r *Recorder) DirectMessage(_ context.Context, target, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SendErr != nil {
		return r.SendErr
	}
	r.sent = append(r.sent, Sent{Target: target, Text: text})
	return nil
}

func (r *Recorder) Join(_ context.Context, channel, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.JoinErr != nil {
		return r.JoinErr
	}
	r.joins = append(r.joins, channel)
	return nil
}

func (r *Recorder) SetNick(_ context.Context, nick string) error {
	r.mu.Lock()
	r.nick = nick
	fns := append([]func(string){}, r.nickFns...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn(nick)
	}
	return nil
}

func (r *Recorder) OnNickChange(fn func(string)) {
	r.mu.Lock()
	r.nickFns = append(r.nickFns, fn)
	r.mu.Unlock()
}

func (r *Recorder) Identify(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.IdentifyErr != nil {
		return r.IdentifyErr
	}
	r.identifies++
	return nil
}

func (r *Recorder) Disconnect(ctx context.Context, reason string) error {
	r.mu.Lock()
	r.quit = reason
	r.quitCount++
	delay := r.QuitAckDelay
	r.mu.Unlock()

	if delay < 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		r.once.Do(func() { close(r.stopped) })
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) Nick() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nick
}

// Sent returns a copy of the outbound lines.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Texts returns only the text of outbound lines.
func (r *Recorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, s := range r.sent {
		out = append(out, s.Text)
	}
	return out
}

// WaitSent blocks until at least n lines were sent or d elapsed.
func (r *Recorder) WaitSent(n int, d time.Duration) []Sent {
	deadline := time.Now().Add(d)
	for {
		s := r.Sent()
		if len(s) >= n || time.Now().After(deadline) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (r *Recorder) Joins() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.joins...)
}

func (r *Recorder) Identifies() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identifies
}

// Quit returns the last quit reason and how many times Disconnect was called.
func (r *Recorder) Quit() (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quit, r.quitCount
}
