package transport

import (
	"context"
	"errors"
	"strings"
)

// ErrUnsupported is returned by transports for operations their network lacks
// (joining channels or changing the nick on Telegram).
var ErrUnsupported = errors.New("transport: operation not supported")

// ErrNotConnected is returned when the transport has no live connection.
var ErrNotConnected = errors.New("transport: not connected")

type EventKind string

const (
	EventConnected  EventKind = "connected"
	EventMessage    EventKind = "message"
	EventUserJoined EventKind = "user_joined"
	EventUserLeft   EventKind = "user_left"
)

// User identifies a chat participant. On IRC the mask is nick!ident@host;
// other networks synthesize an equivalent stable string.
type User struct {
	Nick  string
	Ident string
	Host  string
}

// Mask renders nick!ident@host. It is the caller token for in-flight tracking.
func (u User) Mask() string {
	return u.Nick + "!" + u.Ident + "@" + u.Host
}

// ParseMask splits nick!ident@host; missing parts stay empty.
func ParseMask(s string) User {
	var u User
	rest := s
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		u.Host = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '!'); i >= 0 {
		u.Ident = rest[i+1:]
		rest = rest[:i]
	}
	u.Nick = rest
	return u
}

type Message struct {
	Sender User
	// Channel is empty for private messages.
	Channel string
	Text    string
}

func (m *Message) Private() bool { return m.Channel == "" }

// Target is where a reply goes: the channel, or the sender for private messages.
func (m *Message) Target() string {
	if m.Private() {
		return m.Sender.Nick
	}
	return m.Channel
}

// Event is one inbound occurrence from the network.
type Event struct {
	Kind    EventKind
	Message *Message // EventMessage
	// Channel is set for joins and for channel-scoped leaves; a network-wide
	// quit leaves it empty.
	Channel string
	User    User
}

// Transport is the boundary to the chat network client library.
type Transport interface {
	// Start connects and delivers events to out until ctx ends or the
	// connection is lost. Start returns after Disconnect completes.
	Start(ctx context.Context, out chan<- Event) error

	// Reply answers msg in place. In channels addressed replies are prefixed with the sender's nick.
	Reply(ctx context.Context, msg *Message, text string, addressed bool) error
	// DirectMessage sends text to a nick or a channel.
	DirectMessage(ctx context.Context, target, text string) error
	Join(ctx context.Context, channel, key string) error
	SetNick(ctx context.Context, nick string) error
	// Identify re-authenticates with the network's nick service.
	Identify(ctx context.Context) error

	// Disconnect sends a quit with reason and returns once the peer
	// acknowledged it or ctx ended.
	Disconnect(ctx context.Context, reason string) error

	// Nick is the bot's current name on the network.
	Nick() string
}

// NickListener is implemented by transports that report nick changes, so the
// router can keep its addressing prefix current.
type NickListener interface {
	OnNickChange(fn func(nick string))
}

// CommandHelp is one entry of a network-native command menu.
type CommandHelp struct {
	Name        string
	Description string
}

// CommandMenu is implemented by transports that can advertise commands to
// clients (Telegram's "/" menu).
type CommandMenu interface {
	PublishCommands(ctx context.Context, cmds []CommandHelp) error
}
