package irc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"catabot/internal/transport"
	"catabot/pkg/logx"
)

// fakeServer accepts one client, answers registration with 001 and QUIT with
// ERROR, and records every line it receives.
type fakeServer struct {
	ln    net.Listener
	lines chan string

	mu   sync.Mutex
	conn net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, lines: make(chan string, 128)}
	go s.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	})
	return s
}

func (s *fakeServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	nick := "catabot"
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		s.lines <- line
		switch {
		case strings.HasPrefix(line, "NICK "):
			nick = strings.TrimPrefix(strings.TrimPrefix(line, "NICK "), ":")
		case strings.HasPrefix(line, "USER "):
			s.send(fmt.Sprintf(":irc.test 001 %s :Welcome", nick))
		case strings.HasPrefix(line, "QUIT"):
			s.send(":irc.test ERROR :Closing Link")
			_ = conn.Close()
			return
		}
	}
}

func (s *fakeServer) send(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_, _ = s.conn.Write([]byte(line + "\r\n"))
	}
}

// expect waits for a received line starting with prefix.
func (s *fakeServer) expect(t *testing.T, prefix string) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case l := <-s.lines:
			if strings.HasPrefix(l, prefix) {
				return l
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", prefix)
			return ""
		}
	}
}

func nextEvent(t *testing.T, ch <-chan transport.Event, kind transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return transport.Event{}
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv := newFakeServer(t)
	tr := New(Config{
		Addr:     srv.ln.Addr().String(),
		Nick:     "catabot",
		Password: "sekrit",
		Channels: []Channel{{Name: "#cata"}, {Name: "#priv", Key: "k"}},
	}, logx.Nop())

	var nickMu sync.Mutex
	var nicks []string
	tr.OnNickChange(func(n string) {
		nickMu.Lock()
		nicks = append(nicks, n)
		nickMu.Unlock()
	})

	events := make(chan transport.Event, 16)
	errc := make(chan error, 1)
	go func() { errc <- tr.Start(context.Background(), events) }()

	nextEvent(t, events, transport.EventConnected)
	if l := srv.expect(t, "PRIVMSG NickServ"); !strings.Contains(l, "IDENTIFY sekrit") {
		t.Fatalf("identify line: %q", l)
	}
	if l := srv.expect(t, "JOIN"); !strings.Contains(l, "#cata") {
		t.Fatalf("first join: %q", l)
	}
	if l := srv.expect(t, "JOIN"); !strings.Contains(l, "#priv") || !strings.HasSuffix(l, "k") {
		t.Fatalf("join with key: %q", l)
	}

	srv.send(":alice!al@example.org PRIVMSG #cata :catabot: rule give")
	ev := nextEvent(t, events, transport.EventMessage)
	if ev.Message.Channel != "#cata" || ev.Message.Text != "catabot: rule give" {
		t.Fatalf("unexpected message: %+v", ev.Message)
	}
	if ev.Message.Sender.Mask() != "alice!al@example.org" {
		t.Fatalf("mask=%q", ev.Message.Sender.Mask())
	}

	srv.send(":bob!b@h PRIVMSG catabot :seen alice")
	ev = nextEvent(t, events, transport.EventMessage)
	if !ev.Message.Private() || ev.Message.Target() != "bob" {
		t.Fatalf("expected private message, got %+v", ev.Message)
	}

	srv.send(":carol!c@h JOIN #cata")
	ev = nextEvent(t, events, transport.EventUserJoined)
	if ev.Channel != "#cata" || ev.User.Nick != "carol" {
		t.Fatalf("join event: %+v", ev)
	}
	srv.send(":carol!c@h QUIT :bye")
	ev = nextEvent(t, events, transport.EventUserLeft)
	if ev.Channel != "" || ev.User.Nick != "carol" {
		t.Fatalf("quit event: %+v", ev)
	}

	ctx := context.Background()
	msg := &transport.Message{Sender: transport.User{Nick: "alice"}, Channel: "#cata"}
	if err := tr.Reply(ctx, msg, "one\ntwo", true); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if l := srv.expect(t, "PRIVMSG #cata"); !strings.HasSuffix(l, "alice: one") {
		t.Fatalf("first line: %q", l)
	}
	if l := srv.expect(t, "PRIVMSG #cata"); !strings.HasSuffix(l, "two") {
		t.Fatalf("second line: %q", l)
	}

	if err := tr.SetNick(ctx, "catabot2"); err != nil {
		t.Fatalf("set nick: %v", err)
	}
	if l := srv.expect(t, "NICK"); !strings.Contains(l, "catabot2") {
		t.Fatalf("nick line: %q", l)
	}
	srv.send(":catabot!u@h NICK catabot2")
	srv.send(":irc.test PING :x")
	srv.expect(t, "PONG")
	if tr.Nick() != "catabot2" {
		t.Fatalf("nick=%q", tr.Nick())
	}
	nickMu.Lock()
	got := append([]string(nil), nicks...)
	nickMu.Unlock()
	if len(got) != 1 || got[0] != "catabot2" {
		t.Fatalf("nick listeners got %v", got)
	}

	dctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := tr.Disconnect(dctx, "bye now"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("start returned %v after quit", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("start did not return")
	}
}

func TestStartReportsLostConnection(t *testing.T) {
	srv := newFakeServer(t)
	tr := New(Config{Addr: srv.ln.Addr().String(), Nick: "catabot"}, logx.Nop())
	events := make(chan transport.Event, 16)
	errc := make(chan error, 1)
	go func() { errc <- tr.Start(context.Background(), events) }()

	nextEvent(t, events, transport.EventConnected)
	srv.mu.Lock()
	_ = srv.conn.Close()
	srv.mu.Unlock()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatalf("expected an error for a dropped connection")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("start did not return")
	}
	if err := tr.DirectMessage(context.Background(), "#x", "hi"); err == nil {
		t.Fatalf("expected not connected error")
	}
}

func TestStartStopsOnContext(t *testing.T) {
	srv := newFakeServer(t)
	tr := New(Config{Addr: srv.ln.Addr().String(), Nick: "catabot"}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan transport.Event, 16)
	errc := make(chan error, 1)
	go func() { errc <- tr.Start(ctx, events) }()

	nextEvent(t, events, transport.EventConnected)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("start returned %v on cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("start did not return")
	}
}

func TestIdentifyWithoutPassword(t *testing.T) {
	tr := New(Config{Nick: "catabot"}, logx.Nop())
	if err := tr.Identify(context.Background()); err == nil {
		t.Fatalf("expected configuration error")
	}
	if err := tr.Disconnect(context.Background(), "x"); err != nil {
		t.Fatalf("disconnect while offline: %v", err)
	}
}

func TestSplitLines(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{"single", "hello", 10, []string{"hello"}},
		{"newlines", "a\r\n\nb", 10, []string{"a", "b"}},
		{"long", "abcdefgh", 3, []string{"abc", "def", "gh"}},
		{"runes", "ééé", 3, []string{"é", "é", "é"}},
		{"empty", "", 10, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := splitLines(tc.in, tc.limit)
			if strings.Join(got, "|") != strings.Join(tc.want, "|") || len(got) != len(tc.want) {
				t.Fatalf("splitLines(%q)=%q want %q", tc.in, got, tc.want)
			}
		})
	}
}
