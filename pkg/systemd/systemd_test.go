package systemd

import (
	"context"
	"errors"
	"testing"
)

func TestNotifierStates(t *testing.T) {
	var got []string
	n := &Notifier{notify: func(state string) (bool, error) {
		got = append(got, state)
		return true, nil
	}}
	if err := n.Ready("connected"); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if err := n.Status("3 plugins"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if err := n.Stopping("quit"); err != nil {
		t.Fatalf("Stopping: %v", err)
	}
	want := []string{"READY=1\nSTATUS=connected", "STATUS=3 plugins", "STOPPING=1\nSTATUS=quit"}
	if len(got) != len(want) {
		t.Fatalf("got %q want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestNotifierError(t *testing.T) {
	boom := errors.New("socket gone")
	n := &Notifier{notify: func(string) (bool, error) { return false, boom }}
	if err := n.Status("x"); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
}

func TestOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	var n Notifier
	if err := n.Ready("ok"); err != nil {
		t.Fatalf("Ready outside systemd: %v", err)
	}
	if err := n.Watchdog(context.Background()); err != nil {
		t.Fatalf("Watchdog outside systemd: %v", err)
	}
}
