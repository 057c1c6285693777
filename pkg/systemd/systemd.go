// Package systemd reports process state to the service manager over the
// sd_notify socket. Every call is a no-op outside systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends state updates. The zero value is ready to use.
type Notifier struct {
	// notify is swapped in tests.
	notify func(state string) (bool, error)
}

func (n *Notifier) send(state string) (bool, error) {
	if n.notify != nil {
		return n.notify(state)
	}
	return daemon.SdNotify(false, state)
}

// Ready tells systemd startup finished, with a status line.
func (n *Notifier) Ready(status string) error {
	_, err := n.send(daemon.SdNotifyReady + "\nSTATUS=" + status)
	return err
}

// Stopping tells systemd shutdown started.
func (n *Notifier) Stopping(status string) error {
	_, err := n.send(daemon.SdNotifyStopping + "\nSTATUS=" + status)
	return err
}

func (n *Notifier) Status(status string) error {
	_, err := n.send("STATUS=" + status)
	return err
}

// Watchdog pings the service watchdog at half its interval until ctx ends.
// It returns at once when the unit has no WatchdogSec.
func (n *Notifier) Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := n.send(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
