// Package systemd reports daemon lifecycle to a systemd service
// manager over the sd_notify socket. Every call is a no-op outside a
// systemd unit (NOTIFY_SOCKET unset), so callers never need to guard.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady reports startup completion (READY=1). The bool is false
// when no notification socket is present.
func NotifyReady() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

// NotifyStopping reports the beginning of shutdown (STOPPING=1).
func NotifyStopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// WatchdogInterval returns the watchdog period the unit was started
// with, or 0 when no watchdog is armed.
func WatchdogInterval() (time.Duration, error) {
	return daemon.SdWatchdogEnabled(false)
}

// RunWatchdog pings the watchdog at half the armed interval until ctx
// ends. It returns immediately when no watchdog is armed, so it is safe
// to spawn unconditionally.
func RunWatchdog(ctx context.Context) error {
	interval, err := WatchdogInterval()
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
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
