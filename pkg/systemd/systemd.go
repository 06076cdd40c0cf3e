// Package systemd reports service state to the systemd manager over sd_notify.
// Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends one sd_notify state string. It returns false when
// notification is not supported in the current environment.
type Notifier func(state string) (bool, error)

// Default is the real sd_notify sender.
var Default Notifier = func(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

func (n Notifier) send(state string) (bool, error) {
	if n == nil {
		return false, nil
	}
	return n(state)
}

func (n Notifier) Ready() (bool, error)    { return n.send(daemon.SdNotifyReady) }
func (n Notifier) Stopping() (bool, error) { return n.send(daemon.SdNotifyStopping) }
func (n Notifier) Watchdog() (bool, error) { return n.send(daemon.SdNotifyWatchdog) }

func (n Notifier) Status(msg string) (bool, error) { return n.send("STATUS=" + msg) }

// WatchdogInterval returns the interval systemd expects pings at, or 0 when
// the watchdog is disabled for this process.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}
