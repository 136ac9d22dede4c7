package app

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "pewtick/pkg/logx"
)

// sdNotifier sends sd_notify messages. Every method is a no-op when
// NOTIFY_SOCKET is unset, which is the case outside systemd.
type sdNotifier struct {
	notify   bool
	watchdog bool
	log      logx.Logger
}

func (n sdNotifier) send(state string) {
	if !n.notify {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n sdNotifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n sdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

func (n sdNotifier) Watchdog() {
	if n.watchdog {
		n.send(daemon.SdNotifyWatchdog)
	}
}

// WatchdogInterval returns the WATCHDOG_USEC interval systemd expects, or
// zero when the watchdog is off.
func (n sdNotifier) WatchdogInterval() time.Duration {
	if !n.watchdog {
		return 0
	}
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog env invalid", logx.Err(err))
		return 0
	}
	return d
}
