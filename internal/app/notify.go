package app

import (
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "respire/pkg/logx"
)

// sdNotifier reports readiness and liveness to systemd. Outside a unit
// with NOTIFY_SOCKET every call is a cheap no-op.
type sdNotifier struct {
	log      logx.Logger
	watchdog time.Duration
	last     atomic.Int64 // unix nanos of the last WATCHDOG=1
	notify   func(state string) (bool, error)
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	n := &sdNotifier{
		log:    log.With(logx.String("comp", "systemd")),
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	wd, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog settings unreadable", logx.Err(err))
	}
	n.watchdog = wd
	return n
}

func (n *sdNotifier) send(state string) {
	sent, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Trace("sd_notify", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready() {
	n.send(daemon.SdNotifyReady)
	if n.watchdog > 0 {
		n.log.Info("systemd watchdog enabled", logx.Duration("interval", n.watchdog))
	}
}

func (n *sdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Tick pings the watchdog at most twice per watchdog interval. It runs after
// every Loop, so a wedged driver stops the pings and systemd restarts us.
func (n *sdNotifier) Tick() {
	if n.watchdog <= 0 {
		return
	}
	now := time.Now().UnixNano()
	if now-n.last.Load() < int64(n.watchdog/2) {
		return
	}
	n.last.Store(now)
	n.send(daemon.SdNotifyWatchdog)
}
