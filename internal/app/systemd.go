package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "postrobot/pkg/logx"
)

// sdNotify is swapped in tests.
var sdNotify = daemon.SdNotify

// systemdNotifier reports readiness and liveness to systemd. Outside a
// unit (no NOTIFY_SOCKET) every call is a no-op.
type systemdNotifier struct {
	log      logx.Logger
	interval time.Duration // watchdog interval; 0 when disabled
	lastBeat atomic.Int64  // unix nanos of the last completed tick
}

func newSystemdNotifier(log logx.Logger) *systemdNotifier {
	n := &systemdNotifier{log: log}
	iv, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog env invalid", logx.Err(err))
	}
	n.interval = iv
	n.lastBeat.Store(time.Now().UnixNano())
	return n
}

func (n *systemdNotifier) send(state string) {
	sent, err := sdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *systemdNotifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *systemdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Beat records a completed scheduler tick.
func (n *systemdNotifier) Beat() { n.lastBeat.Store(time.Now().UnixNano()) }

// stale reports whether the scheduler has not ticked within the watchdog
// interval while it should be ticking.
func (n *systemdNotifier) stale(now time.Time, schedulerOn bool) bool {
	if !schedulerOn || n.interval <= 0 {
		return false
	}
	return now.Sub(time.Unix(0, n.lastBeat.Load())) > n.interval
}

// Watchdog pings systemd at half the watchdog interval, withholding the
// ping when ticks have stalled so systemd restarts the unit.
func (n *systemdNotifier) Watchdog(ctx context.Context, schedulerOn func() bool) error {
	if n.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(n.interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			if n.stale(now, schedulerOn()) {
				n.log.Warn("scheduler ticks stalled; withholding watchdog ping")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
