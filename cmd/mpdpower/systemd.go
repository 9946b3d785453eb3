package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
)

// systemdNotifier reports lifecycle state over sd_notify. Outside systemd
// (no NOTIFY_SOCKET) every call is a no-op.
type systemdNotifier struct {
	enabled bool
	logger  *logrus.Entry

	// passStart is the UnixNano start of the running pass, 0 between passes.
	passStart atomic.Int64
}

func (n *systemdNotifier) notify(state string) {
	if !n.enabled {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.logger.WithError(err).WithField("state", state).Warn("sd_notify failed")
		return
	}
	if sent {
		n.logger.WithField("state", state).Debug("sd_notify")
	}
}

func (n *systemdNotifier) Ready()    { n.notify(daemon.SdNotifyReady) }
func (n *systemdNotifier) Stopping() { n.notify(daemon.SdNotifyStopping) }

func (n *systemdNotifier) PassStarted()  { n.passStart.Store(time.Now().UnixNano()) }
func (n *systemdNotifier) PassFinished() { n.passStart.Store(0) }

// healthy reports whether the event loop is waiting for MPD or inside a pass
// that started less than limit ago.
func (n *systemdNotifier) healthy(now time.Time, limit time.Duration) bool {
	start := n.passStart.Load()
	return start == 0 || now.Sub(time.Unix(0, start)) < limit
}

// runWatchdog pings the systemd watchdog at half the configured interval until
// ctx is done. Pings stop while a pass has been running for a full interval,
// so a side effect that hangs trips WatchdogSec=. Without WatchdogSec= it
// returns immediately.
func (n *systemdNotifier) runWatchdog(ctx context.Context) error {
	if !n.enabled {
		return nil
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.logger.WithError(err).Warn("could not read watchdog settings")
		return nil
	}
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	stalled := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if !n.healthy(now, interval) {
				if !stalled {
					n.logger.WithField("interval", interval).Warn("reconcile pass stalled, withholding watchdog ping")
				}
				stalled = true
				continue
			}
			stalled = false
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
