package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "eventd/pkg/logx"
)

// sdNotify is a no-op outside systemd (NOTIFY_SOCKET unset).
func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Trace("sd_notify", logx.String("state", state))
	}
}

func (a *App) sdStatus() {
	snap := a.disp.Snapshot()
	a.sdNotify(fmt.Sprintf("STATUS=active=%d pending=%d zombies=%d completed=%d failed=%d",
		a.st.ActiveThreads(), snap.Pending, snap.Zombies, snap.Completed, snap.Failed))
}

// runWatchdog pings systemd at half the WatchdogSec interval and refreshes
// STATUS. It returns immediately when no watchdog is configured.
func (a *App) runWatchdog(ctx context.Context) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog misconfigured", logx.Err(err))
		return nil
	}
	if every <= 0 {
		return nil
	}
	every /= 2
	a.log.Info("systemd watchdog enabled", logx.Duration("every", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.sdNotify(daemon.SdNotifyWatchdog)
			a.sdStatus()
		}
	}
}
