package daemon

import (
	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/kradalby/agentmux/internal/logger"
)

// notifyReady signals readiness to the host service manager once both
// sockets are bound, per spec.md §6. A no-op when no notification socket
// is present (NOTIFY_SOCKET unset).
func notifyReady() {
	ok, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("daemon: sd_notify READY failed", "error", err)
		return
	}
	if ok {
		logger.Debug("daemon: sd_notify READY sent")
	}
}

// sdWatchdog implements health.Watchdog by pinging the service manager's
// watchdog channel, a no-op when none is configured.
type sdWatchdog struct{}

func (sdWatchdog) Ping() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		logger.Debug("daemon: sd_notify WATCHDOG failed", "error", err)
	}
}
