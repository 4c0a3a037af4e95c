// Package health implements the periodic liveness prober of spec.md §4.5:
// every health_check_interval seconds it snapshots the roster, probes each
// entry, and applies the results via Roster.Validate, optionally pinging a
// host watchdog after each successful pass.
package health

import (
	"context"
	"time"

	"github.com/kradalby/agentmux/internal/logger"
	"github.com/kradalby/agentmux/internal/roster"
)

// Watchdog is pinged after each successful probing pass, if the host
// provides one (e.g. a service-manager watchdog channel). Absent a host
// channel this is a no-op, per spec.md §6.
type Watchdog interface {
	Ping()
}

// NoopWatchdog implements Watchdog as a no-op.
type NoopWatchdog struct{}

func (NoopWatchdog) Ping() {}

// Prober runs the periodic validation pass described in spec.md §4.5.
type Prober struct {
	Roster   *roster.Roster
	Interval time.Duration
	Watchdog Watchdog
}

func New(r *roster.Roster, interval time.Duration) *Prober {
	return &Prober{Roster: r, Interval: interval, Watchdog: NoopWatchdog{}}
}

// Run blocks until ctx is cancelled. An Interval of zero disables probing
// entirely, per spec.md §6's health_check_interval semantics.
func (p *Prober) Run(ctx context.Context) {
	if p.Interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Pass()
		}
	}
}

// Pass runs one probing pass immediately, outside the normal cadence; used
// both by Run's ticker and by the control endpoint's "validate" command.
func (p *Prober) Pass() {
	p.Roster.Validate()
	logger.Debug("health: probe pass complete")
	if p.Watchdog != nil {
		p.Watchdog.Ping()
	}
}
