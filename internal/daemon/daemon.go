// Package daemon wires the listener, control socket, watcher, and health
// prober into the supervisor described by spec.md §4.7: bind, accept,
// reload on SIGHUP, drain and exit on SIGINT/SIGTERM.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/kradalby/agentmux/internal/config"
	"github.com/kradalby/agentmux/internal/control"
	"github.com/kradalby/agentmux/internal/health"
	"github.com/kradalby/agentmux/internal/logger"
	"github.com/kradalby/agentmux/internal/roster"
	"github.com/kradalby/agentmux/internal/session"
	"github.com/kradalby/agentmux/internal/watcher"
)

// Version is stamped into the control endpoint's status response. Set at
// build time via -ldflags, defaulting to "dev".
var Version = "dev"

// ShutdownDrain bounds how long Run waits for in-flight sessions to finish
// on shutdown. The listener is closed first; Run then returns as soon as
// the sessions end or this deadline passes, whichever comes first.
const ShutdownDrain = 5 * time.Second

// Daemon owns every long-lived component and the two listening sockets.
type Daemon struct {
	Config *config.Config

	Roster  *roster.Roster
	Watcher *watcher.Watcher
	Health  *health.Prober
	Control *control.Server
}

// New assembles a Daemon from a loaded configuration.
func New(cfg *config.Config) *Daemon {
	r := roster.New()
	r.ReloadConfigured(cfg.AgentSockPaths)

	d := &Daemon{Config: cfg, Roster: r}

	if cfg.WatchForSSHForward {
		d.Watcher = watcher.New(os.TempDir())
	}

	d.Health = health.New(r, time.Duration(cfg.HealthCheckInterval)*time.Second)
	d.Health.Watchdog = sdWatchdog{}

	d.Control = control.New(r, cfg.WatchForSSHForward)
	d.Control.Version = Version
	d.Control.ListenPath = cfg.ListenPath
	d.Control.ControlSocketPath = cfg.ControlSocketPath
	d.Control.HealthCheckInterval = time.Duration(cfg.HealthCheckInterval) * time.Second
	d.Control.Health = d.Health
	if d.Watcher != nil {
		d.Control.Watcher = d.Watcher
	}

	return d
}

// Run binds both sockets, starts the background tasks, and blocks until
// ctx is cancelled or a terminating signal arrives. It returns nil on
// clean shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := bindSocket(d.Config.ListenPath)
	if err != nil {
		return fmt.Errorf("daemon: bind listener: %w", err)
	}
	defer ln.Close()
	defer os.Remove(d.Config.ListenPath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 3)

	if d.Watcher != nil {
		go func() {
			for ev := range d.Watcher.Events() {
				switch ev.Kind {
				case watcher.Appeared:
					d.Roster.AddWatched(ev.Path)
				case watcher.Disappeared:
					d.Roster.RemoveWatched(ev.Path)
				}
			}
		}()
		go func() { errCh <- d.Watcher.Run(ctx) }()
	}

	go d.Health.Run(ctx)

	go func() { errCh <- d.Control.ListenAndServe(ctx) }()

	logger.Info("daemon: ready", "listen_path", d.Config.ListenPath, "control_socket_path", d.Config.ControlSocketPath)
	notifyReady()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		d.acceptLoop(ctx, ln)
	}()

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				d.reload()
			default:
				logger.Info("daemon: received signal, shutting down", "signal", sig)
				cancel()
				ln.Close()
				select {
				case <-acceptDone:
				case <-time.After(ShutdownDrain):
					logger.Warn("daemon: shutdown drain deadline exceeded, forcing exit")
				}
				return nil
			}
		case err := <-errCh:
			if err != nil {
				logger.Error("daemon: background task failed", "error", err)
			}
		case <-ctx.Done():
			ln.Close()
			select {
			case <-acceptDone:
			case <-time.After(ShutdownDrain):
				logger.Warn("daemon: shutdown drain deadline exceeded, forcing exit")
			}
			return nil
		}
	}
}

// reload re-reads configuration and applies the configured subset to the
// roster, leaving watched entries untouched, per spec.md §4.7.
func (d *Daemon) reload() {
	cfg, err := config.Load(d.Config.SourcePath)
	if err != nil {
		logger.Warn("daemon: config reload failed, keeping previous configuration", "error", err)
		return
	}
	d.Config = cfg
	d.Roster.ReloadConfigured(cfg.AgentSockPaths)
	logger.Info("daemon: configuration reloaded", "configured", len(cfg.AgentSockPaths))
}

func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warn("daemon: accept error", "error", err)
				return
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s := session.New(d.Roster)
			s.Serve(ctx, conn)
		}()
	}
}

// bindSocket ensures the parent directory exists (mode 0700), removes any
// stale socket file, and listens with mode 0600, per spec.md §4.7/§6.
func bindSocket(path string) (net.Listener, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir %s: %w", dir, err)
	}
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	return ln, nil
}
