// Command agentmuxd is the multiplexer daemon: it loads configuration,
// binds the agent-protocol and control sockets, and runs until signalled.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kradalby/agentmux/internal/config"
	"github.com/kradalby/agentmux/internal/daemon"
	"github.com/kradalby/agentmux/internal/logger"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "agentmuxd",
		Short: "SSH authentication-agent multiplexer daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			daemon.Version = version
			d := daemon.New(cfg)

			// Daemon.Run installs its own SIGHUP/SIGINT/SIGTERM handling,
			// since SIGHUP reload is distinct from shutdown.
			return d.Run(context.Background())
		},
	}

	root.Flags().StringVar(&configPath, "config", defaultConfigPath(), "path to the configuration document")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.ssh/agentmux.yaml"
}
