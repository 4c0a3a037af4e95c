// Command agentmuxctl is a thin client for agentmuxd's control socket.
// Output formatting is intentionally minimal: it prints the response's raw
// data as JSON and leaves presentation to the caller.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kradalby/agentmux/internal/control"
)

func main() {
	var controlPath string

	root := &cobra.Command{
		Use:           "agentmuxctl",
		Short:         "inspect and control a running agentmuxd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&controlPath, "control-socket", defaultControlPath(), "path to agentmuxd's control socket")

	for _, spec := range []struct {
		use     string
		command string
		minArgs int
	}{
		{"status", "status", 0},
		{"list", "list", 0},
		{"list-keys", "list-keys", 0},
		{"reload", "reload", 0},
		{"validate", "validate", 0},
		{"add <path>", "add", 1},
		{"remove <path>", "remove", 1},
	} {
		spec := spec
		root.AddCommand(&cobra.Command{
			Use:  spec.use,
			Args: cobra.MinimumNArgs(spec.minArgs),
			RunE: func(cmd *cobra.Command, args []string) error {
				return sendCommand(controlPath, spec.command, args)
			},
		})
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func sendCommand(controlPath, command string, args []string) error {
	conn, err := net.DialTimeout("unix", controlPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", controlPath, err)
	}
	defer conn.Close()

	if err := control.WriteRequest(conn, control.Request{Command: command, Args: args}); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := control.ReadResponse(conn)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}
	if resp.Data == nil {
		return nil
	}

	out, err := json.MarshalIndent(resp.Data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func defaultControlPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.ssh/agentmux.ctl"
}
