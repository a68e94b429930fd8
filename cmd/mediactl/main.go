// Command mediactl is the thin hotplug front end: udev (or mdev) rules
// invoke it with ACTION/DEVNAME/ID_*/DEVPATH set in the environment,
// and it forwards them to mediad's command socket (spec.md §6
// "Environment (CLI front-end only, out of scope)").
package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/romanho/mediad/internal/command"
)

const defaultSocket = "/dev/mediad.socket"

func main() {
	var socketPath string

	rootCmd := &cobra.Command{
		Use:   "mediactl",
		Short: "Forward a hotplug add/remove event to mediad",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(socketPath, os.Environ())
		},
	}
	rootCmd.Flags().StringVarP(&socketPath, "socket", "s", defaultSocket, "mediad command socket path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(socketPath string, env []string) error {
	action := os.Getenv("ACTION")
	devname := os.Getenv("DEVNAME")

	if action != "add" && action != "remove" {
		return fmt.Errorf("ACTION must be 'add' or 'remove', got %q", action)
	}
	if devname == "" {
		return fmt.Errorf("DEVNAME not set")
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if action == "remove" {
		return command.SendRequest(conn, false, devname, nil)
	}

	var ids []string
	for _, kv := range env {
		if strings.HasPrefix(kv, "ID_") || strings.HasPrefix(kv, "DEVPATH=") {
			ids = append(ids, kv)
		}
	}
	return command.SendRequest(conn, true, devname, ids)
}
