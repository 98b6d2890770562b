package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"safegate/internal/ipc"
)

func newStartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the safegate daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemonResponding(ctx.socketPath()) {
				cmd.Println("daemon already running")
				return nil
			}

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}

			launchArgs := []string{"daemon"}
			if ctx.configFlag != nil {
				if path := strings.TrimSpace(*ctx.configFlag); path != "" {
					launchArgs = append(launchArgs, "--config", path)
				}
			}

			launch := exec.Command(exe, launchArgs...)
			launch.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			launch.Stdout = nil
			launch.Stderr = nil
			if err := launch.Start(); err != nil {
				return fmt.Errorf("launch daemon: %w", err)
			}
			// Detach; the daemon writes its own pid file.
			if err := launch.Process.Release(); err != nil {
				return fmt.Errorf("release daemon process: %w", err)
			}

			deadline := time.Now().Add(10 * time.Second)
			for time.Now().Before(deadline) {
				if daemonResponding(ctx.socketPath()) {
					cmd.Println("daemon started")
					return nil
				}
				time.Sleep(200 * time.Millisecond)
			}
			return fmt.Errorf("daemon did not answer on %s within 10s; check the log directory", ctx.socketPath())
		},
	}
}

func daemonResponding(socket string) bool {
	client, err := ipc.Dial(socket)
	if err != nil {
		return false
	}
	defer client.Close()
	_, err = client.Status()
	return err == nil
}
