package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"safegate/internal/ipc"
	"safegate/internal/status"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Status()
				if err != nil {
					return err
				}
				printStatusResponse(cmd, resp)
				return nil
			})
			if err == nil {
				return nil
			}
			// The daemon may be down; fall back to the last durable record.
			return printStatusFromFile(cmd, ctx)
		},
	}
}

func printStatusResponse(cmd *cobra.Command, resp *ipc.StatusResponse) {
	rows := [][]string{
		{"Running", yesNo(resp.Running)},
		{"PID", strconv.Itoa(resp.PID)},
		{"State", resp.DaemonState},
		{"Message", resp.Message},
		{"Last activity", formatTime(resp.LastActivity)},
		{"Started", formatTime(resp.UptimeStart)},
		{"Devices processed", strconv.FormatUint(resp.ProcessingCount, 10)},
		{"Queue depth", strconv.Itoa(resp.QueueDepth)},
		{"Awaiting recipient", yesNo(resp.AwaitingAddress)},
		{"Status file", resp.StatusFile},
		{"Ledger", resp.LedgerPath},
	}
	cmd.Println(renderTable([]string{"Field", "Value"}, rows, nil))
	printRecentErrors(cmd, resp.RecentErrors)
}

func printStatusFromFile(cmd *cobra.Command, ctx *commandContext) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	record, err := status.ReadFile(cfg.Paths.StatusFile)
	if err != nil {
		return err
	}
	if record == nil {
		cmd.Println("daemon is not running and no status file was found")
		return nil
	}
	rows := [][]string{
		{"Running", "no"},
		{"Last state", string(record.DaemonState)},
		{"Message", record.Message},
		{"Last activity", formatTime(record.LastActivity)},
		{"Devices processed", strconv.FormatUint(record.ProcessingCount, 10)},
		{"Status file", cfg.Paths.StatusFile},
	}
	cmd.Println(renderTable([]string{"Field", "Value"}, rows, nil))
	printRecentErrors(cmd, record.RecentErrors)
	return nil
}

func printRecentErrors(cmd *cobra.Command, recent []string) {
	if len(recent) == 0 {
		return
	}
	cmd.Println("Recent errors:")
	for _, line := range recent {
		cmd.Println(fmt.Sprintf("  %s", line))
	}
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.Local().Format("2006-01-02 15:04:05")
}
