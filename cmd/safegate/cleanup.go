package main

import (
	"github.com/spf13/cobra"

	"safegate/internal/ipc"
)

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Manage scheduled remote deletions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "now",
		Short: "Run a cleanup pass immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.CleanupNow()
				if err != nil {
					return err
				}
				cmd.Println(resp.Message)
				return nil
			})
		},
	})

	return cmd
}
