package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"safegate/internal/ipc"
)

func newLedgerCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the cleanup ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List uploads scheduled for remote deletion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.LedgerList()
				if err != nil {
					return err
				}
				if len(resp.Entries) == 0 {
					cmd.Println("no scheduled deletions")
					return nil
				}
				rows := make([][]string, 0, len(resp.Entries))
				for _, entry := range resp.Entries {
					state := ""
					if entry.Stuck {
						state = "stuck"
					}
					rows = append(rows, []string{
						entry.RemoteRef,
						entry.Label,
						formatTime(entry.UploadedAt),
						formatTime(entry.ExpiresAt),
						strconv.Itoa(entry.Attempts),
						state,
					})
				}
				cmd.Println(renderTable(
					[]string{"Remote Ref", "Label", "Uploaded", "Expires", "Attempts", ""},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	})

	return cmd
}
