package main

import (
	"errors"

	"github.com/spf13/cobra"

	"safegate/internal/ipc"
)

func newRecipientCommand(ctx *commandContext) *cobra.Command {
	var cancelFlag bool

	cmd := &cobra.Command{
		Use:   "recipient [address]",
		Short: "Answer the pending share-recipient prompt",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cancelFlag {
				return ctx.withClient(func(client *ipc.Client) error {
					resp, err := client.RecipientCancel()
					if err != nil {
						return err
					}
					cmd.Println(resp.Message)
					return nil
				})
			}
			if len(args) == 0 {
				return errors.New("an email address is required unless --cancel is set")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Recipient(args[0])
				if err != nil {
					return err
				}
				cmd.Println(resp.Message)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&cancelFlag, "cancel", false, "Cancel the pending prompt instead of answering it")
	return cmd
}
