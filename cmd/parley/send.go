package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSendCommand() *cobra.Command {
	var attachment string
	cmd := &cobra.Command{
		Use:   "send ROOM BODY",
		Short: "Queue a message and try to deliver it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openDevice()
			if err != nil {
				return err
			}
			defer dev.close()
			ctx := cmd.Context()
			message, err := dev.runtime.Outbox.SendMessage(ctx, args[0], args[1], attachment)
			if err != nil {
				return err
			}
			report, err := dev.runtime.Outbox.Drain(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "message %s queued delivered=%d deferred=%d\n", message.MessageID, report.Delivered, report.Deferred)
			return err
		},
	}
	cmd.Flags().StringVar(&attachment, "attachment", "", "Attachment reference")
	return cmd
}
