package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newProfileCommand() *cobra.Command {
	var avatar string
	cmd := &cobra.Command{
		Use:   "profile ROOM DISPLAY_NAME",
		Short: "Publish this account's display profile into a room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openDevice()
			if err != nil {
				return err
			}
			defer dev.close()
			profile, err := dev.runtime.Profiles.Publish(cmd.Context(), args[0], args[1], avatar)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "profile %s %q shape=%d\n", profile.UserID, profile.DisplayName, profile.ShapeIndex)
			return err
		},
	}
	cmd.Flags().StringVar(&avatar, "avatar", "", "Avatar reference")
	return cmd
}
