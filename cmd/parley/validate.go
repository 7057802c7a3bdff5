package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the remote topology and optionally rebuild it from scratch",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openDevice()
			if err != nil {
				return err
			}
			defer dev.close()

			out := cmd.OutOrStdout()
			issues, err := dev.runtime.Validate(cmd.Context())
			if err != nil {
				return err
			}
			for _, issue := range issues {
				fmt.Fprintln(out, issue.String())
			}
			if len(issues) == 0 {
				fmt.Fprintln(out, "topology consistent")
			}
			if !reset {
				if len(issues) > 0 {
					return fmt.Errorf("%d topology issue(s); rerun with --reset to rebuild", len(issues))
				}
				return nil
			}
			if err := dev.runtime.Reset(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, "full reset complete")
			return err
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "Delete owned partitions, leave shared ones and wipe local state")
	return cmd
}
