package main

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"github.com/spf13/cobra"
)

func newRoomCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Create, share and list rooms",
	}
	cmd.AddCommand(newRoomCreateCommand(), newRoomInviteCommand(), newRoomAcceptCommand(), newRoomListCommand())
	return cmd
}

func newRoomCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create ROOM",
		Short: "Create a room owned by this account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openDevice()
			if err != nil {
				return err
			}
			defer dev.close()
			room, err := dev.runtime.CreateRoom(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "room %s created\n", room.RoomID)
			return err
		},
	}
}

func newRoomInviteCommand() *cobra.Command {
	var reference records.IdentityReference
	cmd := &cobra.Command{
		Use:   "invite ROOM",
		Short: "Share an owned room with another account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reference.UserID == "" && reference.Email == "" && reference.Phone == "" {
				return errors.New("one of --user, --email or --phone is required")
			}
			dev, err := openDevice()
			if err != nil {
				return err
			}
			defer dev.close()
			handle, err := dev.runtime.Invite(cmd.Context(), args[0], reference)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "invited %s to %s\n", handle.UserID, args[0])
			return err
		},
	}
	cmd.Flags().StringVar(&reference.UserID, "user", "", "Participant user id")
	cmd.Flags().StringVar(&reference.Email, "email", "", "Participant email address")
	cmd.Flags().StringVar(&reference.Phone, "phone", "", "Participant phone number")
	return cmd
}

func newRoomAcceptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "accept ROOM",
		Short: "Accept a pending invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openDevice()
			if err != nil {
				return err
			}
			defer dev.close()
			if err := dev.runtime.AcceptInvite(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "joined %s\n", args[0])
			return err
		},
	}
}

func newRoomListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the rooms in the local mirror",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openDevice()
			if err != nil {
				return err
			}
			defer dev.close()
			rooms, err := dev.runtime.Mirror.Rooms(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, room := range rooms {
				fmt.Fprintf(out, "%s\t%s\towner=%s\tparticipant=%s\n", room.RoomID, room.Scope, room.OwnerID, room.ParticipantID)
			}
			return nil
		},
	}
}
