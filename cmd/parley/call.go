package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/parley/internal/signaling"
	"github.com/spf13/cobra"
)

func newCallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Exchange call negotiation data through a room's signaling mailbox",
	}
	cmd.AddCommand(newCallOfferCommand(), newCallAnswerCommand(), newCallIceCommand(), newCallShowCommand())
	return cmd
}

func newCallOfferCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "offer ROOM PEER PAYLOAD",
		Short: "Start a new call epoch and publish an offer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openDevice()
			if err != nil {
				return err
			}
			defer dev.close()
			ctx := cmd.Context()
			roomID, peerID, payload := args[0], args[1], args[2]

			if err := dev.runtime.Mailbox.EnsureOwnerShare(ctx, roomID, peerID); err != nil {
				return err
			}
			session, err := dev.runtime.Mailbox.EnsureSession(ctx, roomID, peerID)
			if err != nil {
				return err
			}
			envelope, err := dev.runtime.Mailbox.PublishOffer(ctx, roomID, peerID, session.CallEpoch+1, payload)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "offer published session=%s epoch=%d\n", envelope.SessionKey, envelope.Epoch)
			return err
		},
	}
}

func newCallAnswerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "answer ROOM PEER PAYLOAD",
		Short: "Answer the peer's live offer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openDevice()
			if err != nil {
				return err
			}
			defer dev.close()
			ctx := cmd.Context()
			roomID, peerID, payload := args[0], args[1], args[2]

			offer, found, err := dev.runtime.Mailbox.FetchEnvelope(ctx, roomID, peerID, signaling.EnvelopeOffer)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no offer from %s in room %s", peerID, roomID)
			}
			envelope, err := dev.runtime.Mailbox.PublishAnswer(ctx, roomID, peerID, offer.Epoch, payload)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "answer published session=%s epoch=%d\n", envelope.SessionKey, envelope.Epoch)
			return err
		},
	}
}

func newCallIceCommand() *cobra.Command {
	var candidateType string
	cmd := &cobra.Command{
		Use:   "ice ROOM PEER PAYLOAD",
		Short: "Overwrite this device's candidate snapshot",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openDevice()
			if err != nil {
				return err
			}
			defer dev.close()
			chunk, err := dev.runtime.Mailbox.PublishIceCandidate(cmd.Context(), args[0], args[1], args[2], candidateType)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "candidates published session=%s type=%s\n", chunk.SessionKey, chunk.CandidateType)
			return err
		},
	}
	cmd.Flags().StringVar(&candidateType, "type", "host", "Candidate type label")
	return cmd
}

func newCallShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show ROOM PEER",
		Short: "Print the session, live envelopes and candidates",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openDevice()
			if err != nil {
				return err
			}
			defer dev.close()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			roomID, peerID := args[0], args[1]

			session, found, err := dev.runtime.Mailbox.FetchSession(ctx, roomID, peerID)
			if err != nil {
				return err
			}
			if !found {
				_, err = fmt.Fprintln(out, "no session")
				return err
			}
			fmt.Fprintf(out, "session %s caller=%s callee=%s epoch=%d\n", session.Key, session.CallerID, session.CalleeID, session.CallEpoch)
			for _, envelopeType := range []signaling.EnvelopeType{signaling.EnvelopeOffer, signaling.EnvelopeAnswer} {
				envelope, found, err := dev.runtime.Mailbox.FetchEnvelope(ctx, roomID, peerID, envelopeType)
				if err != nil {
					return err
				}
				if found {
					fmt.Fprintf(out, "%s from=%s epoch=%d payload=%s\n", envelope.Type, envelope.SenderID, envelope.Epoch, envelope.Payload)
				}
			}
			chunks, err := dev.runtime.Mailbox.FetchIceCandidates(ctx, roomID, peerID)
			if err != nil {
				return err
			}
			for _, chunk := range chunks {
				fmt.Fprintf(out, "ice from=%s type=%s payload=%s\n", chunk.OwnerID, chunk.CandidateType, chunk.Payload)
			}
			return nil
		},
	}
}
