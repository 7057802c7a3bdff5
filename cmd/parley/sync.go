package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/parley/internal/coordinator"
	"github.com/MarcoPoloResearchLab/parley/internal/events"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSyncCommand() *cobra.Command {
	var (
		roomID string
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued writes and pull remote changes into the local mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openDevice()
			if err != nil {
				return err
			}
			defer dev.close()
			if watch {
				return watchDevice(cmd.Context(), dev)
			}
			return syncOnce(cmd, dev, roomID)
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "Limit the pass to one room")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep syncing on push notifications until interrupted")
	return cmd
}

func syncOnce(cmd *cobra.Command, dev *device, roomID string) error {
	ctx := cmd.Context()
	stream, unsubscribe := dev.runtime.Bus.Subscribe(ctx)
	defer unsubscribe()

	if err := dev.runtime.Start(ctx); err != nil {
		return err
	}
	report, err := dev.runtime.Outbox.Drain(ctx)
	if err != nil {
		return err
	}
	ran, err := dev.runtime.Sync(ctx, coordinator.TriggerManual, roomID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printPending(out, stream)
	_, err = fmt.Fprintf(out, "sync ran=%t delivered=%d dropped=%d deferred=%d\n", ran, report.Delivered, report.Dropped, report.Deferred)
	return err
}

func watchDevice(ctx context.Context, dev *device) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dev.runtime.Start(signalCtx); err != nil {
		return err
	}
	stream, unsubscribe := dev.runtime.Bus.Subscribe(signalCtx)
	defer unsubscribe()
	go func() {
		for {
			select {
			case <-signalCtx.Done():
				return
			case event := <-stream:
				dev.logger.Info("event",
					zap.String("kind", string(event.Kind)),
					zap.String("room_id", event.RoomID),
					zap.String("message_id", event.MessageID),
					zap.Int("changes", event.Changes),
				)
			}
		}
	}()
	dev.logger.Info("watching for changes", zap.String("user_id", dev.remote.Identity()))
	return dev.runtime.Run(signalCtx, dev.remote.Notifications(signalCtx))
}

// printPending writes the events already buffered on stream.
func printPending(out io.Writer, stream <-chan events.Event) {
	for {
		select {
		case event := <-stream:
			printEvent(out, event)
		default:
			return
		}
	}
}

func printEvent(out io.Writer, event events.Event) {
	switch event.Kind {
	case events.KindMessageReceived:
		body := ""
		if event.Message != nil {
			body = event.Message.Body
		}
		fmt.Fprintf(out, "%s %s %s: %s\n", event.Kind, event.RoomID, event.SenderID, body)
	case events.KindSyncFailed:
		fmt.Fprintf(out, "%s %v\n", event.Kind, event.Err)
	default:
		fmt.Fprintf(out, "%s %s %s\n", event.Kind, event.RoomID, event.MessageID)
	}
}
