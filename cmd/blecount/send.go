package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <device-address> <message>",
		Short: "Write a message to a device",
		Long: `Connect to a counter, wait for the UART service to be ready and write the
message to its RX characteristic. Long messages are split into chunks.

Examples:
  blecount send AA:BB:CC:DD:EE:FF reset
  blecount send AA:BB:CC:DD:EE:FF "mode 2" --newline`,
		Args: cobra.ExactArgs(2),
		RunE: runSend,
	}

	cmd.Flags().Bool("newline", false, "Append a newline to the message")
	cmd.Flags().Duration("timeout", 0, "How long to wait for the device to be ready (default from config)")
	return cmd
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	address, message := args[0], args[1]
	if newline, _ := cmd.Flags().GetBool("newline"); newline {
		message += "\n"
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if !cmd.Flags().Changed("timeout") {
		timeout = cfg.ConnectTimeout
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	manager := newManager(cfg, logger)
	defer func() {
		if err := manager.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close connection")
		}
	}()

	manager.Start(ctx)
	if err := manager.Connect(ctx, address); err != nil {
		return err
	}

	readyCtx, cancelReady := context.WithTimeout(ctx, timeout)
	defer cancelReady()
	if err := manager.WaitSubscribed(readyCtx); err != nil {
		return fmt.Errorf("device %s not ready: %w", address, err)
	}

	start := time.Now()
	if err := manager.Send(message); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s in %s\n",
		humanize.Bytes(uint64(len(message))), address, time.Since(start).Round(time.Millisecond))
	return nil
}
