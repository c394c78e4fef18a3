package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/blecount/scanner"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Continuously print discovered devices",
		Long: `Scan without a time limit and print a line each time a device is first seen
or re-advertises. Stops on Ctrl+C or after --scan-duration.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}

	cmd.Flags().DurationP("scan-duration", "t", 0, "Stop after this long (0 runs until Ctrl+C)")
	cmd.Flags().StringSliceP("services", "s", nil, "Only show devices advertising one of these service UUIDs")
	cmd.Flags().Bool("uart", false, "Only show devices advertising the UART service")
	cmd.Flags().StringSlice("allow", nil, "Only show devices with these addresses")
	cmd.Flags().StringSlice("block", nil, "Hide devices with these addresses")
	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	opts, err := scanOptionsFromFlags(cmd, cfg)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("scan-duration") {
		opts.Duration = 0
	}
	// Report every advertisement, not only the first per device.
	opts.DuplicateFilter = false

	s, err := scanner.NewScanner(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Watching for BLE devices (Ctrl+C to stop)")
	err = watchScan(ctx, out, s, opts)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
