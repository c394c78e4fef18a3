package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/srg/blecount/internal/export"
)

func newShareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share <csv-file>",
		Short: "Serve a saved CSV through a share link",
		Long: `Copy a saved CSV export into the cache directory and serve it over HTTP until
Ctrl+C. The printed link downloads the file as an attachment.`,
		Args: cobra.ExactArgs(1),
		RunE: runShare,
	}

	cmd.Flags().String("addr", "", "Listen address (default from config)")
	cmd.Flags().DurationP("duration", "d", 0, "Stop serving after this long (0 serves until Ctrl+C)")
	cmd.Flags().Bool("once", false, "Revoke the link after the first download")
	return cmd
}

func runShare(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.ShareAddr
	}
	duration, _ := cmd.Flags().GetDuration("duration")
	once, _ := cmd.Flags().GetBool("once")

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if duration > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, duration)
		defer cancelTimeout()
	}

	sharer := export.NewSharer(cfg.CacheDir, logger)
	sharer.OneShot = once
	if _, err := sharer.Start(ctx, addr); err != nil {
		return err
	}
	token, err := sharer.Share(string(data))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sharing %s (%s)\n", args[0], humanize.Bytes(uint64(len(data))))
	fmt.Fprintf(out, "Link: %s\n", sharer.URL(token))
	fmt.Fprintln(out, "Serving until Ctrl+C")

	<-ctx.Done()
	// Requests still in flight during shutdown get a 404.
	sharer.Revoke(token)
	return nil
}
