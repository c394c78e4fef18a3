package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"

	"github.com/srg/blecount/internal/device/goble"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Each call returns fresh commands and flags.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blecount",
		Short: "People counter over Bluetooth Low Energy",
		Long: `Collects counter batches from a Bluetooth Low Energy people counter that
streams comma-delimited lines over a UART service:

- Scan for nearby counters and pick one to connect to
- Stream batches into a running log with per-column totals
- Undo, add, remove and rename columns from the terminal screen
- Save the log as CSV or hand it off through a share link
- Simulate a counter or a three-button event counter without hardware`,
		Version:       formatVersion(version),
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newListenCmd())
	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newButtonsCmd())
	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newShareCmd())

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().Bool("verbose", false, "Verbose output (same as --log-level debug)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("blecount {{.Version}} (commit %s, built %s)\n", commit, date))
	return rootCmd
}

func main() {
	err := newRootCmd().Execute()
	if stopErr := goble.CloseHostDevice(); stopErr != nil {
		fmt.Fprintf(os.Stderr, "WARNING: failed to release the Bluetooth adapter: %v\n", stopErr)
	}
	if err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
