package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blecount/internal/source"
	"github.com/srg/blecount/pkg/config"
)

func newListenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen <device-address>",
		Short: "Stream counter batches from a device",
		Long: `Connect to a counter, subscribe to its UART TX characteristic and append each
received batch to the log. Connection state changes are shown as they happen.
The command ends with an error when the dial fails, the link drops or the
peripheral has no UART service; rescan to reconnect.

Examples:
  blecount listen AA:BB:CC:DD:EE:FF
  blecount listen AA:BB:CC:DD:EE:FF --plain --count 10 --save`,
		Args: cobra.ExactArgs(1),
		RunE: runListen,
	}
	addRunFlags(cmd)
	return cmd
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	return listen(cmd, cfg, logger, args[0])
}

// listen streams batches from address into a ledger session.
func listen(cmd *cobra.Command, cfg *config.Config, logger *logrus.Logger, address string) error {
	manager := newManager(cfg, logger)
	defer func() {
		if err := manager.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close connection")
		}
	}()

	statesCtx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	opts := readRunFlags(cmd)
	opts.States = manager.States(statesCtx)
	opts.Failures = manager.Failures(statesCtx)
	opts.Diagnostics = manager.DrainRawLines

	return runLedger(cmd, cfg, logger, source.NewBLE(manager, address), opts)
}
