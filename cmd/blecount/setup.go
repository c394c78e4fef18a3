package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/blecount/internal/device/goble"
	"github.com/srg/blecount/internal/uart"
	"github.com/srg/blecount/pkg/config"
)

// transportFactory creates the BLE transport for connecting commands. Tests
// replace it with a fake.
var transportFactory = func(cfg *config.Config, logger *logrus.Logger) uart.Transport {
	t := goble.NewTransport(logger)
	t.ConnectTimeout = cfg.ConnectTimeout
	return t
}

// isTerminal reports whether stdout is an interactive terminal.
var isTerminal = func() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// setup loads the config and builds the logger for cmd. Once it returns, usage
// is no longer printed on error.
func setup(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return nil, nil, err
	}

	cmd.SilenceUsage = true
	return cfg, logger, nil
}

// signalContext is cancelled on Ctrl+C or SIGTERM, or when the parent is.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// newManager wires a uart.Manager to a fresh transport.
func newManager(cfg *config.Config, logger *logrus.Logger) *uart.Manager {
	return uart.NewManager(transportFactory(cfg, logger), logger, &uart.Options{
		Fields:    cfg.Fields,
		BatchSize: cfg.BatchSize,
	})
}
