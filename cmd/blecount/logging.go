package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blecount/pkg/config"
)

// configureLogger creates a logger with the appropriate log level based on flags.
// --log-level takes precedence over --verbose, which takes precedence over the
// config file. Without any of them the logger stays quiet.
func configureLogger(cmd *cobra.Command, verboseFlagName string, cfg *config.Config) (*logrus.Logger, error) {
	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	verbose, _ := cmd.Flags().GetBool(verboseFlagName)

	switch {
	case logLevelStr != "":
		level, err := parseLevel(logLevelStr)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(level)
	case verbose:
		logger.SetLevel(logrus.DebugLevel)
	}

	return logger, nil
}

func parseLevel(s string) (logrus.Level, error) {
	switch s {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.PanicLevel, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
	}
}
