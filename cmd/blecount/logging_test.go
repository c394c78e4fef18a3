package main

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecount/pkg/config"
)

func newLoggingCmd(args ...string) *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Bool("verbose", false, "")
	if err := cmd.Flags().Parse(args); err != nil {
		panic(err)
	}
	return cmd
}

func TestConfigureLogger(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		configured string
		expected   logrus.Level
		wantErr    bool
	}{
		{name: "quiet by default", expected: logrus.PanicLevel},
		{name: "config level", configured: "warn", expected: logrus.WarnLevel},
		{name: "verbose beats config", args: []string{"--verbose"}, configured: "error", expected: logrus.DebugLevel},
		{name: "log-level beats verbose", args: []string{"--verbose", "--log-level", "info"}, expected: logrus.InfoLevel},
		{name: "invalid flag level", args: []string{"--log-level", "loud"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := configureLogger(newLoggingCmd(tt.args...), "verbose", &config.Config{LogLevel: tt.configured})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, logger.GetLevel())
		})
	}
}

func TestConfigureLoggerWritesToCommandStderr(t *testing.T) {
	cmd := newLoggingCmd("--log-level", "info")
	var buf bytes.Buffer
	cmd.SetErr(&buf)

	logger, err := configureLogger(cmd, "verbose", config.DefaultConfig())
	require.NoError(t, err)

	logger.Info("hello")
	assert.Contains(t, buf.String(), "hello", "log output MUST go to the command's stderr")
}
