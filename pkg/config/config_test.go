package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecount/internal/batch"
	"github.com/srg/blecount/internal/export"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 3, cfg.Fields)
	assert.Equal(t, 1, cfg.BatchSize)
	assert.Equal(t, []string(batch.DefaultHeaders()), cfg.Headers)
	assert.Equal(t, 5*time.Second, cfg.SimulateInterval)
	assert.Equal(t, 3*time.Second, cfg.ButtonInterval)
	assert.Equal(t, "exports", cfg.ExportDir)
	assert.Equal(t, "15:04:05", cfg.TimeFormat)
	assert.Equal(t, "first", cfg.CSVLayout)
	assert.NotEmpty(t, cfg.CacheDir)
	assert.NoError(t, cfg.Validate(), "defaults MUST validate")
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		check   func(t *testing.T, cfg *Config)
		wantErr string
	}{
		{
			name: "overlays only the given keys",
			yaml: "log_level: debug\nscan_timeout: 3s\ncsv_layout: last\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, logrus.DebugLevel, cfg.Level())
				assert.Equal(t, 3*time.Second, cfg.ScanTimeout)
				assert.Equal(t, export.TimestampLast, cfg.ExportOptions().Layout)
				assert.Equal(t, 30*time.Second, cfg.ConnectTimeout, "unset keys MUST keep defaults")
			},
		},
		{
			name: "five columns",
			yaml: "fields: 5\nheaders: [Women, Men, Elderly, Kids, Staff]\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 5, cfg.Fields)
				assert.Len(t, cfg.Headers, 5)
			},
		},
		{
			name:    "header count must match fields",
			yaml:    "fields: 4\n",
			wantErr: "3 names for 4 fields",
		},
		{
			name:    "too many fields",
			yaml:    "fields: 6\nheaders: [a, b, c, d, e, f]\n",
			wantErr: "fields: must be between 1 and 5",
		},
		{
			name:    "bad log level",
			yaml:    "log_level: loud\n",
			wantErr: "log_level",
		},
		{
			name:    "bad layout",
			yaml:    "csv_layout: middle\n",
			wantErr: "csv_layout",
		},
		{
			name:    "malformed yaml",
			yaml:    "fields: [\n",
			wantErr: "failed to parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "blecount.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))

			cfg, err := Load(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoad_EmptyPathAndMissingFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Fields, cfg.Fields)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", expected: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", expected: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", expected: logrus.WarnLevel},
		{name: "creates logger with error level", logLevel: "error", expected: logrus.ErrorLevel},
		{name: "unset level is quiet", logLevel: "", expected: logrus.PanicLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}
