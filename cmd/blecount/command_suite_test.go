package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecount/internal/device"
	"github.com/srg/blecount/internal/testutils"
	"github.com/srg/blecount/internal/uart"
	"github.com/srg/blecount/pkg/config"
)

// Test device addresses for consistent mock device identification
const (
	TestDeviceAddress1 = "AA:BB:CC:DD:EE:FF"
	TestDeviceAddress2 = "11:22:33:44:55:66"
	TestDeviceAddress3 = "99:88:77:66:55:44"
)

// CommandTestSuite runs blecount commands against a fake adapter and a fake
// UART transport. Each test gets its own config file pointing into a temp dir.
type CommandTestSuite struct {
	testutils.ScannerSuite

	Transport  *testutils.FakeTransport
	ConfigPath string
	ExportDir  string
	CacheDir   string

	origTransportFactory func(*config.Config, *logrus.Logger) uart.Transport
	origIsTerminal       func() bool
	origNoColor          bool
}

func (s *CommandTestSuite) SetupTest() {
	s.WithAdvertisements(
		testutils.CreateMockAdvertisement("Counter 1", TestDeviceAddress1, -45).
			WithServices(uart.ServiceUUID).
			Build(),
		testutils.CreateMockAdvertisement("Counter 2", TestDeviceAddress2, -67).
			WithServices("1801").
			Build(),
		testutils.CreateMockAdvertisement("", TestDeviceAddress3, -80).
			Build(),
	)
	s.ScannerSuite.SetupTest()

	s.Transport = testutils.NewFakeTransport()
	s.origTransportFactory = transportFactory
	transportFactory = func(*config.Config, *logrus.Logger) uart.Transport {
		return s.Transport
	}

	s.origIsTerminal = isTerminal
	isTerminal = func() bool { return false }

	s.origNoColor = color.NoColor
	color.NoColor = true

	dir := s.T().TempDir()
	s.ExportDir = filepath.Join(dir, "exports")
	s.CacheDir = filepath.Join(dir, "cache")
	s.ConfigPath = s.WriteConfig("")
}

func (s *CommandTestSuite) TearDownTest() {
	transportFactory = s.origTransportFactory
	isTerminal = s.origIsTerminal
	color.NoColor = s.origNoColor
	s.ScannerSuite.TearDownTest()
}

// WriteConfig writes a config file with the per-test directories plus extra
// YAML lines and returns its path.
func (s *CommandTestSuite) WriteConfig(extra string) string {
	content := "export_dir: " + s.ExportDir + "\n" +
		"cache_dir: " + s.CacheDir + "\n" +
		extra
	path := filepath.Join(s.T().TempDir(), "blecount.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o644), "config file MUST be written")
	return path
}

// ExecuteCommand runs a fresh command tree with args and the test config,
// returns combined output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	return s.ExecuteCommandWithInput("", args...)
}

// ExecuteCommandWithInput is ExecuteCommand with stdin set to input.
func (s *CommandTestSuite) ExecuteCommandWithInput(input string, args ...string) (string, error) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader(input))
	cmd.SetArgs(append(args, "--config", s.ConfigPath))
	err := cmd.Execute()
	return buf.String(), err
}

// ExportedFiles returns the CSV files written to the export dir.
func (s *CommandTestSuite) ExportedFiles() []string {
	matches, err := filepath.Glob(filepath.Join(s.ExportDir, "*.csv"))
	s.Require().NoError(err)
	return matches
}

// ReadFile returns the content of path.
func (s *CommandTestSuite) ReadFile(path string) string {
	f, err := os.Open(path)
	s.Require().NoError(err, "file MUST be readable")
	defer f.Close()
	data, err := io.ReadAll(f)
	s.Require().NoError(err)
	return string(data)
}

// UARTLines makes the fake peripheral stream lines once notifications are on.
func (s *CommandTestSuite) UARTLines(lines ...string) {
	s.Transport.AutoNotify = lines
}

// WithoutUART makes the fake peripheral expose only a GAP service.
func (s *CommandTestSuite) WithoutUART() {
	s.Transport.Services = []device.Service{
		{UUID: "1800", Characteristics: []device.Characteristic{{UUID: "2a00", Properties: device.PropRead}}},
	}
}
