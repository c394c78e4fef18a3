package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blecount/internal/device"
	"github.com/srg/blecount/internal/uart"
	"github.com/srg/blecount/pkg/config"
	"github.com/srg/blecount/scanner"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE counters",
		Long: `Scan for Bluetooth Low Energy devices for a fixed window and list them by
signal strength. Devices advertising the UART service are marked.

With --connect, pick a device from the list (or pass --index) and stream its
batches exactly like the listen command. When a device picked from the prompt
drops its connection, the scan runs again so another one can be chosen.`,
		Args: cobra.NoArgs,
		RunE: runScan,
	}

	cmd.Flags().DurationP("scan-duration", "t", scanner.DefaultScanDuration, "Scan window (0 scans until Ctrl+C)")
	cmd.Flags().StringSliceP("services", "s", nil, "Only show devices advertising one of these service UUIDs")
	cmd.Flags().Bool("uart", false, "Only show devices advertising the UART service")
	cmd.Flags().StringSlice("allow", nil, "Only show devices with these addresses")
	cmd.Flags().StringSlice("block", nil, "Hide devices with these addresses")
	cmd.Flags().Bool("connect", false, "Select a device and start listening")
	cmd.Flags().Int("index", 0, "Device number to connect to without prompting (1-based)")
	addRunFlags(cmd)
	return cmd
}

func scanOptionsFromFlags(cmd *cobra.Command, cfg *config.Config) (*scanner.ScanOptions, error) {
	duration, _ := cmd.Flags().GetDuration("scan-duration")
	if !cmd.Flags().Changed("scan-duration") {
		duration = cfg.ScanTimeout
	}
	services, _ := cmd.Flags().GetStringSlice("services")
	onlyUART, _ := cmd.Flags().GetBool("uart")
	allow, _ := cmd.Flags().GetStringSlice("allow")
	block, _ := cmd.Flags().GetStringSlice("block")

	if onlyUART {
		services = append(services, uart.ServiceUUID)
	}

	var serviceUUIDs []string
	if len(services) > 0 {
		var err error
		serviceUUIDs, err = device.ValidateUUID(services...)
		if err != nil {
			return nil, fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	return &scanner.ScanOptions{
		Duration:        duration,
		DuplicateFilter: true,
		ServiceUUIDs:    serviceUUIDs,
		AllowList:       allow,
		BlockList:       block,
	}, nil
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	opts, err := scanOptionsFromFlags(cmd, cfg)
	if err != nil {
		return err
	}
	connect, _ := cmd.Flags().GetBool("connect")
	index, _ := cmd.Flags().GetInt("index")

	out := cmd.OutOrStdout()
	in := bufio.NewReader(cmd.InOrStdin())
	for {
		devices, err := scanDevices(cmd, logger, opts)
		if err != nil {
			return err
		}
		if err := displayDevicesTable(out, devices); err != nil {
			return err
		}

		if !connect {
			return nil
		}
		if len(devices) == 0 {
			return ErrNoDevices
		}

		choice := index
		if choice == 0 {
			choice, err = promptSelection(in, out, len(devices))
			if err != nil {
				return err
			}
		}
		selected, err := scanner.Select(devices, choice-1)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "Connecting to %s (%s)...\n", selected.Name(), selected.Address())
		err = listen(cmd, cfg, logger, selected.Address())
		// A fixed --index would pick the same device again.
		if index != 0 || !errors.Is(err, ErrConnectionLost) {
			return err
		}
		fmt.Fprintf(out, "%s\nRescanning...\n", FormatUserError(err))
	}
}

func scanDevices(cmd *cobra.Command, logger *logrus.Logger, opts *scanner.ScanOptions) ([]device.DeviceInfo, error) {
	s, err := scanner.NewScanner(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	progress := func(string) {}
	if isTerminal() {
		p := NewProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", opts.Duration, "Processing results")
		p.Start()
		defer p.Stop()
		progress = p.Callback()
	}

	devices, err := s.Scan(ctx, opts, progress)
	if err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("scan failed")
		return nil, err
	}
	// An interrupted scan still reports what it found.
	return devices, nil
}

func promptSelection(in *bufio.Reader, out io.Writer, n int) (int, error) {
	for {
		fmt.Fprintf(out, "Select device [1-%d]: ", n)
		line, err := in.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			idx, convErr := strconv.Atoi(line)
			if convErr == nil && idx >= 1 && idx <= n {
				return idx, nil
			}
			fmt.Fprintf(out, "Please enter a number between 1 and %d\n", n)
		}
		if err != nil {
			if err == io.EOF {
				return 0, fmt.Errorf("%w: no selection made", scanner.ErrInvalidSelection)
			}
			return 0, err
		}
	}
}

func displayDevicesTable(out io.Writer, devices []device.DeviceInfo) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tADDRESS\tRSSI\tUART\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 72))

	uartUUID := device.NormalizeUUID(uart.ServiceUUID)
	for i, dev := range devices {
		name := dev.Name()
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		hasUART := "-"
		for _, s := range dev.AdvertisedServices() {
			if s == uartUUID {
				hasUART = "yes"
				break
			}
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%d dBm\t%s\t%s\n",
			i+1, name, dev.Address(), dev.RSSI(), hasUART, lastSeen(dev.LastSeen()))
	}
	return w.Flush()
}

func lastSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

// watchScan prints device events until ctx is done.
func watchScan(ctx context.Context, out io.Writer, s *scanner.Scanner, opts *scanner.ScanOptions) error {
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Scan(ctx, opts, nil)
		errCh <- err
	}()

	events := s.Events()
	for {
		select {
		case err := <-errCh:
			// Drain what arrived before the scan ended.
			for {
				select {
				case ev := <-events:
					printDeviceEvent(out, ev)
				default:
					return err
				}
			}
		case ev := <-events:
			printDeviceEvent(out, ev)
		}
	}
}

func printDeviceEvent(out io.Writer, ev scanner.DeviceEvent) {
	kind := "new"
	if ev.Type == scanner.EventUpdated {
		kind = "update"
	}
	fmt.Fprintf(out, "%-6s %s  %s  %d dBm\n", kind, ev.Device.Address(), ev.Device.Name(), ev.Device.RSSI())
}
