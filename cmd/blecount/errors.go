package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blecount/internal/device"
	"github.com/srg/blecount/internal/uart"
	"github.com/srg/blecount/scanner"
)

// Command-level errors
var (
	// ErrNoDevices is returned when a scan that must pick a device finds none.
	ErrNoDevices = errors.New("no devices discovered")

	// ErrConnectionLost indicates the link dropped while a command still needed it.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns err into a one-line notice for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var notFound *device.NotFoundError
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off. Turn it on and try again."
	case errors.Is(err, device.ErrPermissionDenied):
		return "Bluetooth permission denied. Allow this terminal to use Bluetooth and try again."
	case errors.Is(err, device.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Timed out waiting for the peripheral. Make sure it is powered and in range, then rescan."
	case errors.Is(err, device.ErrServiceNotFound):
		return "The peripheral does not expose the UART service. Rescan and pick a counter."
	case errors.Is(err, ErrConnectionLost), errors.Is(err, device.ErrNotConnected):
		return "Connection to the peripheral was lost. Rescan to reconnect."
	case errors.Is(err, ErrNoDevices):
		return "No devices found. Move closer to the peripheral and scan again."
	case errors.Is(err, scanner.ErrInvalidSelection):
		return err.Error()
	case errors.As(err, &notFound):
		if notFound.Resource == "characteristic" && len(notFound.UUIDs) > 0 &&
			notFound.UUIDs[0] == device.NormalizeUUID(uart.ServiceUUID) {
			return "The peripheral does not expose a writable UART characteristic."
		}
		return fmt.Sprintf("The peripheral does not expose the required %s.", notFound.Resource)
	default:
		return err.Error()
	}
}
