package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/blecount/internal/device"
)

// DeviceFactory creates the host BLE adapter. Tests replace it with a fake.
//
//nolint:revive // DeviceFactory name is intentional for test substitution
var DeviceFactory = newPlatformDevice

var (
	hostMu  sync.Mutex
	hostDev ble.Device
)

// HostDevice returns the process-wide adapter, opening it on first use.
// Scanning and every Transport share it: on Linux the HCI user channel can be
// bound only once.
func HostDevice() (ble.Device, error) {
	hostMu.Lock()
	defer hostMu.Unlock()

	if hostDev != nil {
		return hostDev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, err
	}
	ble.SetDefaultDevice(dev)
	hostDev = dev
	return dev, nil
}

// CloseHostDevice stops the shared adapter. A later HostDevice call opens a
// fresh one.
func CloseHostDevice() error {
	hostMu.Lock()
	defer hostMu.Unlock()

	if hostDev == nil {
		return nil
	}
	err := hostDev.Stop()
	hostDev = nil
	return NormalizeError(err)
}

// scanningDevice adapts ble.Device to device.ScanningDevice.
type scanningDevice struct {
	dev ble.Device
}

// Scan converts go-ble advertisements and normalises errors.
func (s *scanningDevice) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	err := s.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewAdvertisement(adv))
	})
	return NormalizeError(err)
}

// NewScanningDevice creates a device.ScanningDevice over the shared host adapter.
func NewScanningDevice() (device.ScanningDevice, error) {
	dev, err := HostDevice()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return &scanningDevice{dev: dev}, nil
}
