// Package scanner runs time-boxed BLE discovery and keeps one record per
// peripheral address.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecount/internal/broadcast"
	"github.com/srg/blecount/internal/device"
	"github.com/srg/blecount/internal/device/goble"
)

// DefaultScanDuration is the default length of a scan window.
const DefaultScanDuration = 10 * time.Second

// ErrInvalidSelection is returned by Select for an index outside the result list.
var ErrInvalidSelection = errors.New("invalid device selection")

// DeviceFactory creates the adapter used for scanning. Tests replace it.
var DeviceFactory = goble.NewScanningDevice

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

type DeviceEvent struct {
	Type   DeviceEventType
	Device device.DeviceInfo
}

// Scanner handles BLE device discovery
type Scanner struct {
	devices *hashmap.Map[string, *device.Peripheral]
	events  *broadcast.RingChannel[DeviceEvent]
	logger  *logrus.Logger

	scanOptions *ScanOptions
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	ServiceUUIDs    []string
	AllowList       []string
	BlockList       []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        DefaultScanDuration,
		DuplicateFilter: true,
	}
}

// NewScanner creates a new BLE scanner
func NewScanner(logger *logrus.Logger) (*Scanner, error) {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		devices: hashmap.New[string, *device.Peripheral](),
		events:  broadcast.NewRingChannel[DeviceEvent](100),
		logger:  logger,
	}, nil
}

// Scan discovers peripherals until opts.Duration elapses or ctx is cancelled.
// Duration <= 0 scans until ctx is done. Results are sorted by signal strength,
// strongest first.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]device.DeviceInfo, error) {
	s.devices = hashmap.New[string, *device.Peripheral]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progressCallback("Scanning")

	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()
	err = dev.Scan(scanCtx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	progressCallback("Processing results")

	devices := s.makeDeviceList()
	if err := ctx.Err(); err != nil {
		return devices, err
	}
	return devices, nil
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	deviceID := adv.Addr()

	dev, existing := s.devices.Get(deviceID)
	if !existing {
		if !s.shouldIncludeDevice(adv, s.scanOptions) {
			return
		}
		dev, existing = s.devices.GetOrInsert(deviceID, device.NewPeripheral(adv))
	}

	event := DeviceEvent{Device: dev}

	if existing {
		dev.Update(adv)
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  dev.Name(),
			"address": dev.Address(),
			"rssi":    dev.RSSI(),
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	s.events.ForceSend(event)
}

// shouldIncludeDevice applies the allow/block/service filters
func (s *Scanner) shouldIncludeDevice(adv device.Advertisement, opts *ScanOptions) bool {
	if opts == nil {
		return true
	}
	addr := adv.Addr()

	for _, blocked := range opts.BlockList {
		if equalAddr(addr, blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if equalAddr(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		advertised := device.NormalizeUUIDs(adv.Services())
		for _, required := range opts.ServiceUUIDs {
			want := device.NormalizeUUID(required)
			for _, u := range advertised {
				if u == want {
					return true
				}
			}
		}
		return false
	}

	return true
}

// makeDeviceList returns a snapshot sorted by RSSI, then address
func (s *Scanner) makeDeviceList() []device.DeviceInfo {
	devs := make([]device.DeviceInfo, 0, s.devices.Len())

	s.devices.Range(func(key string, value *device.Peripheral) bool {
		devs = append(devs, value)
		return true
	})

	sort.SliceStable(devs, func(i, j int) bool {
		if devs[i].RSSI() != devs[j].RSSI() {
			return devs[i].RSSI() > devs[j].RSSI()
		}
		return devs[i].Address() < devs[j].Address()
	})
	return devs
}

// Events return a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// Select returns devices[index] (zero-based).
func Select(devices []device.DeviceInfo, index int) (device.DeviceInfo, error) {
	if index < 0 || index >= len(devices) {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidSelection, index+1, len(devices))
	}
	return devices[index], nil
}

func equalAddr(a, b string) bool {
	return strings.EqualFold(a, b)
}
