package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecount/internal/device"
	"github.com/srg/blecount/scanner"
	"github.com/stretchr/testify/suite"
)

// FakeScanningDevice replays advertisements to the scan handler.
//
// With HoldUntilDone set, Scan blocks until its context ends and returns the
// context error, like a real adapter does at the end of a scan window.
type FakeScanningDevice struct {
	Advertisements []device.Advertisement
	Err            error
	HoldUntilDone  bool

	mu    sync.Mutex
	scans int
}

// Scan implements device.ScanningDevice.
func (f *FakeScanningDevice) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	f.mu.Lock()
	f.scans++
	f.mu.Unlock()

	for _, adv := range f.Advertisements {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		handler(adv)
	}
	if f.Err != nil {
		return f.Err
	}
	if f.HoldUntilDone {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

// Scans returns how many times Scan was called.
func (f *FakeScanningDevice) Scans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

// ScannerSuite substitutes scanner.DeviceFactory with a FakeScanningDevice
// for every test and restores it afterwards.
//
//	func (s *MySuite) SetupTest() {
//	    s.WithAdvertisements(adv1, adv2)
//	    s.ScannerSuite.SetupTest()
//	}
type ScannerSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	Device          *FakeScanningDevice
	originalFactory func() (device.ScanningDevice, error)
}

// SetupSuite initialises shared helpers.
func (s *ScannerSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 5 * time.Second
	s.originalFactory = scanner.DeviceFactory

	s.T().Cleanup(func() {
		scanner.DeviceFactory = s.originalFactory
	})
}

// SetupTest installs the fake device.
func (s *ScannerSuite) SetupTest() {
	if s.Device == nil {
		s.Device = &FakeScanningDevice{}
	}
	dev := s.Device
	scanner.DeviceFactory = func() (device.ScanningDevice, error) {
		return dev, nil
	}
}

// TearDownTest restores the factory and clears per-test configuration.
func (s *ScannerSuite) TearDownTest() {
	scanner.DeviceFactory = s.originalFactory
	s.Device = nil
}

// WithAdvertisements configures the advertisements the next scan replays.
func (s *ScannerSuite) WithAdvertisements(advs ...device.Advertisement) *FakeScanningDevice {
	if s.Device == nil {
		s.Device = &FakeScanningDevice{}
	}
	s.Device.Advertisements = append(s.Device.Advertisements, advs...)
	return s.Device
}

// WithFactoryError makes the next DeviceFactory call fail with err.
func (s *ScannerSuite) WithFactoryError(err error) {
	scanner.DeviceFactory = func() (device.ScanningDevice, error) {
		return nil, err
	}
}
