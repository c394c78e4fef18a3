package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecount/internal/device"
	"github.com/srg/blecount/internal/uart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// fakeBLEDevice overrides Scan, Dial and Stop; every other ble.Device method
// panics via the nil embed.
type fakeBLEDevice struct {
	ble.Device
	adverts []ble.Advertisement
	scanErr error
	dialErr error

	mu      sync.Mutex
	dialed  []string
	stopped int
}

func (d *fakeBLEDevice) Dial(_ context.Context, a ble.Addr) (ble.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, a.String())
	return nil, d.dialErr
}

func (d *fakeBLEDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped++
	return nil
}

func (d *fakeBLEDevice) Dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

func (d *fakeBLEDevice) Scan(_ context.Context, _ bool, h ble.AdvHandler) error {
	for _, a := range d.adverts {
		h(a)
	}
	return d.scanErr
}

type fakeBLEAdv struct {
	ble.Advertisement
	name string
	addr string
	rssi int
}

func (a fakeBLEAdv) LocalName() string        { return a.name }
func (a fakeBLEAdv) Addr() ble.Addr           { return ble.NewAddr(a.addr) }
func (a fakeBLEAdv) RSSI() int                { return a.rssi }
func (a fakeBLEAdv) Connectable() bool        { return true }
func (a fakeBLEAdv) TxPowerLevel() int        { return 127 }
func (a fakeBLEAdv) ManufacturerData() []byte { return nil }
func (a fakeBLEAdv) Services() []ble.UUID {
	return []ble.UUID{ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")}
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{"darwin powered off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), device.ErrBluetoothOff},
		{"generic bluetooth off", errors.New("Bluetooth is turned off"), device.ErrBluetoothOff},
		{"unauthorized", errors.New("central manager has invalid state: unauthorized"), device.ErrPermissionDenied},
		{"linux permission", errors.New("can't init hci: operation not permitted"), device.ErrPermissionDenied},
		{"not connected", errors.New("device not connected"), device.ErrNotConnected},
		{"disconnected", errors.New("peripheral disconnected"), device.ErrNotConnected},
		{"already connected", errors.New("device already connected"), device.ErrAlreadyConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.err)
			assert.ErrorIs(t, got, tt.expected)
			assert.Contains(t, got.Error(), tt.err.Error(), "original message MUST be preserved")
		})
	}

	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, NormalizeError(nil))
	})

	t.Run("unknown passes through", func(t *testing.T) {
		orig := errors.New("some other error")
		assert.Same(t, orig, NormalizeError(orig))
	})

	t.Run("context canceled passes through", func(t *testing.T) {
		assert.ErrorIs(t, NormalizeError(context.Canceled), context.Canceled)
	})
}

func TestConvertProperty(t *testing.T) {
	p := convertProperty(ble.CharNotify | ble.CharWriteNR)

	assert.True(t, p.Has(device.PropNotify))
	assert.True(t, p.Has(device.PropWriteNoResponse))
	assert.False(t, p.Has(device.PropRead))
	assert.True(t, p.CanSubscribe())
}

type GoBLETestSuite struct {
	suite.Suite
	originalFactory func() (ble.Device, error)
	logger          *logrus.Logger
}

func (suite *GoBLETestSuite) SetupTest() {
	suite.originalFactory = DeviceFactory
	suite.logger = logrus.New()
	suite.logger.SetLevel(logrus.PanicLevel)
	suite.Require().NoError(CloseHostDevice())
}

func (suite *GoBLETestSuite) TearDownTest() {
	suite.NoError(CloseHostDevice())
	DeviceFactory = suite.originalFactory
}

func (suite *GoBLETestSuite) TestScanningDevice_ConvertsAdvertisements() {
	// GOAL: Verify go-ble advertisements are adapted to the device vocabulary
	//
	// TEST SCENARIO: Fake adapter yields one advertisement → handler receives converted values
	DeviceFactory = func() (ble.Device, error) {
		return &fakeBLEDevice{adverts: []ble.Advertisement{fakeBLEAdv{name: "counter", addr: "aa:bb:cc:dd:ee:ff", rssi: -42}}}, nil
	}

	dev, err := NewScanningDevice()
	suite.Require().NoError(err)

	var got []device.Advertisement
	err = dev.Scan(context.Background(), false, func(a device.Advertisement) { got = append(got, a) })
	suite.Require().NoError(err)
	suite.Require().Len(got, 1)
	suite.Equal("counter", got[0].LocalName())
	suite.Equal("aa:bb:cc:dd:ee:ff", got[0].Addr())
	suite.Equal(-42, got[0].RSSI())
	suite.Equal("6e400001b5a3f393e0a9e50e24dcca9e", device.NormalizeUUID(got[0].Services()[0]))
}

func (suite *GoBLETestSuite) TestScanningDevice_NormalizesErrors() {
	DeviceFactory = func() (ble.Device, error) {
		return &fakeBLEDevice{scanErr: fmt.Errorf("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")}, nil
	}

	dev, err := NewScanningDevice()
	suite.Require().NoError(err)

	err = dev.Scan(context.Background(), false, func(device.Advertisement) {})
	suite.ErrorIs(err, device.ErrBluetoothOff, "error chain MUST contain ErrBluetoothOff")
}

func (suite *GoBLETestSuite) TestFactoryFailure() {
	DeviceFactory = func() (ble.Device, error) {
		return nil, errors.New("bluetooth is turned off")
	}

	_, err := NewScanningDevice()
	suite.ErrorIs(err, device.ErrBluetoothOff)

	tr := NewTransport(suite.logger)
	defer tr.Close()
	err = tr.Connect(context.Background(), "aa:bb:cc:dd:ee:ff")
	suite.ErrorIs(err, device.ErrBluetoothOff, "Connect MUST surface adapter errors synchronously")
}

func (suite *GoBLETestSuite) TestHostDevice_SharedByScanAndConnect() {
	// GOAL: Verify scanning and connecting reuse one adapter instead of opening it twice
	//
	// TEST SCENARIO: Scan, then connect twice → factory called once, both dials on the same adapter
	fake := &fakeBLEDevice{dialErr: errors.New("connection refused")}
	opened := 0
	DeviceFactory = func() (ble.Device, error) {
		opened++
		return fake, nil
	}

	dev, err := NewScanningDevice()
	suite.Require().NoError(err)
	suite.Require().NoError(dev.Scan(context.Background(), false, func(device.Advertisement) {}))

	tr := NewTransport(suite.logger)
	defer tr.Close()
	for i := 0; i < 2; i++ {
		suite.Require().NoError(tr.Connect(context.Background(), "aa:bb:cc:dd:ee:ff"))
		select {
		case ev := <-tr.Events():
			suite.Equal(uart.EventLinkDown, ev.Kind, "failed dial MUST be reported as link down")
			suite.Error(ev.Err)
		case <-time.After(time.Second):
			suite.FailNow("no event after dial")
		}
	}

	suite.Equal(1, opened, "adapter MUST be opened once per process")
	suite.Len(fake.Dialed(), 2, "both dials MUST go through the shared adapter")

	suite.Require().NoError(CloseHostDevice())
	suite.Equal(1, fake.stopped, "closing MUST stop the adapter")

	_, err = HostDevice()
	suite.Require().NoError(err)
	suite.Equal(2, opened, "adapter MUST be reopened after close")
}

func (suite *GoBLETestSuite) TestTransport_RequiresConnection() {
	tr := NewTransport(suite.logger)
	defer tr.Close()

	suite.ErrorIs(tr.DiscoverServices(), device.ErrNotConnected)
	suite.ErrorIs(tr.EnableNotifications("6e400001", "6e400003"), device.ErrNotConnected)
	suite.ErrorIs(tr.Write("6e400001", "6e400002", []byte("x"), false), device.ErrNotConnected)
	suite.NoError(tr.Disconnect(), "disconnect without a connection MUST be a no-op")
}

func TestGoBLETestSuite(t *testing.T) {
	suite.Run(t, new(GoBLETestSuite))
}

func TestCharKey(t *testing.T) {
	require.Equal(t, "180f/2a19", charKey("180f", "2a19"))
}
