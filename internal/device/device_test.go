package device_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/srg/blecount/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdv struct {
	name     string
	addr     string
	rssi     int
	tx       int
	services []string
	manuf    []byte
}

func (a fakeAdv) LocalName() string        { return a.name }
func (a fakeAdv) ManufacturerData() []byte { return a.manuf }
func (a fakeAdv) Services() []string       { return a.services }
func (a fakeAdv) TxPowerLevel() int        { return a.tx }
func (a fakeAdv) Connectable() bool        { return true }
func (a fakeAdv) RSSI() int                { return a.rssi }
func (a fakeAdv) Addr() string             { return a.addr }

func TestConnectionError_Is(t *testing.T) {
	wrapped := fmt.Errorf("dial: %w", &device.ConnectionError{State: device.BluetoothOff, Msg: "powered off"})

	assert.ErrorIs(t, wrapped, device.ErrBluetoothOff, "errors.Is MUST match by state")
	assert.NotErrorIs(t, wrapped, device.ErrNotConnected)
	assert.True(t, device.IsConnectionState(wrapped, device.BluetoothOff))
	assert.False(t, device.IsConnectionState(errors.New("plain"), device.BluetoothOff))
	assert.Equal(t, "bluetooth_off: powered off", (&device.ConnectionError{State: device.BluetoothOff, Msg: "powered off"}).Error())
	assert.Equal(t, "not_connected", device.ErrNotConnected.Error())
}

func TestNotFoundError(t *testing.T) {
	tests := []struct {
		err      *device.NotFoundError
		expected string
	}{
		{&device.NotFoundError{Resource: "service"}, "service not found"},
		{&device.NotFoundError{Resource: "service", UUIDs: []string{"180f"}}, `service "180f" not found`},
		{&device.NotFoundError{Resource: "characteristic", UUIDs: []string{"180f", "2a19"}}, `characteristic "2a19" not found in service "180f"`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.err.Error())
	}
}

func TestFindCharacteristic(t *testing.T) {
	services := []device.Service{{
		UUID: "6e400001b5a3f393e0a9e50e24dcca9e",
		Characteristics: []device.Characteristic{
			{UUID: "6e400003b5a3f393e0a9e50e24dcca9e", Properties: device.PropNotify},
			{UUID: "6e400002b5a3f393e0a9e50e24dcca9e", Properties: device.PropWrite | device.PropWriteNoResponse},
		},
	}}

	c, err := device.FindCharacteristic(services, "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6E400003-B5A3-F393-E0A9-E50E24DCCA9E")
	require.NoError(t, err)
	assert.True(t, c.Properties.CanSubscribe())
	assert.False(t, c.Properties.Has(device.PropWrite))

	_, err = device.FindCharacteristic(services, "180f", "2a19")
	var nf *device.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "service", nf.Resource)

	_, err = device.FindCharacteristic(services, "6e400001-b5a3-f393-e0a9-e50e24dcca9e", "2a19")
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "characteristic", nf.Resource)
}

func TestPeripheral_Update(t *testing.T) {
	// GOAL: Verify repeated advertisements merge into one peripheral record
	//
	// TEST SCENARIO: First advertisement without name → second with name and extra service → fields merged
	p := device.NewPeripheral(fakeAdv{addr: "AA:BB", rssi: -70, tx: 127, services: []string{"180F"}})
	assert.Equal(t, "AA:BB", p.Name(), "name MUST fall back to address")
	assert.Nil(t, p.TxPower(), "TX power 127 means unavailable")

	before := p.LastSeen()
	time.Sleep(time.Millisecond)
	p.Update(fakeAdv{
		name:     "counter-1",
		addr:     "AA:BB",
		rssi:     -40,
		tx:       4,
		services: []string{"6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "180f"},
	})

	assert.Equal(t, "counter-1", p.Name())
	assert.Equal(t, -40, p.RSSI())
	require.NotNil(t, p.TxPower())
	assert.Equal(t, 4, *p.TxPower())
	assert.Equal(t, []string{"180f", "6e400001b5a3f393e0a9e50e24dcca9e"}, p.AdvertisedServices())
	assert.True(t, p.HasService("6e400001-b5a3-f393-e0a9-e50e24dcca9e"))
	assert.True(t, p.LastSeen().After(before))
}

func TestPeripheral_NameFromManufacturerData(t *testing.T) {
	p := device.NewPeripheral(fakeAdv{addr: "11:22", tx: 127, manuf: []byte{0xff, 0xfe, 'P', 'C', 'n', 't', 0x00}})
	assert.Equal(t, "PCnt", p.Name())
}
