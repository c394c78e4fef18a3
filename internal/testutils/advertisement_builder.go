package testutils

import (
	"github.com/srg/blecount/internal/device"
)

// txPowerUnavailable mirrors the advertising value for "no TX power".
const txPowerUnavailable = 127

// AdvertisementBuilder builds fake device.Advertisement values with a fluent API.
type AdvertisementBuilder struct {
	adv fakeAdvertisement
}

// NewAdvertisementBuilder starts a connectable advertisement with no TX power.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: fakeAdvertisement{
		connectable: true,
		txPower:     txPowerUnavailable,
	}}
}

// CreateMockAdvertisement is shorthand for the common name/address/RSSI case.
func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.rssi = rssi
	return b
}

// WithServices adds service UUIDs in any accepted form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.services = append(b.adv.services, uuids...)
	return b
}

func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.manufData = data
	return b
}

func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.adv.txPower = power
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.connectable = c
	return b
}

// Build returns an immutable advertisement.
func (b *AdvertisementBuilder) Build() device.Advertisement {
	adv := b.adv
	adv.services = append([]string(nil), b.adv.services...)
	return adv
}

type fakeAdvertisement struct {
	name        string
	address     string
	rssi        int
	services    []string
	manufData   []byte
	txPower     int
	connectable bool
}

func (a fakeAdvertisement) LocalName() string        { return a.name }
func (a fakeAdvertisement) ManufacturerData() []byte { return a.manufData }
func (a fakeAdvertisement) Services() []string       { return a.services }
func (a fakeAdvertisement) TxPowerLevel() int        { return a.txPower }
func (a fakeAdvertisement) Connectable() bool        { return a.connectable }
func (a fakeAdvertisement) RSSI() int                { return a.rssi }
func (a fakeAdvertisement) Addr() string             { return a.address }
