package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blecount/internal/device"
)

// advertisement adapts ble.Advertisement to device.Advertisement.
type advertisement struct {
	adv ble.Advertisement
}

// NewAdvertisement wraps a go-ble advertisement.
func NewAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &advertisement{adv: adv}
}

func (a *advertisement) LocalName() string        { return a.adv.LocalName() }
func (a *advertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }
func (a *advertisement) TxPowerLevel() int        { return int(a.adv.TxPowerLevel()) }
func (a *advertisement) Connectable() bool        { return a.adv.Connectable() }
func (a *advertisement) RSSI() int                { return a.adv.RSSI() }
func (a *advertisement) Addr() string             { return a.adv.Addr().String() }

func (a *advertisement) Services() []string {
	uuids := a.adv.Services()
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = u.String()
	}
	return out
}
