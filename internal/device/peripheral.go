package device

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// txPowerUnavailable is the advertised TX power value meaning "not present".
const txPowerUnavailable = 127

//nolint:revive // DeviceInfo reads better as device.DeviceInfo at call sites
type DeviceInfo interface {
	ID() string
	Name() string
	Address() string
	RSSI() int
	TxPower() *int
	IsConnectable() bool
	AdvertisedServices() []string
	LastSeen() time.Time
}

// Peripheral is a device observed during a scan. It is safe for concurrent use.
type Peripheral struct {
	mu                 sync.RWMutex
	address            string
	name               string
	rssi               int
	txPower            *int
	connectable        bool
	lastSeen           time.Time
	advertisedServices []string
	manufData          []byte
}

// NewPeripheral creates a Peripheral from its first advertisement.
func NewPeripheral(adv Advertisement) *Peripheral {
	p := &Peripheral{address: adv.Addr()}
	p.Update(adv)
	return p
}

func (p *Peripheral) ID() string { return p.Address() }

// Name returns the advertised name, falling back to the address.
func (p *Peripheral) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.name == "" {
		return p.address
	}
	return p.name
}

func (p *Peripheral) Address() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.address
}

func (p *Peripheral) RSSI() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rssi
}

func (p *Peripheral) TxPower() *int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.txPower
}

func (p *Peripheral) IsConnectable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connectable
}

func (p *Peripheral) AdvertisedServices() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.advertisedServices))
	copy(out, p.advertisedServices)
	return out
}

func (p *Peripheral) LastSeen() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeen
}

// HasService reports whether the peripheral advertised uuid.
func (p *Peripheral) HasService(uuid string) bool {
	want := NormalizeUUID(uuid)
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.advertisedServices {
		if s == want {
			return true
		}
	}
	return false
}

// Update refreshes the peripheral from a newer advertisement.
func (p *Peripheral) Update(adv Advertisement) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rssi = adv.RSSI()
	p.connectable = adv.Connectable()
	p.lastSeen = time.Now()

	if name := adv.LocalName(); name != "" {
		p.name = name
	} else if p.name == "" {
		p.name = nameFromManufacturerData(adv.ManufacturerData())
	}

	if md := adv.ManufacturerData(); len(md) > 0 {
		p.manufData = md
	}

	needsSort := false
	for _, svc := range adv.Services() {
		n := NormalizeUUID(svc)
		if n == "" || containsString(p.advertisedServices, n) {
			continue
		}
		p.advertisedServices = append(p.advertisedServices, n)
		needsSort = true
	}
	if needsSort {
		sort.Strings(p.advertisedServices)
	}

	if tx := adv.TxPowerLevel(); tx != txPowerUnavailable {
		p.txPower = &tx
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// nameFromManufacturerData returns the first run of printable ASCII in data
// that looks like a device name.
func nameFromManufacturerData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	for i := 0; i < len(data)-3; i++ {
		if !isReadableASCII(data[i]) {
			continue
		}
		var b []byte
		for j := i; j < len(data) && j < i+32; j++ {
			if !isReadableASCII(data[j]) {
				break
			}
			b = append(b, data[j])
		}
		if name := strings.TrimSpace(string(b)); isValidDeviceName(name) {
			return name
		}
	}
	return ""
}

func isReadableASCII(b byte) bool {
	return b >= 32 && b <= 126
}

func isValidDeviceName(name string) bool {
	if len(name) < 3 || len(name) > 32 {
		return false
	}
	for _, r := range name {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
