package testutils

import (
	"context"
	"sync"

	"github.com/srg/blecount/internal/device"
	"github.com/srg/blecount/internal/uart"
)

// UARTServices returns a discovery result containing the UART service with
// both characteristics, next to an unrelated GAP service.
func UARTServices() []device.Service {
	return []device.Service{
		{UUID: "1800", Characteristics: []device.Characteristic{{UUID: "2a00", Properties: device.PropRead}}},
		{
			UUID: device.NormalizeUUID(uart.ServiceUUID),
			Characteristics: []device.Characteristic{
				{UUID: device.NormalizeUUID(uart.TXCharUUID), Properties: device.PropNotify},
				{UUID: device.NormalizeUUID(uart.RXCharUUID), Properties: device.PropWrite | device.PropWriteNoResponse},
			},
		},
	}
}

// FakeTransport is a uart.Transport that answers like a well-behaved
// peripheral: Connect reports link up, DiscoverServices reports Services.
type FakeTransport struct {
	Services   []device.Service
	ConnectErr error
	// DialErr makes the background dial fail: Connect succeeds, then the link
	// goes down with DialErr instead of coming up.
	DialErr error
	// AutoNotify lines are delivered right after notifications are enabled.
	AutoNotify []string
	// LinkLossAfterNotify, when set, drops the link with this reason after the
	// AutoNotify lines.
	LinkLossAfterNotify error

	events chan uart.Event

	mu      sync.Mutex
	writes  [][]byte
	enabled []string
}

// NewFakeTransport creates a transport that exposes UARTServices.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		Services: UARTServices(),
		events:   make(chan uart.Event, 64),
	}
}

func (f *FakeTransport) Connect(_ context.Context, _ string) error {
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	if f.DialErr != nil {
		f.DropLink(f.DialErr)
		return nil
	}
	f.events <- uart.Event{Kind: uart.EventLinkUp}
	return nil
}

func (f *FakeTransport) DiscoverServices() error {
	f.events <- uart.Event{Kind: uart.EventServicesDiscovered, Services: f.Services}
	return nil
}

func (f *FakeTransport) EnableNotifications(_, characteristic string) error {
	f.mu.Lock()
	f.enabled = append(f.enabled, device.NormalizeUUID(characteristic))
	f.mu.Unlock()

	for _, line := range f.AutoNotify {
		f.Notify(line)
	}
	if f.LinkLossAfterNotify != nil {
		f.DropLink(f.LinkLossAfterNotify)
	}
	return nil
}

func (f *FakeTransport) Write(_, _ string, data []byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *FakeTransport) Disconnect() error {
	select {
	case f.events <- uart.Event{Kind: uart.EventLinkDown}:
	default:
	}
	return nil
}

func (f *FakeTransport) Events() <-chan uart.Event { return f.events }

// DropLink reports an unrequested link loss with reason.
func (f *FakeTransport) DropLink(reason error) {
	f.events <- uart.Event{Kind: uart.EventLinkDown, Err: reason}
}

// Notify delivers line as a TX notification.
func (f *FakeTransport) Notify(line string) {
	f.events <- uart.Event{
		Kind:           uart.EventNotification,
		Characteristic: device.NormalizeUUID(uart.TXCharUUID),
		Data:           []byte(line),
	}
}

// Writes returns the chunks written so far.
func (f *FakeTransport) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

// Enabled returns the characteristics notifications were enabled on.
func (f *FakeTransport) Enabled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.enabled...)
}
