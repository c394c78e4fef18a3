// Package uart manages a single connection to a peripheral exposing the
// Nordic-style UART service and turns its notifications into batches of
// counter entries.
package uart

import (
	"context"

	"github.com/srg/blecount/internal/device"
)

// UART service layout. TX is peripheral to host (notify), RX is host to
// peripheral (write).
const (
	ServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	TXCharUUID  = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
	RXCharUUID  = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
)

// EventKind identifies a transport callback.
type EventKind int

const (
	EventLinkUp EventKind = iota
	EventLinkDown
	EventServicesDiscovered
	EventNotification
)

func (k EventKind) String() string {
	switch k {
	case EventLinkUp:
		return "link_up"
	case EventLinkDown:
		return "link_down"
	case EventServicesDiscovered:
		return "services_discovered"
	case EventNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Event is a callback from the transport, delivered on Transport.Events.
//
// EventLinkDown carries the loss reason in Err (nil for a requested close).
// EventServicesDiscovered carries Services, or Err when discovery failed.
// EventNotification carries the characteristic UUID and payload.
type Event struct {
	Kind           EventKind
	Services       []device.Service
	Characteristic string
	Data           []byte
	Err            error
}

// Transport is the radio side of a connection. Calls start an operation and
// return; outcomes arrive as Events. Implementations normalise their errors to
// the device error taxonomy.
type Transport interface {
	Connect(ctx context.Context, address string) error
	DiscoverServices() error
	EnableNotifications(service, characteristic string) error
	Write(service, characteristic string, data []byte, withResponse bool) error
	Disconnect() error
	Events() <-chan Event
}
