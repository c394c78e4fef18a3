package device

import (
	"context"
	"errors"
	"fmt"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service" or "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	switch len(e.UUIDs) {
	case 0:
		return fmt.Sprintf("%s not found", e.Resource)
	case 1:
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	default:
		return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
	}
}

// ConnectionState represents the specific kind of connection failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	BluetoothOff     ConnectionState = "bluetooth_off"
	PermissionDenied ConnectionState = "permission_denied"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff, Msg: "is Bluetooth turned on?"}
	ErrPermissionDenied = &ConnectionError{State: PermissionDenied, Msg: "grant Bluetooth access to this terminal"}
)

// Operation errors
var (
	ErrTimeout         = errors.New("timeout")
	ErrServiceNotFound = errors.New("service not found")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// ScanningDevice represents a BLE adapter capable of scanning for advertisements
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Advertisement is a single received advertising packet.
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	Services() []string
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() string
}

// Property is a GATT characteristic property bit set.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteNoResponse
	PropNotify
	PropIndicate
)

// Has reports whether all bits of q are set.
func (p Property) Has(q Property) bool { return p&q == q }

// CanSubscribe reports whether the characteristic supports notify or indicate.
func (p Property) CanSubscribe() bool { return p&(PropNotify|PropIndicate) != 0 }

// Characteristic is a discovered characteristic. UUID is normalised.
type Characteristic struct {
	UUID       string
	Properties Property
}

// Service is a discovered GATT service. UUID is normalised.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// FindCharacteristic looks up a characteristic by UUID in any accepted form.
func (s Service) FindCharacteristic(uuid string) (Characteristic, bool) {
	want := NormalizeUUID(uuid)
	for _, c := range s.Characteristics {
		if c.UUID == want {
			return c, true
		}
	}
	return Characteristic{}, false
}

// FindService looks up a service by UUID in any accepted form.
func FindService(services []Service, uuid string) (Service, bool) {
	want := NormalizeUUID(uuid)
	for _, s := range services {
		if s.UUID == want {
			return s, true
		}
	}
	return Service{}, false
}

// FindCharacteristic resolves serviceUUID/charUUID, returning a NotFoundError
// naming the missing level.
func FindCharacteristic(services []Service, serviceUUID, charUUID string) (Characteristic, error) {
	svc, ok := FindService(services, serviceUUID)
	if !ok {
		return Characteristic{}, &NotFoundError{Resource: "service", UUIDs: []string{NormalizeUUID(serviceUUID)}}
	}
	c, ok := svc.FindCharacteristic(charUUID)
	if !ok {
		return Characteristic{}, &NotFoundError{
			Resource: "characteristic",
			UUIDs:    []string{svc.UUID, NormalizeUUID(charUUID)},
		}
	}
	return c, nil
}
