package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecount/internal/device"
	"github.com/srg/blecount/internal/groutine"
	"github.com/srg/blecount/internal/uart"
)

const (
	// DefaultConnectTimeout bounds a single dial.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultEventBuffer is the capacity of the transport event channel.
	DefaultEventBuffer = 128
)

// Transport implements uart.Transport on top of go-ble. Blocking go-ble calls
// run on named goroutines and report back as uart events.
type Transport struct {
	ConnectTimeout time.Duration

	logger *logrus.Logger
	events chan uart.Event
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	client ble.Client
	chars  map[string]*ble.Characteristic // key: service/characteristic, normalised
	gen    uint64                         // bumped on every Connect/Disconnect
}

// NewTransport creates an idle transport.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		ConnectTimeout: DefaultConnectTimeout,
		logger:         logger,
		events:         make(chan uart.Event, DefaultEventBuffer),
		done:           make(chan struct{}),
		chars:          make(map[string]*ble.Characteristic),
	}
}

// Events implements uart.Transport.
func (t *Transport) Events() <-chan uart.Event {
	return t.events
}

// Close releases the connection and stops event delivery.
func (t *Transport) Close() error {
	err := t.Disconnect()
	t.once.Do(func() { close(t.done) })
	return err
}

// Connect dials address on the shared host adapter in the background.
func (t *Transport) Connect(ctx context.Context, address string) error {
	dev, err := HostDevice()
	if err != nil {
		t.logger.WithField("error", err).Error("Failed to create BLE device")
		return fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	timeout := t.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	groutine.Go(ctx, "ble-dial", func(ctx context.Context) {
		connCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		t.logger.WithField("address", address).Debug("Dialing BLE device...")
		client, err := dev.Dial(connCtx, ble.NewAddr(address))
		if err != nil {
			t.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   err,
			}).Error("Failed to dial BLE device")
			if errors.Is(connCtx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %v", device.ErrTimeout, err)
			}
			t.emit(uart.Event{Kind: uart.EventLinkDown, Err: NormalizeError(err)})
			return
		}

		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			t.logger.WithField("address", address).Debug("Connection superseded, cancelling")
			_ = client.CancelConnection()
			return
		}
		t.client = client
		t.mu.Unlock()

		t.watchDisconnect(client, gen)
		t.emit(uart.Event{Kind: uart.EventLinkUp})
	})
	return nil
}

// watchDisconnect reports link loss when the client exposes Disconnected().
func (t *Transport) watchDisconnect(client ble.Client, gen uint64) {
	dc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		t.logger.Debug("Client does not report disconnection")
		return
	}

	groutine.Go(context.Background(), "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
		case <-t.done:
			return
		}

		t.mu.Lock()
		current := t.gen == gen
		if current {
			t.client = nil
			t.chars = make(map[string]*ble.Characteristic)
		}
		t.mu.Unlock()

		if current {
			t.emit(uart.Event{Kind: uart.EventLinkDown, Err: device.ErrNotConnected})
		}
	})
}

// DiscoverServices runs profile discovery in the background.
func (t *Transport) DiscoverServices() error {
	client, err := t.currentClient()
	if err != nil {
		return err
	}

	groutine.Go(context.Background(), "ble-discover", func(ctx context.Context) {
		profile, err := client.DiscoverProfile(true)
		if err != nil {
			t.emit(uart.Event{Kind: uart.EventServicesDiscovered, Err: NormalizeError(err)})
			return
		}

		services := make([]device.Service, 0, len(profile.Services))
		chars := make(map[string]*ble.Characteristic)
		for _, s := range profile.Services {
			svc := device.Service{UUID: device.NormalizeUUID(s.UUID.String())}
			for _, c := range s.Characteristics {
				uuid := device.NormalizeUUID(c.UUID.String())
				svc.Characteristics = append(svc.Characteristics, device.Characteristic{
					UUID:       uuid,
					Properties: convertProperty(c.Property),
				})
				chars[charKey(svc.UUID, uuid)] = c
			}
			services = append(services, svc)
		}

		t.mu.Lock()
		t.chars = chars
		t.mu.Unlock()

		t.logger.WithFields(logrus.Fields{
			"services":        len(services),
			"characteristics": len(chars),
		}).Debug("Profile discovered successfully")
		t.emit(uart.Event{Kind: uart.EventServicesDiscovered, Services: services})
	})
	return nil
}

// EnableNotifications subscribes to characteristic. go-ble writes the CCCD.
func (t *Transport) EnableNotifications(service, characteristic string) error {
	client, c, err := t.lookup(service, characteristic)
	if err != nil {
		return err
	}

	uuid := device.NormalizeUUID(characteristic)
	err = client.Subscribe(c, false, func(data []byte) {
		payload := make([]byte, len(data))
		copy(payload, data)
		t.emit(uart.Event{Kind: uart.EventNotification, Characteristic: uuid, Data: payload})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", device.ShortenUUID(uuid), NormalizeError(err))
	}
	return nil
}

// Write sends one chunk to characteristic.
func (t *Transport) Write(service, characteristic string, data []byte, withResponse bool) error {
	client, c, err := t.lookup(service, characteristic)
	if err != nil {
		return err
	}
	if err := client.WriteCharacteristic(c, data, !withResponse); err != nil {
		return NormalizeError(err)
	}
	return nil
}

// Disconnect cancels the connection if one is open.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.gen++
	client := t.client
	t.client = nil
	t.chars = make(map[string]*ble.Characteristic)
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.CancelConnection(); err != nil {
		return NormalizeError(err)
	}
	return nil
}

func (t *Transport) currentClient() (ble.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, device.ErrNotConnected
	}
	return t.client, nil
}

func (t *Transport) lookup(service, characteristic string) (ble.Client, *ble.Characteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, nil, device.ErrNotConnected
	}
	svc, char := device.NormalizeUUID(service), device.NormalizeUUID(characteristic)
	c, ok := t.chars[charKey(svc, char)]
	if !ok {
		return nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svc, char}}
	}
	return t.client, c, nil
}

func (t *Transport) emit(ev uart.Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func charKey(service, characteristic string) string {
	return service + "/" + characteristic
}

func convertProperty(p ble.Property) device.Property {
	var out device.Property
	if p&ble.CharRead != 0 {
		out |= device.PropRead
	}
	if p&ble.CharWrite != 0 {
		out |= device.PropWrite
	}
	if p&ble.CharWriteNR != 0 {
		out |= device.PropWriteNoResponse
	}
	if p&ble.CharNotify != 0 {
		out |= device.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= device.PropIndicate
	}
	return out
}
