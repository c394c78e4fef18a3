package source

import (
	"context"
	"fmt"

	"github.com/srg/blecount/internal/batch"
	"github.com/srg/blecount/internal/uart"
)

// BLE feeds batches from a peripheral through a uart.Manager.
type BLE struct {
	manager *uart.Manager
	address string
}

// NewBLE returns a source that connects manager to address on Start.
func NewBLE(manager *uart.Manager, address string) *BLE {
	return &BLE{manager: manager, address: address}
}

func (b *BLE) Name() string { return "ble " + b.address }

// Start runs the manager event loop and begins connecting. Connection
// progress is reported by the manager's state stream.
func (b *BLE) Start(ctx context.Context) error {
	b.manager.Start(ctx)
	if err := b.manager.Connect(ctx, b.address); err != nil {
		return fmt.Errorf("ble source: %w", err)
	}
	return nil
}

func (b *BLE) Batches(ctx context.Context) <-chan []batch.Entry {
	return b.manager.Batches(ctx)
}

// Manager exposes the underlying manager for state and diagnostics.
func (b *BLE) Manager() *uart.Manager {
	return b.manager
}
