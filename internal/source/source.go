// Package source provides the feeds that produce counter batches: a simulated
// timer feed and the BLE peripheral behind uart.Manager.
package source

import (
	"context"
	"errors"

	"github.com/srg/blecount/internal/batch"
)

// ErrAlreadyStarted is returned by Start on a source that is already running.
var ErrAlreadyStarted = errors.New("source already started")

// Source is one ingestion feed. Batches may be subscribed before or after
// Start; a late subscriber first receives the most recent batch.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Batches(ctx context.Context) <-chan []batch.Entry
}
