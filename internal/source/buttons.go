package source

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecount/internal/broadcast"
	"github.com/srg/blecount/internal/groutine"
	"github.com/srg/blecount/internal/ledger"
)

const (
	// DefaultButtonInterval is the pause between simulated press batches.
	DefaultButtonInterval = 3 * time.Second

	// DeleteChance is the probability that a batch ends with a delete marker.
	DeleteChance = 0.3
)

// ButtonSimulator emits batches of 2-4 random button presses, sometimes
// followed by a delete marker.
type ButtonSimulator struct {
	interval time.Duration
	buttons  []string
	logger   *logrus.Logger
	flow     *broadcast.Flow[[]string]

	mu  sync.Mutex
	rng *rand.Rand

	started atomic.Bool
	group   groutine.Group
}

// NewButtonSimulator creates an idle simulator. Zero interval selects
// DefaultButtonInterval; zero seed draws a random one.
func NewButtonSimulator(logger *logrus.Logger, interval time.Duration, seed uint64) *ButtonSimulator {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = DefaultButtonInterval
	}
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &ButtonSimulator{
		interval: interval,
		buttons:  ledger.DefaultButtons,
		logger:   logger,
		flow:     broadcast.NewFlow[[]string](broadcast.DefaultExtraCapacity),
		rng:      rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
}

func (b *ButtonSimulator) Name() string { return "button simulator" }

// Start begins emitting until ctx is done.
func (b *ButtonSimulator) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	b.group.Go(ctx, "button-simulator", func(ctx context.Context) {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				presses := b.Next()
				if !b.flow.TryEmit(presses) {
					b.logger.WithField("presses", presses).Warn("Subscriber is full, dropping button batch")
				}
			}
		}
	})
	return nil
}

// Wait blocks until the loop started by Start has exited.
func (b *ButtonSimulator) Wait() {
	b.group.Wait()
}

// Batches streams press batches.
func (b *ButtonSimulator) Batches(ctx context.Context) <-chan []string {
	return b.flow.Subscribe(ctx)
}

// Next draws one batch of presses.
func (b *ButtonSimulator) Next() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 2 + b.rng.IntN(3)
	presses := make([]string, 0, n+1)
	for i := 0; i < n; i++ {
		presses = append(presses, b.buttons[b.rng.IntN(len(b.buttons))])
	}
	if b.rng.Float64() < DeleteChance {
		presses = append(presses, ledger.DeleteToken)
	}
	return presses
}

// Feed applies every batch from b to log until ctx is done. onChange, if not
// nil, runs after each batch.
func (b *ButtonSimulator) Feed(ctx context.Context, log *ledger.EventLog, onChange func([]string)) {
	ch := b.Batches(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case presses, ok := <-ch:
			if !ok {
				return
			}
			log.ApplyBatch(presses)
			b.logger.WithField("presses", presses).Debug("Applied button batch")
			if onChange != nil {
				onChange(presses)
			}
		}
	}
}
