package source

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecount/internal/batch"
	"github.com/srg/blecount/internal/broadcast"
	"github.com/srg/blecount/internal/groutine"
)

// DefaultSimulateInterval is the pause between simulated batches.
const DefaultSimulateInterval = 5 * time.Second

// Patterns is the fixed cycle used by pattern mode.
var Patterns = [][]int{
	{1, 0, 1},
	{0, 1, 0},
	{1, 0, 0},
	{0, 1, 1},
}

type SimulatorOptions struct {
	Interval time.Duration
	// Pattern cycles through Patterns instead of drawing random values.
	Pattern bool
	// Width returns the current column count. Defaults to batch.DefaultFields.
	Width func() int
	// Seed makes random output reproducible when non-zero.
	Seed uint64
}

// Simulator stands in for the peripheral: every Interval it emits one entry of
// random 0/1 counters stamped with host time.
type Simulator struct {
	opts   SimulatorOptions
	logger *logrus.Logger
	flow   *broadcast.Flow[[]batch.Entry]

	mu   sync.Mutex
	rng  *rand.Rand
	now  func() time.Time
	step int

	started atomic.Bool
	emitted atomic.Int64
	group   groutine.Group
}

// NewSimulator creates an idle simulator.
func NewSimulator(logger *logrus.Logger, opts *SimulatorOptions) *Simulator {
	if logger == nil {
		logger = logrus.New()
	}
	var o SimulatorOptions
	if opts != nil {
		o = *opts
	}
	if o.Interval <= 0 {
		o.Interval = DefaultSimulateInterval
	}
	if o.Width == nil {
		o.Width = func() int { return batch.DefaultFields }
	}

	var rng *rand.Rand
	if o.Seed != 0 {
		rng = rand.New(rand.NewPCG(o.Seed, o.Seed^0x9e3779b97f4a7c15))
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	return &Simulator{
		opts:   o,
		logger: logger,
		flow:   broadcast.NewFlow[[]batch.Entry](broadcast.DefaultExtraCapacity),
		rng:    rng,
		now:    time.Now,
	}
}

func (s *Simulator) Name() string {
	if s.opts.Pattern {
		return "simulator (pattern)"
	}
	return "simulator"
}

// SetClock replaces the clock used to stamp entries.
func (s *Simulator) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Start begins emitting. The loop stops when ctx is done.
func (s *Simulator) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.logger.WithFields(logrus.Fields{
		"interval": s.opts.Interval,
		"pattern":  s.opts.Pattern,
	}).Info("Starting simulated feed")

	s.group.Go(ctx, "simulator", func(ctx context.Context) {
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.WithField("emitted", s.emitted.Load()).Debug("Simulated feed stopped")
				return
			case <-ticker.C:
				s.emit(s.Next())
			}
		}
	})
	return nil
}

// Wait blocks until the loop started by Start has exited.
func (s *Simulator) Wait() {
	s.group.Wait()
}

func (s *Simulator) Batches(ctx context.Context) <-chan []batch.Entry {
	return s.flow.Subscribe(ctx)
}

// Next builds the next simulated entry without emitting it.
func (s *Simulator) Next() batch.Entry {
	width := s.opts.Width()
	if width < 0 {
		width = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	values := make([]int, width)
	if s.opts.Pattern {
		copy(values, Patterns[s.step%len(Patterns)])
		s.step++
	} else {
		for i := range values {
			values[i] = s.rng.IntN(2)
		}
	}
	return batch.NewEntry(s.now(), values...)
}

func (s *Simulator) emit(e batch.Entry) {
	if !s.flow.TryEmit([]batch.Entry{e}) {
		s.logger.WithField("values", e.Values()).Warn("Subscriber is full, dropping simulated batch")
		return
	}
	s.emitted.Add(1)
}
