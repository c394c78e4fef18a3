package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/blecount/internal/groutine"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter redraws a single status line while a long phase runs, such
// as the scan window. It counts down when created with a duration and up
// otherwise.
//
//	p := NewProgressPrinter(out, "Scanning for counters", "Scanning", 10*time.Second, "Processing results")
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use.
type ProgressPrinter struct {
	out        io.Writer
	prefix     string
	phase      atomic.Value        // string
	stopPhases map[string]struct{} // phases that end the display
	duration   time.Duration       // zero counts up
	startTime  time.Time

	started atomic.Bool
	once    sync.Once
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewProgressPrinter creates a printer. stopPhases end the display when set
// through Callback.
func NewProgressPrinter(out io.Writer, prefix, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		out:        out,
		prefix:     prefix,
		stopPhases: stopSet,
		duration:   duration,
		done:       make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// Start begins redrawing in the background. Panics if called twice.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.startTime = time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.print(p.phase.Load().(string), 0)
	groutine.Go(ctx, "progress-printer", func(ctx context.Context) {
		defer close(p.done)

		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				phase := p.phase.Load().(string)
				if _, stop := p.stopPhases[phase]; stop {
					return
				}
				p.print(phase, p.seconds(time.Since(p.startTime)))
			}
		}
	})
}

// seconds returns the value shown next to the phase: elapsed seconds when
// counting up, remaining seconds (rounded, never negative) when counting down.
func (p *ProgressPrinter) seconds(elapsed time.Duration) int {
	if p.duration <= 0 {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) print(phase string, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
		return
	}
	fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
}

// Callback returns a phase setter suitable for scanner.ProgressCallback.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, stop := p.stopPhases[phase]; stop {
			p.Stop()
		}
	}
}

// Stop ends the display and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	if !p.started.Load() {
		return
	}
	p.once.Do(func() {
		p.cancel()
		<-p.done
		fmt.Fprint(p.out, clearLineSequence)
	})
}
