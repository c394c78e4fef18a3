package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/srg/blecount/internal/ledger"
	"github.com/srg/blecount/internal/source"
)

func newButtonsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buttons",
		Short: "Simulate a three-button event counter",
		Long: `Run a simulated A/B/C button counter. Each batch holds a few presses and may
end with a DEL that cancels the most recent press of that batch. The batch is
printed after cancellation, followed by the per-button counts.`,
		Args: cobra.NoArgs,
		RunE: runButtons,
	}

	cmd.Flags().Duration("interval", 0, "Time between batches (default from config)")
	cmd.Flags().Uint64("seed", 0, "Random seed for reproducible output (0 picks one)")
	cmd.Flags().DurationP("duration", "d", 0, "Stop after this long (0 runs until Ctrl+C)")
	cmd.Flags().Int("count", 0, "Stop after this many batches (0 for no limit)")
	return cmd
}

func runButtons(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	interval, _ := cmd.Flags().GetDuration("interval")
	if !cmd.Flags().Changed("interval") {
		interval = cfg.ButtonInterval
	}
	seed, _ := cmd.Flags().GetUint64("seed")
	duration, _ := cmd.Flags().GetDuration("duration")
	limit, _ := cmd.Flags().GetInt("count")

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if duration > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, duration)
		defer cancelTimeout()
	}

	out := cmd.OutOrStdout()
	log := ledger.NewEventLog()
	sim := source.NewButtonSimulator(logger, interval, seed)

	fmt.Fprintln(out, "Simulating button presses (Ctrl+C to stop)")

	var mu sync.Mutex
	batches := 0
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		sim.Feed(ctx, log, func([]string) {
			mu.Lock()
			defer mu.Unlock()
			batches++
			fmt.Fprintf(out, "%s  counts: %s\n", strings.Join(log.CurrentBatch(), " "), formatCounts(log))
			if limit > 0 && batches >= limit {
				cancel()
			}
		})
	}()

	if err := sim.Start(ctx); err != nil {
		return err
	}
	<-feedDone
	cancel()
	sim.Wait()

	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, "%d batches, %d deletes, counts: %s\n", batches, log.Deletes(), formatCounts(log))
	return nil
}

func formatCounts(log *ledger.EventLog) string {
	counts := log.Counts()
	parts := make([]string, 0, counts.Len())
	for pair := counts.Oldest(); pair != nil; pair = pair.Next() {
		parts = append(parts, fmt.Sprintf("%s=%d", pair.Key, pair.Value))
	}
	return strings.Join(parts, " ")
}
