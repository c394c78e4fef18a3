package main

import (
	"github.com/spf13/cobra"

	"github.com/srg/blecount/internal/ledger"
	"github.com/srg/blecount/internal/source"
)

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate counter batches without a device",
		Long: `Feed the log from a local simulator that emits one entry of 0/1 counters per
interval, sized to the current number of columns. With --pattern the values
cycle through a fixed sequence instead of being random.`,
		Args: cobra.NoArgs,
		RunE: runSimulate,
	}

	cmd.Flags().Duration("interval", 0, "Time between entries (default from config)")
	cmd.Flags().Bool("pattern", false, "Cycle through a fixed pattern instead of random values")
	cmd.Flags().Uint64("seed", 0, "Random seed for reproducible output (0 picks one)")
	addRunFlags(cmd)
	return cmd
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	interval, _ := cmd.Flags().GetDuration("interval")
	if !cmd.Flags().Changed("interval") {
		interval = cfg.SimulateInterval
	}
	pattern, _ := cmd.Flags().GetBool("pattern")
	seed, _ := cmd.Flags().GetUint64("seed")

	l, err := ledger.New(cfg.Headers, logger)
	if err != nil {
		return err
	}

	sim := source.NewSimulator(logger, &source.SimulatorOptions{
		Interval: interval,
		Pattern:  pattern,
		Width:    func() int { return len(l.Headers()) },
		Seed:     seed,
	})

	opts := readRunFlags(cmd)
	opts.Ledger = l
	defer sim.Wait()
	return runLedger(cmd, cfg, logger, sim, opts)
}
