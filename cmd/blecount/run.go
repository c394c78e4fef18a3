package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blecount/internal/batch"
	"github.com/srg/blecount/internal/export"
	"github.com/srg/blecount/internal/ledger"
	"github.com/srg/blecount/internal/screen"
	"github.com/srg/blecount/internal/session"
	"github.com/srg/blecount/internal/source"
	"github.com/srg/blecount/internal/uart"
	"github.com/srg/blecount/pkg/config"
)

// runOptions selects how a ledger session is presented and when it ends.
type runOptions struct {
	Screen      bool
	Duration    time.Duration // zero runs until interrupted
	Count       int           // stop after this many entries, zero for no limit
	SaveOnExit  bool
	States      <-chan uart.ConnectionState
	Failures    <-chan error // a value ends the session with ErrConnectionLost
	Diagnostics func() []string
	Ledger      *ledger.Ledger // nil starts an empty one from the config headers
}

// addRunFlags registers the presentation flags shared by listen and simulate.
func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("screen", false, "Use the interactive terminal screen (default when stdout is a terminal)")
	cmd.Flags().Bool("plain", false, "Print batches line by line even on a terminal")
	cmd.Flags().DurationP("duration", "d", 0, "Stop after this long (0 runs until Ctrl+C)")
	cmd.Flags().Int("count", 0, "Stop after this many entries (0 for no limit)")
	cmd.Flags().Bool("save", false, "Save the log as CSV on exit")
}

func readRunFlags(cmd *cobra.Command) runOptions {
	useScreen, _ := cmd.Flags().GetBool("screen")
	plain, _ := cmd.Flags().GetBool("plain")
	duration, _ := cmd.Flags().GetDuration("duration")
	count, _ := cmd.Flags().GetInt("count")
	save, _ := cmd.Flags().GetBool("save")

	if !cmd.Flags().Changed("screen") {
		useScreen = isTerminal()
	}
	if plain {
		useScreen = false
	}
	return runOptions{
		Screen:     useScreen,
		Duration:   duration,
		Count:      count,
		SaveOnExit: save,
	}
}

// runLedger feeds src into a fresh ledger until the user quits, the duration
// elapses, the entry count is reached or the source reports a failure. The log
// is still summarised and saved when the connection is lost.
func runLedger(cmd *cobra.Command, cfg *config.Config, logger *logrus.Logger, src source.Source, opts runOptions) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if opts.Duration > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, opts.Duration)
		defer cancelTimeout()
	}

	lost := watchFailures(ctx, cancel, opts.Failures)

	var err error
	l := opts.Ledger
	if l == nil {
		if l, err = ledger.New(cfg.Headers, logger); err != nil {
			return err
		}
	}
	sess := session.New(src, l, logger)
	out := cmd.OutOrStdout()

	if opts.Count > 0 {
		var seen int
		var mu sync.Mutex
		sess.OnChange(func(c session.Change) {
			if c.Kind != session.ChangeAppended {
				return
			}
			mu.Lock()
			seen += len(c.Entries)
			done := seen >= opts.Count
			mu.Unlock()
			if done {
				cancel()
			}
		})
	}

	if opts.Screen {
		err = runScreen(ctx, cancel, cfg, logger, sess, opts)
	} else {
		err = runPlain(ctx, out, cfg, sess, opts)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	lostErr := lost()

	if !opts.Screen {
		printSummary(out, l)
	}
	if opts.SaveOnExit {
		csv := export.CSV(l.Headers(), l.Entries(), cfg.ExportOptions())
		path, err := export.Save(cfg.ExportDir, csv)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Saved %d rows (%s) to %s\n", l.Len(), humanize.Bytes(uint64(len(csv))), path)
	}
	if lostErr != nil {
		return fmt.Errorf("%w: %w", ErrConnectionLost, lostErr)
	}
	return nil
}

// watchFailures cancels the session on the first value from failures. The
// returned func stops watching and reports that value, if any.
func watchFailures(ctx context.Context, cancel context.CancelFunc, failures <-chan error) func() error {
	if failures == nil {
		return func() error { return nil }
	}

	watchCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	var reason error
	go func() {
		defer close(done)
		select {
		case <-watchCtx.Done():
		case err, ok := <-failures:
			if ok {
				reason = err
				cancel()
			}
		}
	}()

	return func() error {
		stop()
		<-done
		return reason
	}
}

func runScreen(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, logger *logrus.Logger, sess *session.Session, opts runOptions) error {
	// The screen owns the terminal, keep log output off it.
	logger.SetOutput(io.Discard)

	sharer := newLazySharer(ctx, cfg, logger)
	scr := screen.New(sess, logger, screen.Options{
		Title:  "blecount",
		Export: cfg.ExportOptions(),
		Save: func(csv string) (string, error) {
			return export.Save(cfg.ExportDir, csv)
		},
		Share:       sharer.Share,
		States:      opts.States,
		Diagnostics: opts.Diagnostics,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(ctx) }()

	screenErr := scr.Run(ctx)
	cancel()
	sessErr := <-errCh
	if screenErr != nil {
		return screenErr
	}
	return sessErr
}

func runPlain(ctx context.Context, out io.Writer, cfg *config.Config, sess *session.Session, opts runOptions) error {
	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	timeFormat := cfg.ExportOptions().TimeFormat
	printf("Streaming from %s (Ctrl+C to stop)\n", sess.Source().Name())
	sess.OnChange(func(c session.Change) {
		if c.Kind != session.ChangeAppended {
			return
		}
		totals := formatTotals(sess.Ledger())
		for _, e := range c.Entries {
			printf("%s  %s  totals: %s\n", e.Timestamp().Format(timeFormat), formatValues(e), totals)
		}
	})

	if opts.States != nil {
		watchCtx, stopWatch := context.WithCancel(ctx)
		watchDone := make(chan struct{})
		defer func() {
			stopWatch()
			<-watchDone
		}()
		go func() {
			defer close(watchDone)
			for {
				select {
				case <-watchCtx.Done():
					return
				case st, ok := <-opts.States:
					if !ok {
						return
					}
					printf("State: %s\n", colorState(st))
				}
			}
		}()
	}

	return sess.Run(ctx)
}

func formatValues(e batch.Entry) string {
	vals := e.Values()
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, batch.Delimiter)
}

func formatTotals(l ledger.Log) string {
	named := l.NamedTotals()
	parts := make([]string, 0, named.Len())
	for pair := named.Oldest(); pair != nil; pair = pair.Next() {
		parts = append(parts, fmt.Sprintf("%s=%d", pair.Key, pair.Value))
	}
	return strings.Join(parts, " ")
}

func printSummary(out io.Writer, l ledger.Log) {
	fmt.Fprintf(out, "%d batches, totals: %s\n", l.Len(), formatTotals(l))
}

func colorState(st uart.ConnectionState) string {
	switch st {
	case uart.Connected:
		return color.GreenString(st.String())
	case uart.Connecting:
		return color.YellowString(st.String())
	default:
		return color.RedString(st.String())
	}
}

// lazySharer starts the share server on first use.
type lazySharer struct {
	ctx    context.Context
	cfg    *config.Config
	sharer *export.Sharer

	once     sync.Once
	startErr error
}

func newLazySharer(ctx context.Context, cfg *config.Config, logger *logrus.Logger) *lazySharer {
	return &lazySharer{
		ctx:    ctx,
		cfg:    cfg,
		sharer: export.NewSharer(cfg.CacheDir, logger),
	}
}

// Share publishes csv and returns its link.
func (s *lazySharer) Share(csv string) (string, error) {
	s.once.Do(func() {
		_, s.startErr = s.sharer.Start(s.ctx, s.cfg.ShareAddr)
	})
	if s.startErr != nil {
		return "", s.startErr
	}
	token, err := s.sharer.Share(csv)
	if err != nil {
		return "", err
	}
	return s.sharer.URL(token), nil
}
