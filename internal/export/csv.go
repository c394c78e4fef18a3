// Package export turns the ledger into CSV text and hands it off as a file or
// through a share link.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/srg/blecount/internal/batch"
)

// Layout places the timestamp column.
type Layout string

const (
	TimestampFirst Layout = "timestamp-first"
	TimestampLast  Layout = "timestamp-last"
)

const (
	// TimestampColumn is the header of the timestamp column.
	TimestampColumn = "Timestamp"

	// DefaultTimeFormat renders timestamps as wall-clock time of day.
	DefaultTimeFormat = "15:04:05"

	// FilePrefix and FileExt form saved file names: batches_<unix millis>.csv.
	FilePrefix = "batches_"
	FileExt    = ".csv"
)

// ParseLayout accepts "first"/"last" or the full layout names.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first", string(TimestampFirst):
		return TimestampFirst, nil
	case "last", string(TimestampLast):
		return TimestampLast, nil
	default:
		return "", fmt.Errorf("unknown CSV layout %q (want first or last)", s)
	}
}

// Options controls CSV rendering.
type Options struct {
	Layout     Layout
	TimeFormat string
}

// CSV renders a header row and one row per entry. Rows are joined with "\n"
// and the output has no trailing newline. Values are not quoted.
func CSV(headers batch.Headers, entries []batch.Entry, opts *Options) string {
	layout, format := TimestampFirst, DefaultTimeFormat
	if opts != nil {
		if opts.Layout != "" {
			layout = opts.Layout
		}
		if opts.TimeFormat != "" {
			format = opts.TimeFormat
		}
	}

	rows := make([]string, 0, len(entries)+1)
	rows = append(rows, joinRow(layout, TimestampColumn, headers))

	cells := make([]string, len(headers))
	for _, e := range entries {
		for i := range headers {
			cells[i] = strconv.Itoa(e.Value(i))
		}
		rows = append(rows, joinRow(layout, e.Timestamp().Format(format), cells))
	}
	return strings.Join(rows, "\n")
}

func joinRow(layout Layout, ts string, cells []string) string {
	row := make([]string, 0, len(cells)+1)
	if layout != TimestampLast {
		row = append(row, ts)
	}
	row = append(row, cells...)
	if layout == TimestampLast {
		row = append(row, ts)
	}
	return strings.Join(row, batch.Delimiter)
}

// FileName returns the saved-file name for t.
func FileName(t time.Time) string {
	return FilePrefix + strconv.FormatInt(t.UnixMilli(), 10) + FileExt
}

// Save writes csv to dir as batches_<unix millis>.csv and returns the path.
// Nothing is left behind on failure.
func Save(dir, csv string) (string, error) {
	return saveAt(dir, csv, time.Now())
}

func saveAt(dir, csv string, t time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}
	path := filepath.Join(dir, FileName(t))
	if err := writeFile(path, csv); err != nil {
		return "", err
	}
	return path, nil
}

// writeFile writes through a temp file so a failed write never leaves a
// partial CSV at path.
func writeFile(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write export file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}
	return nil
}
