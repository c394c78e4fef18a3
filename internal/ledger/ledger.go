// Package ledger keeps the append-only batch log behind the counter screen and
// derives per-column totals from it on demand.
package ledger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blecount/internal/batch"
)

// Log is the read/write surface the session and screen depend on.
type Log interface {
	Append(e batch.Entry) error
	Undo() (batch.Entry, bool)
	Entries() []batch.Entry
	Len() int
	Totals() []int
	NamedTotals() *orderedmap.OrderedMap[string, int]
	Headers() batch.Headers
	AddColumn(name string) (int, error)
	RemoveColumn(index int) error
	RenameColumn(index int, name string) error
}

var _ Log = (*Ledger)(nil)

// Ledger is an in-memory, append-only sequence of entries with mutable column
// headers. Every stored entry is exactly as wide as the headers. It is safe for
// concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	headers batch.Headers
	entries []batch.Entry
	logger  *logrus.Logger
}

// New creates an empty ledger. Nil headers select batch.DefaultHeaders.
func New(headers batch.Headers, logger *logrus.Logger) (*Ledger, error) {
	if headers == nil {
		headers = batch.DefaultHeaders()
	}
	if err := headers.Validate(); err != nil {
		return nil, fmt.Errorf("invalid headers: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Ledger{
		headers: headers.Clone(),
		logger:  logger,
	}, nil
}

// Append adds e to the end of the log. e must match the header width.
func (l *Ledger) Append(e batch.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Width() != len(l.headers) {
		return fmt.Errorf("entry has %d values, ledger has %d columns", e.Width(), len(l.headers))
	}
	l.entries = append(l.entries, e)
	return nil
}

// Undo removes and returns the most recent entry. It reports false on an empty log.
func (l *Ledger) Undo() (batch.Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.entries)
	if n == 0 {
		return batch.Entry{}, false
	}
	last := l.entries[n-1]
	l.entries[n-1] = batch.Entry{}
	l.entries = l.entries[:n-1]

	l.logger.WithFields(logrus.Fields{
		"values":    last.Values(),
		"remaining": n - 1,
	}).Debug("Undid last entry")
	return last, true
}

// Entries returns a snapshot of the log in append order.
func (l *Ledger) Entries() []batch.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]batch.Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Totals sums every column over the full log.
func (l *Ledger) Totals() []int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalsLocked()
}

func (l *Ledger) totalsLocked() []int {
	totals := make([]int, len(l.headers))
	for _, e := range l.entries {
		for i := range totals {
			totals[i] += e.Value(i)
		}
	}
	return totals
}

// NamedTotals returns header -> total in column order.
func (l *Ledger) NamedTotals() *orderedmap.OrderedMap[string, int] {
	l.mu.RLock()
	defer l.mu.RUnlock()

	totals := l.totalsLocked()
	om := orderedmap.New[string, int]()
	for i, h := range l.headers {
		om.Set(h, totals[i])
	}
	return om
}

func (l *Ledger) Headers() batch.Headers {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headers.Clone()
}

// AddColumn appends a column and a zero value to every entry. An empty name
// picks the next free "New Column" name. It returns the new column index.
func (l *Ledger) AddColumn(name string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.headers) >= batch.MaxColumns {
		return -1, batch.ErrMaxColumns
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = l.headers.NextName()
	}
	if l.headers.Index(name) >= 0 {
		return -1, fmt.Errorf("column %q: %w", name, batch.ErrDuplicateColumn)
	}

	l.headers = append(l.headers, name)
	width := len(l.headers)
	for i, e := range l.entries {
		l.entries[i] = e.WithWidth(width)
	}

	l.logger.WithFields(logrus.Fields{
		"column":  name,
		"columns": width,
	}).Debug("Added column")
	return width - 1, nil
}

// RemoveColumn drops column index from the headers and from every entry.
func (l *Ledger) RemoveColumn(index int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= len(l.headers) {
		return fmt.Errorf("%w: %d", batch.ErrColumnIndex, index)
	}

	removed := l.headers[index]
	l.headers = append(l.headers[:index:index], l.headers[index+1:]...)
	for i, e := range l.entries {
		l.entries[i] = dropValue(e, index)
	}

	l.logger.WithFields(logrus.Fields{
		"column":  removed,
		"columns": len(l.headers),
	}).Debug("Removed column")
	return nil
}

// RenameColumn changes the display name of column index.
func (l *Ledger) RenameColumn(index int, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= len(l.headers) {
		return fmt.Errorf("%w: %d", batch.ErrColumnIndex, index)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return batch.ErrEmptyColumn
	}
	if at := l.headers.Index(name); at >= 0 && at != index {
		return fmt.Errorf("column %q: %w", name, batch.ErrDuplicateColumn)
	}
	l.headers[index] = name
	return nil
}

func dropValue(e batch.Entry, index int) batch.Entry {
	values := e.Values()
	values = append(values[:index], values[index+1:]...)
	return batch.NewEntry(e.Timestamp(), values...)
}
