// Package batch defines the counter record delivered by the peripheral, the
// line parser that produces it, and the column headers that name its values.
package batch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultFields is the number of counter columns the peripheral sends by default.
	DefaultFields = 3

	// MaxColumns bounds the number of counter columns.
	MaxColumns = 5

	// Delimiter separates fields on the wire and in CSV output.
	Delimiter = ","
)

// ErrMalformedLine is returned when an inbound line cannot be parsed into an Entry.
var ErrMalformedLine = errors.New("malformed line")

// Entry is one batch of counter values stamped with the time it arrived on the host.
// The zero value is an empty entry; use NewEntry to build one.
type Entry struct {
	values    []int
	timestamp time.Time
}

// NewEntry creates an entry owning a copy of values.
func NewEntry(ts time.Time, values ...int) Entry {
	v := make([]int, len(values))
	copy(v, values)
	return Entry{values: v, timestamp: ts}
}

// Values returns a copy of the counter values.
func (e Entry) Values() []int {
	v := make([]int, len(e.values))
	copy(v, e.values)
	return v
}

// Value returns the counter at column i, or 0 when i is out of range.
func (e Entry) Value(i int) int {
	if i < 0 || i >= len(e.values) {
		return 0
	}
	return e.values[i]
}

// Width returns the number of counter columns.
func (e Entry) Width() int { return len(e.values) }

// Timestamp returns the host arrival time.
func (e Entry) Timestamp() time.Time { return e.timestamp }

// WithWidth returns a copy resized to n columns, zero-padding or truncating on the right.
func (e Entry) WithWidth(n int) Entry {
	if n < 0 {
		n = 0
	}
	v := make([]int, n)
	copy(v, e.values)
	return Entry{values: v, timestamp: e.timestamp}
}

// Line serialises the entry in wire order: counters followed by the host timestamp in unix millis.
func (e Entry) Line() string {
	parts := make([]string, 0, len(e.values)+1)
	for _, v := range e.values {
		parts = append(parts, strconv.Itoa(v))
	}
	parts = append(parts, strconv.FormatInt(e.timestamp.UnixMilli(), 10))
	return strings.Join(parts, Delimiter)
}

// ParseLine extracts the first fields integer counters of line, followed by the
// device timestamp. The device timestamp must be numeric but is discarded: the
// returned entry is stamped with now.
func ParseLine(line string, fields int, now time.Time) (Entry, error) {
	if fields <= 0 {
		return Entry{}, fmt.Errorf("%w: field count must be positive, got %d", ErrMalformedLine, fields)
	}

	parts := strings.Split(strings.TrimSpace(line), Delimiter)
	if len(parts) < fields+1 {
		return Entry{}, fmt.Errorf("%w: want at least %d fields, got %d", ErrMalformedLine, fields+1, len(parts))
	}

	values := make([]int, fields)
	for i := 0; i < fields; i++ {
		v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return Entry{}, fmt.Errorf("%w: field %d %q is not an integer", ErrMalformedLine, i, parts[i])
		}
		values[i] = v
	}

	if _, err := strconv.ParseInt(strings.TrimSpace(parts[fields]), 10, 64); err != nil {
		return Entry{}, fmt.Errorf("%w: device timestamp %q is not an integer", ErrMalformedLine, parts[fields])
	}

	return Entry{values: values, timestamp: now}, nil
}

// Parser turns inbound lines into entries using the host clock. Malformed lines
// are logged and dropped; Parse never returns an error.
type Parser struct {
	Fields int
	Now    func() time.Time
	Logger *logrus.Logger
}

// NewParser returns a parser for the given number of counter fields.
func NewParser(fields int, logger *logrus.Logger) *Parser {
	if fields <= 0 {
		fields = DefaultFields
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Parser{
		Fields: fields,
		Now:    time.Now,
		Logger: logger,
	}
}

// Parse returns the entry for line and true, or false when the line was dropped.
func (p *Parser) Parse(line string) (Entry, bool) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	entry, err := ParseLine(line, p.Fields, now())
	if err != nil {
		if p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"line":  line,
				"error": err,
			}).Warn("Failed to parse line into batch entry")
		}
		return Entry{}, false
	}

	if p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"values": entry.values,
			"ts":     entry.timestamp.UnixMilli(),
		}).Debug("Parsed row")
	}
	return entry, true
}
