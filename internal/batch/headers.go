package batch

import (
	"errors"
	"fmt"
	"strings"
)

// NewColumnName is the base name given to columns added at runtime.
const NewColumnName = "New Column"

var (
	ErrMaxColumns      = fmt.Errorf("maximum of %d columns reached", MaxColumns)
	ErrColumnIndex     = errors.New("column index out of range")
	ErrDuplicateColumn = errors.New("column name already in use")
	ErrEmptyColumn     = errors.New("column name is empty")
)

// DefaultHeaders returns the stock column names.
func DefaultHeaders() Headers {
	return Headers{"Women", "Men", "Elderly"}
}

// Headers is the ordered list of column display names.
type Headers []string

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Index returns the position of name, or -1.
func (h Headers) Index(name string) int {
	for i, n := range h {
		if n == name {
			return i
		}
	}
	return -1
}

// Validate reports whether h satisfies the column bounds and naming rules.
func (h Headers) Validate() error {
	if len(h) > MaxColumns {
		return ErrMaxColumns
	}
	seen := make(map[string]struct{}, len(h))
	for i, n := range h {
		if strings.TrimSpace(n) == "" {
			return fmt.Errorf("column %d: %w", i, ErrEmptyColumn)
		}
		if _, dup := seen[n]; dup {
			return fmt.Errorf("column %q: %w", n, ErrDuplicateColumn)
		}
		seen[n] = struct{}{}
	}
	return nil
}

// NextName returns the first unused name derived from NewColumnName.
func (h Headers) NextName() string {
	if h.Index(NewColumnName) < 0 {
		return NewColumnName
	}
	for n := 2; ; n++ {
		name := fmt.Sprintf("%s %d", NewColumnName, n)
		if h.Index(name) < 0 {
			return name
		}
	}
}
