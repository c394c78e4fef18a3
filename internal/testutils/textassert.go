package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of testing.T the asserters need.
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// TextAssertOptions controls how texts are normalised before comparison.
type TextAssertOptions struct {
	IgnoreTrailingWhitespace bool `default:"false"`
	IgnoreEmptyLines         bool `default:"false"`
	TrimSpace                bool `default:"false"`
	NormalizeLineEndings     bool `default:"true"`
	EnableColors             bool `default:"false"`
}

// TextOption configures a TextAsserter.
type TextOption func(*TextAssertOptions)

// TextAsserter compares exact text output (CSV exports, rendered tables) and
// reports a unified diff on mismatch.
type TextAsserter struct {
	t       TestingT
	options TextAssertOptions
}

// NewTextAsserter creates a TextAsserter with default options.
func NewTextAsserter(t *testing.T) *TextAsserter {
	return NewTextAsserterWithInterface(t)
}

// NewTextAsserterWithInterface creates a TextAsserter reporting to any TestingT.
func NewTextAsserterWithInterface(t TestingT) *TextAsserter {
	opts := TextAssertOptions{}
	defaults.SetDefaults(&opts)
	return &TextAsserter{
		t:       t,
		options: opts,
	}
}

// WithOptions applies functional options.
func (ta *TextAsserter) WithOptions(opts ...TextOption) *TextAsserter {
	for _, opt := range opts {
		opt(&ta.options)
	}
	return ta
}

// Options returns the effective options.
func (ta *TextAsserter) Options() TextAssertOptions {
	return ta.options
}

// Assert fails the test when actual differs from expected after normalisation.
func (ta *TextAsserter) Assert(actual, expected string) bool {
	if diff := ta.Diff(actual, expected); diff != "" {
		ta.t.Errorf("Text assertion failed - unified diff:\n%s", diff)
		return false
	}
	return true
}

// Diff returns a unified diff of expected against actual, or "" when equal.
func (ta *TextAsserter) Diff(actual, expected string) string {
	a := ta.normalize(actual)
	e := ta.normalize(expected)
	if a == e {
		return ""
	}

	edits := myers.ComputeEdits("", e, a)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", e, edits))
	if unified == "" {
		// Only a missing or extra final newline differs.
		unified = fmt.Sprintf("--- expected\n+++ actual\n-%q\n+%q\n", e, a)
	}
	return ta.colorize(unified)
}

func (ta *TextAsserter) colorize(diff string) string {
	if !ta.options.EnableColors {
		return diff
	}

	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(showWhitespace(line))
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(showWhitespace(line))
		}
	}
	return strings.Join(lines, "\n")
}

// showWhitespace makes spaces and tabs visible in diff lines.
func showWhitespace(line string) string {
	line = strings.ReplaceAll(line, " ", "·")
	return strings.ReplaceAll(line, "\t", "→")
}

func (ta *TextAsserter) normalize(text string) string {
	if ta.options.NormalizeLineEndings {
		text = strings.ReplaceAll(text, "\r\n", "\n")
	}
	if ta.options.TrimSpace {
		text = strings.TrimSpace(text)
	}

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		if ta.options.IgnoreTrailingWhitespace {
			line = strings.TrimRight(line, " \t")
		}
		if ta.options.IgnoreEmptyLines && strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// WithIgnoreTrailingWhitespace ignores trailing spaces and tabs on each line.
func WithIgnoreTrailingWhitespace(ignore bool) TextOption {
	return func(opts *TextAssertOptions) { opts.IgnoreTrailingWhitespace = ignore }
}

// WithIgnoreEmptyLines drops blank lines before comparing.
func WithIgnoreEmptyLines(ignore bool) TextOption {
	return func(opts *TextAssertOptions) { opts.IgnoreEmptyLines = ignore }
}

// WithTrimSpace trims the whole text before comparing.
func WithTrimSpace(trim bool) TextOption {
	return func(opts *TextAssertOptions) { opts.TrimSpace = trim }
}

// WithNormalizeLineEndings treats CRLF as LF.
func WithNormalizeLineEndings(normalize bool) TextOption {
	return func(opts *TextAssertOptions) { opts.NormalizeLineEndings = normalize }
}

// WithEnableColors colours the diff output.
func WithEnableColors(enable bool) TextOption {
	return func(opts *TextAssertOptions) { opts.EnableColors = enable }
}
