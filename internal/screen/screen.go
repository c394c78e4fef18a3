// Package screen renders the counter ledger in the terminal and maps single
// keys to ledger edits and exports.
package screen

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecount/internal/export"
	"github.com/srg/blecount/internal/groutine"
	"github.com/srg/blecount/internal/session"
	"github.com/srg/blecount/internal/uart"
)

const (
	// DefaultDiagnosticsLines bounds the raw-line pane.
	DefaultDiagnosticsLines = 50

	diagnosticsPoll = 500 * time.Millisecond
	promptPage      = "prompt"
	mainPage        = "main"

	helpText = "[yellow]u[-] undo  [yellow]a[-] add column  [yellow]r[-] remove column  [yellow]e[-] rename column  " +
		"[yellow]←/→[-] select column  [yellow]s[-] save CSV  [yellow]h[-] share CSV  [yellow]q[-] quit"
)

var (
	borderColor = tcell.ColorGray
	titleColor  = tcell.ColorHotPink
)

// Options wires the screen to the rest of the application. Nil callbacks
// disable the matching feature.
type Options struct {
	Title  string
	Export *export.Options

	// Save writes csv and returns where it went.
	Save func(csv string) (string, error)
	// Share publishes csv and returns the link.
	Share func(csv string) (string, error)

	// States streams connection state, if the source has one.
	States <-chan uart.ConnectionState
	// Diagnostics drains raw inbound lines for the diagnostics pane.
	Diagnostics      func() []string
	DiagnosticsLines int
}

// Screen is the interactive ledger view.
type Screen struct {
	session *session.Session
	opts    Options
	logger  *logrus.Logger

	app    *tview.Application
	pages  *tview.Pages
	header *tview.TextView
	table  *tview.Table
	totals *tview.TextView
	diag   *tview.TextView
	status *tview.TextView
	input  *tview.InputField

	// queue runs fn on the UI goroutine.
	queue func(fn func())

	mu         sync.Mutex
	column     int
	state      uart.ConnectionState
	hasState   bool
	notice     string
	diagLines  []string
	promptDone func(text string)
}

// New builds the screen. Call Run to take over the terminal.
func New(sess *session.Session, logger *logrus.Logger, opts Options) *Screen {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.DiagnosticsLines <= 0 {
		opts.DiagnosticsLines = DefaultDiagnosticsLines
	}
	if opts.Title == "" {
		opts.Title = "blecount"
	}

	s := &Screen{
		session: sess,
		opts:    opts,
		logger:  logger,
		app:     tview.NewApplication(),
		pages:   tview.NewPages(),
		header:  tview.NewTextView().SetDynamicColors(true).SetWrap(false),
		table:   tview.NewTable().SetFixed(1, 0).SetBorders(false),
		totals:  newBoxedTextView("Totals"),
		diag:    newBoxedTextView("Diagnostics"),
		status:  tview.NewTextView().SetDynamicColors(true).SetWrap(false),
		input:   tview.NewInputField().SetFieldWidth(32),
	}
	s.queue = func(fn func()) { s.app.QueueUpdateDraw(fn) }

	s.table.SetBorder(true).SetBorderColor(borderColor).
		SetTitle(accentText("Batches")).SetTitleAlign(tview.AlignLeft)
	s.diag.SetMaxLines(opts.DiagnosticsLines)

	s.layout()
	s.refresh()
	return s
}

func newBoxedTextView(title string) *tview.TextView {
	tv := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	tv.SetBorder(true).SetBorderColor(borderColor)
	tv.SetTitle(accentText(title)).SetTitleAlign(tview.AlignLeft)
	return tv
}

func accentText(s string) string {
	return fmt.Sprintf("[#%06x]%s[-]", titleColor.Hex(), s)
}

func (s *Screen) layout() {
	side := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(s.totals, 0, 1, false).
		AddItem(s.diag, 0, 2, false)

	body := tview.NewFlex().
		AddItem(s.table, 0, 2, true).
		AddItem(side, 0, 1, false)

	footer := tview.NewTextView().SetDynamicColors(true).SetText(helpText)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(s.header, 1, 0, false).
		AddItem(body, 0, 1, true).
		AddItem(s.status, 1, 0, false).
		AddItem(footer, 1, 0, false)

	s.input.SetDoneFunc(s.finishPrompt)
	prompt := tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(s.input, 3, 0, true).
			AddItem(nil, 0, 1, false), 48, 0, true).
		AddItem(nil, 0, 1, false)
	s.input.SetBorder(true).SetBorderColor(borderColor)

	s.pages.AddPage(mainPage, root, true, true)
	s.pages.AddPage(promptPage, prompt, true, false)

	s.app.SetRoot(s.pages, true)
	s.app.SetInputCapture(s.handleEvent)
}

// Run shows the screen until q is pressed or ctx is done.
func (s *Screen) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.session.OnChange(func(session.Change) {
		s.queue(s.refresh)
	})

	if s.opts.States != nil {
		groutine.Go(ctx, "screen-state", s.watchStates)
	}
	if s.opts.Diagnostics != nil {
		groutine.Go(ctx, "screen-diagnostics", s.pollDiagnostics)
	}
	groutine.Go(ctx, "screen-stop", func(ctx context.Context) {
		<-ctx.Done()
		s.app.Stop()
	})

	return s.app.Run()
}

func (s *Screen) watchStates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-s.opts.States:
			if !ok {
				return
			}
			s.setState(st)
			s.queue(s.refreshHeader)
		}
	}
}

func (s *Screen) pollDiagnostics(ctx context.Context) {
	ticker := time.NewTicker(diagnosticsPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if lines := s.opts.Diagnostics(); len(lines) > 0 {
				s.addDiagnostics(lines)
				s.queue(s.refreshDiagnostics)
			}
		}
	}
}

func (s *Screen) setState(st uart.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.hasState = true
}

func (s *Screen) addDiagnostics(lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diagLines = append(s.diagLines, lines...)
	if over := len(s.diagLines) - s.opts.DiagnosticsLines; over > 0 {
		s.diagLines = s.diagLines[over:]
	}
}

func (s *Screen) handleEvent(event *tcell.EventKey) *tcell.EventKey {
	if s.prompting() {
		return event
	}
	switch event.Key() {
	case tcell.KeyLeft:
		s.moveColumn(-1)
		return nil
	case tcell.KeyRight:
		s.moveColumn(1)
		return nil
	case tcell.KeyRune:
		if s.HandleKey(event.Rune()) {
			return nil
		}
	}
	return event
}

// HandleKey runs the action bound to key and reports whether one exists.
func (s *Screen) HandleKey(key rune) bool {
	switch key {
	case 'u':
		if s.session.Undo() {
			s.setNotice("Undid last batch")
		} else {
			s.setNotice("Nothing to undo")
		}
	case 'a':
		s.showPrompt("New column name", "", func(name string) {
			idx, err := s.session.AddColumn(name)
			if err != nil {
				s.setNotice("Cannot add column: " + err.Error())
				return
			}
			s.selectColumn(idx)
			s.setNotice("Added column " + s.session.Ledger().Headers()[idx])
		})
	case 'r':
		idx := s.selectedColumn()
		headers := s.session.Ledger().Headers()
		if idx >= len(headers) {
			s.setNotice("No column to remove")
			break
		}
		if err := s.session.RemoveColumn(idx); err != nil {
			s.setNotice("Cannot remove column: " + err.Error())
			break
		}
		s.selectColumn(idx)
		s.setNotice("Removed column " + headers[idx])
	case 'e':
		idx := s.selectedColumn()
		headers := s.session.Ledger().Headers()
		if idx >= len(headers) {
			s.setNotice("No column to rename")
			break
		}
		s.showPrompt("Rename "+headers[idx], headers[idx], func(name string) {
			if err := s.session.RenameColumn(idx, name); err != nil {
				s.setNotice("Cannot rename column: " + err.Error())
				return
			}
			s.setNotice("Renamed column to " + strings.TrimSpace(name))
		})
	case 's':
		s.export("Saved", s.opts.Save)
	case 'h':
		s.export("Shared", s.opts.Share)
	case 'q':
		s.app.Stop()
		return true
	default:
		return false
	}
	s.refresh()
	return true
}

func (s *Screen) export(verb string, fn func(string) (string, error)) {
	if fn == nil {
		s.setNotice(verb + " is not available")
		return
	}
	log := s.session.Ledger()
	csv := export.CSV(log.Headers(), log.Entries(), s.opts.Export)
	where, err := fn(csv)
	if err != nil {
		s.logger.WithError(err).Warn("Export failed")
		s.setNotice("Export failed: " + err.Error())
		return
	}
	s.setNotice(fmt.Sprintf("%s %d rows: %s", verb, log.Len(), where))
}

func (s *Screen) showPrompt(label, initial string, done func(string)) {
	s.mu.Lock()
	s.promptDone = done
	s.mu.Unlock()

	s.input.SetLabel(label + ": ").SetText(initial)
	s.pages.ShowPage(promptPage)
	s.app.SetFocus(s.input)
}

func (s *Screen) finishPrompt(key tcell.Key) {
	s.mu.Lock()
	done := s.promptDone
	s.promptDone = nil
	s.mu.Unlock()

	s.pages.HidePage(promptPage)
	s.app.SetFocus(s.table)

	if key == tcell.KeyEnter && done != nil {
		done(s.input.GetText())
	}
	s.refresh()
}

func (s *Screen) prompting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptDone != nil
}

func (s *Screen) moveColumn(delta int) {
	s.selectColumn(s.selectedColumn() + delta)
	s.refresh()
}

func (s *Screen) selectColumn(idx int) {
	n := len(s.session.Ledger().Headers())
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	s.mu.Lock()
	s.column = idx
	s.mu.Unlock()
}

func (s *Screen) selectedColumn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.column
}

func (s *Screen) setNotice(msg string) {
	s.mu.Lock()
	s.notice = msg
	s.mu.Unlock()
	s.logger.WithField("notice", msg).Debug("Screen notice")
}

// Notice returns the current status-line message.
func (s *Screen) Notice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notice
}

func (s *Screen) refresh() {
	s.refreshHeader()
	s.refreshTable()
	s.refreshTotals()
	s.refreshDiagnostics()

	s.status.SetText(s.Notice())
}

func (s *Screen) refreshHeader() {
	s.mu.Lock()
	state, hasState := s.state, s.hasState
	s.mu.Unlock()

	text := accentText(s.opts.Title)
	if src := s.session.Source(); src != nil {
		text += "  " + src.Name()
	}
	if hasState {
		text += "  " + stateText(state)
	}
	s.header.SetText(text)
}

// stateText renders st as a coloured, capitalised status label.
func stateText(st uart.ConnectionState) string {
	color, label := "red", "Disconnected"
	switch st {
	case uart.Connected:
		color, label = "green", "Connected"
	case uart.Connecting:
		color, label = "yellow", "Connecting..."
	}
	return fmt.Sprintf("[%s]%s[-]", color, label)
}

func (s *Screen) refreshTable() {
	log := s.session.Ledger()
	headers := log.Headers()
	entries := log.Entries()
	selected := s.selectedColumn()

	format := export.DefaultTimeFormat
	if s.opts.Export != nil && s.opts.Export.TimeFormat != "" {
		format = s.opts.Export.TimeFormat
	}

	s.table.Clear()
	s.table.SetCell(0, 0, headerCell(export.TimestampColumn, false))
	for i, h := range headers {
		s.table.SetCell(0, i+1, headerCell(h, i == selected))
	}
	for r, e := range entries {
		s.table.SetCell(r+1, 0, tview.NewTableCell(e.Timestamp().Format(format)))
		for i := range headers {
			s.table.SetCell(r+1, i+1, tview.NewTableCell(strconv.Itoa(e.Value(i))).SetAlign(tview.AlignRight))
		}
	}
	if len(entries) > 0 {
		s.table.ScrollToEnd()
	}
}

func headerCell(text string, selected bool) *tview.TableCell {
	cell := tview.NewTableCell(text).SetSelectable(false).SetTextColor(tcell.ColorYellow)
	if selected {
		cell.SetAttributes(tcell.AttrReverse)
	}
	return cell
}

func (s *Screen) refreshTotals() {
	log := s.session.Ledger()
	named := log.NamedTotals()

	var b strings.Builder
	fmt.Fprintf(&b, "Batches: %d\n", log.Len())
	for pair := named.Oldest(); pair != nil; pair = pair.Next() {
		fmt.Fprintf(&b, "%s: %d\n", pair.Key, pair.Value)
	}
	s.totals.SetText(strings.TrimRight(b.String(), "\n"))
}

func (s *Screen) refreshDiagnostics() {
	s.mu.Lock()
	lines := append([]string(nil), s.diagLines...)
	s.mu.Unlock()
	s.diag.SetText(tview.Escape(strings.Join(lines, "\n")))
}

// TotalsText returns the rendered totals pane without color tags.
func (s *Screen) TotalsText() string {
	return s.totals.GetText(true)
}

// Cell returns the rendered table cell text at row, col.
func (s *Screen) Cell(row, col int) string {
	cell := s.table.GetCell(row, col)
	if cell == nil {
		return ""
	}
	return cell.Text
}

// Rows returns the number of rendered table rows including the header.
func (s *Screen) Rows() int {
	return s.table.GetRowCount()
}
