// Package session binds a batch source to a ledger and tells listeners when
// the ledger changes.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecount/internal/batch"
	"github.com/srg/blecount/internal/ledger"
	"github.com/srg/blecount/internal/source"
)

// ChangeKind describes what changed in the ledger.
type ChangeKind int

const (
	ChangeAppended ChangeKind = iota
	ChangeUndone
	ChangeColumns
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAppended:
		return "appended"
	case ChangeUndone:
		return "undone"
	case ChangeColumns:
		return "columns"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Change is passed to listeners after every ledger mutation.
type Change struct {
	Kind    ChangeKind
	Entries []batch.Entry
}

// Listener is notified synchronously; it must not block.
type Listener func(Change)

// Session owns the flow from one source into one ledger.
type Session struct {
	src    source.Source
	log    ledger.Log
	logger *logrus.Logger

	mu        sync.Mutex
	listeners []Listener
	adapted   int
}

// New creates a session. src may be nil for a ledger edited only by hand.
func New(src source.Source, log ledger.Log, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		src:    src,
		log:    log,
		logger: logger,
	}
}

// Ledger returns the underlying log.
func (s *Session) Ledger() ledger.Log {
	return s.log
}

// Source returns the bound source, or nil.
func (s *Session) Source() source.Source {
	return s.src
}

// OnChange registers l for every subsequent change.
func (s *Session) OnChange(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Adapted returns how many entries had to be padded or truncated.
func (s *Session) Adapted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapted
}

// Run starts the source and appends its batches until ctx is done or the
// source closes its stream.
func (s *Session) Run(ctx context.Context) error {
	if s.src == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ch := s.src.Batches(ctx)
	if err := s.src.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s: %w", s.src.Name(), err)
	}
	s.logger.WithField("source", s.src.Name()).Info("Session started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entries, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				s.logger.WithField("source", s.src.Name()).Debug("Source stream closed")
				return nil
			}
			s.Ingest(entries)
		}
	}
}

// Ingest appends entries, resizing each to the current column count.
func (s *Session) Ingest(entries []batch.Entry) {
	if len(entries) == 0 {
		return
	}

	appended := make([]batch.Entry, 0, len(entries))
	for _, e := range entries {
		width := len(s.log.Headers())
		if e.Width() != width {
			s.logger.WithFields(logrus.Fields{
				"values":  e.Values(),
				"columns": width,
			}).Debug("Resizing entry to column count")
			e = e.WithWidth(width)
			s.mu.Lock()
			s.adapted++
			s.mu.Unlock()
		}
		if err := s.log.Append(e); err != nil {
			// Columns changed between the width read and the append.
			s.logger.WithError(err).Warn("Dropping entry")
			continue
		}
		appended = append(appended, e)
	}

	if len(appended) > 0 {
		s.notify(Change{Kind: ChangeAppended, Entries: appended})
	}
}

// Undo removes the last entry. It reports false on an empty ledger.
func (s *Session) Undo() bool {
	e, ok := s.log.Undo()
	if ok {
		s.notify(Change{Kind: ChangeUndone, Entries: []batch.Entry{e}})
	}
	return ok
}

func (s *Session) AddColumn(name string) (int, error) {
	idx, err := s.log.AddColumn(name)
	if err != nil {
		return idx, err
	}
	s.notify(Change{Kind: ChangeColumns})
	return idx, nil
}

func (s *Session) RemoveColumn(index int) error {
	if err := s.log.RemoveColumn(index); err != nil {
		return err
	}
	s.notify(Change{Kind: ChangeColumns})
	return nil
}

func (s *Session) RenameColumn(index int, name string) error {
	if err := s.log.RenameColumn(index, name); err != nil {
		return err
	}
	s.notify(Change{Kind: ChangeColumns})
	return nil
}

func (s *Session) notify(c Change) {
	s.mu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l(c)
	}
}
