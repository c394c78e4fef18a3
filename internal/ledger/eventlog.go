package ledger

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DeleteToken marks a cancelled press in the event log.
const DeleteToken = "DEL"

// DefaultButtons are the tokens of the three-button counter.
var DefaultButtons = []string{"A", "B", "C"}

// EventLog is the token log of the button counter. Cancellation is scoped to
// the current batch: a DEL inside a batch cancels the latest press still left
// in that batch, and a manual Delete takes back the latest token of the
// current batch, cancelling its press unless that token was itself a DEL.
type EventLog struct {
	mu      sync.RWMutex
	buttons []string
	tokens  []string // raw sequence, delete markers included
	live    []string // presses that survived cancellation
	current []string // current batch after cancellation, delete markers kept
}

// NewEventLog creates an empty log counting the given buttons, or DefaultButtons.
func NewEventLog(buttons ...string) *EventLog {
	if len(buttons) == 0 {
		buttons = DefaultButtons
	}
	b := make([]string, len(buttons))
	copy(b, buttons)
	return &EventLog{buttons: b}
}

// Press records one press of button in the current batch.
func (l *EventLog) Press(button string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = append(l.tokens, button)
	l.live = append(l.live, button)
	l.current = append(l.current, button)
}

// Delete takes back the latest token of the current batch and records a
// delete marker. It reports false, recording nothing, when the current batch
// is empty.
func (l *EventLog) Delete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.current) == 0 {
		return false
	}
	last := l.current[len(l.current)-1]
	l.current = l.current[:len(l.current)-1]
	if last != DeleteToken && len(l.live) > 0 {
		l.live = l.live[:len(l.live)-1]
	}
	l.current = append(l.current, DeleteToken)
	l.tokens = append(l.tokens, DeleteToken)
	return true
}

// ApplyBatch starts a new batch with tokens, applying its delete markers
// within the batch only.
func (l *EventLog) ApplyBatch(tokens []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t == DeleteToken {
			for i := len(batch) - 1; i >= 0; i-- {
				if batch[i] != DeleteToken {
					batch = append(batch[:i], batch[i+1:]...)
					break
				}
			}
		}
		batch = append(batch, t)
	}

	l.tokens = append(l.tokens, tokens...)
	for _, t := range batch {
		if t != DeleteToken {
			l.live = append(l.live, t)
		}
	}
	l.current = batch
}

// Tokens returns a copy of the raw sequence, delete markers included.
func (l *EventLog) Tokens() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.tokens))
	copy(out, l.tokens)
	return out
}

// CurrentBatch returns the current batch as displayed: cancelled presses
// removed, delete markers kept.
func (l *EventLog) CurrentBatch() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.current))
	copy(out, l.current)
	return out
}

// Deletes returns the number of delete markers recorded so far.
func (l *EventLog) Deletes() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return countDeletes(l.tokens)
}

// BatchDeletes returns the number of delete markers in the current batch.
func (l *EventLog) BatchDeletes() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return countDeletes(l.current)
}

// Counts returns the surviving presses per button, in button order. Unknown
// tokens are not reported.
func (l *EventLog) Counts() *orderedmap.OrderedMap[string, int] {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := orderedmap.New[string, int]()
	for _, b := range l.buttons {
		counts.Set(b, 0)
	}
	for _, t := range l.live {
		if n, ok := counts.Get(t); ok {
			counts.Set(t, n+1)
		}
	}
	return counts
}

func countDeletes(tokens []string) int {
	n := 0
	for _, t := range tokens {
		if t == DeleteToken {
			n++
		}
	}
	return n
}
