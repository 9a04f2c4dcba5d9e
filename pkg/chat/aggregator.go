package chat

import (
	"fmt"
	"log/slog"
	"sync"
)

// Sender attributes a chat event to one side of the call.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// Valid reports whether the sender is attributable.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAgent
}

// Event is a possibly-partial unit of a streamed utterance. The same ID is
// delivered repeatedly while the text is refined.
type Event struct {
	ID       string
	Sender   Sender
	Text     string
	Revision int
}

// Turn is one attributed utterance in the conversation record.
type Turn struct {
	Key    string `json:"key"`
	Sender Sender `json:"sender"`
	Text   string `json:"text"`
}

// Aggregator folds a live chat event stream into a Record. Each event ID is
// bound to one key on first sight and keeps it for the rest of the session.
type Aggregator struct {
	mu        sync.Mutex
	keys      map[string]string // event ID -> record key
	revisions map[string]int    // event ID -> last applied revision
	senders   map[string]Sender // record key -> sender
	record    *Record
	next      int // running turn index
	dropped   int
	logger    *slog.Logger
}

// NewAggregator creates an empty aggregator
func NewAggregator(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		keys:      make(map[string]string),
		revisions: make(map[string]int),
		senders:   make(map[string]Sender),
		record:    NewRecord(),
		logger:    logger,
	}
}

// Apply folds one event into the record. It returns false when the event was
// dropped or superseded by a newer revision.
func (a *Aggregator) Apply(ev Event) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ev.ID == "" {
		a.dropped++
		a.logger.Warn("dropping chat event without id", "sender", ev.Sender)
		return false
	}

	if key, ok := a.keys[ev.ID]; ok {
		if ev.Revision < a.revisions[ev.ID] {
			a.logger.Debug("ignoring stale chat revision", "id", ev.ID, "revision", ev.Revision, "applied", a.revisions[ev.ID])
			return false
		}
		a.revisions[ev.ID] = ev.Revision
		a.record.Set(key, ev.Text)
		return true
	}

	// Unattributable events would corrupt the transcript, so they never get a key.
	if !ev.Sender.Valid() {
		a.dropped++
		a.logger.Warn("dropping chat event with unknown sender", "id", ev.ID, "sender", string(ev.Sender), "dropped", a.dropped)
		return false
	}

	key := fmt.Sprintf("%s_%d", ev.Sender, a.next)
	a.next++
	a.keys[ev.ID] = key
	a.revisions[ev.ID] = ev.Revision
	a.senders[key] = ev.Sender
	a.record.Set(key, ev.Text)

	a.logger.Debug("new conversation turn", "id", ev.ID, "key", key)
	return true
}

// Snapshot returns an immutable copy of the record.
func (a *Aggregator) Snapshot() *Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.record.Clone()
}

// Turns returns the conversation in first-sight order.
func (a *Aggregator) Turns() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()

	turns := make([]Turn, 0, a.record.Len())
	a.record.Each(func(key, text string) {
		turns = append(turns, Turn{Key: key, Sender: a.senders[key], Text: text})
	})
	return turns
}

// Len returns the number of turns
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.record.Len()
}

// Dropped returns how many events were discarded as unattributable.
func (a *Aggregator) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Reset clears all session state.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.keys = make(map[string]string)
	a.revisions = make(map[string]int)
	a.senders = make(map[string]Sender)
	a.record = NewRecord()
	a.next = 0
	a.dropped = 0
}
