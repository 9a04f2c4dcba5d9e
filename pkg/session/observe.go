package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/silviot/agentcall/pkg/chat"
)

// StateChange is emitted on every transition.
type StateChange struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Level grades a notice.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notice is a message for the user.
type Notice struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// feedBuffer is the per-subscriber backlog before values are dropped
const feedBuffer = 64

// feed fans values out to channel subscribers in publish order.
// A subscriber that falls feedBuffer values behind misses values.
type feed[T any] struct {
	name   string
	logger *slog.Logger

	mu   sync.Mutex
	subs map[int]chan T
	next int
}

func newFeed[T any](name string, logger *slog.Logger) *feed[T] {
	return &feed[T]{name: name, logger: logger, subs: make(map[int]chan T)}
}

func (f *feed[T]) subscribe() (<-chan T, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.next
	f.next++
	ch := make(chan T, feedBuffer)
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *feed[T]) publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, ch := range f.subs {
		select {
		case ch <- v:
		default:
			f.logger.Warn("subscriber too slow, dropping update", "feed", f.name, "subscriber", id)
		}
	}
}

// observers groups the orchestrator's outward streams
type observers struct {
	states       *feed[StateChange]
	conversation *feed[[]chat.Turn]
	notices      *feed[Notice]
}

func newObservers(logger *slog.Logger) observers {
	return observers{
		states:       newFeed[StateChange]("states", logger),
		conversation: newFeed[[]chat.Turn]("conversation", logger),
		notices:      newFeed[Notice]("notices", logger),
	}
}
