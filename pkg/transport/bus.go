package transport

import "sync"

// Bus fans events out to subscribers synchronously and in publish order.
// Subscribers must not block.
type Bus struct {
	mu     sync.Mutex // serializes Publish so order holds across goroutines
	subsMu sync.RWMutex
	subs   map[int]func(Event)
	order  []int
	next   int
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a func that removes it. Calling the
// returned func more than once is harmless.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.subsMu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.order = append(b.order, id)
	b.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subsMu.Lock()
			delete(b.subs, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i:i], b.order[i+1:]...)
					break
				}
			}
			b.subsMu.Unlock()
		})
	}
}

// Publish delivers ev to every current subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subsMu.RLock()
	fns := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.subs[id])
	}
	b.subsMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Len returns the number of subscribers
func (b *Bus) Len() int {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	return len(b.subs)
}
