package events

import (
	"context"
	"sync"
)

// Bus keeps a ring of recent events and pushes new ones to subscribers.
// A subscriber whose channel is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	recent []Event
	next   int
	full   bool

	subs   map[int]chan Event
	nextID int
}

// NewBus creates a bus remembering the last capacity events.
func NewBus(capacity int) *Bus {
	if capacity < 1 {
		capacity = 1
	}
	return &Bus{
		recent: make([]Event, capacity),
		subs:   make(map[int]chan Event),
	}
}

func (b *Bus) Publish(_ context.Context, e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recent[b.next] = e
	b.next = (b.next + 1) % len(b.recent)
	if b.next == 0 {
		b.full = true
	}

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Recent returns up to n of the newest events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	size := b.next
	if b.full {
		size = len(b.recent)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Event, 0, n)
	for i := size - n; i < size; i++ {
		idx := i
		if b.full {
			idx = (b.next + i) % len(b.recent)
		}
		out = append(out, b.recent[idx])
	}
	return out
}

// Subscribe registers a listener. Call Unsubscribe with the returned id.
func (b *Bus) Subscribe() (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan Event, 64)
	b.subs[b.nextID] = ch
	return b.nextID, ch
}

// Unsubscribe removes a listener and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
