// Package reload carries stage completion events from the build side to the
// dev server.
package reload

import (
	"sync"

	"github.com/poltergeist/sitegeist/pkg/types"
)

// DefaultBuffer is the per-subscriber queue length
const DefaultBuffer = 32

// Bus fans reload events out to subscribers. Publish never blocks: an event
// for a subscriber whose queue is full is dropped and counted.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]chan types.ReloadEvent
	dropped int
	closed  bool
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan types.ReloadEvent)}
}

// Subscribe registers a subscriber. The returned cancel func unsubscribes and
// closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan types.ReloadEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan types.ReloadEvent, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers event to every subscriber
func (b *Bus) Publish(event types.ReloadEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped++
		}
	}
}

// Subscribers returns the number of active subscribers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped on full queues
func (b *Bus) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close closes every subscriber channel and rejects later subscriptions
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
