package store

import (
	"sync"
	"sync/atomic"

	"github.com/ashita-ai/torii/internal/model"
)

// DefaultSubscriberBuffer is the per-subscriber channel depth.
const DefaultSubscriberBuffer = 64

// Bus fans change events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full has that event dropped and is marked
// lagged, so one slow consumer can never stall writers or its peers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	seq  atomic.Uint64
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	// C delivers events in publish order for this subscriber.
	C <-chan model.ChangeEvent

	ch     chan model.ChangeEvent
	bus    *Bus
	lagged atomic.Bool
	closed atomic.Bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber with the given buffer depth
// (DefaultSubscriberBuffer when <= 0). Call Close when done.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan model.ChangeEvent, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish stamps the event with the next sequence number and delivers it to
// every subscriber that has buffer room.
func (b *Bus) Publish(ev model.ChangeEvent) {
	ev.Seq = b.seq.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.lagged.Store(true)
		}
	}
}

// LastSeq returns the sequence number of the most recently published event,
// or zero when nothing has been published. Consumers compare it against
// their own processed watermark to tell whether they have caught up.
func (b *Bus) LastSeq() uint64 { return b.seq.Load() }

// Lagged reports whether this subscriber ever dropped an event. Consumers
// that care (the index synchronizer) use it to trigger a full resync.
func (s *Subscription) Lagged() bool { return s.lagged.Load() }

// ClearLagged resets the lag marker after a consumer has resynced.
func (s *Subscription) ClearLagged() { s.lagged.Store(false) }

// Close removes the subscription and closes its channel. Safe to call once.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	close(s.ch)
}
