package health

import (
	"sync"

	"github.com/ashita-ai/torii/internal/model"
)

// Broadcaster fans health transitions out to live subscribers (the SSE
// stream, tests). Same drop-on-full contract as the store bus: a slow
// subscriber loses events rather than stalling the supervisor.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[chan model.HealthTransition]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan model.HealthTransition]struct{})}
}

// Subscribe returns a buffered channel of transitions and a cancel func
// that must be called when done.
func (b *Broadcaster) Subscribe(buffer int) (<-chan model.HealthTransition, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan model.HealthTransition, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (b *Broadcaster) publish(tr model.HealthTransition) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- tr:
		default:
		}
	}
}
