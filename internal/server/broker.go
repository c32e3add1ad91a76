package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashita-ai/torii/internal/health"
	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/store"
)

// Broker fans registry change events and health transitions out to SSE
// subscribers. One goroutine drains both sources; slow subscribers drop
// events rather than stalling the loop.
type Broker struct {
	bus       *store.Bus
	health    *health.Broadcaster
	namespace string
	logger    *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates an SSE broker. Call Start to begin draining.
func NewBroker(bus *store.Bus, hb *health.Broadcaster, namespace string, logger *slog.Logger) *Broker {
	return &Broker{
		bus:         bus,
		health:      hb,
		namespace:   namespace,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start drains events until ctx is cancelled. Blocks; run in a goroutine.
func (b *Broker) Start(ctx context.Context) {
	sub := b.bus.Subscribe(128)
	defer sub.Close()

	var healthCh <-chan model.HealthTransition
	if b.health != nil {
		ch, cancel := b.health.Subscribe(128)
		defer cancel()
		healthCh = ch
	}

	b.logger.Info("broker: streaming change and health events", "namespace", b.namespace)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			if ev.Namespace != b.namespace {
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				b.logger.Warn("broker: marshal change event", "error", err)
				continue
			}
			b.broadcast(formatSSE("change."+string(ev.Op), payload))
		case tr := <-healthCh:
			if tr.Namespace != b.namespace {
				continue
			}
			payload, err := json.Marshal(tr)
			if err != nil {
				b.logger.Warn("broker: marshal health transition", "error", err)
				continue
			}
			b.broadcast(formatSSE("health.transition", payload))
		}
	}
}

// Subscribe returns a channel of SSE-formatted frames. The caller must
// call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

func (b *Broker) broadcast(frame []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- frame:
		default:
		}
	}
}

// formatSSE builds one Server-Sent Events frame.
func formatSSE(eventType string, data []byte) []byte {
	frame := make([]byte, 0, len(eventType)+len(data)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, eventType...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame
}
