package event

import (
	"sync"

	"go.uber.org/zap"
)

// Bus fans appended events out to subscribers (notifiers, analytics,
// WebSocket feeds). Delivery is a side channel: publishing never blocks the
// appender, and a slow subscriber drops events rather than stalling a run.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *zap.Logger
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Subscribe registers a subscriber with the given channel buffer size.
// The returned cancel func unregisters and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event subscriber lagging, dropping event",
				zap.Int("subscriber", id),
				zap.String("run", e.RunID),
				zap.String("kind", string(e.Kind)))
		}
	}
}

// Close unregisters all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
