package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Broadcaster fans out orchestrator events to multiple subscribers. Each
// subscriber gets its own buffered channel; a subscriber that falls behind
// has its oldest event dropped rather than stalling the others.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	logger      *zap.Logger
	nextID      int
}

func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subscribers: make(map[int]chan Event),
		logger:      logger,
	}
}

// Subscribe registers a subscriber with the given buffer size and returns
// its id for Unsubscribe plus the read-only channel.
func (b *Broadcaster) Subscribe(bufSize int) (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan Event, bufSize)
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Run pumps events from source into every subscriber until source closes
// or ctx is cancelled, then closes all subscriber channels.
func (b *Broadcaster) Run(ctx context.Context, source <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case event, ok := <-source:
			if !ok {
				b.closeAll()
				return
			}
			b.broadcast(event)
		}
	}
}

func (b *Broadcaster) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Full channel: shed the oldest event, then retry once.
			select {
			case <-ch:
				b.logger.Warn("subscriber lagging, dropped oldest event",
					zap.Int("subscriber", id),
					zap.String("event", event.EventName()))
			default:
			}
			select {
			case ch <- event:
			default:
				b.logger.Warn("subscriber unreachable, event not delivered",
					zap.Int("subscriber", id),
					zap.String("event", event.EventName()))
			}
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
