package events

import (
	"sync"
	"sync/atomic"

	"github.com/chaz8081/syncble/internal/ble"
	"github.com/rs/zerolog"
)

// Bus fans events out to in-process subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	log zerolog.Logger

	mu          sync.Mutex
	subscribers []chan ble.Event
	dropped     atomic.Uint64
}

// NewBus returns an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{log: logger.With().Str("component", "events").Logger()}
}

// Subscribe returns a channel receiving every event published from now on.
func (b *Bus) Subscribe(buffer int) <-chan ble.Event {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan ble.Event, buffer)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (b *Bus) Unsubscribe(sub <-chan ble.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.subscribers {
		if ch == sub {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (b *Bus) Publish(e ble.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			n := b.dropped.Add(1)
			b.log.Warn().Str("kind", e.Kind.String()).Uint64("dropped", n).Msg("subscriber too slow, event dropped")
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
