// Package bus defines the message-bus surface the scheduler publishes and
// consumes on, plus an in-memory transport used by the simulator and tests.
//
// The broker itself is an external collaborator; anything that can route a
// payload by topic (an MQTT or NATS client, for example) can implement Bus.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Message is a single topic-addressed payload. Payloads are small JSON
// documents; the bus never inspects them.
type Message struct {
	Topic   string
	Payload []byte
	Time    time.Time
}

// Bus routes messages by exact topic.
//
// Contract:
//   - Publish MUST NOT block indefinitely; implementations honor ctx.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop messages (bounded backpressure).
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, buffer int) (ch <-chan Message, unsubscribe func())
}

// NewMemory returns an in-process fanout bus.
//
// It intentionally does not own any background goroutines.
func NewMemory() Bus {
	return &memBus{topics: map[string]map[uint64]chan Message{}}
}

type memBus struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]chan Message
	seq    atomic.Uint64
}

func (b *memBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := Message{Topic: topic, Payload: payload, Time: time.Now()}

	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Message, 0, len(b.topics[topic]))
	for _, ch := range b.topics[topic] {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- m:
			default:
			}
		}()
	}
	return nil
}

func (b *memBus) Subscribe(topic string, buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Message, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	subs := b.topics[topic]
	if subs == nil {
		subs = map[uint64]chan Message{}
		b.topics[topic] = subs
	}
	subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.topics[topic]; subs != nil {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.topics, topic)
				}
			}
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
