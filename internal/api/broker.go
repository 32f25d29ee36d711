package api

import (
	"sync"
)

type SSEEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Broker fans events out to live subscribers. Topic is a route id, or "*"
// for the firehose.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(topic string) chan SSEEvent {
	ch := make(chan SSEEvent, 8)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan SSEEvent]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch chan SSEEvent) {
	b.mu.Lock()
	if m := b.subs[topic]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, topic)
		}
	}
	b.mu.Unlock()
	close(ch)
}

// Publish delivers to the topic's subscribers and the firehose; slow
// subscribers drop rather than block.
func (b *Broker) Publish(topic string, evt SSEEvent) {
	b.mu.Lock()
	for _, m := range []map[chan SSEEvent]struct{}{b.subs[topic], b.subs["*"]} {
		for ch := range m {
			select {
			case ch <- evt:
			default:
			}
		}
	}
	b.mu.Unlock()
}
