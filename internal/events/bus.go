// Package events is the in-process pub/sub used to fan execution outcomes out
// to the monitor and live websocket clients.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Envelope wraps every published payload with its topic and owner.
type Envelope struct {
	Topic   Event     `json:"topic"`
	UserID  string    `json:"-"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

type subscriber struct {
	ch     chan Envelope
	topics map[Event]bool
}

// Bus is a lightweight pub/sub broker using channels. Publish never blocks:
// slow subscribers lose events.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a listener for the given topics and returns the channel
// and an unsubscribe function. No topics means every topic.
func (b *Bus) Subscribe(buffer int, topics ...Event) (<-chan Envelope, func()) {
	s := &subscriber{ch: make(chan Envelope, buffer)}
	if len(topics) > 0 {
		s.topics = make(map[Event]bool, len(topics))
		for _, t := range topics {
			s.topics[t] = true
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, s)
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish fans the payload out to matching subscribers.
func (b *Bus) Publish(topic Event, userID string, payload any) {
	env := Envelope{Topic: topic, UserID: userID, At: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.topics != nil && !s.topics[topic] {
			continue
		}
		select {
		case s.ch <- env:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
