// Copyright 2025 Certen Protocol
//
// Loopback bus: an in-process Publisher with topic subscriptions.
// Used by the end-to-end tests and by single-process deployments that
// embed the engine without an external bus.

package bus

import (
	"sync"

	"github.com/certen/block-storage-engine/pkg/envelope"
)

// Loopback is an in-memory Publisher. Delivery is best-effort: a
// subscriber whose buffer is full misses the message.
type Loopback struct {
	mu   sync.RWMutex
	subs map[string][]chan *envelope.Envelope
}

// NewLoopback creates an empty loopback bus.
func NewLoopback() *Loopback {
	return &Loopback{subs: make(map[string][]chan *envelope.Envelope)}
}

// Subscribe returns a buffered channel receiving every envelope published
// to topic from now on.
func (l *Loopback) Subscribe(topic string) <-chan *envelope.Envelope {
	ch := make(chan *envelope.Envelope, 64)
	l.mu.Lock()
	l.subs[topic] = append(l.subs[topic], ch)
	l.mu.Unlock()
	return ch
}

// Publish implements Publisher.
func (l *Loopback) Publish(topic string, env *envelope.Envelope) error {
	l.mu.RLock()
	subs := l.subs[topic]
	l.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- env:
		default:
			// Best-effort: slow subscribers drop.
		}
	}
	return nil
}
