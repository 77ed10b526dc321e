// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

// Package pubsub fans state updates out to any number of subscribers
// without letting a slow subscriber stall the publisher.
//
// Each subscriber owns a buffered channel. When a buffer is full the
// oldest pending value is discarded to make room, so a subscriber
// that falls behind skips intermediate values but always receives the
// most recent one. This suits publishers whose values are complete
// snapshots rather than deltas.
package pubsub

import "sync"

// DefaultBuffer is the per-subscriber channel capacity used when New
// is given a non-positive size.
const DefaultBuffer = 16

// Hub is a set of subscriber channels for values of type T. It is safe
// for concurrent use.
type Hub[T any] struct {
	mu          sync.Mutex
	buffer      int
	subscribers map[uint64]chan T
	nextID      uint64
	closed      bool
}

// New creates a Hub whose subscriber channels hold buffer values.
func New[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub[T]{
		buffer:      buffer,
		subscribers: make(map[uint64]chan T),
	}
}

// Subscribe registers a subscriber and immediately queues initial on
// its channel. The returned function unsubscribes and closes the
// channel; it is safe to call more than once. Subscribing to a closed
// Hub returns a channel that holds initial and is already closed.
func (h *Hub[T]) Subscribe(initial T) (<-chan T, func()) {
	channel := make(chan T, h.buffer)
	channel <- initial

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(channel)
		return channel, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subscribers[id] = channel

	var once sync.Once
	return channel, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if existing, ok := h.subscribers[id]; ok {
				delete(h.subscribers, id)
				close(existing)
			}
		})
	}
}

// Publish offers value to every subscriber. It never blocks.
func (h *Hub[T]) Publish(value T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, channel := range h.subscribers {
		offer(channel, value)
	}
}

// Len returns the number of live subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close closes every subscriber channel. Later Publish calls are
// no-ops.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, channel := range h.subscribers {
		delete(h.subscribers, id)
		close(channel)
	}
}

// offer sends value, evicting the oldest queued value when the buffer
// is full. Only the Hub sends on the channel and it holds h.mu, so the
// second send cannot lose a race with another sender.
func offer[T any](channel chan T, value T) {
	select {
	case channel <- value:
		return
	default:
	}
	select {
	case <-channel:
	default:
	}
	select {
	case channel <- value:
	default:
	}
}
