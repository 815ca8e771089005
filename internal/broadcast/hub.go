// Package broadcast fans typed values out to any number of subscribers.
package broadcast

import "sync"

const DefaultBuffer = 32

// Hub delivers published values to every open Subscription. Delivery never
// blocks the publisher: a subscriber whose buffer is full misses the value.
type Hub[T any] struct {
	buffer int

	mu      sync.Mutex
	subs    map[*Subscription[T]]struct{}
	closed  bool
	dropped uint64
}

func NewHub[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub[T]{
		buffer: buffer,
		subs:   make(map[*Subscription[T]]struct{}),
	}
}

// Subscription is one listener on a Hub.
type Subscription[T any] struct {
	hub  *Hub[T]
	ch   chan T
	once sync.Once
}

// C returns the channel values are delivered on. It is closed when the
// subscription or the hub is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

func (h *Hub[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{hub: h, ch: make(chan T, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.ch)
		s.once.Do(func() {})
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish delivers v to all subscribers and returns how many missed it.
func (h *Hub[T]) Publish(v T) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}

	missed := 0
	for s := range h.subs {
		select {
		case s.ch <- v:
		default:
			missed++
		}
	}
	h.dropped += uint64(missed)
	return missed
}

// Dropped returns the total number of values subscribers missed.
func (h *Hub[T]) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close closes every subscription. Later Subscribe calls return a closed
// subscription.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		close(s.ch)
		delete(h.subs, s)
	}
}

func (h *Hub[T]) remove(s *Subscription[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.ch)
}
