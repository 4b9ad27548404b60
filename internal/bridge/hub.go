package bridge

import (
	"encoding/json"
	"sync"
)

// Hub fans unsolicited child messages out to subscribers. Delivery is best
// effort: a subscriber whose buffer is full misses the message.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan json.RawMessage]struct{}
	size   int
	closed bool
}

// NewHub returns a hub whose subscriber channels buffer size messages.
func NewHub(size int) *Hub {
	if size <= 0 {
		size = 1
	}
	return &Hub{subs: make(map[chan json.RawMessage]struct{}), size: size}
}

// Subscribe registers a subscriber. The returned func unregisters it and is
// safe to call more than once. The channel is closed on unsubscribe or Close.
func (h *Hub) Subscribe() (<-chan json.RawMessage, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan json.RawMessage, h.size)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Broadcast delivers msg to every subscriber with room and returns how many
// received it.
func (h *Hub) Broadcast(msg json.RawMessage) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for ch := range h.subs {
		select {
		case ch <- msg:
			n++
		default:
		}
	}
	return n
}

// Len reports the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later subscribers get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = map[chan json.RawMessage]struct{}{}
}
