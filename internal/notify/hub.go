// Package notify fans out change notifications ("pokes") to the WebSocket
// connections a process holds. A poke carries no data: it tells the client
// that a pull is worth doing. Delivery is best-effort and at-most-once; the
// pull endpoint is the source of truth.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	userID string
	ch     chan struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// Poke wakes every subscribed connection of the user. Sends never block: a
// subscriber with a signal already pending coalesces, since one pull picks
// up any number of pushes.
func (h *Hub) Poke(ctx context.Context, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[userID] {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

// Close tears down all subscriptions; their serving loops send a close
// frame and exit.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	h.subs = make(map[string]map[*subscriber]struct{})
}

func (h *Hub) subscribe(userID string) *subscriber {
	sub := &subscriber{userID: userID, ch: make(chan struct{}, 1)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[userID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// unsubscribe is idempotent: Close may already have dropped the subscriber.
func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.userID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.userID)
	}
	close(sub.ch)
}
