package loader

import (
	"sync"

	"go-ssr/protocol"
)

// liveHub is the environment's own live-update feed, separate from the
// worker's reload broadcaster. The worker's loader handle closes it via
// CloseLive as soon as the environment is built, so in a running worker it
// has no subscribers and every change goes out as a reload event instead.
type liveHub struct {
	mu     sync.Mutex
	subs   map[chan protocol.Type]struct{}
	closed bool
}

func newLiveHub() *liveHub {
	return &liveHub{subs: make(map[chan protocol.Type]struct{})}
}

// subscribe returns a channel of reload kinds and a cancel func. On a closed
// hub the returned channel is already closed.
func (h *liveHub) subscribe() (<-chan protocol.Type, func()) {
	ch := make(chan protocol.Type, 8)

	h.mu.Lock()
	defer h.mu.Unlock()
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

func (h *liveHub) publish(kind protocol.Type) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- kind:
		default:
			// slow subscriber, drop
		}
	}
}

func (h *liveHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}

func (h *liveHub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
