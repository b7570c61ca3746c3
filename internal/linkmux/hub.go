package linkmux

import (
	"sync"
	"sync/atomic"
)

// hub fans inbound lines out to subscriber channels. Lines for a full
// subscriber are dropped and counted.
type hub struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closed      bool
	dropped     atomic.Uint64
}

func newHub() *hub {
	return &hub{subscribers: make(map[string]chan string)}
}

// Subscribe returns an id and a buffered channel receiving every inbound
// line. After close the channel comes back already closed.
func (h *hub) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, SubscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

func (h *hub) fanOut(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- line:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}
