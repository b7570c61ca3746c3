package linkmux

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
)

// Disabled is a LinkMux with no device behind it, used when the controller
// runs without a field link. Sends succeed and are counted. Subscribers are
// tracked so their channels close on Unsubscribe or Close.
type Disabled struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
	sent        atomic.Uint64
}

func NewDisabled() *Disabled {
	return &Disabled{
		subscribers: make(map[string]chan string),
	}
}

func (d *Disabled) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *Disabled) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *Disabled) Send(string) error {
	d.sent.Add(1)
	return nil
}

func (d *Disabled) SendContext(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.Send(line)
}

func (d *Disabled) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *Disabled) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *Disabled) Stats() Stats { return Stats{LinesOut: d.sent.Load()} }

func (d *Disabled) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/link-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("link disabled"))
	})
}
