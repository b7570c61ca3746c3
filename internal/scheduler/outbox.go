package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/signal.control/internal/signal"
)

const (
	// DefaultOutboxSize is the number of transitions queued per publisher
	// before new ones are dropped.
	DefaultOutboxSize = 16
	// DefaultPublishTimeout bounds one event publish.
	DefaultPublishTimeout = 500 * time.Millisecond
)

// outbox delivers transitions to one Publisher on its own goroutine so a
// stalled link or a busy journal never holds the phase loop. Transitions
// are delivered in order; events within a transition are published in
// order.
type outbox struct {
	name    string
	pub     Publisher
	timeout time.Duration
	queue   chan []signal.PhaseEvent

	// result, when set, is called once per delivered transition with the
	// number of events that failed.
	result func(failed int)

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func newOutbox(name string, pub Publisher, size int, timeout time.Duration, result func(int)) *outbox {
	ctx, cancel := context.WithCancel(context.Background())
	o := &outbox{
		name:    name,
		pub:     pub,
		timeout: timeout,
		queue:   make(chan []signal.PhaseEvent, size),
		result:  result,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go o.run()
	return o
}

// enqueue hands a transition to the outbox without blocking. It reports
// false when the queue is full and the transition was dropped.
func (o *outbox) enqueue(events []signal.PhaseEvent) bool {
	select {
	case o.queue <- events:
		return true
	default:
		logf("%s outbox full, dropped transition %s", o.name, events[0].TransitionID)
		return false
	}
}

// enqueueWait queues a transition, waiting for room until ctx ends.
func (o *outbox) enqueueWait(ctx context.Context, events []signal.PhaseEvent) bool {
	select {
	case o.queue <- events:
		return true
	case <-ctx.Done():
		return false
	}
}

// discard drops every queued transition that has not started publishing
// and returns how many were dropped.
func (o *outbox) discard() int {
	n := 0
	for {
		select {
		case <-o.queue:
			n++
		default:
			return n
		}
	}
}

func (o *outbox) run() {
	defer close(o.done)
	for events := range o.queue {
		failed := 0
		for _, ev := range events {
			if err := o.publish(ev); err != nil {
				failed++
				logf("%s %s %s failed: %v", o.name, ev.Intersection, ev.Phase, err)
			}
		}
		if o.result != nil {
			o.result(failed)
		}
	}
}

func (o *outbox) publish(ev signal.PhaseEvent) error {
	ctx, cancel := context.WithTimeout(o.ctx, o.timeout)
	defer cancel()
	return o.pub.Publish(ctx, ev)
}

// close stops accepting transitions and waits for the queue to drain. When
// ctx ends first the in-flight publish is cancelled and whatever remains
// fails fast.
func (o *outbox) close(ctx context.Context) {
	o.once.Do(func() { close(o.queue) })
	select {
	case <-o.done:
	case <-ctx.Done():
		o.cancel()
		<-o.done
	}
	o.cancel()
}
