// Package notifier fans cart change events out to independent subscribers.
package notifier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fjod/go_cart/cart-session/internal/domain"
	"github.com/fjod/go_cart/cart-session/internal/logger"
)

type Handler func(ctx context.Context, event domain.ChangeEvent) error

type subscriber struct {
	name    string
	handler Handler
	ch      chan domain.ChangeEvent
	dropped atomic.Int64
}

// Notifier gives every subscriber its own bounded queue and goroutine, so a
// slow or failing subscriber only ever loses its own events.
type Notifier struct {
	log            *logger.Logger
	queueSize      int
	handlerTimeout time.Duration

	mu      sync.RWMutex
	subs    []*subscriber
	ctx     context.Context
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func New(log *logger.Logger, queueSize int) *Notifier {
	if log == nil {
		log = logger.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Notifier{
		log:            log.With("component", "notifier"),
		queueSize:      queueSize,
		handlerTimeout: 5 * time.Second,
	}
}

// Subscribe registers handler under name. Subscribers added after Start
// begin receiving immediately.
func (n *Notifier) Subscribe(name string, handler Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	sub := &subscriber{name: name, handler: handler, ch: make(chan domain.ChangeEvent, n.queueSize)}
	n.subs = append(n.subs, sub)
	if n.started {
		n.launch(sub)
	}
}

func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started || n.closed {
		return
	}
	n.started = true
	n.ctx = ctx
	for _, sub := range n.subs {
		n.launch(sub)
	}
}

func (n *Notifier) launch(sub *subscriber) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for event := range sub.ch {
			n.deliver(sub, event)
		}
	}()
}

// Publish queues event for every subscriber without blocking. A subscriber
// whose queue is full misses the event.
func (n *Notifier) Publish(event domain.ChangeEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	for _, sub := range n.subs {
		select {
		case sub.ch <- event:
		default:
			total := sub.dropped.Add(1)
			n.log.Warn("subscriber queue full, event dropped",
				"subscriber", sub.name, "reason", string(event.Reason), "dropped_total", total)
		}
	}
}

func (n *Notifier) deliver(sub *subscriber, event domain.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("subscriber panicked", "subscriber", sub.name, "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(n.ctx, n.handlerTimeout)
	defer cancel()
	if err := sub.handler(ctx, event); err != nil {
		n.log.Warn("subscriber failed", "subscriber", sub.name, "reason", string(event.Reason), "error", err)
	}
}

// Dropped reports how many events subscriber name has missed.
func (n *Notifier) Dropped(name string) int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var total int64
	for _, sub := range n.subs {
		if sub.name == name {
			total += sub.dropped.Load()
		}
	}
	return total
}

// Close stops accepting events and waits for queued ones to be handled.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	for _, sub := range n.subs {
		close(sub.ch)
	}
	n.mu.Unlock()
	n.wg.Wait()
}
