// Package events provides an in-memory broker that fans out committed
// AuditEvents to interested subscribers, independent of their persisted
// copy in storage.Store.
package events

import (
	"sync"

	"github.com/cuemby/sandboxd/pkg/types"
)

// Subscriber is a channel that receives published audit events.
type Subscriber chan *types.AuditEvent

// Broker distributes AuditEvents to every live Subscriber. A full
// subscriber buffer drops the event rather than stalling distribution;
// Publish waits only while the broker's own 100-event queue is full.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan *types.AuditEvent
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a broker with no subscribers. Call Start to begin
// distributing published events.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.AuditEvent, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop in its own goroutine.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution. Safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a new subscriber with a 50-event buffer.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes sub. Calling it twice on the same
// subscriber panics, matching close-of-closed-channel semantics.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues event for distribution. It blocks only until the
// broker's own queue accepts it, not until subscribers read it.
func (b *Broker) Publish(event *types.AuditEvent) {
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *types.AuditEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber fell behind; drop rather than block the broker.
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
