// Package events fans the append-only store event log out to live
// subscribers, the same publish/subscribe shape the teacher uses for
// cluster events, adapted to broadcast *types.Event directly instead
// of keeping a second, parallel event-type enum.
package events

import (
	"sync"
	"time"

	"github.com/tuxillo/fleetd/pkg/types"
)

// Subscriber is a channel that receives events as they're published.
type Subscriber chan *types.Event

// Broker distributes store events to live subscribers (an operator
// tailing the `/v1/events` Server-Sent-Events stream).
// The store itself remains the durable record; the broker is a
// best-effort fan-out layered on top; a full subscriber channel drops
// the event rather than blocking the publisher.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *types.Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish fans an event out to every active subscriber. The event is
// expected to already carry a timestamp and ID from the store's
// AppendEvent/CASLeaseState call; Publish only fills in Timestamp when
// it is zero and otherwise leaves the event unchanged.
func (b *Broker) Publish(event *types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

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

func (b *Broker) broadcast(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, drop rather than block the publisher.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
