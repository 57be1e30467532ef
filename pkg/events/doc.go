/*
Package events provides an in-memory broker that fans the store's
append-only event log out to live subscribers.

The store (pkg/storage) is the durable record: every state transition
and external call outcome is written there first, inside the same
transaction as the mutation it describes. The broker is a best-effort
layer on top, for things that want to react to events as they happen
rather than poll the store — an operator tailing the event stream, a
future webhook forwarder. The /ui dashboard does not subscribe; it
reads the store on each load.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("[%s] %s\n", event.Timestamp.Format(time.RFC3339), event.EventType)
		}
	}()

	broker.Publish(&types.Event{
		LeaseID:   lease.LeaseID,
		EventType: types.EventLeaseRunning,
	})

# Delivery

Publish never blocks on a slow subscriber: a full subscriber buffer
drops the event rather than stalling the publisher. There is no
replay, ordering guarantee across subscribers, or persistence here —
that's what the store's own ListEvents/ListEventsByLease is for.
*/
package events
