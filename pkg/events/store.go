package events

import (
	"github.com/tuxillo/fleetd/pkg/storage"
	"github.com/tuxillo/fleetd/pkg/types"
)

// NotifyingStore wraps a storage.Store so that every event written as
// part of a mutation is also fanned out live through a Broker, without
// requiring every caller (registry, provisioner, scaler, reconciler,
// gc) to know the broker exists. The store write always happens first;
// the broker only ever sees an event that already made it into the
// durable log.
type NotifyingStore struct {
	storage.Store
	broker *Broker
}

// Wrap returns a storage.Store that behaves exactly like store, except
// that non-nil events passed to CreateLease/CASLeaseState/AppendEvent
// are also published on broker after the underlying write succeeds.
func Wrap(store storage.Store, broker *Broker) *NotifyingStore {
	return &NotifyingStore{Store: store, broker: broker}
}

func (s *NotifyingStore) CreateLease(lease *types.Lease, event *types.Event) error {
	if err := s.Store.CreateLease(lease, event); err != nil {
		return err
	}
	if event != nil {
		s.broker.Publish(event)
	}
	return nil
}

func (s *NotifyingStore) CASLeaseState(leaseID string, expected, target types.LeaseState, mutate func(*types.Lease), event *types.Event) error {
	if err := s.Store.CASLeaseState(leaseID, expected, target, mutate, event); err != nil {
		return err
	}
	if event != nil {
		s.broker.Publish(event)
	}
	return nil
}

func (s *NotifyingStore) AppendEvent(event *types.Event) error {
	if err := s.Store.AppendEvent(event); err != nil {
		return err
	}
	if event != nil {
		s.broker.Publish(event)
	}
	return nil
}
