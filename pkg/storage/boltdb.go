package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/tuxillo/fleetd/pkg/statemachine"
	"github.com/tuxillo/fleetd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketHosts     = []byte("hosts")
	bucketLeases    = []byte("leases")
	bucketEvents    = []byte("events")
	bucketEventsSeq = []byte("events_seq")
	eventsSeqKey    = []byte("next_id")
	eventsCountKey  = []byte("count")
)

// BoltStore implements Store on top of a single embedded BoltDB file.
// Every secondary index the spec calls for — (label, state),
// (host_id, state), last_seen — has no native bbolt support, so, like
// the teacher's own GetServiceByName/ListContainersByService, it is a
// full-bucket scan with an in-loop filter rather than a maintained
// index structure.
type BoltStore struct {
	db                  *bolt.DB
	eventRetentionCount int
}

// defaultEventRetentionCount bounds the event bucket when a caller
// uses NewBoltStore directly (tests, and any path that predates the
// config knob) instead of NewBoltStoreWithRetention.
const defaultEventRetentionCount = 100000

// NewBoltStore opens (creating if absent) a BoltDB file under dataDir
// and ensures all buckets exist, retaining the most recent
// defaultEventRetentionCount events.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	return NewBoltStoreWithRetention(dataDir, defaultEventRetentionCount)
}

// NewBoltStoreWithRetention is NewBoltStore with an explicit cap on
// how many events the log bucket retains. Spec §3 requires the event
// log's retention be bounded "(ring or time-windowed)"; this store
// picks the ring form — oldest entries past retentionCount are
// trimmed inside the same transaction as the write that pushed the
// bucket over the limit, so the bucket can never grow past it.
func NewBoltStoreWithRetention(dataDir string, retentionCount int) (*BoltStore, error) {
	if retentionCount < 1 {
		retentionCount = defaultEventRetentionCount
	}
	dbPath := filepath.Join(dataDir, "fleetd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketHosts, bucketLeases, bucketEvents, bucketEventsSeq} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, eventRetentionCount: retentionCount}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Hosts ---

func (s *BoltStore) UpsertHost(host *types.Host) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		data, err := json.Marshal(host)
		if err != nil {
			return err
		}
		return b.Put([]byte(host.HostID), data)
	})
}

func (s *BoltStore) GetHost(hostID string) (*types.Host, error) {
	var host types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		data := b.Get([]byte(hostID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &host)
	})
	if err != nil {
		return nil, err
	}
	return &host, nil
}

func (s *BoltStore) ListHosts() ([]*types.Host, error) {
	var hosts []*types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		return b.ForEach(func(_, v []byte) error {
			var host types.Host
			if err := json.Unmarshal(v, &host); err != nil {
				return err
			}
			hosts = append(hosts, &host)
			return nil
		})
	})
	return hosts, err
}

func (s *BoltStore) DeleteHost(hostID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).Delete([]byte(hostID))
	})
}

// --- Leases ---

func (s *BoltStore) CreateLease(lease *types.Lease, event *types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		if existing := b.Get([]byte(lease.LeaseID)); existing != nil {
			// idempotent create: leave the existing row untouched
			return nil
		}
		data, err := json.Marshal(lease)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(lease.LeaseID), data); err != nil {
			return err
		}
		return putEvent(tx, event, s.eventRetentionCount)
	})
}

func (s *BoltStore) GetLease(leaseID string) (*types.Lease, error) {
	var lease types.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLeases).Get([]byte(leaseID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &lease)
	})
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

func (s *BoltStore) GetLeaseByVMID(vmID string) (*types.Lease, error) {
	var found *types.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeases).ForEach(func(_, v []byte) error {
			var lease types.Lease
			if err := json.Unmarshal(v, &lease); err != nil {
				return err
			}
			if lease.VMID == vmID {
				found = &lease
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) ListLeases(filter LeaseFilter) ([]*types.Lease, error) {
	var leases []*types.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeases).ForEach(func(_, v []byte) error {
			var lease types.Lease
			if err := json.Unmarshal(v, &lease); err != nil {
				return err
			}
			if filter.Label != "" && lease.Label != filter.Label {
				return nil
			}
			if filter.State != "" && lease.State != filter.State {
				return nil
			}
			if filter.HostID != "" && lease.HostID != filter.HostID {
				return nil
			}
			leases = append(leases, &lease)
			return nil
		})
	})
	return leases, err
}

func (s *BoltStore) CASLeaseState(leaseID string, expected, target types.LeaseState, mutate func(*types.Lease), event *types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(leaseID))
		if data == nil {
			return ErrNotFound
		}
		var lease types.Lease
		if err := json.Unmarshal(data, &lease); err != nil {
			return err
		}
		if lease.State != expected {
			return ErrCASFailed
		}
		if !statemachine.CanTransition(expected, target) {
			return ErrCASFailed
		}
		lease.State = target
		if mutate != nil {
			mutate(&lease)
		}
		updated, err := json.Marshal(&lease)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(leaseID), updated); err != nil {
			return err
		}
		return putEvent(tx, event, s.eventRetentionCount)
	})
}

func (s *BoltStore) DeleteLease(leaseID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeases).Delete([]byte(leaseID))
	})
}

// --- Events ---

func (s *BoltStore) AppendEvent(event *types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putEvent(tx, event, s.eventRetentionCount)
	})
}

// putEvent assigns the next monotonic id and stores event inside the
// caller's transaction, then trims the oldest entries past
// retentionCount — the ring-buffer form of spec §3's bounded-retention
// requirement for the event log. A nil event is a no-op so callers can
// pass through CAS/create calls that don't always need one.
func putEvent(tx *bolt.Tx, event *types.Event, retentionCount int) error {
	if event == nil {
		return nil
	}
	seqBucket := tx.Bucket(bucketEventsSeq)
	id := uint64(1)
	if raw := seqBucket.Get(eventsSeqKey); raw != nil {
		id = binary.BigEndian.Uint64(raw) + 1
	}
	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, id)
	if err := seqBucket.Put(eventsSeqKey, next); err != nil {
		return err
	}
	event.ID = id

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	eventsBucket := tx.Bucket(bucketEvents)
	if err := eventsBucket.Put(key, data); err != nil {
		return err
	}

	count := uint64(1)
	if raw := seqBucket.Get(eventsCountKey); raw != nil {
		count = binary.BigEndian.Uint64(raw) + 1
	}
	for retentionCount > 0 && count > uint64(retentionCount) {
		c := eventsBucket.Cursor()
		oldestKey, _ := c.First()
		if oldestKey == nil {
			break
		}
		if err := eventsBucket.Delete(oldestKey); err != nil {
			return err
		}
		count--
	}
	countBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(countBytes, count)
	return seqBucket.Put(eventsCountKey, countBytes)
}

func (s *BoltStore) ListEvents(limit int) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
		return nil
	})
	return events, err
}

func (s *BoltStore) ListEventsByLease(leaseID string, limit int) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if event.LeaseID != leaseID {
				continue
			}
			events = append(events, &event)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
		return nil
	})
	return events, err
}
