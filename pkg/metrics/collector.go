package metrics

import (
	"time"

	"github.com/tuxillo/fleetd/pkg/storage"
	"github.com/tuxillo/fleetd/pkg/types"
)

// Collector periodically snapshots the store into the leases_by_state
// and hosts_total gauges. Grounded on the teacher's
// pkg/metrics/collector.go (ticker + stopCh + one collect() pass over
// the manager's read APIs), walking pkg/storage.Store instead of
// pkg/manager.Manager.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a metrics collector over store.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectLeaseMetrics()
	c.collectHostMetrics()
}

func (c *Collector) collectLeaseMetrics() {
	leases, err := c.store.ListLeases(storage.LeaseFilter{})
	if err != nil {
		return
	}

	counts := make(map[types.LeaseState]int)
	for _, lease := range leases {
		counts[lease.State]++
	}
	for _, state := range allLeaseStates {
		LeasesByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *Collector) collectHostMetrics() {
	hosts, err := c.store.ListHosts()
	if err != nil {
		return
	}

	enabled, disabled := 0, 0
	for _, h := range hosts {
		if h.Enabled {
			enabled++
		} else {
			disabled++
		}
	}
	HostsTotal.WithLabelValues("true").Set(float64(enabled))
	HostsTotal.WithLabelValues("false").Set(float64(disabled))
}

var allLeaseStates = []types.LeaseState{
	types.LeaseStateRequested,
	types.LeaseStateProvisioning,
	types.LeaseStateBooting,
	types.LeaseStateConnecting,
	types.LeaseStateConnected,
	types.LeaseStateRunning,
	types.LeaseStateTerminating,
	types.LeaseStateTerminated,
	types.LeaseStateFailed,
	types.LeaseStateOrphaned,
}
