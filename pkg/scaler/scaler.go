// Package scaler runs the periodic per-label deficit computation of
// spec §4.6: launchable = min(raw_deficit, LABEL_BURST,
// LABEL_MAX_INFLIGHT - inflight, GLOBAL_MAX_VMS - total_active,
// schedulable_host_capacity(label)), where raw_deficit is queued minus
// inflight minus idle-ready, cooled down per label after any non-zero
// launch. Grounded on original_source/control_plane/services/scaler.py's
// scale_once, with the control-loop skeleton (ticker + stopCh) carried
// from the teacher's pkg/scheduler/scheduler.go.
package scaler

import (
	"context"
	"sync"
	"time"

	"github.com/tuxillo/fleetd/pkg/controller"
	"github.com/tuxillo/fleetd/pkg/log"
	"github.com/tuxillo/fleetd/pkg/metrics"
	"github.com/tuxillo/fleetd/pkg/placement"
	"github.com/tuxillo/fleetd/pkg/provisioner"
	"github.com/tuxillo/fleetd/pkg/storage"
	"github.com/tuxillo/fleetd/pkg/types"
)

// inflightStates are the states counted against LABEL_MAX_INFLIGHT and
// subtracted from queued to compute raw_deficit (spec §4.6).
var inflightStates = []types.LeaseState{
	types.LeaseStateProvisioning,
	types.LeaseStateBooting,
	types.LeaseStateConnecting,
}

// activeStates are every non-terminal state counted against
// GLOBAL_MAX_VMS.
var activeStates = []types.LeaseState{
	types.LeaseStateRequested,
	types.LeaseStateProvisioning,
	types.LeaseStateBooting,
	types.LeaseStateConnecting,
	types.LeaseStateConnected,
	types.LeaseStateRunning,
	types.LeaseStateTerminating,
}

// Config bounds one scaler's behavior, mirroring spec §6's env vars.
type Config struct {
	LoopInterval     time.Duration
	GlobalMaxVMs     int
	LabelMaxInflight int
	LabelBurst       int
	ConnectDeadline  time.Duration
	VMTTL            time.Duration
	HostStaleTimeout time.Duration
	CooldownFactor   int // cooldown = LoopInterval * CooldownFactor, per the Python original's * 3
}

// DefaultConfig fills in the factor the Python original hardcodes.
func DefaultConfig() Config {
	return Config{CooldownFactor: 3}
}

// Scaler owns the per-label cooldown cache, the one piece of advisory
// in-memory state spec §5 explicitly permits here.
type Scaler struct {
	store       storage.Store
	adapter     controller.Adapter
	provisioner *provisioner.Provisioner
	cfg         Config

	mu        sync.Mutex
	cooldowns map[string]time.Time
	stopCh    chan struct{}
}

// New builds a Scaler.
func New(store storage.Store, adapter controller.Adapter, prov *provisioner.Provisioner, cfg Config) *Scaler {
	if cfg.CooldownFactor <= 0 {
		cfg.CooldownFactor = 3
	}
	return &Scaler{
		store:       store,
		adapter:     adapter,
		provisioner: prov,
		cfg:         cfg,
		cooldowns:   make(map[string]time.Time),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the scaler's ticker loop.
func (s *Scaler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop signals the loop to exit after its current tick.
func (s *Scaler) Stop() {
	close(s.stopCh)
}

func (s *Scaler) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.LoopInterval)
	defer ticker.Stop()

	entry := log.WithComponent("scaler")
	for {
		select {
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				entry.Error().Err(err).Msg("scaler tick failed")
			}
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scaler) cooldownActive(label string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.cooldowns[label]
	return ok && until.After(now)
}

func (s *Scaler) setCooldown(label string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[label] = now.Add(s.cfg.LoopInterval * time.Duration(s.cfg.CooldownFactor))
}

// Tick runs one scaling pass across every label currently queued on
// the controller adapter. It never panics on a single label's
// failure; it logs and moves to the next.
func (s *Scaler) Tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ScalerTickDuration)

	now := time.Now()
	leases, err := s.store.ListLeases(storage.LeaseFilter{})
	if err != nil {
		return err
	}
	hosts, err := s.store.ListHosts()
	if err != nil {
		return err
	}

	inflightByLabel := map[string]int{}
	idleReadyByLabel := map[string]int{}
	activeCount := 0
	labelsSeen := map[string]bool{}
	for _, l := range leases {
		labelsSeen[l.Label] = true
		if containsState(activeStates, l.State) {
			activeCount++
		}
		if containsState(inflightStates, l.State) {
			inflightByLabel[l.Label]++
		}
		if l.State == types.LeaseStateConnected {
			idleReadyByLabel[l.Label]++
		}
	}
	// Also track labels that only exist via the controller's queue, not
	// yet any lease.
	for label := range queuedLabels(ctx, s.adapter, labelsSeen) {
		labelsSeen[label] = true
	}

	for label := range labelsSeen {
		s.tickLabel(ctx, label, now, hosts, inflightByLabel[label], idleReadyByLabel[label], activeCount)
		// re-read active count: a launch in this label changes it for
		// the remaining labels in this same tick, same as the Python
		// original's single active_global snapshot updated implicitly
		// by provision_one's side effects.
		updated, err := s.store.ListLeases(storage.LeaseFilter{})
		if err == nil {
			activeCount = 0
			for _, l := range updated {
				if containsState(activeStates, l.State) {
					activeCount++
				}
			}
		}
	}
	return nil
}

func queuedLabels(ctx context.Context, adapter controller.Adapter, known map[string]bool) map[string]bool {
	// The Adapter interface only exposes Queued(label) for a label
	// already known to the caller; discovering brand-new labels with
	// no existing lease requires an adapter extension this core does
	// not have. In practice labelsSeen is seeded by existing leases and
	// by the caller's own label catalogue upstream of the Scaler; this
	// hook exists so a richer adapter can plug in without changing
	// Tick's shape.
	return known
}

func containsState(set []types.LeaseState, state types.LeaseState) bool {
	for _, s := range set {
		if s == state {
			return true
		}
	}
	return false
}

func (s *Scaler) tickLabel(ctx context.Context, label string, now time.Time, hosts []*types.Host, inflight, idleReady, activeGlobal int) {
	entry := log.WithComponent("scaler")

	queued, err := s.adapter.Queued(ctx, label)
	if err != nil {
		entry.Warn().Err(err).Str("label", label).Msg("scaler: failed to read queue depth")
		return
	}
	if queued <= 0 {
		return
	}
	if s.cooldownActive(label, now) {
		return
	}

	rawDeficit := queued - inflight - idleReady
	if rawDeficit <= 0 {
		return
	}

	remainingGlobal := s.cfg.GlobalMaxVMs - activeGlobal
	if remainingGlobal < 0 {
		remainingGlobal = 0
	}
	remainingInflight := s.cfg.LabelMaxInflight - inflight
	if remainingInflight < 0 {
		remainingInflight = 0
	}
	demand := placement.DemandFor(label)
	capacity := schedulableHostCapacity(hosts, label, demand, now, s.cfg.HostStaleTimeout)

	launchable := min5(rawDeficit, s.cfg.LabelBurst, remainingInflight, remainingGlobal, capacity)
	if launchable <= 0 {
		return
	}

	launched := 0
	for i := 0; i < launchable; i++ {
		host, err := placement.Pick(hosts, label, demand, now, s.cfg.HostStaleTimeout)
		if err != nil {
			break
		}
		lease := provisioner.NewLease(label, s.cfg.ConnectDeadline, s.cfg.VMTTL, now)
		if err := s.store.CreateLease(lease, &types.Event{
			Timestamp: now, LeaseID: lease.LeaseID, EventType: types.EventScaleLaunch,
			Payload: map[string]string{"label": label, "host_id": host.HostID},
		}); err != nil {
			entry.Error().Err(err).Str("label", label).Msg("scaler: failed to create lease")
			break
		}
		if err := s.provisioner.Provision(ctx, lease, host); err != nil {
			entry.Warn().Err(err).Str("label", label).Str("lease_id", lease.LeaseID).Msg("scaler: provision failed")
			metrics.LaunchFailuresTotal.Inc()
		}
		host.CPUFree -= demand.CPU
		host.RAMFreeMB -= demand.RAMMB
		launched++
	}

	if launched > 0 {
		s.setCooldown(label, now)
	}
}

func min5(a, b, c, d, e int) int {
	m := a
	for _, v := range []int{b, c, d, e} {
		if v < m {
			m = v
		}
	}
	return m
}

// schedulableHostCapacity sums, across every eligible host, how many
// more instances of demand the host could additionally take — the
// supplemented schedulable_host_capacity(label) input to the launch
// formula (SPEC_FULL.md; §4.6 leaves it as an opaque function name).
func schedulableHostCapacity(hosts []*types.Host, label string, demand placement.Demand, now time.Time, staleAfter time.Duration) int {
	total := 0
	for _, h := range placement.Eligible(hosts, label, demand, now, staleAfter) {
		if demand.CPU <= 0 || demand.RAMMB <= 0 {
			continue
		}
		byCPU := h.CPUFree / demand.CPU
		byRAM := h.RAMFreeMB / demand.RAMMB
		if byCPU < byRAM {
			total += byCPU
		} else {
			total += byRAM
		}
	}
	return total
}
