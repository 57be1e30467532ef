// Package placement chooses a host for a lease request: filter to
// schedulable hosts that can serve the label, score by io_pressure and
// free capacity, and break ties by host_id. Grounded on
// original_source/control_plane/services/scaler.py's _host_schedulable
// and _eligible_hosts, and on provisioning.py's NODE_PROFILES/
// choose_profile for the per-label demand that the distilled spec
// leaves as an opaque cpu_demand/ram_demand input.
package placement

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/tuxillo/fleetd/pkg/types"
)

// Demand is the resource ask of a single lease, derived from its label
// via the node-size profile table.
type Demand struct {
	CPU   int
	RAMMB int
}

// Profile is a named (vcpu, ram_mb, disk_gb) tuple. DiskGB is carried
// for completeness with the node agent's VM creation payload even
// though Placement itself only scores on CPU/RAM.
type Profile struct {
	Name   string
	VCPU   int
	RAMMB  int
	DiskGB int
}

// Profiles mirrors NODE_PROFILES from the Python original exactly:
// three fixed sizes selected by a substring match on the label.
var Profiles = map[string]Profile{
	"small":  {Name: "small", VCPU: 2, RAMMB: 4096, DiskGB: 40},
	"medium": {Name: "medium", VCPU: 4, RAMMB: 8192, DiskGB: 80},
	"large":  {Name: "large", VCPU: 8, RAMMB: 16384, DiskGB: 120},
}

// ChooseProfile picks a node profile by substring match on label,
// defaulting to "small" the way choose_profile does.
func ChooseProfile(label string) Profile {
	if strings.Contains(label, "large") {
		return Profiles["large"]
	}
	if strings.Contains(label, "medium") {
		return Profiles["medium"]
	}
	return Profiles["small"]
}

// DemandFor converts a label into the CPU/RAM ask used throughout
// Placement and the Scaler's schedulable_host_capacity calculation.
func DemandFor(label string) Demand {
	p := ChooseProfile(label)
	return Demand{CPU: p.VCPU, RAMMB: p.RAMMB}
}

// Rejection reason codes returned by Pick (spec §4.4).
const (
	ReasonNoHostsEnabled      = "NO_HOSTS_ENABLED"
	ReasonInsufficientCapacity = "INSUFFICIENT_CAPACITY"
	ReasonLabelNotServed      = "LABEL_NOT_SERVED"
)

// RejectionError carries one of the fixed reason codes above.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return e.Reason }

// StaleTimeout is the default heartbeat staleness threshold (2x the
// default heartbeat interval of 10s, per spec §4.2).
const StaleTimeout = 20 * time.Second

// LabelServed reports whether host serves label. Hosts with no
// explicit label routing serve every label via their platform tuple;
// callers that maintain an explicit label->hosts map should filter
// before calling Pick. fleetd carries no such map (every host serves
// every label through its platform tuple alone), so this always
// returns true; it exists so a future explicit map has an obvious
// seam to plug into.
func LabelServed(_ *types.Host, _ string) bool {
	return true
}

// Schedulable reports whether host is eligible to receive new leases
// at all, independent of any particular demand: enabled, heartbeat not
// stale, and its selected accelerator is among its supported ones.
// Grounded on _host_schedulable plus spec §4.2's accelerator clause.
func Schedulable(host *types.Host, now time.Time, staleAfter time.Duration) bool {
	if !host.Enabled {
		return false
	}
	if host.LastSeen.IsZero() {
		return false
	}
	if now.Sub(host.LastSeen) > staleAfter {
		return false
	}
	if host.SelectedAccel != "" {
		found := false
		for _, accel := range host.SupportedAccels {
			if accel == host.SelectedAccel {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// fitsDemand reports whether a schedulable host has enough free
// capacity for demand.
func fitsDemand(host *types.Host, demand Demand) bool {
	return host.CPUFree >= demand.CPU && host.RAMFreeMB >= demand.RAMMB
}

// Eligible filters hosts to those that are schedulable, serve label,
// and have capacity for demand, sorted by ascending io_pressure, then
// descending free RAM, then descending free CPU, then ascending
// host_id to break remaining ties deterministically. Grounded on
// _eligible_hosts's sort key.
func Eligible(hosts []*types.Host, label string, demand Demand, now time.Time, staleAfter time.Duration) []*types.Host {
	var out []*types.Host
	for _, h := range hosts {
		if !Schedulable(h, now, staleAfter) {
			continue
		}
		if !LabelServed(h, label) {
			continue
		}
		if !fitsDemand(h, demand) {
			continue
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IOPressure != b.IOPressure {
			return a.IOPressure < b.IOPressure
		}
		if a.RAMFreeMB != b.RAMFreeMB {
			return a.RAMFreeMB > b.RAMFreeMB
		}
		if a.CPUFree != b.CPUFree {
			return a.CPUFree > b.CPUFree
		}
		return a.HostID < b.HostID
	})
	return out
}

// Pick selects the single best host for label/demand out of hosts, or
// returns a RejectionError with one of the fixed reason codes (spec
// §4.4). It does not itself reserve capacity; callers that want the
// in-memory reservation counter described in §4.4 should layer it on
// top via ReservationTracker.
func Pick(hosts []*types.Host, label string, demand Demand, now time.Time, staleAfter time.Duration) (*types.Host, error) {
	anyEnabled := false
	for _, h := range hosts {
		if h.Enabled {
			anyEnabled = true
			break
		}
	}
	if !anyEnabled {
		return nil, &RejectionError{Reason: ReasonNoHostsEnabled}
	}

	anyServing := false
	for _, h := range hosts {
		if LabelServed(h, label) {
			anyServing = true
			break
		}
	}
	if !anyServing {
		return nil, &RejectionError{Reason: ReasonLabelNotServed}
	}

	candidates := Eligible(hosts, label, demand, now, staleAfter)
	if len(candidates) == 0 {
		return nil, &RejectionError{Reason: ReasonInsufficientCapacity}
	}
	return candidates[0], nil
}

// ErrNoCapacity is a sentinel some callers match against instead of the
// typed RejectionError; kept for convenience at call sites that only
// care that nothing was available.
var ErrNoCapacity = errors.New("placement: no eligible host")
