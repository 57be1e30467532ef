package api

import (
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	"github.com/tuxillo/fleetd/pkg/storage"
	"github.com/tuxillo/fleetd/pkg/types"
)

// dashboardSnapshot is the fixed, documented shape backing GET /ui
// (SPEC_FULL.md's supplemented dashboard feature): hosts, leases, the
// most recent events, a per-state lease count, and the time the
// snapshot was taken. The page renders this once per load; it never
// polls the API itself.
type dashboardSnapshot struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	Hosts       []*types.Host             `json:"hosts"`
	Leases      []*types.Lease            `json:"leases"`
	Events      []*types.Event            `json:"events"`
	Counts      map[types.LeaseState]int  `json:"counts"`
}

const dashboardEventLimit = 50

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>fleetd</title>
<style>
body { font-family: monospace; margin: 2rem; }
table { border-collapse: collapse; margin-bottom: 2rem; }
td, th { border: 1px solid #ccc; padding: 0.25rem 0.5rem; text-align: left; }
h2 { margin-top: 2rem; }
</style>
</head>
<body>
<h1>fleetd</h1>
<p>generated_at: {{.GeneratedAt}}</p>

<h2>Leases by state</h2>
<table>
<tr>{{range $state, $count := .Counts}}<th>{{$state}}</th>{{end}}</tr>
<tr>{{range $state, $count := .Counts}}<td>{{$count}}</td>{{end}}</tr>
</table>

<h2>Hosts ({{len .Hosts}})</h2>
<table>
<tr><th>host_id</th><th>enabled</th><th>last_seen</th><th>cpu_free</th><th>ram_free_mb</th></tr>
{{range .Hosts}}<tr><td>{{.HostID}}</td><td>{{.Enabled}}</td><td>{{.LastSeen}}</td><td>{{.CPUFree}}</td><td>{{.RAMFreeMB}}</td></tr>
{{end}}
</table>

<h2>Leases ({{len .Leases}})</h2>
<table>
<tr><th>lease_id</th><th>state</th><th>label</th><th>host_id</th><th>updated_at</th></tr>
{{range .Leases}}<tr><td>{{.LeaseID}}</td><td>{{.State}}</td><td>{{.Label}}</td><td>{{.HostID}}</td><td>{{.UpdatedAt}}</td></tr>
{{end}}
</table>

<h2>Recent events</h2>
<table>
<tr><th>timestamp</th><th>lease_id</th><th>type</th></tr>
{{range .Events}}<tr><td>{{.Timestamp}}</td><td>{{.LeaseID}}</td><td>{{.EventType}}</td></tr>
{{end}}
</table>
</body>
</html>
`))

var allLeaseStatesForDashboard = []types.LeaseState{
	types.LeaseStateRequested, types.LeaseStateProvisioning, types.LeaseStateBooting,
	types.LeaseStateConnecting, types.LeaseStateConnected, types.LeaseStateRunning,
	types.LeaseStateTerminating, types.LeaseStateTerminated, types.LeaseStateFailed,
	types.LeaseStateOrphaned,
}

func (s *Server) snapshot() (dashboardSnapshot, error) {
	hosts, err := s.store.ListHosts()
	if err != nil {
		return dashboardSnapshot{}, err
	}
	leases, err := s.store.ListLeases(storage.LeaseFilter{})
	if err != nil {
		return dashboardSnapshot{}, err
	}
	recentEvents, err := s.store.ListEvents(dashboardEventLimit)
	if err != nil {
		return dashboardSnapshot{}, err
	}

	counts := make(map[types.LeaseState]int, len(allLeaseStatesForDashboard))
	for _, st := range allLeaseStatesForDashboard {
		counts[st] = 0
	}
	for _, l := range leases {
		counts[l.State]++
	}

	return dashboardSnapshot{
		GeneratedAt: time.Now(),
		Hosts:       redactHosts(hosts),
		Leases:      leases,
		Events:      recentEvents,
		Counts:      counts,
	}, nil
}

// redactHosts strips token hashes before a host row ever reaches an
// HTTP response; nothing outside pkg/registry needs them.
func redactHosts(hosts []*types.Host) []*types.Host {
	redacted := make([]*types.Host, len(hosts))
	for i, h := range hosts {
		copyH := *h
		copyH.BootstrapTokenHash = ""
		copyH.SessionTokenHash = ""
		redacted[i] = &copyH
	}
	return redacted
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errBody(err.Error()))
		return
	}

	if r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = dashboardTemplate.Execute(w, snap)
}
