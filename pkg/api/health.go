package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tuxillo/fleetd/pkg/metrics"
	"github.com/tuxillo/fleetd/pkg/storage"
)

// HealthServer provides the standalone liveness/readiness HTTP
// endpoints, exercised directly by Server but usable on its own (e.g.
// mounted on a separate port for a load balancer health check).
type HealthServer struct {
	store storage.Store
	mux   *http.ServeMux
}

// NewHealthServer builds a HealthServer over store. store may be nil
// for a liveness-only check that never reports ready.
func NewHealthServer(store storage.Store) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{store: store, mux: mux}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/healthz", hs.readyHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the health check HTTP server standalone.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// HealthResponse is the liveness check body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the readiness check body.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is a pure liveness check: 200 if the process can
// answer at all, no dependency on the store.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

// readyHandler reports 200 only if the store answers a read (spec
// §6: "200 if store reachable").
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.store == nil {
		checks["store"] = "not initialized"
		ready = false
		message = "store not initialized"
	} else if _, err := hs.store.ListHosts(); err != nil {
		checks["store"] = "error: " + err.Error()
		ready = false
		message = "store not reachable"
	} else {
		checks["store"] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, ReadyResponse{Status: status, Timestamp: time.Now(), Checks: checks, Message: message})
}

// GetHandler returns the HTTP handler for embedding in other servers.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
