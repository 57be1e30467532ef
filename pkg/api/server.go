package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tuxillo/fleetd/pkg/events"
	"github.com/tuxillo/fleetd/pkg/log"
	"github.com/tuxillo/fleetd/pkg/registry"
	"github.com/tuxillo/fleetd/pkg/statemachine"
	"github.com/tuxillo/fleetd/pkg/storage"
	"github.com/tuxillo/fleetd/pkg/types"
)

// ShutdownGrace is how long Stop waits for in-flight requests to drain
// before giving up (spec §5: "drain in-flight ones with a deadline,
// e.g. 30s").
const ShutdownGrace = 30 * time.Second

// Server is the control plane's single HTTP entrypoint, serving
// node-agent, operator, and observability routes over one
// net/http.ServeMux.
type Server struct {
	store    storage.Store
	registry *registry.Registry
	broker   *events.Broker
	health   *HealthServer
	http     *http.Server
}

// NewServer builds a Server. broker may be nil, in which case
// /v1/events reports 503 rather than panicking.
func NewServer(addr string, store storage.Store, reg *registry.Registry, broker *events.Broker) *Server {
	s := &Server{
		store:    store,
		registry: reg,
		broker:   broker,
		health:   NewHealthServer(store),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/hosts/{host_id}/register", withAccessLog("register", withMetrics("register", s.handleRegister)))
	mux.HandleFunc("POST /v1/hosts/{host_id}/heartbeat", withAccessLog("heartbeat", withMetrics("heartbeat", s.handleHeartbeat)))
	mux.HandleFunc("POST /v1/hosts/{host_id}/enable", withAccessLog("host_enable", withMetrics("host_enable", s.handleSetEnabled(true))))
	mux.HandleFunc("POST /v1/hosts/{host_id}/disable", withAccessLog("host_disable", withMetrics("host_disable", s.handleSetEnabled(false))))
	mux.HandleFunc("GET /v1/leases", withAccessLog("list_leases", withMetrics("list_leases", s.handleListLeases)))
	mux.HandleFunc("POST /v1/leases/{lease_id}/terminate", withAccessLog("terminate_lease", withMetrics("terminate_lease", s.handleTerminateLease)))
	mux.HandleFunc("GET /v1/events", withAccessLog("stream_events", s.handleStreamEvents))
	mux.HandleFunc("GET /ui", withAccessLog("ui", s.handleDashboard))
	mux.Handle("/", s.health.GetHandler())

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the SSE stream and dashboard both hold the connection open
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins serving and blocks until the server stops or fails.
// Use in a goroutine alongside Stop for graceful shutdown.
func (s *Server) Start() error {
	apiLog := log.WithComponent("api")
	apiLog.Info().Str("addr", s.http.Addr).Msg("api server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests for up to ShutdownGrace before
// forcing the listener closed (spec §5 cancellation semantics).
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// --- node-agent inbound ---

type registerRequest struct {
	BootstrapToken  string   `json:"bootstrap_token"`
	OSFamily        string   `json:"os_family"`
	OSFlavor        string   `json:"os_flavor"`
	OSVersion       string   `json:"os_version"`
	CPUArch         string   `json:"cpu_arch"`
	AgentURL        string   `json:"agent_url"`
	SelectedAccel   string   `json:"selected_accel"`
	SupportedAccels []string `json:"supported_accels"`
	CPUTotal        int      `json:"cpu_total"`
	CPUFree         int      `json:"cpu_free"`
	RAMTotalMB      int      `json:"ram_total_mb"`
	RAMFreeMB       int      `json:"ram_free_mb"`
	IOPressure      float64  `json:"io_pressure"`
}

type registerResponse struct {
	SessionToken         string    `json:"session_token"`
	SessionExpiresAt     time.Time `json:"session_expires_at"`
	Enabled              bool      `json:"enabled"`
	HeartbeatIntervalSec int       `json:"heartbeat_interval_sec"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	hostID := r.PathValue("host_id")
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid request body"))
		return
	}

	result, err := s.registry.Register(hostID, req.BootstrapToken,
		registry.Platform{
			OSFamily: req.OSFamily, OSFlavor: req.OSFlavor, OSVersion: req.OSVersion, CPUArch: req.CPUArch,
			AgentURL: req.AgentURL, SelectedAccel: req.SelectedAccel, SupportedAccels: req.SupportedAccels,
		},
		registry.Capacity{
			CPUTotal: req.CPUTotal, CPUFree: req.CPUFree, RAMTotalMB: req.RAMTotalMB, RAMFreeMB: req.RAMFreeMB,
			IOPressure: req.IOPressure,
		})
	if err != nil {
		s.authFailure(w, hostID, err)
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{
		SessionToken: result.SessionToken, SessionExpiresAt: result.SessionExpiresAt,
		Enabled: result.Enabled, HeartbeatIntervalSec: result.HeartbeatIntervalSec,
	})
}

type heartbeatRequest struct {
	SessionToken string   `json:"session_token"`
	CPUFree      int      `json:"cpu_free"`
	RAMFreeMB    int      `json:"ram_free_mb"`
	IOPressure   float64  `json:"io_pressure"`
	ActiveVMIDs  []string `json:"active_vm_ids"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	hostID := r.PathValue("host_id")
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid request body"))
		return
	}

	err := s.registry.Heartbeat(hostID, req.SessionToken,
		registry.Capacity{CPUFree: req.CPUFree, RAMFreeMB: req.RAMFreeMB, IOPressure: req.IOPressure},
		req.ActiveVMIDs)
	if err != nil {
		s.authFailure(w, hostID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) authFailure(w http.ResponseWriter, hostID string, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownHost), errors.Is(err, registry.ErrInvalidBootstrapToken),
		errors.Is(err, registry.ErrInvalidSessionToken), errors.Is(err, registry.ErrHostDisabled):
		_ = s.store.AppendEvent(&types.Event{
			Timestamp: time.Now(), EventType: types.EventAuthFail,
			Payload: map[string]string{"host_id": hostID, "detail": err.Error()},
		})
		writeJSON(w, http.StatusUnauthorized, errBody(err.Error()))
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusUnauthorized, errBody("unknown host"))
	default:
		apiLog := log.WithComponent("api")
		apiLog.Error().Err(err).Str("host_id", hostID).Msg("registry call failed")
		writeJSON(w, http.StatusInternalServerError, errBody("internal error"))
	}
}

// --- operator-facing ---

func (s *Server) handleSetEnabled(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hostID := r.PathValue("host_id")
		var err error
		if enable {
			err = s.registry.Enable(hostID)
		} else {
			err = s.registry.Disable(hostID)
		}
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errBody("host not found"))
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errBody(err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	filter := storage.LeaseFilter{
		Label:  r.URL.Query().Get("label"),
		State:  types.LeaseState(r.URL.Query().Get("state")),
		HostID: r.URL.Query().Get("host_id"),
	}
	leases, err := s.store.ListLeases(filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, leases)
}

func (s *Server) handleTerminateLease(w http.ResponseWriter, r *http.Request) {
	leaseID := r.PathValue("lease_id")
	lease, err := s.store.GetLease(leaseID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errBody("lease not found"))
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errBody(err.Error()))
		return
	}
	if statemachine.Terminal(lease.State) {
		writeJSON(w, http.StatusConflict, errBody(fmt.Sprintf("lease already %s", lease.State)))
		return
	}

	err = s.store.CASLeaseState(leaseID, lease.State, types.LeaseStateTerminating,
		func(l *types.Lease) { l.LastError = "operator_terminate" },
		&types.Event{Timestamp: time.Now(), LeaseID: leaseID, EventType: types.EventLeaseManualTerminate})
	if errors.Is(err, storage.ErrCASFailed) {
		writeJSON(w, http.StatusConflict, errBody("lease changed state concurrently, retry"))
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStreamEvents serves the live event feed as Server-Sent-Events,
// the push counterpart to the dashboard's pull-once snapshot.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeJSON(w, http.StatusServiceUnavailable, errBody("event stream not available"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errBody("streaming unsupported"))
		return
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func errBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
