// Package registry implements the Host Registry: issuing bootstrap
// tokens during operator provisioning, exchanging a bootstrap token
// for a session token on Register, authenticating Heartbeat against
// that session, and Enable/Disable. Grounded on
// original_source/control_plane/auth.py (hash_token,
// secure_compare_token, new_session_token) and api.py's
// register_host/heartbeat/disable_host handlers, with the token
// generation idiom carried over from the teacher's
// pkg/manager/token.go (crypto/rand -> hex) and the constant-time
// comparison idiom from crypto/subtle, the same primitive the
// teacher's pkg/security package uses for its own secret handling.
package registry

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/tuxillo/fleetd/pkg/storage"
	"github.com/tuxillo/fleetd/pkg/types"
)

// SessionTTL is the lifetime of a session token issued by Register
// (spec §4.2: "sets expiry (e.g., 1h)").
const SessionTTL = time.Hour

var (
	// ErrUnknownHost is returned by Register when host_id has no row
	// and AllowAutoCreate is false. Heartbeat for an unknown host_id
	// returns storage.ErrNotFound instead.
	ErrUnknownHost = errors.New("registry: unknown host")
	// ErrInvalidBootstrapToken is returned by Register on a hash
	// mismatch.
	ErrInvalidBootstrapToken = errors.New("registry: invalid bootstrap token")
	// ErrInvalidSessionToken is returned by Heartbeat on a hash
	// mismatch or expired session, forcing the caller to re-register.
	ErrInvalidSessionToken = errors.New("registry: invalid or expired session token")
	// ErrHostDisabled is returned by Heartbeat for a disabled host.
	ErrHostDisabled = errors.New("registry: host disabled")
)

// GenerateToken returns a fresh, URL-safe hex token with at least 128
// bits of entropy (32 random bytes = 256 bits, matching §4.2's "random
// >=128 bits").
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("registry: failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashToken returns the stable sha256 hex digest of token, the form
// persisted in Host.BootstrapTokenHash / Host.SessionTokenHash.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// secureCompare reports whether token hashes to hash, in constant time
// with respect to the comparison itself (the hashing step is not
// constant-time, which is fine: both sha256 inputs are attacker- and
// secret-controlled lengths-equal hex strings, not secret-dependent
// branches).
func secureCompare(token, hash string) bool {
	if hash == "" {
		return false
	}
	got := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(got), []byte(hash)) == 1
}

// Platform is the host's platform tuple, reported once at Register and
// never mutated by Heartbeat.
type Platform struct {
	OSFamily        string
	OSFlavor        string
	OSVersion       string
	CPUArch         string
	AgentURL        string
	SelectedAccel   string
	SupportedAccels []string
}

// Capacity is the declared resource snapshot carried by Register and
// Heartbeat.
type Capacity struct {
	CPUTotal   int
	CPUFree    int
	RAMTotalMB int
	RAMFreeMB  int
	IOPressure float64
}

// Registry implements the operations of spec §4.2 against a Store.
type Registry struct {
	store            storage.Store
	allowAutoCreate  bool
	sessionTTL       time.Duration
}

// Config controls Registry behavior beyond the Store itself.
type Config struct {
	// AllowAutoCreate permits Register to create an unknown host_id on
	// first contact instead of rejecting it. Off by default (spec
	// §4.2: "explicitly off by default and is the only time a host row
	// is created by the API" when on).
	AllowAutoCreate bool
	SessionTTL      time.Duration
}

// New builds a Registry over store.
func New(store storage.Store, cfg Config) *Registry {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = SessionTTL
	}
	return &Registry{store: store, allowAutoCreate: cfg.AllowAutoCreate, sessionTTL: ttl}
}

// ProvisionHost is the operator-only call that creates a new host row
// with a freshly minted bootstrap token, returned in plaintext exactly
// once. This is the sole non-auto-create path that creates a host.
func (r *Registry) ProvisionHost(hostID string) (bootstrapToken string, err error) {
	bootstrapToken, err = GenerateToken()
	if err != nil {
		return "", err
	}
	host := &types.Host{
		HostID:             hostID,
		Enabled:            true,
		BootstrapTokenHash: HashToken(bootstrapToken),
	}
	if err := r.store.UpsertHost(host); err != nil {
		return "", fmt.Errorf("registry: provisioning host %s: %w", hostID, err)
	}
	return bootstrapToken, nil
}

// RegisterResult is returned by Register on success.
type RegisterResult struct {
	SessionToken         string
	SessionExpiresAt     time.Time
	Enabled              bool
	HeartbeatIntervalSec int
}

// Register authenticates hostID by its bootstrap token and issues a
// fresh session token, recording the reported platform tuple and
// initial capacity (spec §4.2). If AllowAutoCreate is set and hostID
// has no row, one is created with the presented token as its
// bootstrap token hash and enabled=true.
func (r *Registry) Register(hostID, bootstrapToken string, platform Platform, capacity Capacity) (*RegisterResult, error) {
	host, err := r.store.GetHost(hostID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if !r.allowAutoCreate {
			return nil, ErrUnknownHost
		}
		host = &types.Host{HostID: hostID, Enabled: true, BootstrapTokenHash: HashToken(bootstrapToken)}
	}

	if !secureCompare(bootstrapToken, host.BootstrapTokenHash) {
		return nil, ErrInvalidBootstrapToken
	}

	sessionToken, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	expiresAt := now.Add(r.sessionTTL)

	host.SessionTokenHash = HashToken(sessionToken)
	host.SessionExpiresAt = expiresAt
	host.OSFamily = platform.OSFamily
	host.OSFlavor = platform.OSFlavor
	host.OSVersion = platform.OSVersion
	host.CPUArch = platform.CPUArch
	host.AgentURL = platform.AgentURL
	host.SelectedAccel = platform.SelectedAccel
	host.SupportedAccels = platform.SupportedAccels
	host.CPUTotal = capacity.CPUTotal
	host.CPUFree = capacity.CPUFree
	host.RAMTotalMB = capacity.RAMTotalMB
	host.RAMFreeMB = capacity.RAMFreeMB
	host.IOPressure = capacity.IOPressure
	host.LastSeen = now

	if err := r.store.UpsertHost(host); err != nil {
		return nil, fmt.Errorf("registry: registering host %s: %w", hostID, err)
	}
	if err := r.store.AppendEvent(&types.Event{
		Timestamp: now,
		EventType: types.EventHostRegistered,
		Payload:   map[string]string{"host_id": hostID},
	}); err != nil {
		return nil, err
	}

	return &RegisterResult{
		SessionToken:         sessionToken,
		SessionExpiresAt:     expiresAt,
		Enabled:              host.Enabled,
		HeartbeatIntervalSec: 10,
	}, nil
}

// Heartbeat authenticates hostID by its session token, rejecting a
// disabled host or an absent/expired session so the agent is forced to
// re-register (spec §4.2), then refreshes capacity and last_seen.
// activeVMIDs is accepted for the reconciler's three-way diff; the
// registry itself does not interpret it.
func (r *Registry) Heartbeat(hostID, sessionToken string, capacity Capacity, activeVMIDs []string) error {
	host, err := r.store.GetHost(hostID)
	if err != nil {
		return err
	}
	if !host.Enabled {
		return ErrHostDisabled
	}
	if host.SessionExpiresAt.IsZero() || time.Now().After(host.SessionExpiresAt) {
		return ErrInvalidSessionToken
	}
	if !secureCompare(sessionToken, host.SessionTokenHash) {
		return ErrInvalidSessionToken
	}

	host.CPUFree = capacity.CPUFree
	host.RAMFreeMB = capacity.RAMFreeMB
	host.IOPressure = capacity.IOPressure
	host.LastSeen = time.Now()

	if err := r.store.UpsertHost(host); err != nil {
		return fmt.Errorf("registry: heartbeat for host %s: %w", hostID, err)
	}
	return r.store.AppendEvent(&types.Event{
		Timestamp: host.LastSeen,
		EventType: types.EventHostHeartbeat,
		Payload:   map[string]string{"host_id": hostID, "vm_count": fmt.Sprint(len(activeVMIDs))},
	})
}

// Enable flips a host's enabled flag on, making it eligible for
// placement again. Operator-only.
func (r *Registry) Enable(hostID string) error {
	return r.setEnabled(hostID, true, types.EventHostEnabled)
}

// Disable flips a host's enabled flag off. Existing leases on the host
// are left running; only future placement excludes it (spec §4.2).
// The host's session is revoked so a stale agent cannot keep
// heartbeating a disabled host.
func (r *Registry) Disable(hostID string) error {
	host, err := r.store.GetHost(hostID)
	if err != nil {
		return err
	}
	host.Enabled = false
	host.SessionTokenHash = ""
	host.SessionExpiresAt = time.Time{}
	if err := r.store.UpsertHost(host); err != nil {
		return fmt.Errorf("registry: disabling host %s: %w", hostID, err)
	}
	return r.store.AppendEvent(&types.Event{
		Timestamp: time.Now(),
		EventType: types.EventHostDisabled,
		Payload:   map[string]string{"host_id": hostID},
	})
}

func (r *Registry) setEnabled(hostID string, enabled bool, eventType types.EventType) error {
	host, err := r.store.GetHost(hostID)
	if err != nil {
		return err
	}
	host.Enabled = enabled
	if err := r.store.UpsertHost(host); err != nil {
		return fmt.Errorf("registry: updating host %s: %w", hostID, err)
	}
	return r.store.AppendEvent(&types.Event{
		Timestamp: time.Now(),
		EventType: eventType,
		Payload:   map[string]string{"host_id": hostID},
	})
}
