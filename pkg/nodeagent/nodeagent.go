// Package nodeagent is the control plane's outbound client to a
// host-local node agent (spec §6): PUT/GET/DELETE /v1/vms/{vm_id},
// GET /v1/vms, GET /v1/capacity, GET /healthz. Grounded on
// original_source/control_plane/clients/node_agent.py's
// NodeAgentClient, wrapped in the same bounded retry as the controller
// adapter, with the bearer-token header and status-range check idiom
// carried from the teacher's pkg/health/http.go HTTPChecker.
package nodeagent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tuxillo/fleetd/pkg/httpclient"
)

// VMSpec is the payload of PUT /v1/vms/{vm_id} (spec §6).
type VMSpec struct {
	Label                   string `json:"label"`
	BaseImageID             string `json:"base_image_id"`
	VCPU                    int    `json:"vcpu"`
	RAMMB                   int    `json:"ram_mb"`
	DiskGB                  int    `json:"disk_gb"`
	TTLDeadline             string `json:"ttl_deadline"`
	ConnectDeadline         string `json:"connect_deadline"`
	ControllerURL           string `json:"controller_url"`
	ControllerNodeName      string `json:"controller_node_name"`
	InboundSecret           string `json:"inbound_secret"`
	CloudInitUserDataBase64 string `json:"cloud_init_user_data_b64"`
}

// VMStatus is the shape returned by GET /v1/vms/{vm_id} and as
// elements of GET /v1/vms.
type VMStatus struct {
	VMID  string `json:"vm_id"`
	State string `json:"state"`
}

// Capacity is the shape returned by GET /v1/capacity.
type Capacity struct {
	CPUFree    int     `json:"cpu_free"`
	RAMFreeMB  int     `json:"ram_free_mb"`
	IOPressure float64 `json:"io_pressure"`
}

// Client talks to one host's node agent at BaseURL.
type Client struct {
	BaseURL   string
	AuthToken string
	http      *http.Client
	policy    httpclient.RetryPolicy
}

// New builds a Client for the node agent at baseURL.
func New(baseURL, authToken string, policy httpclient.RetryPolicy) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		AuthToken: authToken,
		http:      &http.Client{},
		policy:    policy,
	}
}

func (c *Client) headers() map[string]string {
	if c.AuthToken == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.AuthToken}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	return httpclient.Do(ctx, c.http, method, c.BaseURL+path, c.policy, body, c.headers())
}

// EnsureVM issues the idempotent PUT /v1/vms/{vm_id} that creates or
// confirms a VM on vmID (spec §4.5 step 3).
func (c *Client) EnsureVM(ctx context.Context, vmID string, spec VMSpec) error {
	body, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("nodeagent: marshaling vm spec: %w", err)
	}
	_, _, err = c.do(ctx, http.MethodPut, "/v1/vms/"+url.PathEscape(vmID), body)
	return err
}

// GetVM fetches a single VM's status.
func (c *Client) GetVM(ctx context.Context, vmID string) (VMStatus, error) {
	data, _, err := c.do(ctx, http.MethodGet, "/v1/vms/"+url.PathEscape(vmID), nil)
	if err != nil {
		return VMStatus{}, err
	}
	var status VMStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return VMStatus{}, fmt.Errorf("nodeagent: parsing vm status: %w", err)
	}
	return status, nil
}

// ListVMs returns the node agent's full VM inventory, set A of the
// Reconciler's three-way diff (spec §4.7).
func (c *Client) ListVMs(ctx context.Context) ([]VMStatus, error) {
	data, _, err := c.do(ctx, http.MethodGet, "/v1/vms", nil)
	if err != nil {
		return nil, err
	}
	var statuses []VMStatus
	if err := json.Unmarshal(data, &statuses); err != nil {
		return nil, fmt.Errorf("nodeagent: parsing vm inventory: %w", err)
	}
	return statuses, nil
}

// DeleteVM issues the idempotent DELETE /v1/vms/{vm_id}?reason=...
// (spec §7: a 4xx for a non-existent VM is treated as success).
func (c *Client) DeleteVM(ctx context.Context, vmID, reason string) error {
	q := url.Values{"reason": {reason}}
	_, status, err := c.do(ctx, http.MethodDelete, "/v1/vms/"+url.PathEscape(vmID)+"?"+q.Encode(), nil)
	if err != nil {
		if req, ok := err.(*httpclient.RequestFailure); ok && req.StatusCode >= 400 && req.StatusCode < 500 {
			return nil
		}
		return err
	}
	_ = status
	return nil
}

// Capacity fetches the host's current advertised free capacity.
func (c *Client) Capacity(ctx context.Context) (Capacity, error) {
	data, _, err := c.do(ctx, http.MethodGet, "/v1/capacity", nil)
	if err != nil {
		return Capacity{}, err
	}
	var cap Capacity
	if err := json.Unmarshal(data, &cap); err != nil {
		return Capacity{}, fmt.Errorf("nodeagent: parsing capacity: %w", err)
	}
	return cap, nil
}

// Healthy reports whether GET /healthz returns 2xx.
func (c *Client) Healthy(ctx context.Context) bool {
	_, _, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	return err == nil
}
