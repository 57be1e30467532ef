package nodeagent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuxillo/fleetd/pkg/httpclient"
)

func fastPolicy() httpclient.RetryPolicy {
	return httpclient.RetryPolicy{Attempts: 2, Sleep: time.Millisecond}
}

func TestEnsureVMSendsExpectedPayload(t *testing.T) {
	var gotAuth string
	var gotSpec VMSpec
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotSpec))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(srv.URL, "secret-token", fastPolicy())
	err := client.EnsureVM(t.Context(), "vm-1", VMSpec{Label: "linux", VCPU: 2, RAMMB: 4096})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "linux", gotSpec.Label)
}

func TestListVMsParsesInventory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]VMStatus{{VMID: "vm-1", State: "running"}})
	}))
	defer srv.Close()

	client := New(srv.URL, "", fastPolicy())
	vms, err := client.ListVMs(t.Context())
	require.NoError(t, err)
	require.Len(t, vms, 1)
	assert.Equal(t, "vm-1", vms[0].VMID)
}

func TestDeleteVMTreats4xxAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := New(srv.URL, "", fastPolicy())
	err := client.DeleteVM(t.Context(), "vm-missing", "ttl_expired")
	assert.NoError(t, err)
}

func TestDeleteVMPropagates5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(srv.URL, "", fastPolicy())
	err := client.DeleteVM(t.Context(), "vm-1", "ttl_expired")
	assert.Error(t, err)
}

func TestHealthyReflectsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(srv.URL, "", fastPolicy())
	assert.True(t, client.Healthy(t.Context()))
}
