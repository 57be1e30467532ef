package provisioner

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// newFakeNodeAgent starts an httptest.Server that accepts (or rejects,
// if ok is false) PUT /v1/vms/{vm_id}, closing itself when the test
// ends, and returns its base URL.
func newFakeNodeAgent(t *testing.T, ok bool) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}
