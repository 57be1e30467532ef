/*
Package api serves the three JSON/HTTP surfaces this control plane
exposes: the node-agent-facing register/heartbeat endpoints, the
operator-facing lease and host management endpoints, and the
observability endpoints (healthz, metrics, a read-only dashboard).

# Architecture

	┌──────────── NODE AGENT ────────────┐   ┌──────────── OPERATOR ────────────┐
	│ POST /v1/hosts/{id}/register        │   │ GET  /v1/leases                  │
	│ POST /v1/hosts/{id}/heartbeat       │   │ POST /v1/leases/{id}/terminate   │
	└──────────────────┬──────────────────┘   │ POST /v1/hosts/{id}/enable       │
	                   │                      │ POST /v1/hosts/{id}/disable      │
	                   │                      └──────────────────┬────────────────┘
	                   ▼                                         ▼
	            ┌──────────────────── Server (net/http.ServeMux) ───────────────┐
	            │  pkg/registry (host auth)        pkg/storage (leases, hosts)  │
	            │  pkg/events   (live stream)       pkg/metrics (counters)      │
	            └──────────────┬─────────────────────────────┬──────────────────┘
	                           ▼                              ▼
	                     GET /healthz                  GET /metrics, GET /ui

There is no router dependency here: no HTTP router package appears
anywhere in the example corpus this project is grounded on, so this is
the one place standard library net/http.ServeMux (with Go's path
pattern matching) is used in place of a third-party dependency.

# Authentication

Node-agent endpoints authenticate by bootstrap or session token
carried in the JSON request body, delegated entirely to pkg/registry.
A rejected token returns 401 and emits an auth.fail event (§7's
authentication error category) rather than panicking or logging the
token itself. Operator endpoints carry no authentication layer here;
operators are expected to sit behind their own network boundary, same
as the original control plane's FastAPI app.

# Observability surfaces

/healthz reports 200 only if the store answers a read; that read has
no timeout of its own. /metrics serves the process's Prometheus
registry. /ui renders a fixed, documented JSON snapshot (hosts,
leases, recent events, per-state counts, generated_at) as a static
page — the page never polls; every load is a fresh server-rendered
snapshot. /v1/events streams that same live event feed as
Server-Sent-Events for anyone who wants push instead of poll.
*/
package api
