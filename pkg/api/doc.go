// Package api is the REST and webhook surface of the daemon.
//
// Every /api/v1 response is wrapped in the envelope
// {success, data?, error?, metadata:{timestamp, version}}; faults map
// onto HTTP statuses through the shared taxonomy, with server-side
// causes logged rather than echoed. The webhook ingress, Prometheus
// metrics, and the health endpoints mount on the same listener.
package api
