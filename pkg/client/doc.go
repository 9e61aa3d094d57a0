// Package client is the REST client the CLI uses to manage a running
// daemon. It wraps the /api/v1 envelope, converting error codes back
// into the shared fault taxonomy so callers can distinguish a missing
// entity from a daemon outage.
package client
