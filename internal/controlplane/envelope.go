// Package controlplane implements the daemon's local RPC surface: a framed
// JSON-over-TCP wire protocol correlated by id, a connection pool with idle
// eviction, and a client for the CLI side.
//
// The teacher's internal/server is a synchronous HTTP/REST router (gin):
// one request, one response, no server-pushed frames. That doesn't fit the
// "logs -f" verb's live streaming or the design's single persistent
// connection per CLI invocation, so the wire model here is hand-rolled
// (encoding/json.Encoder/Decoder framing a connection) rather than reusing
// gin, per SPEC_FULL.md §4.4. gin is still wired in, just moved to
// internal/obs for the observability-only /metrics and /healthz endpoints.
package controlplane

import "encoding/json"

// Envelope is the single frame type for every message in both directions.
// Request frames set Command/Payload; response frames set Success/Data/
// Error. Final marks the last frame for a given id when a handler streams
// more than one response frame under the same id (the documented extension
// for "logs -f" that spec.md's §9 design note permits).
type Envelope struct {
	ID      string          `json:"id"`
	Command string          `json:"command,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Success bool            `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Final   bool            `json:"final,omitempty"`
}

func newFrame(id string, payload any, final bool) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: id, Success: true, Data: raw, Final: final}, nil
}

func newErrorResponse(id string, err error) Envelope {
	return Envelope{ID: id, Success: false, Error: err.Error(), Final: true}
}
