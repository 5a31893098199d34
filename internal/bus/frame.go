// ABOUTME: Wire frames for the client protocol.
// ABOUTME: One JSON object per line; requests carry an id, signals do not.

package bus

import "encoding/json"

// request is an inbound call frame.
type request struct {
	ID     uint64          `json:"id"`
	Object string          `json:"object"`
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response answers one request by id.
type response struct {
	ID     uint64 `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// signal is an unsolicited outbound frame.
type signal struct {
	Signal string `json:"signal"`
	Object string `json:"object"`
	Path   string `json:"path"`
	Params any    `json:"params,omitempty"`
}
