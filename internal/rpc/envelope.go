// Package rpc implements RpcClient (SPEC_FULL.md §4.E): request/response and
// server-push framing over a transport.Mux.
//
// Grounded on rustyguts-bken/server/internal/protocol/message.go's typed
// envelope and internal/ws/handler.go's hello/dispatch loop, generalized
// into the {code, message, data} envelope with a request-id keyed waiter
// map and a push router keyed by route string, modeled on the teacher's
// Type-switch dispatch in serveConn.
package rpc

import "encoding/json"

// Frame is the wire envelope carried over one transport.Mux frame.
//
// RequestID is 0 for a server push (no reply expected); a non-zero
// RequestID on an inbound frame completes the matching pending call.
type Frame struct {
	RequestID uint64          `json:"id,omitempty"`
	Route     string          `json:"route"`
	Code      int32           `json:"code"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}
