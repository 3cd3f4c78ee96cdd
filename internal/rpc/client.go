package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sender is the outbound half of the underlying transport, satisfied by
// *transport.Mux. Kept as a narrow interface so rpc can be unit tested
// without a real Mux.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// NetworkError is returned by Call when the server answers with a non-zero
// code and the route has no domain-specific mapping (SPEC_FULL.md §4.E).
type NetworkError struct {
	Code    int32
	Message string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("rpc: code=%d: %s", e.Code, e.Message)
}

// ErrTimeout is returned by Call when no reply arrives within the
// configured timeout.
var ErrTimeout = fmt.Errorf("rpc: call timed out")

// ErrDisconnected is returned by pending calls when CancelAll is invoked,
// e.g. from TransportMux's disconnect, and by Call when no Sender is bound.
var ErrDisconnected = fmt.Errorf("rpc: disconnected")

type pendingCall struct {
	reply     chan Frame
	cancelled chan struct{}
}

// Client multiplexes request/response calls and server-push dispatch over
// a single Sender, keyed by request id (SPEC_FULL.md §4.E).
type Client struct {
	sender         Sender
	defaultTimeout time.Duration

	nextID uint64

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	routes  map[string]func(Frame)
}

// NewClient constructs a Client. BindSender may be called later if the
// Sender (e.g. a transport.Mux) is constructed after the Client, to resolve
// the construction-order cycle between a Mux's frame-handler and its own
// Send method.
func NewClient(sender Sender, defaultTimeout time.Duration) *Client {
	return &Client{
		sender:         sender,
		defaultTimeout: defaultTimeout,
		pending:        make(map[uint64]*pendingCall),
		routes:         make(map[string]func(Frame)),
	}
}

// BindSender installs (or replaces) the outbound Sender.
func (c *Client) BindSender(sender Sender) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
}

// OnPush registers the handler invoked for inbound frames with no matching
// request id on the given route. Only one handler per route; a later
// registration replaces an earlier one.
func (c *Client) OnPush(route string, fn func(Frame)) {
	c.mu.Lock()
	c.routes[route] = fn
	c.mu.Unlock()
}

// Call sends a request on route with params marshaled into Data, and
// blocks for the matching reply or until ctx is cancelled or the default
// timeout elapses. On success, out is populated from the reply's Data (out
// may be nil to discard the body).
func (c *Client) Call(ctx context.Context, route string, params, out any) error {
	id := atomic.AddUint64(&c.nextID, 1)

	var data json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		data = b
	}

	frame := Frame{RequestID: id, Route: route, Data: data}
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	call := &pendingCall{reply: make(chan Frame, 1), cancelled: make(chan struct{})}
	c.mu.Lock()
	c.pending[id] = call
	sender := c.sender
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if sender == nil {
		return ErrDisconnected
	}
	if err := sender.Send(ctx, raw); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	timeout := c.defaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-call.reply:
		if reply.Code != 0 {
			return &NetworkError{Code: reply.Code, Message: reply.Message}
		}
		if out != nil && len(reply.Data) > 0 {
			if err := json.Unmarshal(reply.Data, out); err != nil {
				return fmt.Errorf("unmarshal reply: %w", err)
			}
		}
		return nil
	case <-call.cancelled:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}

// HandleFrame is wired as the transport.Mux frame callback. It completes a
// pending Call when RequestID matches, otherwise dispatches to the
// registered push handler for Route.
func (c *Client) HandleFrame(raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		slog.Warn("rpc: dropping malformed frame", "err", err)
		return
	}

	if frame.RequestID != 0 {
		c.mu.Lock()
		call, ok := c.pending[frame.RequestID]
		c.mu.Unlock()
		if ok {
			select {
			case call.reply <- frame:
			default:
			}
			return
		}
		slog.Debug("rpc: reply for unknown or already-completed request", "id", frame.RequestID)
		return
	}

	c.mu.Lock()
	handler, ok := c.routes[frame.Route]
	c.mu.Unlock()
	if !ok {
		slog.Debug("rpc: no handler for push route", "route", frame.Route)
		return
	}
	handler(frame)
}

// CancelAll fails every in-flight call with ErrDisconnected, called when
// the underlying transport disconnects (SPEC_FULL.md §4.K "disconnect
// cancels in-flight RPCs").
func (c *Client) CancelAll() {
	c.mu.Lock()
	pending := make([]*pendingCall, 0, len(c.pending))
	for id, call := range c.pending {
		pending = append(pending, call)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	for _, call := range pending {
		close(call.cancelled)
	}
}
