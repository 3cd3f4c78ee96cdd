package transport

import "fmt"

// Protocol is the closed sum type over the transport arms TransportMux can
// dial, per SPEC_FULL.md §4.D / §9 ("implementers should prefer a closed
// sum type... to an open object hierarchy").
type Protocol int

const (
	ProtocolTcp Protocol = iota
	ProtocolWebSocket
	ProtocolQuic
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTcp:
		return "tcp"
	case ProtocolWebSocket:
		return "websocket"
	case ProtocolQuic:
		return "quic"
	default:
		return "unknown"
	}
}

// Endpoint is one dialable address in the ordered endpoint list
// (SPEC_FULL.md §6: ServerEndpoint).
type Endpoint struct {
	Protocol Protocol
	Host     string
	Port     int
	Path     string // WebSocket only
	UseTLS   bool
}

func (e Endpoint) String() string {
	scheme := e.Protocol.String()
	if e.Protocol == ProtocolWebSocket {
		if e.UseTLS {
			scheme = "wss"
		} else {
			scheme = "ws"
		}
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, e.Host, e.Port, e.Path)
}

func (e Endpoint) hostPort() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}
