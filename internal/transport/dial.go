package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
)

// maxFrameBytes (32 MiB) bounds a single inbound frame on the TCP and QUIC
// arms; the WebSocket arm sets no read limit of its own.
const maxFrameBytes = 32 << 20

// --- TCP ---

// tcpLenPrefixConn frames messages over a raw net.Conn as a 4-byte
// big-endian length prefix followed by the payload, the same framing
// style as the server's internal/ws/handler.go newline/JSON convention
// adapted for a byte-oriented (non-text) transport.
type tcpLenPrefixConn struct {
	conn net.Conn
	wmu  sync.Mutex
	r    *bufio.Reader
}

func (c *tcpLenPrefixConn) WriteFrame(ctx context.Context, data []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(dl) //nolint:errcheck
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

func (c *tcpLenPrefixConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(dl) //nolint:errcheck
	}
	var hdr [4]byte
	if _, err := readFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := readFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *tcpLenPrefixConn) Close() error { return c.conn.Close() }

type tcpDialer struct{}

func (tcpDialer) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", ep.hostPort())
	if err != nil {
		return nil, err
	}
	if ep.UseTLS {
		raw = tls.Client(raw, &tls.Config{ServerName: ep.Host}) //nolint:gosec // server-selected cert validation
	}
	return &tcpLenPrefixConn{conn: raw, r: bufio.NewReader(raw)}, nil
}

// --- WebSocket ---

// wsConn adapts a gorilla/websocket connection to Conn, using binary
// messages as opaque frames.
type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *wsConn) WriteFrame(ctx context.Context, data []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(dl) //nolint:errcheck
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(dl) //nolint:errcheck
	}
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Close() error { return c.conn.Close() }

type websocketDialer struct{}

func (websocketDialer) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	scheme := "ws"
	if ep.UseTLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: ep.hostPort(), Path: ep.Path}
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

// --- QUIC ---

// quicConn frames application messages over a single bidirectional QUIC
// stream, carried by a webtransport.Session the way client_teacher's
// Transport carries its control channel — a single stream opened once at
// dial time and serialized by wmu, generalized here from WebTransport's
// datagram+stream split to stream-only framing (no unreliable datagram
// path in this protocol).
type quicConn struct {
	session *webtransport.Session
	stream  *webtransport.Stream
	wmu     sync.Mutex
	r       *bufio.Reader
}

func (c *quicConn) WriteFrame(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := c.stream.Write(hdr[:]); err != nil {
		return err
	}
	_, err := c.stream.Write(data)
	return err
}

func (c *quicConn) ReadFrame(ctx context.Context) ([]byte, error) {
	var hdr [4]byte
	if _, err := readFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := readFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *quicConn) Close() error {
	c.stream.Close() //nolint:errcheck
	c.session.CloseWithError(0, "disconnect")
	return nil
}

type quicDialer struct{}

func (quicDialer) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	d := webtransport.Dialer{
		TLSClientConfig: &tls.Config{ServerName: ep.Host},
		QUICConfig:      &quic.Config{},
	}
	scheme := "https"
	_, sess, err := d.Dial(ctx, fmt.Sprintf("%s://%s", scheme, ep.hostPort()), http.Header{})
	if err != nil {
		return nil, err
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(0, "failed to open control stream")
		return nil, err
	}
	return &quicConn{session: sess, stream: stream, r: bufio.NewReader(stream)}, nil
}
