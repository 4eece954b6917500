// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package netmesh

import (
	"net"
	"sync"
)

// TCPClient owns one connected TCP socket and delegates framing to the wire
// codec (spec §4.3). It may be constructed already open, from a descriptor
// the TCP server just accepted — in that case OpenSocket is a no-op.
type TCPClient struct {
	addr string // host:port, resolved lazily by OpenSocket

	mu     sync.Mutex
	conn   net.Conn
	opened bool
	closed bool
}

// NewTCPClient returns a TCPClient that will dial addr (host:port) when
// OpenSocket is called.
func NewTCPClient(addr string) *TCPClient {
	return &TCPClient{addr: addr}
}

// NewTCPClientFromConn wraps an already-connected socket (e.g. one accepted
// by TCPServer) as an already-open TCPClient. This is the hook the
// distributed server uses to transfer an accepted or dialed connection's
// ownership into the connector (spec §4.5, §4.11 step 6/8).
func NewTCPClientFromConn(conn net.Conn) *TCPClient {
	return &TCPClient{addr: conn.RemoteAddr().String(), conn: conn, opened: true}
}

// OpenSocket resolves and dials addr, trying each resolved candidate in
// order and keeping the first that connects. It is a no-op if the client was
// constructed pre-opened or already successfully opened.
func (c *TCPClient) OpenSocket() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return nil
	}

	ips, err := net.LookupHost(hostOnly(c.addr))
	if err != nil {
		return wrapInternal("resolve "+c.addr, err)
	}
	port := portOnly(c.addr)

	var lastErr error
	for _, ip := range ips {
		conn, err := net.Dial("tcp", net.JoinHostPort(ip, port))
		if err != nil {
			lastErr = err
			continue
		}
		c.conn = conn
		c.opened = true
		return nil
	}
	if lastErr == nil {
		lastErr = ErrNotFound
	}
	return wrapInternal("dial "+c.addr, lastErr)
}

// CloseSocket is idempotent.
func (c *TCPClient) CloseSocket() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		c.closed = true
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// SendMessage writes m via the wire codec. It fails with
// ErrFailedPrecondition if the socket is not open.
func (c *TCPClient) SendMessage(m Message) error {
	c.mu.Lock()
	conn, ok := c.ready()
	c.mu.Unlock()
	if !ok {
		return ErrFailedPrecondition
	}
	return WriteMessage(conn, m)
}

// ReceiveMessage reads one frame via the wire codec. It fails with
// ErrFailedPrecondition if the socket is not open.
func (c *TCPClient) ReceiveMessage() (Message, error) {
	c.mu.Lock()
	conn, ok := c.ready()
	c.mu.Unlock()
	if !ok {
		return Message{}, ErrFailedPrecondition
	}
	return ReadMessage(conn)
}

// Conn exposes the underlying connection, e.g. for SetReadDeadline during
// the handshake (SPEC_FULL.md §5 supplement 2) or for handing the socket to
// another owner.
func (c *TCPClient) Conn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// RemoteAddr returns the peer's address as a dotted-quad string (no port),
// or "" if the client holds no connection.
func (c *TCPClient) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return hostOnly(c.conn.RemoteAddr().String())
}

func (c *TCPClient) ready() (net.Conn, bool) {
	if !c.opened || c.closed || c.conn == nil {
		return nil, false
	}
	return c.conn, true
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func portOnly(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return port
}
