// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package netmesh

import (
	"bytes"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
)

// MulticastClient sends framed messages to a multicast group on a chosen
// interface (spec §4.4). It never receives — the UDP server owns the
// receive path for a multicast group.
type MulticastClient struct {
	ifaceName string
	group     string // host:port
	ttl       int

	mu   sync.Mutex
	conn *net.UDPConn
	pc   *ipv4.PacketConn
}

// NewMulticastClient returns a client that will send to group (host:port) on
// iface (empty string: system default interface) once OpenSocket is called.
func NewMulticastClient(iface, group string, ttl int) *MulticastClient {
	if ttl <= 0 {
		ttl = DefaultMulticastTTL
	}
	return &MulticastClient{ifaceName: iface, group: group, ttl: ttl}
}

// OpenSocket creates the DGRAM socket, sets the multicast TTL, and binds to
// the configured interface if one was named.
func (c *MulticastClient) OpenSocket() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp4", c.group)
	if err != nil {
		return wrapInternal("resolve "+c.group, err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return wrapInternal("dial "+c.group, err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(c.ttl); err != nil {
		conn.Close()
		return wrapInternal("set multicast ttl", err)
	}
	if c.ifaceName != "" {
		ifi, err := net.InterfaceByName(c.ifaceName)
		if err != nil {
			conn.Close()
			return wrapInternal("lookup interface "+c.ifaceName, err)
		}
		if err := pc.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return wrapInternal("set multicast interface "+c.ifaceName, err)
		}
	}

	c.conn = conn
	c.pc = pc
	return nil
}

// CloseSocket is idempotent.
func (c *MulticastClient) CloseSocket() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.pc = nil
	return conn.Close()
}

// SendMessage writes the frame header followed by the body to the multicast
// group as a single datagram, the unit UDPServer decodes (spec §4.4).
func (c *MulticastClient) SendMessage(m Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrFailedPrecondition
	}
	var frame bytes.Buffer
	if err := WriteMessage(&frame, m); err != nil {
		return err
	}
	_, err := conn.Write(frame.Bytes())
	return err
}

// Receive always fails: a MulticastClient never receives (spec §4.4).
func (c *MulticastClient) Receive() (Message, error) {
	return Message{}, ErrUnimplemented
}
