// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package netmesh

import (
	"net"
	"time"

	"code.hybscloud.com/netmesh/internal/proto"
)

// Request is a polymorphic handle a handler receives: it can read the
// message(s) that triggered dispatch, send replies, and terminate. Spec §4.7.
type Request interface {
	// PeerAddr returns the address of the peer that sent the triggering
	// message.
	PeerAddr() string
	// Protocol returns the protocol tag that selected this handler.
	Protocol() proto.Tag
	// Receive blocks for the next message on this request.
	Receive() (Message, error)
	// ReceiveTimeout is Receive bounded by d.
	ReceiveTimeout(d time.Duration) (Message, error)
	// Send writes a reply. Not every variant supports sending.
	Send(m Message) error
	// Terminate releases any resources the request owns.
	Terminate() error
}

// HandlerFunc is the signature every registered handler implements. The
// handler owns req for its lifetime and must call req.Terminate() (directly
// or via a deferred close) when done.
type HandlerFunc func(Request) error

// TCPRequest wraps one accepted TCP connection: the first message is
// buffered at accept time, then subsequent Receive calls read the socket
// directly (spec §4.5, §4.7).
type TCPRequest struct {
	conn      net.Conn
	peerAddr  string
	first     Message
	firstRead bool

	// KeepAlive, when set true by a handler before it returns, tells the
	// TCP server not to close conn — the hook the distributed server uses
	// to transfer ownership of an accepted connection into the connector
	// (spec §4.5, §4.11 step 6).
	KeepAlive bool
}

// NewTCPRequest constructs a TCPRequest around an accepted connection and
// its already-read first message.
func NewTCPRequest(conn net.Conn, first Message) *TCPRequest {
	return &TCPRequest{conn: conn, peerAddr: conn.RemoteAddr().String(), first: first}
}

func (r *TCPRequest) PeerAddr() string    { return r.peerAddr }
func (r *TCPRequest) Protocol() proto.Tag { return r.first.Protocol }
func (r *TCPRequest) Conn() net.Conn      { return r.conn }

func (r *TCPRequest) Receive() (Message, error) {
	if !r.firstRead {
		r.firstRead = true
		return r.first, nil
	}
	return ReadMessage(r.conn)
}

func (r *TCPRequest) ReceiveTimeout(d time.Duration) (Message, error) {
	if !r.firstRead {
		r.firstRead = true
		return r.first, nil
	}
	if err := r.conn.SetReadDeadline(timeNow().Add(d)); err != nil {
		return Message{}, wrapInternal("set read deadline", err)
	}
	defer r.conn.SetReadDeadline(time.Time{})
	m, err := ReadMessage(r.conn)
	if err, ok := err.(net.Error); ok && err.Timeout() {
		return Message{}, ErrTimedOut
	}
	return m, err
}

func (r *TCPRequest) Send(m Message) error {
	return WriteMessage(r.conn, m)
}

// Terminate closes the underlying connection unless the handler set
// KeepAlive. Calling Terminate when KeepAlive is true is a no-op so the new
// owner (the connector) keeps the descriptor.
func (r *TCPRequest) Terminate() error {
	if r.KeepAlive {
		return nil
	}
	return r.conn.Close()
}

// UDPRequest delivers a single message received on a UDP (multicast) server
// socket. It cannot send and has no socket of its own to close (spec §4.6,
// §4.7).
type UDPRequest struct {
	srcAddr string
	msg     Message
	read    bool
}

// NewUDPRequest constructs a UDPRequest for a single received datagram.
func NewUDPRequest(srcAddr string, msg Message) *UDPRequest {
	return &UDPRequest{srcAddr: srcAddr, msg: msg}
}

func (r *UDPRequest) PeerAddr() string    { return r.srcAddr }
func (r *UDPRequest) Protocol() proto.Tag { return r.msg.Protocol }

func (r *UDPRequest) Receive() (Message, error) {
	if r.read {
		return Message{}, ErrFailedPrecondition
	}
	r.read = true
	return r.msg, nil
}

func (r *UDPRequest) ReceiveTimeout(time.Duration) (Message, error) { return r.Receive() }

func (r *UDPRequest) Send(Message) error { return ErrUnimplemented }

func (r *UDPRequest) Terminate() error { return nil }

// InternalRequest wraps one end of a multiplexed internal Channel so a
// handler sees the same Request capability set regardless of transport
// (spec §4.7, §4.10).
type InternalRequest struct {
	peerAddr string
	protocol proto.Tag
	ch       *Channel
}

// NewInternalRequest wraps ch, labeling it with the peer address and the
// inner protocol tag the connector dispatched on.
func NewInternalRequest(peerAddr string, protocol proto.Tag, ch *Channel) *InternalRequest {
	return &InternalRequest{peerAddr: peerAddr, protocol: protocol, ch: ch}
}

func (r *InternalRequest) PeerAddr() string    { return r.peerAddr }
func (r *InternalRequest) Protocol() proto.Tag { return r.protocol }

func (r *InternalRequest) Receive() (Message, error) { return r.ch.Read() }

func (r *InternalRequest) ReceiveTimeout(d time.Duration) (Message, error) {
	return r.ch.ReadTimeout(d)
}

func (r *InternalRequest) Send(m Message) error { return r.ch.Write(m) }

func (r *InternalRequest) Terminate() error { return r.ch.Close() }

// Channel exposes the wrapped channel directly, e.g. so a caller can send a
// stream of replies and then Close() to signal end-of-stream.
func (r *InternalRequest) Channel() *Channel { return r.ch }

var timeNow = time.Now
