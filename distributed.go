// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package netmesh

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"time"

	"code.hybscloud.com/netmesh/internal/proto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// OnPeerConnectFunc is invoked on both sides of a completed handshake, once
// per peer, with the newly connected peer's address (spec §4.11 step 9).
type OnPeerConnectFunc func(peerAddr string)

// DistributedServer ties UDP multicast discovery, TCP inbound connections,
// and the connector into a node that can discover peers, complete the
// handshake, and exchange multiplexed requests with them (spec §4.11).
type DistributedServer struct {
	tcp  *TCPServer
	udp  *UDPServer
	mc   *MulticastClient
	conn *Connector

	port    int
	group   net.IP
	localIP net.IP

	opts Options
	log  *logrus.Logger

	mu        sync.Mutex
	onConnect OnPeerConnectFunc

	stop chan struct{}
}

// NewDistributedServer constructs a node listening for TCP peers on port,
// joining group on the named multicast interfaces for discovery, and
// announcing itself as reachable at localIP:port. localIP must be this
// host's own address on the discovery interface, so handle_connect can
// recognize (and drop) its own multicast echo.
func NewDistributedServer(port int, localIP net.IP, group net.IP, mcastIface string, interfaces []string, opts ...Option) *DistributedServer {
	o := resolveOptions(opts)
	log := logger(o.Logger)

	d := &DistributedServer{
		port:    port,
		group:   group,
		localIP: localIP,
		opts:    o,
		log:     log,
		tcp:     NewTCPServer(port, log),
		udp:     NewUDPServer(port, group, interfaces, log),
		mc:      NewMulticastClient(mcastIface, net.JoinHostPort(group.String(), strconv.Itoa(port)), o.MulticastTTL),
		conn:    NewConnector(opts...),
	}

	if err := d.udp.AddHandler(proto.Discovery, d.handleConnect); err != nil {
		log.WithError(err).Error("netmesh: distributed server: register discovery handler failed")
	}
	if err := d.tcp.AddHandler(proto.DiscoveryAckReq, d.handleConnectAck); err != nil {
		log.WithError(err).Error("netmesh: distributed server: register handshake handler failed")
	}
	return d
}

// AddHandler registers fn for the inner protocol tag of internal-channel
// requests dispatched through the connector. It adds fn directly to the
// connector's handler table, which selects a handler by inner protocol.
func (d *DistributedServer) AddHandler(tag proto.Tag, fn HandlerFunc) error {
	return d.conn.AddHandler(tag, fn)
}

// SetDefaultHandler installs the fallback handler for unregistered inner
// protocol tags.
func (d *DistributedServer) SetDefaultHandler(fn HandlerFunc) {
	d.conn.SetDefaultHandler(fn)
}

// SetOnPeerConnect installs the callback fired on both sides of a completed
// handshake (spec §4.11 step 9).
func (d *DistributedServer) SetOnPeerConnect(fn OnPeerConnectFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onConnect = fn
}

// SetOnDisconnect installs the callback fired exactly once when a peer's
// connection is lost.
func (d *DistributedServer) SetOnDisconnect(fn DisconnectFunc) {
	d.conn.SetDisconnectCallback(fn)
}

func (d *DistributedServer) firePeerConnect(peerAddr string) {
	d.mu.Lock()
	fn := d.onConnect
	d.mu.Unlock()
	if fn != nil {
		fn(peerAddr)
	}
}

// Run starts the TCP accept loop and UDP recv loop, each in its own
// goroutine owned by an errgroup so the first fatal error from either is
// surfaced, then announces this node with up to DiscoveryRetries CONNECT
// datagrams (spec §4.11 "run()").
func (d *DistributedServer) Run(ctx context.Context) error {
	d.stop = make(chan struct{})

	if err := d.mc.OpenSocket(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.tcp.ListenAndServe(d.stop)
	})
	g.Go(func() error {
		return d.udp.ListenAndServe(d.stop)
	})
	g.Go(func() error {
		<-gctx.Done()
		close(d.stop)
		return nil
	})

	if err := d.announce(); err != nil {
		return err
	}

	return g.Wait()
}

// Close stops the accept/recv loops and tears down every peer connection.
func (d *DistributedServer) Close() error {
	if d.stop != nil {
		select {
		case <-d.stop:
		default:
			close(d.stop)
		}
	}
	d.conn.Close()
	d.tcp.Close()
	d.udp.Close()
	return d.mc.CloseSocket()
}

// announce multicasts CONNECT(own_port) up to K times (spec §4.11 "run()").
// A send failure on one attempt is logged and the loop continues; exhausting
// every attempt without a single successful send is fatal to Run (spec §7
// "The discovery exhausting its retries returns internal to run").
func (d *DistributedServer) announce() error {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, uint32(d.port))
	msg := Message{Protocol: proto.Discovery, Body: body}

	var lastErr error
	sent := false
	for i := 0; i < d.opts.DiscoveryRetries; i++ {
		if err := d.mc.SendMessage(msg); err != nil {
			lastErr = err
			d.log.WithError(err).Warn("netmesh: discovery announce attempt failed")
			continue
		}
		sent = true
	}
	if !sent {
		if lastErr == nil {
			lastErr = ErrInternal
		}
		return wrapInternal("discovery announce exhausted retries", lastErr)
	}
	return nil
}

// handleConnect is B's UDP handler for an inbound CONNECT(port_A) datagram
// (spec §4.11 steps 1-3). It drops self-originated and already-known peers,
// then dials A, sends CONNECT_ACK_REQ, and on success transfers the dialed
// socket into the connector and fires the connect callback (steps 7-9).
func (d *DistributedServer) handleConnect(req Request) error {
	msg, err := req.Receive()
	if err != nil {
		return err
	}
	if len(msg.Body) < 4 {
		d.log.Warn("netmesh: discovery: malformed CONNECT body")
		return ErrInvalidArgument
	}
	srcIP := hostIP(req.PeerAddr())
	if srcIP == nil {
		return ErrInvalidArgument
	}
	if d.localIP != nil && srcIP.Equal(d.localIP) {
		return nil // step 1: self-originated multicast echo, drop
	}
	addrA := net.JoinHostPort(srcIP.String(), strconv.Itoa(int(binary.LittleEndian.Uint32(msg.Body))))
	if d.conn.HasPeer(addrA) {
		return nil // step 1: already have a peer record for A
	}

	client := NewTCPClient(addrA)
	if err := client.OpenSocket(); err != nil {
		d.log.WithError(err).WithField("peer", addrA).Warn("netmesh: handshake: dial to A failed")
		return nil // failure at any handshake step is non-fatal (spec §4.11)
	}
	if err := client.SendMessage(Message{Protocol: proto.DiscoveryAckReq}); err != nil {
		d.log.WithError(err).WithField("peer", addrA).Warn("netmesh: handshake: CONNECT_ACK_REQ send failed")
		client.CloseSocket()
		return nil
	}

	conn := client.Conn()
	if d.opts.HandshakeTimeout > 0 {
		if err := conn.SetReadDeadline(timeNow().Add(d.opts.HandshakeTimeout)); err != nil {
			d.log.WithError(err).Warn("netmesh: handshake: set read deadline failed")
		}
	}
	resp, err := ReadMessage(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil || resp.Protocol != proto.DiscoveryAckResp {
		d.log.WithField("peer", addrA).Warn("netmesh: handshake: CONNECT_ACK_RESP absent or wrong tag, aborting")
		client.CloseSocket()
		return nil // step 7
	}

	if err := d.conn.AddClient(client); err != nil {
		d.log.WithError(err).WithField("peer", addrA).Warn("netmesh: handshake: transfer outbound socket into connector failed")
		client.CloseSocket()
		return nil // step 8
	}
	d.firePeerConnect(addrA) // step 9 (B's side)
	return nil
}

// handleConnectAck is A's TCP handler for an inbound CONNECT_ACK_REQ (spec
// §4.11 steps 4-6): it replies CONNECT_ACK_RESP then marks the connection
// keep-alive so the TCP server hands the accepted socket to the connector
// instead of closing it.
func (d *DistributedServer) handleConnectAck(req Request) error {
	tcpReq, ok := req.(*TCPRequest)
	if !ok {
		return ErrInvalidArgument
	}
	if err := tcpReq.Send(Message{Protocol: proto.DiscoveryAckResp}); err != nil {
		d.log.WithError(err).WithField("peer", tcpReq.PeerAddr()).Warn("netmesh: handshake: CONNECT_ACK_RESP send failed")
		return nil
	}

	client := NewTCPClientFromConn(tcpReq.Conn())
	if err := d.conn.AddClient(client); err != nil {
		d.log.WithError(err).WithField("peer", tcpReq.PeerAddr()).Warn("netmesh: handshake: transfer accepted socket into connector failed")
		return nil
	}
	tcpReq.KeepAlive = true // step 6: hand the descriptor to the connector
	d.firePeerConnect(tcpReq.PeerAddr())
	return nil
}

// SendRequest delegates to the connector; the caller reads replies off the
// returned channel until it closes (spec §4.11 "Send-internal-request").
func (d *DistributedServer) SendRequest(ctx context.Context, peerAddr string, msg Message) (*Channel, error) {
	return d.conn.SendRequest(ctx, peerAddr, msg)
}

// Peers returns the addresses of every currently connected peer.
func (d *DistributedServer) Peers() []string {
	return d.conn.Peers()
}
