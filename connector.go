// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package netmesh

import (
	"context"
	"sync"

	"code.hybscloud.com/netmesh/internal/proto"
	"github.com/gammazero/workerpool"
	"github.com/sirupsen/logrus"
)

// DisconnectFunc is invoked exactly once when a peer's reader goroutine
// observes the connection has failed (spec §4.10, SPEC_FULL.md §5
// supplement 1).
type DisconnectFunc func(peerAddr string)

// peerRecord is the per-peer state the connector owns: the client
// connection, the write mutex both the connector and every channel on this
// peer share, and the channel manager that routes inbound frames
// (spec §3 "Peer").
type peerRecord struct {
	client  *TCPClient
	mgr     *ChannelManager
	writeMu sync.Mutex

	disconnectOnce sync.Once
}

// writeLocked implements the writer interface Channel and ChannelManager
// use: every frame on this peer's connection is serialized through the same
// mutex (spec §5 "Connection write-side").
func (p *peerRecord) writeLocked(m Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.client.SendMessage(m)
}

// Connector is the per-process registry of peers: it runs one reader
// goroutine per peer and exposes "send a request, get back a request
// channel" (spec §4.10).
type Connector struct {
	log *logrus.Logger

	bufCap     int
	maxPerPeer int
	pool       *workerpool.WorkerPool

	mu       sync.Mutex
	handlers map[proto.Tag]HandlerFunc
	fallback HandlerFunc
	onDisc   DisconnectFunc

	peersMu sync.RWMutex
	peers   map[uint32]*peerRecord
}

// NewConnector constructs a Connector. The WorkerPoolSize option bounds the number of
// goroutines the connector uses to run handlers concurrently, so an
// unbounded stream of inbound requests cannot spawn unbounded goroutines
// (spec §9 REDESIGN FLAGS "Per-handler thread spawning").
func NewConnector(opts ...Option) *Connector {
	o := resolveOptions(opts)
	return &Connector{
		log:        logger(o.Logger),
		bufCap:     o.ChannelBufferCapacity,
		maxPerPeer: o.MaxChannelsPerPeer,
		pool:       workerpool.New(o.WorkerPoolSize),
		handlers:   make(map[proto.Tag]HandlerFunc),
		peers:      make(map[uint32]*peerRecord),
	}
}

// AddHandler registers fn for the inner protocol tag carried by request
// payloads dispatched through this connector. Insertion is
// idempotent-rejecting (spec §3).
func (c *Connector) AddHandler(tag proto.Tag, fn HandlerFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[tag]; exists {
		return ErrAlreadyExists
	}
	c.handlers[tag] = fn
	return nil
}

// SetDefaultHandler installs the handler used for unregistered inner
// protocol tags.
func (c *Connector) SetDefaultHandler(fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = fn
}

// SetDisconnectCallback installs the function invoked when a peer
// disconnects.
func (c *Connector) SetDisconnectCallback(fn DisconnectFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisc = fn
}

func (c *Connector) handlerFor(tag proto.Tag) HandlerFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn, ok := c.handlers[tag]; ok {
		return fn
	}
	return c.fallback
}

// AddClient opens client's socket if not already open, registers a new peer
// record for its remote address (rejecting if that address is already
// registered), and starts a reader goroutine for it (spec §4.10).
func (c *Connector) AddClient(client *TCPClient) error {
	if err := client.OpenSocket(); err != nil {
		return err
	}
	ip := hostIP(client.RemoteAddr())
	key, ok := peerKey(ip)
	if !ok {
		return ErrInvalidArgument
	}

	c.peersMu.Lock()
	if _, exists := c.peers[key]; exists {
		c.peersMu.Unlock()
		return ErrAlreadyExists
	}
	rec := &peerRecord{client: client}
	rec.mgr = NewChannelManager(rec, c.maxPerPeer, c.bufCap, c.log)
	c.peers[key] = rec
	c.peersMu.Unlock()

	go c.readLoop(key, rec)
	return nil
}

// dropPeer removes key from the peer table. It is the hand-off point
// REDESIGN FLAGS calls for: the reader goroutine never mutates the map
// itself beyond calling this method, which takes the map's own mutex,
// rather than reaching into shared state as a friend of the map.
func (c *Connector) dropPeer(key uint32) (*peerRecord, bool) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	rec, ok := c.peers[key]
	if ok {
		delete(c.peers, key)
	}
	return rec, ok
}

func (c *Connector) peer(key uint32) (*peerRecord, bool) {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	rec, ok := c.peers[key]
	return rec, ok
}

// readLoop is the one-reader-thread-per-peer loop (spec §4.10, §5
// "Scheduling"): it reads one frame at a time, forwards it to the channel
// manager, and spawns a handler on the worker pool for any freshly created
// response channel so the reader itself never blocks on user code.
func (c *Connector) readLoop(key uint32, rec *peerRecord) {
	peerAddr := rec.client.RemoteAddr()
	for {
		msg, err := rec.client.ReceiveMessage()
		if err != nil {
			c.closePeer(key, rec, peerAddr)
			return
		}

		ch, first, err := rec.mgr.Forward(msg)
		if err != nil {
			c.log.WithError(err).WithField("peer", peerAddr).Warn("netmesh: forward failed")
			continue
		}
		if ch == nil {
			continue
		}

		// first is the request's own opening message; it was already
		// pushed into ch's buffer by Forward, so the handler's first
		// Receive() naturally returns it — the tag is only read here to
		// pick the handler (spec §4.10 "dispatch it to
		// handlers[inner_protocol]").
		req := NewInternalRequest(peerAddr, first.Protocol, ch)
		c.dispatch(first.Protocol, req)
	}
}

// dispatch spawns the handler for protocol on the worker pool so the reader
// goroutine never blocks on user code (spec §4.10, §5, and §9 REDESIGN
// FLAGS "Per-handler thread spawning").
func (c *Connector) dispatch(protocol proto.Tag, req *InternalRequest) {
	fn := c.handlerFor(protocol)
	if fn == nil {
		c.log.WithField("protocol", protocol).Warn("netmesh: internal request with no handler")
		req.Terminate()
		return
	}
	c.pool.Submit(func() {
		if err := fn(req); err != nil {
			c.log.WithError(err).WithField("protocol", protocol).Warn("netmesh: internal handler returned error")
		}
	})
}

func (c *Connector) closePeer(key uint32, rec *peerRecord, peerAddr string) {
	rec, ok := c.dropPeer(key)
	if !ok {
		return
	}
	rec.client.CloseSocket()
	rec.mgr.Close()

	rec.disconnectOnce.Do(func() {
		c.mu.Lock()
		fn := c.onDisc
		c.mu.Unlock()
		if fn != nil {
			fn(peerAddr)
		}
	})
}

// SendRequest looks up the peer by address, creates a request channel
// (which may block on that peer's free-list semaphore), writes msg as the
// first message on it, and returns the channel for subsequent
// sends/receives (spec §4.10).
func (c *Connector) SendRequest(ctx context.Context, peerAddr string, msg Message) (*Channel, error) {
	key, ok := peerKey(hostIP(peerAddr))
	if !ok {
		return nil, ErrInvalidArgument
	}
	rec, ok := c.peer(key)
	if !ok {
		return nil, ErrNotFound
	}

	ch, err := rec.mgr.CreateRequestChannel(ctx)
	if err != nil {
		return nil, err
	}
	if err := ch.Write(msg); err != nil {
		return nil, err
	}
	return ch, nil
}

// Peers returns the dotted-quad addresses of every currently registered
// peer, in no particular order (spec invariant 7: no two successfully-added
// peers share an address, so this list never repeats an entry).
func (c *Connector) Peers() []string {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	out := make([]string, 0, len(c.peers))
	for _, rec := range c.peers {
		out = append(out, rec.client.RemoteAddr())
	}
	return out
}

// HasPeer reports whether addr is already registered.
func (c *Connector) HasPeer(addr string) bool {
	key, ok := peerKey(hostIP(addr))
	if !ok {
		return false
	}
	_, ok = c.peer(key)
	return ok
}

// Close tears down every peer connection and stops the worker pool.
func (c *Connector) Close() {
	c.peersMu.Lock()
	peers := c.peers
	c.peers = make(map[uint32]*peerRecord)
	c.peersMu.Unlock()

	for _, rec := range peers {
		rec.client.CloseSocket()
		rec.mgr.Close()
	}
	c.pool.StopWait()
}
