// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package netmesh

import (
	"context"
	"sync"

	"code.hybscloud.com/netmesh/internal/proto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ChannelManager is the per-peer channel allocator and router (spec §3,
// §4.9): it assigns channel IDs, routes inbound frames to the right
// channel, creates response channels on demand, and closes channels.
//
// Two peers simultaneously opening channels never collide because request
// and response IDs are drawn from disjoint allocators: request channels on
// this side use IDs this side allocated from its own free list; response
// channels on this side use whatever ID the peer chose for its own request
// channel (spec §4.9 tie-break).
type ChannelManager struct {
	w   writer
	log *logrus.Logger

	bufCap int
	sem    *semaphore.Weighted

	mu           sync.Mutex
	freeList     []uint32
	reqChannels  map[uint32]*Channel
	respChannels map[uint32]*Channel
	closed       bool
}

// NewChannelManager constructs a manager with capacity outstanding request
// channels, writing frames through w and buffering each channel's inbound
// messages up to bufCap deep.
func NewChannelManager(w writer, capacity, bufCap int, log *logrus.Logger) *ChannelManager {
	if capacity <= 0 {
		capacity = DefaultMaxChannels
	}
	freeList := make([]uint32, capacity)
	for i := range freeList {
		freeList[i] = uint32(capacity - 1 - i) // pop from the end; cheap, order doesn't matter
	}
	return &ChannelManager{
		w:            w,
		log:          logger(log),
		bufCap:       bufCap,
		sem:          semaphore.NewWeighted(int64(capacity)),
		freeList:     freeList,
		reqChannels:  make(map[uint32]*Channel),
		respChannels: make(map[uint32]*Channel),
	}
}

// CreateRequestChannel blocks, via a semaphore, until fewer than capacity
// request channels are outstanding on this peer, then allocates a fresh ID
// and returns the caller's end of a new exchange (spec §4.9).
func (m *ChannelManager) CreateRequestChannel(ctx context.Context) (*Channel, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, wrapContextErr(err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.sem.Release(1)
		return nil, ErrFailedPrecondition
	}
	n := len(m.freeList)
	id := m.freeList[n-1]
	m.freeList = m.freeList[:n-1]
	ch := newChannel(id, proto.Requester, m.w, m.bufCap, m.releaseRequestID, m.log)
	m.reqChannels[id] = ch
	m.mu.Unlock()

	return ch, nil
}

// releaseRequestID is the onClose callback for request channels: it returns
// id to the free list and releases the semaphore, exactly once per channel
// lifecycle (spec §3 channel-manager invariants).
func (m *ChannelManager) releaseRequestID(id uint32) {
	m.mu.Lock()
	delete(m.reqChannels, id)
	m.freeList = append(m.freeList, id)
	m.mu.Unlock()
	m.sem.Release(1)
}

// removeResponseChannel is the onClose callback for response channels: the
// ID belongs to the peer's allocator, so there is nothing to return to a
// free list here — just drop our bookkeeping entry.
func (m *ChannelManager) removeResponseChannel(id uint32) {
	m.mu.Lock()
	delete(m.respChannels, id)
	m.mu.Unlock()
}

// Forward is the single inbound entry point: it dispatches an outer frame by
// its protocol tag per the table in spec §4.9. When a req_payload frame
// creates a brand new response channel, Forward returns it (non-nil,
// alongside the first unwrapped inner message so the caller can dispatch by
// its protocol tag without a second read) so the connector can spawn a
// handler; every other case returns (nil, Message{}, nil) on success.
func (m *ChannelManager) Forward(msg Message) (*Channel, Message, error) {
	switch msg.Protocol {
	case proto.RequestPayload:
		return m.forwardRequestPayload(msg)
	case proto.RequestClose:
		return nil, Message{}, m.forwardRequestClose(msg)
	case proto.ResponsePayload:
		return nil, Message{}, m.forwardResponsePayload(msg)
	case proto.ResponseClose:
		return nil, Message{}, m.forwardResponseClose(msg)
	default:
		// proto.ChannelError falls through here too: spec §4.9 never gives it
		// a route, so it is treated like any other unrecognized outer tag.
		m.log.WithField("protocol", msg.Protocol).Warn("netmesh: channel manager: unknown outer protocol")
		return nil, Message{}, ErrInvalidArgument
	}
}

func (m *ChannelManager) forwardRequestPayload(msg Message) (*Channel, Message, error) {
	id, inner, err := Unwrap(msg)
	if err != nil {
		return nil, Message{}, err
	}

	m.mu.Lock()
	ch, ok := m.respChannels[id]
	var created *Channel
	if !ok {
		ch = newChannel(id, proto.Responder, m.w, m.bufCap, m.removeResponseChannel, m.log)
		m.respChannels[id] = ch
		created = ch
	}
	m.mu.Unlock()

	if pushErr := ch.push(inner); pushErr != nil {
		// The response channel already closed from our side; spec §4.9
		// "logged and dropped".
		m.log.WithField("channel", id).Debug("netmesh: payload for closed response channel dropped")
	}
	if created == nil {
		return nil, Message{}, nil
	}
	return created, inner, nil
}

func (m *ChannelManager) forwardRequestClose(msg Message) error {
	if len(msg.Body) < 4 {
		m.log.WithField("len", len(msg.Body)).Warn("netmesh: channel manager: short req_close body")
		return ErrInvalidArgument
	}
	id := decodeID(msg.Body)
	m.mu.Lock()
	ch, ok := m.respChannels[id]
	m.mu.Unlock()
	if !ok {
		return nil // already closed/unknown; nothing to do
	}
	ch.closeFromPeer()
	return nil
}

func (m *ChannelManager) forwardResponsePayload(msg Message) error {
	id, inner, err := Unwrap(msg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	ch, ok := m.reqChannels[id]
	m.mu.Unlock()
	if !ok {
		m.log.WithField("channel", id).Warn("netmesh: response payload for unknown request channel")
		return ErrNotFound
	}
	return ch.push(inner)
}

// forwardResponseClose closes only the requester's end (this side's request
// channel for id). It never touches respChannels — see DESIGN.md's Open
// Question decision on resp_close scope.
func (m *ChannelManager) forwardResponseClose(msg Message) error {
	if len(msg.Body) < 4 {
		m.log.WithField("len", len(msg.Body)).Warn("netmesh: channel manager: short resp_close body")
		return ErrInvalidArgument
	}
	id := decodeID(msg.Body)
	m.mu.Lock()
	ch, ok := m.reqChannels[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	ch.closeFromPeer()
	return nil
}

// Close closes every still-open channel in both arrays (spec §3 channel
// manager invariant: "The manager's destructor closes all still-open
// channels").
func (m *ChannelManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	req := make([]*Channel, 0, len(m.reqChannels))
	for _, ch := range m.reqChannels {
		req = append(req, ch)
	}
	resp := make([]*Channel, 0, len(m.respChannels))
	for _, ch := range m.respChannels {
		resp = append(resp, ch)
	}
	m.mu.Unlock()

	for _, ch := range req {
		ch.closeFromPeer()
	}
	for _, ch := range resp {
		ch.closeFromPeer()
	}
}

func wrapContextErr(err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return ErrTimedOut
	}
	return err
}
