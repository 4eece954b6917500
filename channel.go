// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package netmesh

import (
	"sync"
	"time"

	"code.hybscloud.com/netmesh/internal/proto"
	"github.com/sirupsen/logrus"
)

// ChannelSink is the narrow interface the channel manager needs from a
// channel it routes inbound frames into: push a message, or close the read
// side when the peer signals close. It replaces the source's friend-classed
// manager-reaches-into-channel coupling (REDESIGN FLAGS item 2).
type ChannelSink interface {
	push(m Message) error
	closeFromPeer()
}

// ChannelOnClose is the narrow interface a channel needs from its manager:
// report that this channel's ID is free again. It replaces the source's
// channel-reaches-into-manager coupling.
type ChannelOnClose func(id uint32)

// writer is the shared per-connection write path: every channel on a peer
// writes through the same writer under the same mutex so frames interleave
// correctly but never tear (spec §4.8, §5 "Connection write-side").
type writer interface {
	writeLocked(m Message) error
}

// Channel is one end of a multiplexed logical stream inside a peer
// connection (spec §3, §4.8). A Channel is either a request-channel
// (Role == proto.Requester, the end that originated the exchange) or a
// response-channel (Role == proto.Responder, the end that received the
// first request).
type Channel struct {
	id   uint32
	role proto.Role
	tags proto.TagPair // tags this channel writes with

	w writer
	onClose ChannelOnClose
	log     *logrus.Logger

	buf *messageBuffer

	closeOnce sync.Once
	closed    bool
	closedMu  sync.Mutex
}

// newChannel constructs a Channel bound to id with the given role. w is the
// shared connection writer (the connector or, in tests, any writer), and
// onClose is invoked exactly once so the owner can reclaim the ID: after this
// channel's close frame has been sent by Close, or, when the peer closed the
// channel (closeFromPeer), without any frame being sent.
func newChannel(id uint32, role proto.Role, w writer, bufCap int, onClose ChannelOnClose, log *logrus.Logger) *Channel {
	return &Channel{
		id:      id,
		role:    role,
		tags:    proto.WriteTags(role),
		w:       w,
		onClose: onClose,
		log:     logger(log),
		buf:     newMessageBuffer(bufCap),
	}
}

// ID returns the channel's local identifier.
func (c *Channel) ID() uint32 { return c.id }

// Role reports whether this is a request-channel or response-channel end.
func (c *Channel) Role() proto.Role { return c.role }

// Write wraps m with this channel's payload tag and ID and writes it to the
// shared connection under the write mutex. It fails with ErrClosed if the
// channel has already been closed (spec §4.8).
func (c *Channel) Write(m Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.w.writeLocked(Wrap(c.tags.Payload, c.id, m))
}

// push enqueues an inbound message into this channel's buffer. It is called
// by the channel manager only, via the ChannelSink interface.
func (c *Channel) push(m Message) error {
	return c.buf.push(m)
}

// Read pops the next message, blocking until one arrives or the channel is
// closed (spec §4.2 read-after-close semantics).
func (c *Channel) Read() (Message, error) {
	return c.buf.pop()
}

// ReadTimeout is Read bounded by d.
func (c *Channel) ReadTimeout(d time.Duration) (Message, error) {
	return c.buf.popTimeout(d)
}

// closeFromPeer is invoked by the channel manager when it observes this
// channel's close tag from the peer (spec §4.9 req_close/resp_close rows).
// It does not itself send a close frame back — sending would echo a close
// the peer already knows about — it only stops future reads from blocking
// forever and still runs the onClose hand-back exactly once.
func (c *Channel) closeFromPeer() {
	c.closedMu.Lock()
	c.closed = true
	c.closedMu.Unlock()
	c.closeOnce.Do(func() {
		c.buf.close()
		if c.onClose != nil {
			c.onClose(c.id)
		}
	})
}

// Close is idempotent: it closes the buffer, sends a close frame under the
// write mutex (a send failure is logged but does not reopen the channel),
// then invokes the onClose hand-back (spec §4.8, invariant 6).
func (c *Channel) Close() error {
	c.closedMu.Lock()
	c.closed = true
	c.closedMu.Unlock()

	var sendErr error
	c.closeOnce.Do(func() {
		c.buf.close()
		sendErr = c.w.writeLocked(Message{Protocol: c.tags.Close, Body: encodeID(c.id)})
		if sendErr != nil {
			c.log.WithError(sendErr).WithField("channel", c.id).Warn("netmesh: close frame send failed")
		}
		if c.onClose != nil {
			c.onClose(c.id)
		}
	})
	return sendErr
}

func (c *Channel) isClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

func encodeID(id uint32) []byte {
	b := make([]byte, 4)
	b[0] = byte(id)
	b[1] = byte(id >> 8)
	b[2] = byte(id >> 16)
	b[3] = byte(id >> 24)
	return b
}

func decodeID(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
