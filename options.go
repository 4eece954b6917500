// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package netmesh

import (
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultBufferCapacity is the default message-buffer depth for every
// channel (spec §9 Open Question: "pick 1024 and expose it").
const DefaultBufferCapacity = 1024

// DefaultMaxChannels bounds the number of outstanding channels per peer
// (spec §3 "bounded, e.g. 1024").
const DefaultMaxChannels = 1024

// DefaultDiscoveryRetries is the bound K on the discovery-retry loop
// (spec §4.11 "up to K times (implementation default 5)").
const DefaultDiscoveryRetries = 5

// DefaultMulticastTTL is the default multicast TTL (spec §6 "default 1 —
// link-local scope").
const DefaultMulticastTTL = 1

// DefaultHandshakeTimeout bounds the B-side wait for CONNECT_ACK_RESP
// (SPEC_FULL.md §5 supplement 2).
const DefaultHandshakeTimeout = 5 * time.Second

// Options configures a DistributedServer and the components it owns. The
// zero value is never used directly; NewDistributedServer starts from
// defaultOptions and applies Option functions over it, mirroring the
// teacher's functional-option pattern in options.go.
type Options struct {
	ChannelBufferCapacity int
	MaxChannelsPerPeer    int
	DiscoveryRetries      int
	MulticastTTL          int
	HandshakeTimeout      time.Duration
	WorkerPoolSize        int
	Logger                *logrus.Logger
}

var defaultOptions = Options{
	ChannelBufferCapacity: DefaultBufferCapacity,
	MaxChannelsPerPeer:    DefaultMaxChannels,
	DiscoveryRetries:      DefaultDiscoveryRetries,
	MulticastTTL:          DefaultMulticastTTL,
	HandshakeTimeout:      DefaultHandshakeTimeout,
	WorkerPoolSize:        256,
	Logger:                nil,
}

// Option mutates Options; see the With* constructors below.
type Option func(*Options)

// WithChannelBufferCapacity overrides the per-channel message-buffer depth.
func WithChannelBufferCapacity(n int) Option {
	return func(o *Options) { o.ChannelBufferCapacity = n }
}

// WithMaxChannelsPerPeer overrides how many channels may be outstanding on a
// single peer connection before create_request_channel blocks.
func WithMaxChannelsPerPeer(n int) Option {
	return func(o *Options) { o.MaxChannelsPerPeer = n }
}

// WithDiscoveryRetries overrides K, the discovery-datagram retry bound.
func WithDiscoveryRetries(k int) Option {
	return func(o *Options) { o.DiscoveryRetries = k }
}

// WithMulticastTTL overrides the multicast TTL used by the discovery client.
func WithMulticastTTL(ttl int) Option {
	return func(o *Options) { o.MulticastTTL = ttl }
}

// WithHandshakeTimeout overrides the bound on the B-side handshake read.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) { o.HandshakeTimeout = d }
}

// WithWorkerPoolSize overrides the number of goroutines the connector's
// handler-dispatch worker pool may run concurrently.
func WithWorkerPoolSize(n int) Option {
	return func(o *Options) { o.WorkerPoolSize = n }
}

// WithLogger overrides the logrus.Logger used for every "logged" obligation
// in spec §7 and §9.
func WithLogger(l *logrus.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func resolveOptions(opts []Option) Options {
	o := defaultOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
