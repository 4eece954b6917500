// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package netmesh

import (
	"encoding/binary"
	"net"
	"strconv"
)

// portAddr formats a bind address for all interfaces on the given port,
// e.g. ":7946" (spec §6 "TCP server binds 0.0.0.0:port").
func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}

// peerKey encodes an IPv4 address as the network-order uint32 the connector
// and peer table key on (spec §3 "Peer... identified by its IPv4 address
// (network-order u32)").
func peerKey(addr net.IP) (uint32, bool) {
	ip4 := addr.To4()
	if ip4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(ip4), true
}

// hostIP extracts the IP portion of a host:port or bare-IP string.
func hostIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
