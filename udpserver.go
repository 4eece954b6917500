// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package netmesh

import (
	"context"
	"encoding/binary"
	"net"
	"runtime"
	"sync"
	"syscall"

	"code.hybscloud.com/netmesh/internal/proto"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// maxDatagram is the largest UDP payload (plus header) the server will
// allocate a receive buffer for.
const maxDatagram = 65535

// UDPServer joins a multicast group on every configured interface and
// dispatches each received frame to the handler registered for its protocol
// tag (spec §4.6).
type UDPServer struct {
	port       int
	interfaces []string // interface names to join the group on; empty means "every multicast-capable interface"
	group      net.IP
	log        *logrus.Logger

	mu       sync.Mutex
	handlers map[proto.Tag]HandlerFunc
	fallback HandlerFunc

	conn *net.UDPConn
}

// NewUDPServer returns a server that will bind :port and join group on every
// named interface (or, if interfaces is empty, every multicast-capable
// interface) once ListenAndServe is called.
func NewUDPServer(port int, group net.IP, interfaces []string, log *logrus.Logger) *UDPServer {
	return &UDPServer{
		port:       port,
		interfaces: interfaces,
		group:      group,
		log:        logger(log),
		handlers:   make(map[proto.Tag]HandlerFunc),
	}
}

// AddHandler registers fn for tag (spec §3 handler-table invariant).
func (s *UDPServer) AddHandler(tag proto.Tag, fn HandlerFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[tag]; exists {
		return ErrAlreadyExists
	}
	s.handlers[tag] = fn
	return nil
}

// SetDefaultHandler installs the handler used for unregistered tags.
func (s *UDPServer) SetDefaultHandler(fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = fn
}

func (s *UDPServer) handlerFor(tag proto.Tag) HandlerFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn, ok := s.handlers[tag]; ok {
		return fn
	}
	return s.fallback
}

// ListenAndServe binds a DGRAM socket to the port, joins the multicast group
// on every supplied interface — failing if any single join fails, per
// spec §6 and the §9 TODO generalizing this from a single interface — and
// loops reading and dispatching datagrams until stop is closed.
func (s *UDPServer) ListenAndServe(stop <-chan struct{}) error {
	pcConn, err := reusableListenConfig().ListenPacket(context.Background(), "udp4", portAddr(s.port))
	if err != nil {
		return wrapInternal("listen udp", err)
	}
	conn, ok := pcConn.(*net.UDPConn)
	if !ok {
		pcConn.Close()
		return wrapInternal("listen udp", ErrInternal)
	}
	pc := ipv4.NewPacketConn(conn)
	// Multiple nodes on the same host join the same discovery port during
	// local development; loopback delivery lets a sender on this host see
	// its own and siblings' announcements without a second machine.
	_ = pc.SetMulticastLoopback(true)

	ifaces, err := s.joinInterfaces()
	if err != nil {
		conn.Close()
		return err
	}
	for _, ifi := range ifaces {
		if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: s.group}); err != nil {
			conn.Close()
			return wrapInternal("join multicast group on "+ifi.Name, err)
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go func() {
		<-stop
		conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
			}
			s.log.WithError(err).Warn("netmesh: udp recv failed")
			continue
		}
		msg, err := decodeDatagram(buf[:n])
		if err != nil {
			s.log.WithError(err).WithField("peer", src).Warn("netmesh: udp malformed datagram")
			continue
		}

		req := NewUDPRequest(src.IP.String(), msg)
		handler := s.handlerFor(msg.Protocol)
		if handler == nil {
			s.log.WithField("protocol", msg.Protocol).Warn("netmesh: udp request with no handler")
			continue
		}
		if err := handler(req); err != nil {
			s.log.WithError(err).WithField("protocol", msg.Protocol).Warn("netmesh: udp handler returned error")
		}
	}
}

// reusableListenConfig sets SO_REUSEADDR (and, off Windows, SO_REUSEPORT) on
// the socket before bind, so more than one node process can join the same
// discovery port on a single host (spec §4.6 grounding: other_examples
// rcarmo-codebits-tv mcast.go does the same before its multicast bind).
func reusableListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			if err := c.Control(func(fd uintptr) {
				if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); e != nil {
					ctrlErr = e
					return
				}
				if runtime.GOOS != "windows" {
					if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEPORT, 1); e != nil {
						ctrlErr = e
					}
				}
			}); err != nil {
				return err
			}
			return ctrlErr
		},
	}
}

func (s *UDPServer) joinInterfaces() ([]*net.Interface, error) {
	if len(s.interfaces) > 0 {
		out := make([]*net.Interface, 0, len(s.interfaces))
		for _, name := range s.interfaces {
			ifi, err := net.InterfaceByName(name)
			if err != nil {
				return nil, wrapInternal("lookup interface "+name, err)
			}
			out = append(out, ifi)
		}
		return out, nil
	}

	all, err := net.Interfaces()
	if err != nil {
		return nil, wrapInternal("list interfaces", err)
	}
	var out []*net.Interface
	for i := range all {
		ifi := all[i]
		if ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagMulticast != 0 {
			out = append(out, &ifi)
		}
	}
	return out, nil
}

// Close stops the receive loop, if running.
func (s *UDPServer) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// decodeDatagram parses a whole in-memory datagram (already boundary
// preserved by UDP) as one frame: spec §4.6 "recvfrom the header, recvfrom
// the body", collapsed here into a single read since the datagram is
// already fully in buf.
func decodeDatagram(buf []byte) (Message, error) {
	if len(buf) < HeaderLen {
		return Message{}, ErrInvalidArgument
	}
	length := binary.LittleEndian.Uint32(buf[0:4])
	tag := proto.Tag(binary.LittleEndian.Uint32(buf[4:8]))
	if int(length) != len(buf)-HeaderLen {
		return Message{}, ErrInvalidArgument
	}
	body := make([]byte, length)
	copy(body, buf[HeaderLen:])
	return Message{Protocol: tag, Body: body}, nil
}
