// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package netmesh

import (
	"context"
	"net"
	"sync"

	"code.hybscloud.com/netmesh/internal/proto"
	"github.com/sirupsen/logrus"
)

// TCPServerBacklog documents the backlog spec §6 requires ("backlog ≥100").
// Go's net package always asks the kernel for SOMAXCONN when listening
// (there is no portable per-Listen backlog knob in net.ListenConfig), which
// on every supported platform is well above this floor.
const TCPServerBacklog = 128

// TCPServer accepts connections, reads exactly one message from each, and
// dispatches a *TCPRequest to the handler registered for that message's
// protocol tag, or the default handler (spec §4.5).
type TCPServer struct {
	port int
	log  *logrus.Logger

	mu       sync.Mutex
	handlers map[proto.Tag]HandlerFunc
	fallback HandlerFunc

	ln net.Listener
}

// NewTCPServer returns a server that will bind 0.0.0.0:port once
// ListenAndServe is called.
func NewTCPServer(port int, log *logrus.Logger) *TCPServer {
	return &TCPServer{
		port:     port,
		log:      logger(log),
		handlers: make(map[proto.Tag]HandlerFunc),
	}
}

// AddHandler registers fn for tag. Inserting an existing tag fails with
// ErrAlreadyExists (spec §3 handler-table invariant).
func (s *TCPServer) AddHandler(tag proto.Tag, fn HandlerFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[tag]; exists {
		return ErrAlreadyExists
	}
	s.handlers[tag] = fn
	return nil
}

// SetDefaultHandler installs the handler used for unregistered tags.
func (s *TCPServer) SetDefaultHandler(fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = fn
}

func (s *TCPServer) handlerFor(tag proto.Tag) HandlerFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn, ok := s.handlers[tag]; ok {
		return fn
	}
	return s.fallback
}

// ListenAndServe binds 0.0.0.0:port with a backlog of at least
// TCPServerBacklog and runs the single-threaded accept loop until stop is
// closed or Close is called. Accept errors are logged and the loop
// continues (spec §4.5, §7).
func (s *TCPServer) ListenAndServe(stop <-chan struct{}) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp4", portAddr(s.port))
	if err != nil {
		return wrapInternal("listen tcp", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-stop
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
			}
			s.log.WithError(err).Warn("netmesh: tcp accept failed")
			continue
		}
		go s.handleConn(conn)
	}
}

// Close stops the accept loop, if running.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func (s *TCPServer) handleConn(conn net.Conn) {
	first, err := ReadMessage(conn)
	if err != nil {
		s.log.WithError(err).WithField("peer", conn.RemoteAddr()).Warn("netmesh: tcp first-message read failed")
		conn.Close()
		return
	}

	req := NewTCPRequest(conn, first)
	handler := s.handlerFor(first.Protocol)
	if handler == nil {
		s.log.WithField("protocol", first.Protocol).Warn("netmesh: tcp request with no handler")
		conn.Close()
		return
	}
	if err := handler(req); err != nil {
		s.log.WithError(err).WithField("protocol", first.Protocol).Warn("netmesh: tcp handler returned error")
	}
	req.Terminate()
}
