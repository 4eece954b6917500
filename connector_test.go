// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package netmesh_test

import (
	"context"
	"net"
	"testing"
	"time"

	nm "code.hybscloud.com/netmesh"
	"code.hybscloud.com/netmesh/internal/proto"
)

// loopbackPair returns two already-connected *nm.TCPClient wrapping loopback
// TCP sockets, server first. A real socket is required (not net.Pipe) because
// the connector keys peers by their remote IPv4 address.
func loopbackPair(t *testing.T) (server, client *nm.TCPClient, ln net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		acceptedCh <- conn
	}()

	clientConn, err := net.Dial("tcp4", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var serverConn net.Conn
	select {
	case serverConn = <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for accept")
	}

	return nm.NewTCPClientFromConn(serverConn), nm.NewTCPClientFromConn(clientConn), ln
}

// TestConnectorRequestSingleReply covers scenario S3: a single request/reply
// exchange that the responder then drops.
func TestConnectorRequestSingleReply(t *testing.T) {
	server, client, ln := loopbackPair(t)
	defer ln.Close()

	a := nm.NewConnector(nm.WithWorkerPoolSize(4))
	defer a.Close()
	b := nm.NewConnector(nm.WithWorkerPoolSize(4))
	defer b.Close()

	const pingProtocol = proto.Tag(0x20)
	received := make(chan string, 1)
	if err := b.AddHandler(pingProtocol, func(req nm.Request) error {
		msg, err := req.Receive()
		if err != nil {
			return err
		}
		received <- string(msg.Body)
		if err := req.Send(nm.Message{Protocol: pingProtocol, Body: []byte("pong")}); err != nil {
			return err
		}
		return req.Terminate()
	}); err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	if err := a.AddClient(client); err != nil {
		t.Fatalf("A AddClient: %v", err)
	}
	if err := b.AddClient(server); err != nil {
		t.Fatalf("B AddClient: %v", err)
	}

	ch, err := a.SendRequest(context.Background(), server.RemoteAddr(), nm.Message{Protocol: pingProtocol, Body: []byte("ping")})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	select {
	case got := <-received:
		if got != "ping" {
			t.Fatalf("handler received %q, want ping", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for handler to receive request")
	}

	reply, err := ch.Read()
	if err != nil {
		t.Fatalf("Read reply: %v", err)
	}
	if string(reply.Body) != "pong" {
		t.Fatalf("reply = %q, want pong", reply.Body)
	}

	if _, err := ch.Read(); err != nm.ErrClosed {
		t.Fatalf("err = %v, want ErrClosed after responder dropped the request", err)
	}
}

// TestConnectorStreamedReply covers scenario S4: three messages then a drop.
func TestConnectorStreamedReply(t *testing.T) {
	server, client, ln := loopbackPair(t)
	defer ln.Close()

	a := nm.NewConnector(nm.WithWorkerPoolSize(4))
	defer a.Close()
	b := nm.NewConnector(nm.WithWorkerPoolSize(4))
	defer b.Close()

	const streamProtocol = proto.Tag(0x21)
	if err := b.AddHandler(streamProtocol, func(req nm.Request) error {
		for _, word := range []string{"a", "b", "c"} {
			if err := req.Send(nm.Message{Protocol: streamProtocol, Body: []byte(word)}); err != nil {
				return err
			}
		}
		return req.Terminate()
	}); err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	if err := a.AddClient(client); err != nil {
		t.Fatalf("A AddClient: %v", err)
	}
	if err := b.AddClient(server); err != nil {
		t.Fatalf("B AddClient: %v", err)
	}

	ch, err := a.SendRequest(context.Background(), server.RemoteAddr(), nm.Message{Protocol: streamProtocol, Body: []byte("go")})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	for _, want := range []string{"a", "b", "c"} {
		got, err := ch.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(got.Body) != want {
			t.Fatalf("Read = %q, want %q", got.Body, want)
		}
	}
	if _, err := ch.Read(); err != nm.ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

// TestConnectorDisconnectFiresOnce covers scenario S5: when the peer process
// exits mid-exchange, the reader observes the socket close, the request
// channel's next read returns closed, and the disconnect callback fires
// exactly once.
func TestConnectorDisconnectFiresOnce(t *testing.T) {
	server, client, ln := loopbackPair(t)
	defer ln.Close()

	a := nm.NewConnector(nm.WithWorkerPoolSize(4))
	defer a.Close()

	fired := make(chan string, 4)
	a.SetDisconnectCallback(func(peerAddr string) { fired <- peerAddr })

	if err := a.AddClient(client); err != nil {
		t.Fatalf("A AddClient: %v", err)
	}

	peerAddr := server.RemoteAddr()
	ch, err := a.SendRequest(context.Background(), peerAddr, nm.Message{Protocol: proto.Tag(0x20), Body: []byte("ping")})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	server.CloseSocket() // simulate B's process exiting

	if _, err := ch.Read(); err != nm.ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}

	select {
	case got := <-fired:
		if got != peerAddr {
			t.Fatalf("disconnect fired for %q, want %q", got, peerAddr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for disconnect callback")
	}

	select {
	case extra := <-fired:
		t.Fatalf("disconnect callback fired a second time for %q", extra)
	case <-time.After(50 * time.Millisecond):
	}

	if a.HasPeer(peerAddr) {
		t.Fatalf("peer still registered after disconnect")
	}
}

// TestConnectorNoDuplicatePeerAddresses covers invariant 7.
func TestConnectorNoDuplicatePeerAddresses(t *testing.T) {
	server, client, ln := loopbackPair(t)
	defer ln.Close()

	a := nm.NewConnector()
	defer a.Close()

	if err := a.AddClient(client); err != nil {
		t.Fatalf("first AddClient: %v", err)
	}
	dup := nm.NewTCPClientFromConn(client.Conn())
	if err := a.AddClient(dup); err != nm.ErrAlreadyExists {
		t.Fatalf("second AddClient err = %v, want ErrAlreadyExists", err)
	}
	_ = server
}
