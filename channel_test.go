// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package netmesh

import (
	"sync"
	"testing"

	"code.hybscloud.com/netmesh/internal/proto"
)

// recordingWriter is a writer that appends every frame it sees, for
// asserting what a Channel puts on the wire.
type recordingWriter struct {
	mu    sync.Mutex
	sent  []Message
	onErr error
}

func (w *recordingWriter) writeLocked(m Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.onErr != nil {
		return w.onErr
	}
	w.sent = append(w.sent, m)
	return nil
}

func (w *recordingWriter) last() Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sent[len(w.sent)-1]
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sent)
}

func TestChannelWriteWrapsWithRoleTags(t *testing.T) {
	w := &recordingWriter{}
	var closedWith uint32
	ch := newChannel(5, proto.Requester, w, 4, func(id uint32) { closedWith = id }, nil)

	if err := ch.Write(Message{Protocol: proto.Tag(0x20), Body: []byte("ping")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sent := w.last()
	if sent.Protocol != proto.RequestPayload {
		t.Fatalf("sent.Protocol = %v, want RequestPayload", sent.Protocol)
	}
	value, inner, err := Unwrap(sent)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if value != 5 {
		t.Fatalf("value = %d, want 5", value)
	}
	if string(inner.Body) != "ping" {
		t.Fatalf("inner.Body = %q, want ping", inner.Body)
	}

	_ = closedWith // set only on close
}

func TestChannelCloseIsIdempotentAndSendsOnce(t *testing.T) {
	w := &recordingWriter{}
	closes := 0
	ch := newChannel(1, proto.Requester, w, 4, func(uint32) { closes++ }, nil)

	if err := ch.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := w.count(); got != 1 {
		t.Fatalf("frames sent = %d, want 1 (invariant 2: at most one close frame)", got)
	}
	if closes != 1 {
		t.Fatalf("onClose invoked %d times, want 1", closes)
	}

	sent := w.last()
	if sent.Protocol != proto.RequestClose {
		t.Fatalf("close frame protocol = %v, want RequestClose", sent.Protocol)
	}
	if decodeID(sent.Body) != 1 {
		t.Fatalf("close frame id = %d, want 1", decodeID(sent.Body))
	}
}

func TestChannelWriteAfterCloseFails(t *testing.T) {
	w := &recordingWriter{}
	ch := newChannel(2, proto.Requester, w, 4, func(uint32) {}, nil)
	ch.Close()

	if err := ch.Write(Message{}); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestChannelCloseFromPeerDoesNotSendFrame(t *testing.T) {
	w := &recordingWriter{}
	closed := 0
	ch := newChannel(3, proto.Responder, w, 4, func(uint32) { closed++ }, nil)

	ch.push(Message{Protocol: proto.Tag(0x20), Body: []byte("a")})
	ch.closeFromPeer()

	if got := w.count(); got != 0 {
		t.Fatalf("closeFromPeer sent %d frames, want 0", got)
	}
	if closed != 1 {
		t.Fatalf("onClose invoked %d times, want 1", closed)
	}

	// Buffered message still drains before closed is observed.
	m, err := ch.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(m.Body) != "a" {
		t.Fatalf("Read = %q, want a", m.Body)
	}
	if _, err := ch.Read(); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestChannelCloseLogsSendFailureButStillInvokesOnClose(t *testing.T) {
	w := &recordingWriter{onErr: ErrInternal}
	closed := 0
	ch := newChannel(9, proto.Requester, w, 4, func(uint32) { closed++ }, nil)

	err := ch.Close()
	if err != ErrInternal {
		t.Fatalf("Close err = %v, want ErrInternal", err)
	}
	if closed != 1 {
		t.Fatalf("onClose invoked %d times, want 1", closed)
	}
}

func TestEncodeDecodeIDRoundTrip(t *testing.T) {
	for _, id := range []uint32{0, 1, 255, 65536, 0xFFFFFFFF} {
		if got := decodeID(encodeID(id)); got != id {
			t.Fatalf("decodeID(encodeID(%d)) = %d", id, got)
		}
	}
}
