// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package netmesh

import (
	"testing"
	"time"

	"code.hybscloud.com/netmesh/internal/proto"
)

func TestMessageBufferFIFO(t *testing.T) {
	b := newMessageBuffer(4)
	for i := 0; i < 3; i++ {
		if err := b.push(Message{Protocol: proto.Tag(i)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		m, err := b.pop()
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if m.Protocol != proto.Tag(i) {
			t.Fatalf("pop %d: got protocol %v, want %v", i, m.Protocol, i)
		}
	}
}

// TestMessageBufferReadAfterClose covers invariant 4: a read on a closed
// empty buffer yields closed; a read on a closed non-empty buffer yields the
// next message first.
func TestMessageBufferReadAfterClose(t *testing.T) {
	b := newMessageBuffer(4)
	if err := b.push(Message{Protocol: proto.Tag(1)}); err != nil {
		t.Fatalf("push: %v", err)
	}
	b.close()

	m, err := b.pop()
	if err != nil {
		t.Fatalf("pop buffered message after close: %v", err)
	}
	if m.Protocol != proto.Tag(1) {
		t.Fatalf("got protocol %v, want 1", m.Protocol)
	}

	if _, err := b.pop(); err != ErrClosed {
		t.Fatalf("pop on drained closed buffer: err = %v, want ErrClosed", err)
	}
}

func TestMessageBufferPushAfterClose(t *testing.T) {
	b := newMessageBuffer(1)
	b.close()
	if err := b.push(Message{}); err != ErrClosed {
		t.Fatalf("push after close: err = %v, want ErrClosed", err)
	}
}

func TestMessageBufferCloseIdempotent(t *testing.T) {
	b := newMessageBuffer(1)
	b.close()
	b.close() // must not panic (closing a closed channel would)
}

func TestMessageBufferPopTimeout(t *testing.T) {
	b := newMessageBuffer(1)
	start := time.Now()
	_, err := b.popTimeout(20 * time.Millisecond)
	if err != ErrTimedOut {
		t.Fatalf("err = %v, want ErrTimedOut", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestMessageBufferBlockingPush(t *testing.T) {
	b := newMessageBuffer(1)
	if err := b.push(Message{Protocol: proto.Tag(1)}); err != nil {
		t.Fatalf("push: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- b.push(Message{Protocol: proto.Tag(2)}) }()

	select {
	case <-done:
		t.Fatalf("push on a full buffer returned before it was drained")
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := b.pop(); err != nil {
		t.Fatalf("pop: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("blocked push: %v", err)
	}
}
