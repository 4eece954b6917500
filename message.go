// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package netmesh implements a peer-to-peer distributed server framework:
// per-peer channel multiplexing over one TCP connection, a connector that
// owns peer connections and dispatch, and a distributed-server coordinator
// that ties UDP multicast discovery, TCP inbound connections, and the
// connector into a node that can send a request to a peer and receive a
// streamed reply.
//
// Wire format: every frame is an 8-byte header — a little-endian uint32
// body length followed by a little-endian uint32 protocol tag — followed by
// exactly that many bytes of body. Byte order is fixed at little-endian; it
// is never negotiated (spec §9 Open Question, resolved).
package netmesh

import (
	"encoding/binary"
	"io"

	"code.hybscloud.com/netmesh/internal/proto"
)

// HeaderLen is the size in bytes of a frame header.
const HeaderLen = 8

// Message is a single framed value: a protocol tag and a body.
type Message struct {
	Protocol proto.Tag
	Body     []byte
}

// ReadMessage blocks until a full frame has been read from r and returns the
// parsed Message, or io.EOF, io.ErrUnexpectedEOF, or the reader's own error.
// EOF is only returned when zero bytes of the header have been read; any
// partial read is reported as io.ErrUnexpectedEOF ("short-read" in spec §4.1
// terms). The header's length is not bounded: a body of that many bytes is
// allocated and read.
func ReadMessage(r io.Reader) (Message, error) {
	var header [HeaderLen]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return Message{}, io.EOF
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Message{}, io.ErrUnexpectedEOF
		}
		return Message{}, err
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	tag := proto.Tag(binary.LittleEndian.Uint32(header[4:8]))

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			if err == io.EOF {
				return Message{}, io.ErrUnexpectedEOF
			}
			return Message{}, err
		}
	}
	return Message{Protocol: tag, Body: body}, nil
}

// WriteMessage writes the full header then the body to w, flushing (in the
// sense of completing every Write call) before returning. A short write from
// w surfaces as io.ErrShortWrite.
func WriteMessage(w io.Writer, m Message) error {
	var header [HeaderLen]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(m.Body)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(m.Protocol))

	if n, err := w.Write(header[:]); err != nil {
		return err
	} else if n != HeaderLen {
		return io.ErrShortWrite
	}

	if len(m.Body) == 0 {
		return nil
	}
	n, err := w.Write(m.Body)
	if err != nil {
		return err
	}
	if n != len(m.Body) {
		return io.ErrShortWrite
	}
	return nil
}

// Wrap extends m's body with [inner-header || value] and rewrites the outer
// header to carry tag and the new length, so a single frame can carry a
// routing value (typically a channel ID) without a second framing layer. See
// spec §3/§4.1. value is a uint32 (a channel ID), appended as 4 little-endian
// bytes.
func Wrap(tag proto.Tag, value uint32, m Message) Message {
	innerHeader := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(innerHeader[0:4], uint32(len(m.Body)))
	binary.LittleEndian.PutUint32(innerHeader[4:8], uint32(m.Protocol))

	body := make([]byte, 0, len(m.Body)+HeaderLen+4)
	body = append(body, m.Body...)
	body = append(body, innerHeader...)
	var valueBuf [4]byte
	binary.LittleEndian.PutUint32(valueBuf[:], value)
	body = append(body, valueBuf[:]...)

	return Message{Protocol: tag, Body: body}
}

// Unwrap reverses Wrap: it splits m's body into the inline value and the
// inner message, validating that the reconstructed inner body length matches
// the inner header. It fails with ErrInvalidArgument if m is too short to
// have been produced by Wrap or if the sizes disagree.
func Unwrap(m Message) (value uint32, inner Message, err error) {
	if len(m.Body) < HeaderLen+4 {
		return 0, Message{}, ErrInvalidArgument
	}
	valueOff := len(m.Body) - 4
	headerOff := valueOff - HeaderLen

	value = binary.LittleEndian.Uint32(m.Body[valueOff:])
	innerLength := binary.LittleEndian.Uint32(m.Body[headerOff : headerOff+4])
	innerTag := proto.Tag(binary.LittleEndian.Uint32(m.Body[headerOff+4 : headerOff+8]))

	if int(innerLength) != headerOff {
		return 0, Message{}, ErrInvalidArgument
	}

	innerBody := make([]byte, innerLength)
	copy(innerBody, m.Body[:headerOff])

	return value, Message{Protocol: innerTag, Body: innerBody}, nil
}
