// Package ws implements the server side of the WebSocket protocol
// (RFC 6455): the HTTP upgrade handshake, frame encoding and decoding,
// and the per-connection state machine with a FIFO outbound buffer.
//
// The media server's wire protocol is the deliverable here, so the codec
// is implemented directly rather than through a third-party library.
package ws

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Opcode identifies a WebSocket frame type.
type Opcode byte

// Frame opcodes per RFC 6455 §5.2.
const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether the opcode is a control frame.
func (o Opcode) IsControl() bool { return o >= OpClose }

// valid reports whether the opcode is defined by RFC 6455.
func (o Opcode) valid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

// Close status codes used by the server.
const (
	StatusNormalClosure   uint16 = 1000
	StatusGoingAway       uint16 = 1001
	StatusProtocolError   uint16 = 1002
	StatusMessageTooLarge uint16 = 1009
)

// Framing errors.
var (
	ErrProtocol          = errors.New("ws: protocol error")
	ErrPayloadTooLarge   = errors.New("ws: payload too large")
	ErrFragmentedControl = errors.New("ws: fragmented control frame")
)

// Frame is one WebSocket frame. Payload of a masked frame is stored
// unmasked; masking is applied during serialization and removed during
// parsing.
type Frame struct {
	FIN     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// Serialize encodes the frame into wire bytes.
func (f *Frame) Serialize() []byte {
	n := len(f.Payload)

	headerLen := 2
	switch {
	case n > 0xFFFF:
		headerLen += 8
	case n > 125:
		headerLen += 2
	}
	if f.Masked {
		headerLen += 4
	}

	out := make([]byte, headerLen+n)
	b0 := byte(f.Opcode)
	if f.FIN {
		b0 |= 0x80
	}
	out[0] = b0

	var maskBit byte
	if f.Masked {
		maskBit = 0x80
	}

	i := 2
	switch {
	case n > 0xFFFF:
		out[1] = maskBit | 127
		binary.BigEndian.PutUint64(out[2:10], uint64(n))
		i = 10
	case n > 125:
		out[1] = maskBit | 126
		binary.BigEndian.PutUint16(out[2:4], uint16(n))
		i = 4
	default:
		out[1] = maskBit | byte(n)
	}

	if f.Masked {
		copy(out[i:], f.MaskKey[:])
		i += 4
	}

	copy(out[i:], f.Payload)
	if f.Masked {
		maskBytes(out[i:], f.MaskKey)
	}
	return out
}

// ParseFrame reads and decodes one frame. maxPayload bounds the accepted
// payload size; larger frames fail with ErrPayloadTooLarge.
func ParseFrame(r io.Reader, maxPayload int64) (Frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	f := Frame{
		FIN:    hdr[0]&0x80 != 0,
		Opcode: Opcode(hdr[0] & 0x0F),
		Masked: hdr[1]&0x80 != 0,
	}

	if hdr[0]&0x70 != 0 {
		return Frame{}, fmt.Errorf("%w: nonzero reserved bits", ErrProtocol)
	}
	if !f.Opcode.valid() {
		return Frame{}, fmt.Errorf("%w: opcode 0x%x", ErrProtocol, byte(f.Opcode))
	}

	length := uint64(hdr[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, err
		}
		length = binary.BigEndian.Uint64(ext[:])
		if length>>63 != 0 {
			return Frame{}, ErrPayloadTooLarge
		}
	}

	if f.Opcode.IsControl() {
		if !f.FIN {
			return Frame{}, ErrFragmentedControl
		}
		if length > 125 {
			return Frame{}, fmt.Errorf("%w: control payload %d", ErrProtocol, length)
		}
	}

	if maxPayload > 0 && length > uint64(maxPayload) {
		return Frame{}, ErrPayloadTooLarge
	}

	if f.Masked {
		if _, err := io.ReadFull(r, f.MaskKey[:]); err != nil {
			return Frame{}, err
		}
	}

	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, err
	}
	if f.Masked {
		maskBytes(f.Payload, f.MaskKey)
	}
	return f, nil
}

// maskBytes XORs data with the masking key in place.
func maskBytes(data []byte, key [4]byte) {
	for i := range data {
		data[i] ^= key[i%4]
	}
}

// closePayload encodes a Close frame payload with a status code.
func closePayload(status uint16) []byte {
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, status)
	return p
}
