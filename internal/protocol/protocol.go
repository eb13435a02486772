// Package protocol implements the otun tunnel wire protocol: a fixed
// 16-byte header followed by a variable-length payload, all fields in
// network byte order.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic is the fixed sentinel that opens every message header ("TUNL").
const Magic uint32 = 0x54554E4C

// MsgType identifies the kind of message carried by a frame.
type MsgType uint32

// Message types, matching the order of the original tunnel protocol.
const (
	MsgConnect MsgType = iota + 1
	MsgAccept
	MsgReject
	MsgData
	MsgClose
	MsgHeartbeat
	MsgAssignDomain
)

func (t MsgType) String() string {
	switch t {
	case MsgConnect:
		return "CONNECT"
	case MsgAccept:
		return "ACCEPT"
	case MsgReject:
		return "REJECT"
	case MsgData:
		return "DATA"
	case MsgClose:
		return "CLOSE"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgAssignDomain:
		return "ASSIGN_DOMAIN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

// headerSize is the wire size of Header: four uint32 fields.
const headerSize = 16

// MaxPayload bounds data_len; a peer advertising more is treated as a
// protocol violation rather than an allocation hazard.
const MaxPayload = 16 * 1024 * 1024

// ErrBadMagic indicates a header whose magic field did not match Magic.
// Per spec, the connection carrying it must be considered poisoned.
var ErrBadMagic = errors.New("protocol: bad magic")

// ErrPayloadTooLarge indicates a header advertising data_len > MaxPayload
// (or larger than the caller's buffer, in Recv).
var ErrPayloadTooLarge = errors.New("protocol: payload too large")

// Header is the 16-byte frame header, in network byte order on the wire.
type Header struct {
	Magic     uint32
	Type      MsgType
	SessionID uint32
	DataLen   uint32
}

// Message is a decoded frame: header plus payload bytes.
type Message struct {
	Type      MsgType
	SessionID uint32
	Payload   []byte
}

// Send writes one framed message to w: the 16-byte header followed by
// payload. Short writes are retried until the whole frame is written or the
// writer fails (see writeFull); any error poisons the connection from the
// caller's point of view.
func Send(w io.Writer, msgType MsgType, sessionID uint32, payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}

	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], Magic)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(msgType))
	binary.BigEndian.PutUint32(hdr[8:12], sessionID)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(payload)))

	if _, err := writeFull(w, hdr[:]); err != nil {
		return fmt.Errorf("protocol: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := writeFull(w, payload); err != nil {
			return fmt.Errorf("protocol: write payload: %w", err)
		}
	}
	return nil
}

// writeFull writes all of p to w, looping on short writes.
func writeFull(w io.Writer, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := w.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// Recv reads exactly one framed message from r. It reads the 16-byte
// header (looping on short reads), validates the magic and data_len
// against maxPayload, then reads exactly data_len payload bytes into a
// freshly allocated buffer.
//
// Any error (bad magic, oversized payload, short read, closed peer)
// means the connection must be considered dead; callers must not attempt
// to resynchronize and keep reading from the same stream.
func Recv(r io.Reader, maxPayload int) (*Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("protocol: read header: %w", err)
	}

	magic := binary.BigEndian.Uint32(hdr[0:4])
	if magic != Magic {
		return nil, ErrBadMagic
	}
	msgType := MsgType(binary.BigEndian.Uint32(hdr[4:8]))
	sessionID := binary.BigEndian.Uint32(hdr[8:12])
	dataLen := binary.BigEndian.Uint32(hdr[12:16])

	if maxPayload <= 0 || maxPayload > MaxPayload {
		maxPayload = MaxPayload
	}
	if int(dataLen) > maxPayload {
		return nil, ErrPayloadTooLarge
	}

	payload := make([]byte, dataLen)
	if dataLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("protocol: read payload: %w", err)
		}
	}

	return &Message{Type: msgType, SessionID: sessionID, Payload: payload}, nil
}
