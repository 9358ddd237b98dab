package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType identifies a frame on the wire.
type MessageType uint32

const (
	// MsgRead requests a file. Request length is the path payload
	// size; the response header carries the node-side file length,
	// zero if the file is not there, followed by the file body.
	MsgRead MessageType = iota
	// MsgWritePath announces the path the following writes target.
	// No response.
	MsgWritePath
	// MsgWrite carries one chunk payload. No response.
	MsgWrite
	// MsgHeartbeat is echoed back verbatim; length is an opaque
	// correlation id.
	MsgHeartbeat
)

func (t MessageType) String() string {
	switch t {
	case MsgRead:
		return "READ"
	case MsgWritePath:
		return "WRITE_PATH"
	case MsgWrite:
		return "WRITE"
	case MsgHeartbeat:
		return "HEARTBEAT"
	}

	return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
}

// HeaderSize is the fixed wire size of a header: type u32 + length
// u64, little-endian.
const HeaderSize = 12

// Header prefixes every message. Length is interpreted per
// MessageType.
type Header struct {
	Type   MessageType
	Length uint64
}

var (
	ErrShortFrame  = errors.New("peer closed mid frame")
	ErrUnknownType = errors.New("unknown message type")
)

// Encode writes the header into buf, which must hold at least
// HeaderSize bytes.
func (h Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint64(buf[4:12], h.Length)
}

// Decode reads the header out of buf.
func (h *Header) Decode(buf []byte) {
	h.Type = MessageType(binary.LittleEndian.Uint32(buf[0:4]))
	h.Length = binary.LittleEndian.Uint64(buf[4:12])
}

// ReadHeader reads exactly one header. A short read or EOF mid-header
// means the peer is gone and surfaces as ErrShortFrame.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	var buf [HeaderSize]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return h, ErrShortFrame
		}
		return h, err
	}

	h.Decode(buf[:])
	return h, nil
}

// WriteHeader writes one header.
func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	h.Encode(buf[:])

	_, err := w.Write(buf[:])
	return err
}

// WriteFrame writes a header announcing len(payload) bytes followed
// by the payload itself.
func WriteFrame(w io.Writer, t MessageType, payload []byte) error {
	if err := WriteHeader(w, Header{Type: t, Length: uint64(len(payload))}); err != nil {
		return err
	}

	if len(payload) == 0 {
		return nil
	}

	_, err := w.Write(payload)
	return err
}

// ReadPayload reads exactly n announced payload bytes into buf, which
// must be at least n long. EOF mid-payload surfaces as ErrShortFrame.
func ReadPayload(r io.Reader, buf []byte, n uint64) error {
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrShortFrame
		}
		return err
	}

	return nil
}
