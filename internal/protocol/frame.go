package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Framing constants for local socket transports.
const (
	FrameMagic   uint32 = 0x53435242 // "SCRB"
	FrameVersion uint8  = 1
	HeaderSize          = 12

	// MaxFrameSize bounds a single message body.
	MaxFrameSize = 64 << 20
)

// Header flags
const (
	FlagJSON uint8 = 0x01
)

// ErrFrameTooLarge is returned for bodies over MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// Header precedes every framed message.
type Header struct {
	Magic    uint32
	Version  uint8
	Flags    uint8
	Reserved uint16
	Length   uint32
}

func (h *Header) encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], h.Reserved)
	binary.BigEndian.PutUint32(buf[8:12], h.Length)
}

// ReadHeader reads and checks a header.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:    binary.BigEndian.Uint32(buf[0:4]),
		Version:  buf[4],
		Flags:    buf[5],
		Reserved: binary.BigEndian.Uint16(buf[6:8]),
		Length:   binary.BigEndian.Uint32(buf[8:12]),
	}

	if h.Magic != FrameMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > FrameVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	if h.Length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.Length)
	}
	return h, nil
}

// WriteFrame encodes m and writes header and body in a single write.
func WriteFrame(w io.Writer, m *Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	buf := make([]byte, HeaderSize+len(body))
	h := Header{Magic: FrameMagic, Version: FrameVersion, Flags: FlagJSON, Length: uint32(len(body))}
	h.encode(buf)
	copy(buf[HeaderSize:], body)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one framed body.
func ReadFrame(r io.Reader) ([]byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	body := make([]byte, h.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
