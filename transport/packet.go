// Package transport implements the wire-level fetch protocol on top
// of the object and reference databases: packet framing, want/have
// negotiation, and pack generation for the serving side.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Packet framing, per spec.md §4.M: every frame begins with a 4
// hex-digit length that includes itself, making the flush-packet (the
// record separator) the literal 4 bytes "0000".
const (
	packetLenSize = 4
	maxPacketLen  = 0xffff
	maxPayloadLen = maxPacketLen - packetLenSize
)

// Side-band channel bytes prepended to a data frame's payload once
// side-band (or side-band-64k) has been negotiated.
const (
	SideBandData     byte = 1
	SideBandProgress byte = 2
	SideBandFatal    byte = 3
)

// ErrPacketTooLong is returned when a caller asks to write a payload
// too large to fit a single pkt-line frame.
var ErrPacketTooLong = errors.New("transport: packet payload exceeds maximum pkt-line length")

// ErrInvalidPacketLen is returned when a frame's 4-hex-digit length
// prefix isn't valid hex, or declares a length shorter than the
// prefix itself without being the flush-packet "0000".
var ErrInvalidPacketLen = errors.New("transport: invalid packet length prefix")

// WritePacket writes data as a single pkt-line frame: its 4-hex-digit
// length (including the 4 prefix bytes themselves) followed by data.
func WritePacket(w io.Writer, data []byte) error {
	if len(data) > maxPayloadLen {
		return ErrPacketTooLong
	}
	prefix := fmt.Sprintf("%04x", len(data)+packetLenSize)
	if _, err := io.WriteString(w, prefix); err != nil {
		return fmt.Errorf("could not write packet length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("could not write packet payload: %w", err)
	}
	return nil
}

// WriteFlush writes a flush-packet ("0000"), the record separator
// that ends a list of frames (a want/have list, a ref advertisement).
func WriteFlush(w io.Writer) error {
	_, err := io.WriteString(w, "0000")
	return err
}

// ReadPacket reads one frame from r. A flush-packet is reported as
// (nil, true, nil); otherwise the returned slice is the frame's
// payload with the length prefix stripped.
func ReadPacket(r io.Reader) (data []byte, isFlush bool, err error) {
	var lenBuf [packetLenSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, false, err
	}
	n, err := parsePacketLen(lenBuf)
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, true, nil
	}
	payload := make([]byte, n-packetLenSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, false, fmt.Errorf("could not read packet payload: %w", err)
	}
	return payload, false, nil
}

func parsePacketLen(buf [packetLenSize]byte) (int, error) {
	n := 0
	for _, b := range buf {
		n <<= 4
		switch {
		case b >= '0' && b <= '9':
			n |= int(b - '0')
		case b >= 'a' && b <= 'f':
			n |= int(b-'a') + 10
		case b >= 'A' && b <= 'F':
			n |= int(b-'A') + 10
		default:
			return 0, ErrInvalidPacketLen
		}
	}
	if n != 0 && n < packetLenSize {
		return 0, ErrInvalidPacketLen
	}
	return n, nil
}

// WriteSideBand writes data as a side-band frame: the channel byte
// followed by data, wrapped in a single pkt-line.
func WriteSideBand(w io.Writer, channel byte, data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, channel)
	buf = append(buf, data...)
	return WritePacket(w, buf)
}

// ReadSideBand reads one side-band frame, returning its channel byte
// and payload. A flush-packet is reported as (0, nil, true, nil).
func ReadSideBand(r io.Reader) (channel byte, data []byte, isFlush bool, err error) {
	raw, isFlush, err := ReadPacket(r)
	if err != nil || isFlush {
		return 0, nil, isFlush, err
	}
	if len(raw) == 0 {
		return 0, nil, false, fmt.Errorf("empty side-band frame: %w", ErrInvalidPacketLen)
	}
	return raw[0], raw[1:], false, nil
}

// PacketReader buffers an underlying stream in a bufio.Reader before
// framing reads off of it, the same way the pack ingest
// (ginternals/packfile/ingest.go's Index) wraps its incoming stream.
type PacketReader struct {
	r *bufio.Reader
}

// NewPacketReader returns a PacketReader reading frames from r.
func NewPacketReader(r io.Reader) *PacketReader {
	return &PacketReader{r: bufio.NewReader(r)}
}

// ReadPacket reads the next frame, see ReadPacket.
func (p *PacketReader) ReadPacket() (data []byte, isFlush bool, err error) {
	return ReadPacket(p.r)
}
