// Package producer holds the Producer implementations a session can be
// configured with: a synthetic generator and a remote device streaming
// binary frames over WebSocket.
package producer

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Device frame layout, little-endian:
//
//	[u32 seq][u16 scans][u16 flags][scans * scanBytes sample bytes]
const FrameHeaderBytes = 8

// Frame flags.
const (
	FlagOverrun uint16 = 1 << 0 // device FIFO overflowed before this frame
)

var ErrShortFrame = errors.New("producer: short frame")

// Frame is one decoded device message.
type Frame struct {
	Seq     uint32
	Scans   int
	Flags   uint16
	Samples []byte // aliases the input buffer
}

// EncodeFrame appends a frame to dst.
func EncodeFrame(dst []byte, seq uint32, scans int, flags uint16, samples []byte) []byte {
	var h [FrameHeaderBytes]byte
	binary.LittleEndian.PutUint32(h[0:4], seq)
	binary.LittleEndian.PutUint16(h[4:6], uint16(scans))
	binary.LittleEndian.PutUint16(h[6:8], flags)
	dst = append(dst, h[:]...)
	return append(dst, samples...)
}

// DecodeFrame parses b for scans of scanBytes bytes each.
func DecodeFrame(b []byte, scanBytes int) (Frame, error) {
	if len(b) < FrameHeaderBytes {
		return Frame{}, ErrShortFrame
	}
	f := Frame{
		Seq:   binary.LittleEndian.Uint32(b[0:4]),
		Scans: int(binary.LittleEndian.Uint16(b[4:6])),
		Flags: binary.LittleEndian.Uint16(b[6:8]),
	}
	need := FrameHeaderBytes + f.Scans*scanBytes
	if len(b) < need {
		return Frame{}, fmt.Errorf("%w: %d bytes for %d scans, want %d", ErrShortFrame, len(b), f.Scans, need)
	}
	f.Samples = b[FrameHeaderBytes:need]
	return f, nil
}
