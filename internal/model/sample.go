package model

import (
	"encoding/binary"
	"fmt"
)

// Samples travel through the pipeline as raw little-endian bytes. A scan is
// one sample from every channel; a frame is a run of whole scans.

// Geometry describes the shape of one scan.
type Geometry struct {
	ChannelCount int `json:"channel_count"`
	SampleWidth  int `json:"sample_width"` // bytes per sample: 1, 2 or 4
}

// ScanBytes returns the size of one scan in bytes.
func (g Geometry) ScanBytes() int {
	return g.ChannelCount * g.SampleWidth
}

// Validate rejects geometries the pipeline cannot frame.
func (g Geometry) Validate() error {
	if g.ChannelCount <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", g.ChannelCount)
	}
	switch g.SampleWidth {
	case 1, 2, 4:
	default:
		return fmt.Errorf("sample width must be 1, 2 or 4 bytes, got %d", g.SampleWidth)
	}
	return nil
}

// Sample decodes the signed sample of channel ch in scan i of frame.
func (g Geometry) Sample(frame []byte, i, ch int) int32 {
	off := i*g.ScanBytes() + ch*g.SampleWidth
	switch g.SampleWidth {
	case 1:
		return int32(int8(frame[off]))
	case 2:
		return int32(int16(binary.LittleEndian.Uint16(frame[off:])))
	default:
		return int32(binary.LittleEndian.Uint32(frame[off:]))
	}
}

// Channel extracts the samples of one channel from a frame of n scans.
// dst is reused when large enough.
func (g Geometry) Channel(dst []int32, frame []byte, n, ch int) []int32 {
	if cap(dst) < n {
		dst = make([]int32, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		dst[i] = g.Sample(frame, i, ch)
	}
	return dst
}

// FillMax writes the maximum signed value of the sample width into every
// sample of p. Used for placeholder data standing in for lost samples.
func FillMax(p []byte, sampleWidth int) {
	switch sampleWidth {
	case 1:
		for i := range p {
			p[i] = 0x7f
		}
	case 2:
		for i := 0; i+1 < len(p); i += 2 {
			binary.LittleEndian.PutUint16(p[i:], 0x7fff)
		}
	default:
		for i := 0; i+3 < len(p); i += 4 {
			binary.LittleEndian.PutUint32(p[i:], 0x7fffffff)
		}
	}
}

// PutInt16s encodes samples little-endian into dst, which must hold 2*len(src) bytes.
func PutInt16s(dst []byte, src []int16) {
	for i, v := range src {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(v))
	}
}

// Int16s decodes little-endian 16-bit samples from src.
func Int16s(src []byte) []int16 {
	out := make([]int16, len(src)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(src[2*i:]))
	}
	return out
}
