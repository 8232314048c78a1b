// Package demux holds the pure frame transforms applied between a
// Producer and the scan Writer: channel reordering, multiplexed-chip
// demultiplexing and dual-device merging.
package demux

import (
	"fmt"

	"acqstream/internal/model"
)

// Transform rewrites scans scans of src into dst (grown as needed) and
// returns the output frame. Transforms carry no signal state between
// calls, but may reuse scratch buffers, so each is owned by one goroutine.
type Transform func(dst, src []byte, scans int) []byte

// Permute returns a transform whose output channel i is input channel
// order[i]. order may drop or repeat channels.
func Permute(in model.Geometry, order []int) (Transform, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("demux: empty channel order")
	}
	for i, ch := range order {
		if ch < 0 || ch >= in.ChannelCount {
			return nil, fmt.Errorf("demux: order[%d]=%d out of range for %d channels", i, ch, in.ChannelCount)
		}
	}
	order = append([]int(nil), order...)
	w := in.SampleWidth
	inScan := in.ScanBytes()
	outScan := len(order) * w
	return func(dst, src []byte, scans int) []byte {
		dst = grow(dst, scans*outScan)
		for s := 0; s < scans; s++ {
			si, so := s*inScan, s*outScan
			for i, ch := range order {
				copy(dst[so+i*w:so+(i+1)*w], src[si+ch*w:si+(ch+1)*w])
			}
		}
		return dst
	}, nil
}

// MultiplexedOrder returns the permutation that turns the interleaved
// sample order of chips multiplexed ADCs (chip 0 ch 0, chip 1 ch 0, ...,
// chip 0 ch 1, ...) into per-chip channel order.
func MultiplexedOrder(channels, chips int) ([]int, error) {
	if chips <= 0 || channels%chips != 0 {
		return nil, fmt.Errorf("demux: %d channels do not split across %d chips", channels, chips)
	}
	perChip := channels / chips
	order := make([]int, channels)
	for chip := 0; chip < chips; chip++ {
		for local := 0; local < perChip; local++ {
			order[chip*perChip+local] = local*chips + chip
		}
	}
	return order, nil
}

// Multiplexed returns the demultiplexing transform for chips interleaved ADCs.
func Multiplexed(in model.Geometry, chips int) (Transform, error) {
	order, err := MultiplexedOrder(in.ChannelCount, chips)
	if err != nil {
		return nil, err
	}
	return Permute(in, order)
}

// Merge writes scans scans of device a followed, within each scan, by the
// channels of device b. Both devices must share a sample width.
func Merge(dst []byte, a model.Geometry, srcA []byte, b model.Geometry, srcB []byte, scans int) ([]byte, error) {
	if a.SampleWidth != b.SampleWidth {
		return dst, fmt.Errorf("demux: sample widths differ (%d vs %d)", a.SampleWidth, b.SampleWidth)
	}
	sa, sb := a.ScanBytes(), b.ScanBytes()
	if len(srcA) < scans*sa || len(srcB) < scans*sb {
		return dst, fmt.Errorf("demux: short input for %d scans", scans)
	}
	out := sa + sb
	dst = grow(dst, scans*out)
	for s := 0; s < scans; s++ {
		copy(dst[s*out:], srcA[s*sa:(s+1)*sa])
		copy(dst[s*out+sa:], srcB[s*sb:(s+1)*sb])
	}
	return dst, nil
}

// MergedGeometry is the output geometry of Merge.
func MergedGeometry(a, b model.Geometry) model.Geometry {
	return model.Geometry{ChannelCount: a.ChannelCount + b.ChannelCount, SampleWidth: a.SampleWidth}
}

// Chain applies transforms in order.
func Chain(ts ...Transform) Transform {
	var bufs [2][]byte
	return func(dst, src []byte, scans int) []byte {
		if len(ts) == 0 {
			dst = grow(dst, len(src))
			copy(dst, src)
			return dst
		}
		cur := src
		for i, t := range ts {
			if i == len(ts)-1 {
				return t(dst, cur, scans)
			}
			bufs[i%2] = t(bufs[i%2], cur, scans)
			cur = bufs[i%2]
		}
		return dst
	}
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}
