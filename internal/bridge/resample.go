package bridge

// Resampler converts a mono int16 stream from one rate to another by
// linear interpolation. The fractional phase and the last input sample
// carry over between calls, so splitting the input into buffers does not
// change the output.
type Resampler struct {
	step float64 // input samples per output sample
	pos  float64 // read position, 0 = last sample of previous call
	last int16
	have bool
}

// NewResampler returns a resampler from inRate to outRate.
func NewResampler(inRate, outRate float64) *Resampler {
	step := 1.0
	if inRate > 0 && outRate > 0 {
		step = inRate / outRate
	}
	return &Resampler{step: step}
}

// Ratio returns output samples per input sample.
func (r *Resampler) Ratio() float64 { return 1 / r.step }

// Process appends the resampled output for in to dst.
func (r *Resampler) Process(dst, in []int16) []int16 {
	if len(in) == 0 {
		return dst
	}
	off := 0
	if r.have {
		off = 1
	}
	at := func(k int) float64 {
		if k < off {
			return float64(r.last)
		}
		return float64(in[k-off])
	}
	n := len(in) + off
	for r.pos < float64(n-1) {
		i := int(r.pos)
		f := r.pos - float64(i)
		v := at(i)*(1-f) + at(i+1)*f
		dst = append(dst, int16(v+0.5*sign(v)))
		r.pos += r.step
	}
	r.pos -= float64(n - 1)
	r.last = in[len(in)-1]
	r.have = true
	return dst
}

// Reset drops the carried phase and sample.
func (r *Resampler) Reset() {
	r.pos = 0
	r.have = false
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
