package audio

import "math"

const resampleTaps = 31

// Resampler converts one continuous stream between two sample rates. Filter
// history and the interpolation phase carry over between calls, so feeding a
// signal in pieces yields exactly the samples of feeding it whole. A
// Resampler is not safe for concurrent use; keep one per stream direction.
type Resampler struct {
	// src and dst are the rates reduced by their gcd.
	src, dst int
	kernel   []float32

	// fir holds the last taps-1 samples that entered the filter.
	fir []float32

	// buf is interpolation input not yet consumed; pos is the next output
	// position within it in units of 1/dst input samples.
	buf []float32
	pos int
}

// NewResampler returns a Resampler from srcRate to dstRate.
func NewResampler(srcRate, dstRate int) *Resampler {
	if srcRate <= 0 || dstRate <= 0 {
		return &Resampler{src: 1, dst: 1}
	}
	g := gcd(srcRate, dstRate)
	r := &Resampler{src: srcRate / g, dst: dstRate / g}
	if r.src == r.dst {
		return r
	}

	// Downsampling filters before interpolation, upsampling after it to
	// remove imaging. The causal filter delays the stream by half the kernel.
	cutoff := float64(min(srcRate, dstRate)) / 2.0
	if srcRate > dstRate {
		r.kernel = sincKernel(cutoff, float64(srcRate), resampleTaps)
	} else {
		r.kernel = sincKernel(cutoff, float64(dstRate), resampleTaps)
	}
	r.fir = make([]float32, resampleTaps-1)
	// One sample of lead-in keeps every output position backed by two
	// neighbours, so each full frame in yields a full frame out.
	r.buf = []float32{0}
	return r
}

// Process converts the next piece of the stream. Output positions that need
// a sample not yet seen are emitted on a later call.
func (r *Resampler) Process(samples []float32) []float32 {
	if r.src == r.dst {
		return samples
	}
	if r.src > r.dst {
		return r.interpolate(r.filter(samples))
	}
	return r.filter(r.interpolate(samples))
}

// ProcessPCM converts the next piece of a little-endian 16-bit PCM stream.
func (r *Resampler) ProcessPCM(data []byte) []byte {
	if r.src == r.dst || len(data) < 2 {
		return data
	}
	return FloatToPCM(r.Process(PCMToFloat(data)))
}

// filter runs x through the low-pass kernel, continuing from the previous call.
func (r *Resampler) filter(x []float32) []float32 {
	taps := len(r.kernel)
	joined := make([]float32, 0, len(r.fir)+len(x))
	joined = append(append(joined, r.fir...), x...)

	out := make([]float32, len(x))
	for i := range x {
		win := joined[i : i+taps]
		var sum float32
		for j, k := range r.kernel {
			sum += win[j] * k
		}
		out[i] = sum
	}
	r.fir = append(r.fir[:0], joined[len(joined)-(taps-1):]...)
	return out
}

// interpolate emits every output position that has both neighbours buffered.
func (r *Resampler) interpolate(x []float32) []float32 {
	r.buf = append(r.buf, x...)

	var out []float32
	for {
		idx := r.pos / r.dst
		if idx+1 >= len(r.buf) {
			break
		}
		frac := float32(r.pos%r.dst) / float32(r.dst)
		out = append(out, r.buf[idx]*(1-frac)+r.buf[idx+1]*frac)
		r.pos += r.src
	}

	if drop := min(r.pos/r.dst, len(r.buf)); drop > 0 {
		r.buf = append(r.buf[:0], r.buf[drop:]...)
		r.pos -= drop * r.dst
	}
	return out
}

// Resample converts a complete buffer from srcRate to dstRate. Use a
// Resampler for audio that arrives in pieces.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate {
		return samples
	}
	want := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if want == 0 {
		return nil
	}

	r := NewResampler(srcRate, dstRate)
	out := r.Process(samples)
	// Pad with silence for the last interpolation positions.
	for len(out) < want {
		out = append(out, r.Process(make([]float32, resampleTaps))...)
	}
	return out[:want]
}

// sincKernel generates a normalized windowed-sinc FIR kernel using a Blackman window.
func sincKernel(cutoff, sampleRate float64, taps int) []float32 {
	fc := cutoff / sampleRate
	half := taps / 2
	kernel := make([]float32, taps)

	var sum float64
	for i := range taps {
		n := float64(i - half)
		sinc := 1.0
		if n != 0 {
			x := 2.0 * math.Pi * fc * n
			sinc = math.Sin(x) / x
		}
		w := 0.42 - 0.5*math.Cos(2.0*math.Pi*float64(i)/float64(taps-1)) +
			0.08*math.Cos(4.0*math.Pi*float64(i)/float64(taps-1))
		val := sinc * w
		kernel[i] = float32(val)
		sum += val
	}

	// Unity gain at DC.
	scale := float32(1.0 / sum)
	for i := range kernel {
		kernel[i] *= scale
	}
	return kernel
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
