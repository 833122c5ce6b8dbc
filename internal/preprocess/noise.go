package preprocess

import (
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Noise estimate tracking rates per frame. The estimate falls quickly to
// follow quieter input and rises slowly, and only while no voice is active.
const (
	noiseFall = 0.2
	noiseRise = 0.1
)

// spectral holds the FFT state shared by noise reduction and enhancement
// for one channel.
type spectral struct {
	fft  *fourier.FFT
	n    int
	buf  []float64
	spec []complex128
	work []complex128
	out  []float64
}

func newSpectral(n int) *spectral {
	return &spectral{
		fft:  fourier.NewFFT(n),
		n:    n,
		buf:  make([]float64, n),
		spec: make([]complex128, n/2+1),
		work: make([]complex128, n/2+1),
		out:  make([]float64, n),
	}
}

// forward transforms x into s.spec.
func (s *spectral) forward(x []float64) []complex128 {
	copy(s.buf, x)
	s.spec = s.fft.Coefficients(s.spec, s.buf)
	return s.spec
}

// inverse transforms spec back to the time domain. The result is reused by
// the next call.
func (s *spectral) inverse(spec []complex128) []float64 {
	s.out = s.fft.Sequence(s.out, spec)
	scale := 1 / float64(s.n)
	for i := range s.out {
		s.out[i] *= scale
	}
	return s.out
}

// noiseReducer performs spectral subtraction against an adaptive per-bin
// magnitude estimate of the background noise.
type noiseReducer struct {
	strength float64
	floor    float64
	noise    []float64
}

func newNoiseReducer(bins int, strength, floor float64) *noiseReducer {
	return &noiseReducer{strength: strength, floor: floor, noise: make([]float64, bins)}
}

// apply writes the denoised spectrum of in to out. When learn is set the
// noise estimate may rise towards the current magnitudes. Each bin keeps at
// least floor times its original magnitude so nothing is zeroed outright.
func (r *noiseReducer) apply(in, out []complex128, learn bool) {
	for k, c := range in {
		mag := cmplx.Abs(c)
		switch {
		case mag < r.noise[k]:
			r.noise[k] += noiseFall * (mag - r.noise[k])
		case learn:
			r.noise[k] += noiseRise * (mag - r.noise[k])
		}

		if mag == 0 {
			out[k] = 0
			continue
		}
		target := mag - r.strength*r.noise[k]
		if minMag := r.floor * mag; target < minMag {
			target = minMag
		}
		out[k] = c * complex(target/mag, 0)
	}
}

func (r *noiseReducer) reset() {
	clear(r.noise)
}
