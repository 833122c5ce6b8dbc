package energy

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// silenceDB is reported for digital silence instead of -Inf.
const silenceDB = -120.0

// DBFS returns the RMS level of samples in dB relative to full scale.
// Samples are normalised to [-1, 1].
func DBFS(samples []float64) float64 {
	if len(samples) == 0 {
		return silenceDB
	}
	var sum float64
	for _, v := range samples {
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms <= 0 {
		return silenceDB
	}
	return math.Max(20*math.Log10(rms), silenceDB)
}

// Flatness returns the spectral flatness of a one-sided spectrum: the ratio
// of the geometric to the arithmetic mean of the bin magnitudes, DC
// excluded. Tonal and voiced signals score near 0; broadband noise scores
// close to 0.85.
func Flatness(coeffs []complex128) float64 {
	if len(coeffs) < 2 {
		return 1
	}
	const eps = 1e-12
	var logSum, sum float64
	bins := coeffs[1:]
	for _, c := range bins {
		m := cmplx.Abs(c) + eps
		logSum += math.Log(m)
		sum += m
	}
	n := float64(len(bins))
	mean := sum / n
	if mean <= eps {
		return 1
	}
	return math.Exp(logSum/n) / mean
}

// Analyzer computes windowed spectra for fixed-size frames. It is not safe
// for concurrent use.
type Analyzer struct {
	fft    *fourier.FFT
	window []float64
	buf    []float64
	coeffs []complex128
}

// NewAnalyzer returns an Analyzer for frames of n samples.
func NewAnalyzer(n int) *Analyzer {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return &Analyzer{
		fft:    fourier.NewFFT(n),
		window: w,
		buf:    make([]float64, n),
		coeffs: make([]complex128, n/2+1),
	}
}

// Spectrum returns the Hann-windowed one-sided spectrum of samples. The
// returned slice is reused by the next call.
func (a *Analyzer) Spectrum(samples []float64) []complex128 {
	for i := range a.buf {
		var v float64
		if i < len(samples) {
			v = samples[i]
		}
		a.buf[i] = v * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.buf)
	return a.coeffs
}
