package preprocess

// Speech band weighting.
const (
	rumbleCutHz = 80
	bandLowHz   = 300
	bandHighHz  = 3400
	rumbleGain  = 0.1
	bandGain    = 1.2
	neutralGain = 1.0
)

// bandGains returns per-bin gains for a one-sided spectrum of an n-point FFT
// at sampleRate: rumble below 80 Hz is cut and the 300–3400 Hz speech band
// is lifted.
func bandGains(n, sampleRate int) []float64 {
	g := make([]float64, n/2+1)
	binHz := float64(sampleRate) / float64(n)
	for k := range g {
		f := float64(k) * binHz
		switch {
		case f < rumbleCutHz:
			g[k] = rumbleGain
		case f >= bandLowHz && f <= bandHighHz:
			g[k] = bandGain
		default:
			g[k] = neutralGain
		}
	}
	return g
}

func weight(in, out []complex128, gains []float64) {
	for k, c := range in {
		out[k] = c * complex(gains[k], 0)
	}
}
