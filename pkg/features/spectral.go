package features

import "math"

// hannWindow returns a periodic Hann window of length n.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
	}
	return w
}

// binFrequencies returns the centre frequency in Hz of each real FFT bin.
func binFrequencies(frameSize, sampleRate int) []float64 {
	freqs := make([]float64, frameSize/2+1)
	for k := range freqs {
		freqs[k] = float64(k) * float64(sampleRate) / float64(frameSize)
	}
	return freqs
}

func hzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

func melToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}

// melFilterbank builds nFilters triangular filters equally spaced on the mel
// scale between minFreq and maxFreq, evaluated at each FFT bin frequency.
func melFilterbank(nFilters int, binFreqs []float64, minFreq, maxFreq float64) [][]float64 {
	lo, hi := hzToMel(minFreq), hzToMel(maxFreq)
	edges := make([]float64, nFilters+2)
	for i := range edges {
		edges[i] = melToHz(lo + (hi-lo)*float64(i)/float64(nFilters+1))
	}

	bank := make([][]float64, nFilters)
	for m := range bank {
		left, centre, right := edges[m], edges[m+1], edges[m+2]
		weights := make([]float64, len(binFreqs))
		for k, f := range binFreqs {
			rising := (f - left) / (centre - left)
			falling := (right - f) / (right - centre)
			weights[k] = math.Max(0, math.Min(rising, falling))
		}
		bank[m] = weights
	}
	return bank
}

// dct2 returns the first n coefficients of the orthonormal type-II DCT of x.
func dct2(x []float64, n int) []float64 {
	size := float64(len(x))
	out := make([]float64, n)
	for k := 0; k < n; k++ {
		var sum float64
		for i, v := range x {
			sum += v * math.Cos(math.Pi*float64(k)*(2*float64(i)+1)/(2*size))
		}
		scale := math.Sqrt(2 / size)
		if k == 0 {
			scale = math.Sqrt(1 / size)
		}
		out[k] = scale * sum
	}
	return out
}

// spectralCentroid is the magnitude-weighted mean frequency; a silent frame yields 0.
func spectralCentroid(magnitude, freqs []float64) float64 {
	var num, den float64
	for k, m := range magnitude {
		num += m * freqs[k]
		den += m
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// zeroCrossingRate counts sign changes normalized by the frame length. Zero counts as positive.
func zeroCrossingRate(frame []float64) float64 {
	var crossings int
	for i := 1; i < len(frame); i++ {
		if (frame[i-1] < 0) != (frame[i] < 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(frame))
}
