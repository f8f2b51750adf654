// Package features turns raw hive sensor samples into fixed-length feature vectors.
package features

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"

	"github.com/hed1ad/hivesense/pkg/hive"
)

// MissingSentinel fills the slot of an optional reading that was not reported.
const MissingSentinel = -1.0

// Range is a reference interval used for min-max scaling.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Scale maps v into [0, 1] relative to the range, clamping outliers.
func (r Range) Scale(v float64) float64 {
	s := (v - r.Min) / (r.Max - r.Min)
	return math.Max(0, math.Min(1, s))
}

// Config holds the analysis parameters of an Extractor.
type Config struct {
	SampleRate      int     `yaml:"sample_rate"`
	FrameSize       int     `yaml:"frame_size"`
	HopSize         int     `yaml:"hop_size"`
	NumCoefficients int     `yaml:"num_coefficients"`
	NumMelFilters   int     `yaml:"num_mel_filters"`
	MinFreq         float64 `yaml:"min_freq"`
	// MaxFreq defaults to the Nyquist frequency when zero.
	MaxFreq float64 `yaml:"max_freq"`

	Temperature Range `yaml:"temperature"`
	Humidity    Range `yaml:"humidity"`
	Pesticide   Range `yaml:"pesticide"`
}

// DefaultConfig returns the analysis parameters the reference models were trained with.
func DefaultConfig() Config {
	return Config{
		SampleRate:      22050,
		FrameSize:       2048,
		HopSize:         512,
		NumCoefficients: 13,
		NumMelFilters:   40,
		Temperature:     Range{Min: -10, Max: 50},
		Humidity:        Range{Min: 0, Max: 1},
		Pesticide:       Range{Min: 0, Max: 1},
	}
}

// Validate checks that the configuration describes a usable analysis.
func (c Config) Validate() error {
	nyquist := float64(c.SampleRate) / 2
	switch {
	case c.SampleRate <= 0:
		return errors.New("features: sample rate must be positive")
	case c.FrameSize < 2 || c.FrameSize%2 != 0:
		return errors.New("features: frame size must be an even number >= 2")
	case c.HopSize <= 0:
		return errors.New("features: hop size must be positive")
	case c.NumMelFilters <= 0:
		return errors.New("features: mel filter count must be positive")
	case c.NumCoefficients <= 0 || c.NumCoefficients > c.NumMelFilters:
		return errors.New("features: coefficient count must be in [1, mel filters]")
	case c.MinFreq < 0 || (c.MaxFreq != 0 && (c.MaxFreq <= c.MinFreq || c.MaxFreq > nyquist)):
		return errors.New("features: invalid frequency band")
	}
	for name, r := range map[string]Range{"temperature": c.Temperature, "humidity": c.Humidity, "pesticide": c.Pesticide} {
		if r.Max <= r.Min {
			return fmt.Errorf("features: %s reference range is empty", name)
		}
	}
	return nil
}

// Extractor computes feature vectors. It holds only immutable precomputed tables
// and is safe for concurrent use.
type Extractor struct {
	cfg       Config
	window    []float64
	melBank   [][]float64
	binFreqs  []float64
	fftPool   sync.Pool
	nFeatures int
}

// New creates an Extractor for the given configuration.
func New(cfg Config) (*Extractor, error) {
	if cfg.MaxFreq == 0 {
		cfg.MaxFreq = float64(cfg.SampleRate) / 2
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Extractor{
		cfg:       cfg,
		window:    hannWindow(cfg.FrameSize),
		binFreqs:  binFrequencies(cfg.FrameSize, cfg.SampleRate),
		nFeatures: cfg.NumCoefficients + 5,
	}
	e.melBank = melFilterbank(cfg.NumMelFilters, e.binFreqs, cfg.MinFreq, cfg.MaxFreq)
	e.fftPool.New = func() any {
		return fourier.NewFFT(cfg.FrameSize)
	}

	return e, nil
}

// Config returns the effective configuration.
func (e *Extractor) Config() Config {
	return e.cfg
}

// Len returns the feature vector length.
func (e *Extractor) Len() int {
	return e.nFeatures
}

// FeatureNames returns the names of extracted features in vector order.
func (e *Extractor) FeatureNames() []string {
	names := make([]string, 0, e.nFeatures)
	for i := 1; i <= e.cfg.NumCoefficients; i++ {
		names = append(names, fmt.Sprintf("mfcc_%d", i))
	}
	return append(names,
		"spectral_centroid",
		"zero_crossing_rate",
		"temperature",
		"humidity",
		"pesticide",
	)
}

// Index returns the position of a named feature, or -1.
func (e *Extractor) Index(name string) int {
	for i, n := range e.FeatureNames() {
		if n == name {
			return i
		}
	}
	return -1
}

// Extract converts a sample to a feature vector.
// Layout: [mfcc_1..mfcc_N, spectral_centroid, zero_crossing_rate,
//          temperature, humidity, pesticide]
func (e *Extractor) Extract(sample hive.SensorSample) (hive.FeatureVector, error) {
	wave := sample.Waveform
	switch {
	case wave == nil:
		return nil, fmt.Errorf("%w: audio absent", hive.ErrFeatureExtraction)
	case len(wave) == 0:
		return nil, fmt.Errorf("%w: zero-length waveform", hive.ErrFeatureExtraction)
	case len(wave) < e.cfg.FrameSize:
		return nil, fmt.Errorf("%w: %d samples, need at least %d",
			hive.ErrInsufficientSamples, len(wave), e.cfg.FrameSize)
	}
	if sample.SampleRate != 0 && sample.SampleRate != e.cfg.SampleRate {
		return nil, fmt.Errorf("%w: sample rate %d Hz, extractor configured for %d Hz",
			hive.ErrFeatureExtraction, sample.SampleRate, e.cfg.SampleRate)
	}
	for i, v := range wave {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite amplitude at index %d", hive.ErrFeatureExtraction, i)
		}
	}
	env := []float64{sample.Temperature, sample.Humidity}
	if sample.Pesticide != nil {
		env = append(env, *sample.Pesticide)
	}
	for _, v := range env {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite environmental reading", hive.ErrFeatureExtraction)
		}
	}

	fft := e.fftPool.Get().(*fourier.FFT)
	defer e.fftPool.Put(fft)

	nCoef := e.cfg.NumCoefficients
	mfccSum := make([]float64, nCoef)
	var centroidSum, zcrSum float64

	frame := make([]float64, e.cfg.FrameSize)
	spectrum := make([]complex128, e.cfg.FrameSize/2+1)
	power := make([]float64, len(spectrum))
	magnitude := make([]float64, len(spectrum))

	nFrames := 1 + (len(wave)-e.cfg.FrameSize)/e.cfg.HopSize
	for f := 0; f < nFrames; f++ {
		raw := wave[f*e.cfg.HopSize : f*e.cfg.HopSize+e.cfg.FrameSize]
		zcrSum += zeroCrossingRate(raw)

		for i, v := range raw {
			frame[i] = v * e.window[i]
		}
		spectrum = fft.Coefficients(spectrum, frame)
		for k, c := range spectrum {
			magnitude[k] = cmplx.Abs(c)
			power[k] = magnitude[k] * magnitude[k]
		}

		centroidSum += spectralCentroid(magnitude, e.binFreqs)
		floats.Add(mfccSum, e.cepstrum(power))
	}

	n := float64(nFrames)
	floats.Scale(1/n, mfccSum)

	vec := make(hive.FeatureVector, 0, e.nFeatures)
	vec = append(vec, mfccSum...)
	vec = append(vec,
		centroidSum/n,
		zcrSum/n,
		e.cfg.Temperature.Scale(sample.Temperature),
		e.cfg.Humidity.Scale(sample.Humidity),
	)
	if sample.Pesticide != nil {
		vec = append(vec, e.cfg.Pesticide.Scale(*sample.Pesticide))
	} else {
		vec = append(vec, MissingSentinel)
	}

	return vec, nil
}

// cepstrum returns the first NumCoefficients mel-frequency cepstral coefficients of a power spectrum.
func (e *Extractor) cepstrum(power []float64) []float64 {
	logMel := make([]float64, len(e.melBank))
	for m, weights := range e.melBank {
		logMel[m] = math.Log(floats.Dot(weights, power) + 1e-10)
	}
	return dct2(logMel, e.cfg.NumCoefficients)
}
