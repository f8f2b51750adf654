// Package rules implements the threshold classifier used when no trained model is loaded.
package rules

import (
	"errors"
	"fmt"

	"github.com/hed1ad/hivesense/pkg/classifiers"
	"github.com/hed1ad/hivesense/pkg/hive"
)

// Name is the strategy name reported on results.
const Name = "rules"

// Config holds the decision thresholds.
type Config struct {
	// DistressCentroidHz marks the high-pitched piping of a distressed colony.
	DistressCentroidHz float64 `yaml:"distress_centroid_hz"`
	// SwarmingZCR marks the broadband roar of a colony about to swarm.
	SwarmingZCR float64 `yaml:"swarming_zcr"`
	// Confidence is reported for every decision.
	Confidence float64 `yaml:"confidence"`
}

// DefaultConfig returns conservative thresholds.
func DefaultConfig() Config {
	return Config{
		DistressCentroidHz: 700,
		SwarmingZCR:        0.18,
		Confidence:         0.75,
	}
}

// Classifier applies fixed thresholds to the spectral centroid and zero-crossing rate.
type Classifier struct {
	cfg         Config
	inputSize   int
	centroidIdx int
	zcrIdx      int
}

// Schema describes the feature layout the rules read from.
type Schema interface {
	Len() int
	Index(name string) int
}

// New creates a rule-based classifier bound to a feature layout.
func New(cfg Config, schema Schema) (*Classifier, error) {
	// Below one half the chosen label could lose the arg-max to the spread mass.
	if cfg.Confidence < 0.5 || cfg.Confidence > 1 {
		return nil, errors.New("rules: confidence must be in [0.5, 1]")
	}
	c := &Classifier{
		cfg:         cfg,
		inputSize:   schema.Len(),
		centroidIdx: schema.Index("spectral_centroid"),
		zcrIdx:      schema.Index("zero_crossing_rate"),
	}
	if c.centroidIdx < 0 || c.zcrIdx < 0 {
		return nil, fmt.Errorf("rules: schema lacks spectral_centroid or zero_crossing_rate")
	}
	return c, nil
}

// Name returns the strategy name.
func (c *Classifier) Name() string {
	return Name
}

// InputSize returns the expected feature vector length.
func (c *Classifier) InputSize() int {
	return c.inputSize
}

var behaviors = []hive.Label{hive.LabelNormal, hive.LabelSwarming, hive.LabelDistress}

// Predict labels the vector and spreads the remaining probability mass evenly
// over the other behaviors. Results are marked degraded.
func (c *Classifier) Predict(features hive.FeatureVector) (hive.ClassificationResult, error) {
	if err := classifiers.CheckInput(features, c.inputSize); err != nil {
		return hive.ClassificationResult{}, err
	}

	label := hive.LabelNormal
	switch {
	case features[c.centroidIdx] >= c.cfg.DistressCentroidHz:
		label = hive.LabelDistress
	case features[c.zcrIdx] >= c.cfg.SwarmingZCR:
		label = hive.LabelSwarming
	}

	rest := (1 - c.cfg.Confidence) / float64(len(behaviors)-1)
	probs := make([]float64, len(behaviors))
	for i, b := range behaviors {
		if b == label {
			probs[i] = c.cfg.Confidence
		} else {
			probs[i] = rest
		}
	}

	res, err := classifiers.Result(behaviors, probs)
	if err != nil {
		return hive.ClassificationResult{}, err
	}
	res.Degraded = true
	res.Model = Name
	return res, nil
}
