// Package classifiers provides hive behavior classification strategies.
package classifiers

import (
	"fmt"
	"math"

	"github.com/hed1ad/hivesense/pkg/hive"
)

// Classifier is the common interface for all classification strategies.
type Classifier interface {
	// Predict classifies a single feature vector.
	// The vector length must equal InputSize.
	Predict(features hive.FeatureVector) (hive.ClassificationResult, error)

	// InputSize returns the expected feature vector length.
	InputSize() int

	// Name identifies the strategy in results and logs.
	Name() string
}

// Strategy names accepted in configuration.
const (
	StrategyModel = "model"
	StrategyRules = "rules"
)

// ScoreTolerance bounds how far a score distribution may drift from summing to 1.
const ScoreTolerance = 1e-6

// CheckInput validates the feature vector length against the expected input size.
func CheckInput(features hive.FeatureVector, inputSize int) error {
	if len(features) != inputSize {
		return fmt.Errorf("%w: got %d features, model expects %d",
			hive.ErrSchemaMismatch, len(features), inputSize)
	}
	return nil
}

// Result builds a ClassificationResult from per-class probabilities.
// The probabilities are normalized to sum to 1; the label is the arg-max,
// ties resolving to the earliest class.
func Result(classes []hive.Label, probs []float64) (hive.ClassificationResult, error) {
	if len(classes) == 0 || len(classes) != len(probs) {
		return hive.ClassificationResult{}, fmt.Errorf("classifiers: %d classes for %d probabilities", len(classes), len(probs))
	}

	var total float64
	for i, p := range probs {
		if p < 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			return hive.ClassificationResult{}, fmt.Errorf("classifiers: invalid probability %v for %s", p, classes[i])
		}
		total += p
	}
	if total == 0 {
		return hive.ClassificationResult{}, fmt.Errorf("classifiers: empty probability mass")
	}

	res := hive.ClassificationResult{
		Scores: make(map[hive.Label]float64, len(classes)),
	}
	best := -1.0
	for i, p := range probs {
		p /= total
		res.Scores[classes[i]] += p
		if p > best {
			best = p
			res.Label = classes[i]
		}
	}
	res.Confidence = math.Min(1, best)

	return res, nil
}
