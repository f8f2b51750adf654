// Package forest implements a pre-trained random forest ensemble classifier.
package forest

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/hed1ad/hivesense/pkg/classifiers"
	"github.com/hed1ad/hivesense/pkg/hive"
)

// Name is the strategy name reported on results.
const Name = "forest"

// Forest classifies feature vectors by averaging the leaf class distributions
// of an ensemble of decision trees.
type Forest struct {
	mu sync.RWMutex

	classes   []hive.Label
	nFeatures int
	trees     []Tree
	loaded    bool
}

// Tree is a decision tree stored as a flat node array; node 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is a split or a leaf. Samples with x[Feature] <= Threshold go left.
type Node struct {
	// Split parameters (for internal nodes)
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`

	// Children; a leaf has no child index above zero.
	Left  int `json:"left"`
	Right int `json:"right"`

	// Leaf class weights in model class order
	Value []float64 `json:"value,omitempty"`
}

// IsLeaf reports whether the node terminates a path.
func (n Node) IsLeaf() bool {
	return n.Left <= 0 && n.Right <= 0
}

// model is the serialized form shared by the JSON and gob encodings.
type model struct {
	Classes   []hive.Label `json:"classes"`
	NFeatures int          `json:"n_features"`
	Trees     []Tree       `json:"trees"`
}

// New creates a forest from already trained trees.
func New(classes []hive.Label, nFeatures int, trees []Tree) (*Forest, error) {
	m := model{Classes: classes, NFeatures: nFeatures, Trees: trees}
	if err := m.validate(); err != nil {
		return nil, err
	}
	f := &Forest{}
	f.install(m)
	return f, nil
}

func (f *Forest) install(m model) {
	f.classes = append([]hive.Label(nil), m.Classes...)
	f.nFeatures = m.NFeatures
	f.trees = m.Trees
	f.loaded = true
}

// Name returns the strategy name.
func (f *Forest) Name() string {
	return Name
}

// InputSize returns the feature count the model was trained on.
func (f *Forest) InputSize() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nFeatures
}

// Classes returns the model classes in probability order.
func (f *Forest) Classes() []hive.Label {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]hive.Label(nil), f.classes...)
}

// Trees returns the ensemble size.
func (f *Forest) Trees() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.trees)
}

// Predict returns the averaged class distribution for a feature vector.
func (f *Forest) Predict(features hive.FeatureVector) (hive.ClassificationResult, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.loaded {
		return hive.ClassificationResult{}, errors.New("forest: model not loaded")
	}
	if err := classifiers.CheckInput(features, f.nFeatures); err != nil {
		return hive.ClassificationResult{}, err
	}

	probs := make([]float64, len(f.classes))
	for i := range f.trees {
		leaf := f.trees[i].leaf(features)

		var total float64
		for _, v := range leaf.Value {
			total += v
		}
		for c, v := range leaf.Value {
			probs[c] += v / total
		}
	}

	res, err := classifiers.Result(f.classes, probs)
	if err != nil {
		return hive.ClassificationResult{}, err
	}
	res.Model = Name
	return res, nil
}

// leaf walks the tree to the leaf reached by the sample.
func (t *Tree) leaf(sample []float64) *Node {
	n := &t.Nodes[0]
	for !n.IsLeaf() {
		if sample[n.Feature] <= n.Threshold {
			n = &t.Nodes[n.Left]
		} else {
			n = &t.Nodes[n.Right]
		}
	}
	return n
}

// Save serializes the model with gob.
func (f *Forest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.loaded {
		return nil, errors.New("forest: model not loaded")
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(model{Classes: f.classes, NFeatures: f.nFeatures, Trees: f.trees}); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load deserializes a model produced by Save.
func (f *Forest) Load(data []byte) error {
	var m model
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return fmt.Errorf("forest: decode gob: %w", err)
	}
	return f.replace(m)
}

// LoadJSON deserializes a model exported by the training tooling.
func (f *Forest) LoadJSON(data []byte) error {
	var m model
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("forest: decode json: %w", err)
	}
	return f.replace(m)
}

// Parse decodes a model in either encoding, detecting JSON by its leading brace.
func Parse(data []byte) (*Forest, error) {
	f := &Forest{}
	var err error
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		err = f.LoadJSON(trimmed)
	} else {
		err = f.Load(data)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Forest) replace(m model) error {
	if err := m.validate(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.install(m)

	return nil
}

// validate rejects models that could index out of range or yield invalid distributions.
func (m model) validate() error {
	if len(m.Classes) == 0 {
		return errors.New("forest: no classes")
	}
	seen := make(map[hive.Label]bool, len(m.Classes))
	for _, c := range m.Classes {
		if !c.Valid() {
			return fmt.Errorf("forest: unknown class %q", c)
		}
		if seen[c] {
			return fmt.Errorf("forest: duplicate class %q", c)
		}
		seen[c] = true
	}
	if m.NFeatures <= 0 {
		return errors.New("forest: feature count must be positive")
	}
	if len(m.Trees) == 0 {
		return errors.New("forest: no trees")
	}

	for ti, t := range m.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("forest: tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.IsLeaf() {
				if err := validateLeaf(n, len(m.Classes)); err != nil {
					return fmt.Errorf("forest: tree %d node %d: %w", ti, ni, err)
				}
				continue
			}
			// Children always follow their parent, which rules out cycles.
			if n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return fmt.Errorf("forest: tree %d node %d: child index out of range", ti, ni)
			}
			if n.Feature < 0 || n.Feature >= m.NFeatures {
				return fmt.Errorf("forest: tree %d node %d: feature %d out of range", ti, ni, n.Feature)
			}
			if math.IsNaN(n.Threshold) || math.IsInf(n.Threshold, 0) {
				return fmt.Errorf("forest: tree %d node %d: non-finite threshold", ti, ni)
			}
		}
	}

	return nil
}

func validateLeaf(n Node, nClasses int) error {
	if len(n.Value) != nClasses {
		return fmt.Errorf("leaf has %d class weights, want %d", len(n.Value), nClasses)
	}
	var total float64
	for _, v := range n.Value {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("invalid leaf weight %v", v)
		}
		total += v
	}
	if total == 0 {
		return errors.New("leaf has no weight")
	}
	return nil
}
