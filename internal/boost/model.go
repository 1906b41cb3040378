package boost

import "fmt"

// Params are the tree booster hyperparameters.
type Params struct {
	Objective      string   `json:"objective" yaml:"objective"`
	EvalMetric     []string `json:"eval_metric" yaml:"eval_metric"`
	Eta            float64  `json:"eta" yaml:"eta"`
	MaxDepth       int      `json:"max_depth" yaml:"max_depth"`
	Lambda         float64  `json:"lambda" yaml:"lambda"`
	Gamma          float64  `json:"gamma" yaml:"gamma"`
	MinChildWeight float64  `json:"min_child_weight" yaml:"min_child_weight"`
	MaxBin         int      `json:"max_bin" yaml:"max_bin"`
}

// DefaultParams mirrors the usual gradient boosting defaults.
func DefaultParams() Params {
	return Params{
		Objective:      ObjectiveBinaryLogistic,
		EvalMetric:     []string{MetricLogLoss, MetricError},
		Eta:            0.3,
		MaxDepth:       6,
		Lambda:         1,
		Gamma:          0,
		MinChildWeight: 1,
		MaxBin:         64,
	}
}

// Validate checks the parameters the booster depends on.
func (p Params) Validate() error {
	if !SupportedObjective(p.Objective) {
		return fmt.Errorf("unsupported objective %q", p.Objective)
	}
	for _, m := range p.EvalMetric {
		if !SupportedMetric(m) {
			return fmt.Errorf("unsupported eval metric %q", m)
		}
	}
	if p.Eta <= 0 {
		return fmt.Errorf("eta must be positive, got %v", p.Eta)
	}
	if p.MaxDepth < 1 {
		return fmt.Errorf("max_depth must be at least 1, got %d", p.MaxDepth)
	}
	if p.Lambda < 0 || p.Gamma < 0 || p.MinChildWeight < 0 {
		return fmt.Errorf("lambda, gamma and min_child_weight must be non-negative")
	}
	if p.MaxBin < 2 || p.MaxBin > MaxBinLimit {
		return fmt.Errorf("max_bin must be in [2, %d], got %d", MaxBinLimit, p.MaxBin)
	}
	return nil
}

// TreeNode is either a split or a leaf.
type TreeNode struct {
	Leaf      bool    `json:"leaf"`
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Weight    float64 `json:"weight,omitempty"`
}

// Tree is a regression tree keyed by heap node ID.
type Tree struct {
	Nodes map[int]TreeNode `json:"nodes"`
}

func newTree() *Tree {
	return &Tree{Nodes: make(map[int]TreeNode)}
}

func (t *Tree) leafWeights() map[int]float64 {
	out := make(map[int]float64)
	for id, n := range t.Nodes {
		if n.Leaf {
			out[id] = n.Weight
		}
	}
	return out
}

// Predict returns the tree's contribution to the margin of row.
func (t *Tree) Predict(row []float64) float64 {
	id := 0
	for {
		n, ok := t.Nodes[id]
		if !ok {
			return 0
		}
		if n.Leaf {
			return n.Weight
		}
		if row[n.Feature] < n.Threshold {
			id = LeftChild(id)
		} else {
			id = RightChild(id)
		}
	}
}

// Model is a trained ensemble.
type Model struct {
	Objective    string   `json:"objective"`
	FeatureNames []string `json:"feature_names"`
	BaseMargin   float64  `json:"base_margin"`
	Trees        []*Tree  `json:"trees"`
}

// PredictMargin returns the raw score of row.
func (m *Model) PredictMargin(row []float64) float64 {
	margin := m.BaseMargin
	for _, t := range m.Trees {
		margin += t.Predict(row)
	}
	return margin
}

// Predict returns the positive class probability of row.
func (m *Model) Predict(row []float64) float64 {
	return sigmoid(m.PredictMargin(row))
}

// Evaluate scores the model on a labelled table.
func (m *Model) Evaluate(features [][]float64, labels []float64, metrics []string) map[string]float64 {
	var sums EvalSums
	for i, row := range features {
		sums.observe(m.PredictMargin(row), labels[i])
	}
	return sums.Metrics(metrics)
}
