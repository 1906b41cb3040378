package boost

import "fmt"

const minSplitGain = 1e-6

// NodeStats are the gradient and hessian sums of the rows at a tree node.
type NodeStats struct {
	G float64 `json:"g"`
	H float64 `json:"h"`
}

// Add accumulates o into s.
func (s *NodeStats) Add(o NodeStats) {
	s.G += o.G
	s.H += o.H
}

// Histogram holds per feature, per bin gradient sums for one tree node.
type Histogram struct {
	Node int         `json:"node"`
	G    [][]float64 `json:"g"`
	H    [][]float64 `json:"h"`
}

// NewHistogram returns an empty histogram shaped by numBins.
func NewHistogram(node int, numBins []int) *Histogram {
	h := &Histogram{Node: node, G: make([][]float64, len(numBins)), H: make([][]float64, len(numBins))}
	for f, n := range numBins {
		h.G[f] = make([]float64, n)
		h.H[f] = make([]float64, n)
	}
	return h
}

// Add sums o into h.
func (h *Histogram) Add(o *Histogram) error {
	if o.Node != h.Node || len(o.G) != len(h.G) {
		return fmt.Errorf("histogram shape mismatch for node %d", h.Node)
	}
	for f := range h.G {
		if len(o.G[f]) != len(h.G[f]) || len(o.H[f]) != len(h.H[f]) {
			return fmt.Errorf("histogram shape mismatch for node %d feature %d", h.Node, f)
		}
		for b := range h.G[f] {
			h.G[f][b] += o.G[f][b]
			h.H[f][b] += o.H[f][b]
		}
	}
	return nil
}

// Split sends rows of Node with bin(Feature) <= Bin to the left child.
type Split struct {
	Node      int       `json:"node"`
	Feature   int       `json:"feature"`
	Bin       int       `json:"bin"`
	Threshold float64   `json:"threshold"`
	Gain      float64   `json:"gain"`
	Left      NodeStats `json:"left"`
	Right     NodeStats `json:"right"`
}

// LeftChild and RightChild use heap numbering with the root at 0.
func LeftChild(node int) int  { return 2*node + 1 }
func RightChild(node int) int { return 2*node + 2 }

func score(s NodeStats, lambda float64) float64 {
	d := s.H + lambda
	if d == 0 {
		return 0
	}
	return s.G * s.G / d
}

// LeafWeight is the optimal leaf value for s, already scaled by the learning rate.
func LeafWeight(s NodeStats, p Params) float64 {
	d := s.H + p.Lambda
	if d == 0 {
		return 0
	}
	return -s.G / d * p.Eta
}

// BestSplit scans every feature and bin boundary of h. Ties keep the lowest feature and bin.
func BestSplit(h *Histogram, p Params) (Split, bool) {
	best := Split{Node: h.Node}
	found := false

	for f := range h.G {
		var total NodeStats
		for b := range h.G[f] {
			total.G += h.G[f][b]
			total.H += h.H[f][b]
		}
		parent := score(total, p.Lambda)

		var left NodeStats
		for b := 0; b < len(h.G[f])-1; b++ {
			left.G += h.G[f][b]
			left.H += h.H[f][b]
			right := NodeStats{G: total.G - left.G, H: total.H - left.H}
			if left.H < p.MinChildWeight || right.H < p.MinChildWeight {
				continue
			}
			gain := 0.5*(score(left, p.Lambda)+score(right, p.Lambda)-parent) - p.Gamma
			if gain <= minSplitGain {
				continue
			}
			if !found || gain > best.Gain {
				best = Split{Node: h.Node, Feature: f, Bin: b, Gain: gain, Left: left, Right: right}
				found = true
			}
		}
	}
	return best, found
}
