package boost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Remote method names served by Worker.Call.
const (
	MethodBeginRound  = "begin_round"
	MethodHistogram   = "histogram"
	MethodApplySplits = "apply_splits"
	MethodFinishTree  = "finish_tree"
)

// ShardSpec is everything a worker needs to own one shard of the training table.
type ShardSpec struct {
	Shard      int       `json:"shard"`
	Objective  string    `json:"objective"`
	NumBins    []int     `json:"num_bins"`
	Bins       [][]uint8 `json:"bins"`
	Labels     []float64 `json:"labels"`
	BaseMargin float64   `json:"base_margin"`
}

// HistogramRequest asks for the histogram of one node.
type HistogramRequest struct {
	Node int `json:"node"`
}

// ApplySplitsRequest moves rows below the given splits.
type ApplySplitsRequest struct {
	Splits []Split `json:"splits"`
}

// FinishTreeRequest adds leaf weights to every row's margin.
type FinishTreeRequest struct {
	Leaves map[int]float64 `json:"leaves"`
}

// Worker holds one shard and answers the coordinator's per-round requests.
type Worker struct {
	mu sync.Mutex

	shard   int
	numBins []int
	bins    [][]uint8
	labels  []float64
	margins []float64
	grad    []float64
	hess    []float64
	pos     []int
}

// NewWorker validates spec and builds the shard state.
func NewWorker(spec ShardSpec) (*Worker, error) {
	if len(spec.Bins) == 0 {
		return nil, errors.New("shard has no rows")
	}
	if len(spec.Bins) != len(spec.Labels) {
		return nil, fmt.Errorf("shard has %d rows but %d labels", len(spec.Bins), len(spec.Labels))
	}
	if err := validateLabels(spec.Objective, spec.Labels); err != nil {
		return nil, err
	}
	for r, row := range spec.Bins {
		if len(row) != len(spec.NumBins) {
			return nil, fmt.Errorf("row %d has %d features, expected %d", r, len(row), len(spec.NumBins))
		}
		for f, b := range row {
			if int(b) >= spec.NumBins[f] {
				return nil, fmt.Errorf("row %d feature %d has bin %d of %d", r, f, b, spec.NumBins[f])
			}
		}
	}

	n := len(spec.Labels)
	w := &Worker{
		shard:   spec.Shard,
		numBins: spec.NumBins,
		bins:    spec.Bins,
		labels:  spec.Labels,
		margins: make([]float64, n),
		grad:    make([]float64, n),
		hess:    make([]float64, n),
		pos:     make([]int, n),
	}
	for i := range w.margins {
		w.margins[i] = spec.BaseMargin
	}
	return w, nil
}

// NumRows is the shard size.
func (w *Worker) NumRows() int {
	return len(w.labels)
}

// BeginRound computes gradients at the current margins and puts every row at the root.
func (w *Worker) BeginRound() NodeStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	var root NodeStats
	for i := range w.labels {
		g, h := gradients(w.margins[i], w.labels[i])
		w.grad[i], w.hess[i] = g, h
		w.pos[i] = 0
		root.G += g
		root.H += h
	}
	return root
}

// Histogram sums gradients of the rows currently at node.
func (w *Worker) Histogram(node int) *Histogram {
	w.mu.Lock()
	defer w.mu.Unlock()

	h := NewHistogram(node, w.numBins)
	for i, p := range w.pos {
		if p != node {
			continue
		}
		for f, b := range w.bins[i] {
			h.G[f][b] += w.grad[i]
			h.H[f][b] += w.hess[i]
		}
	}
	return h
}

// ApplySplits moves rows of each split node to its children.
func (w *Worker) ApplySplits(splits []Split) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	byNode := make(map[int]Split, len(splits))
	for _, s := range splits {
		if s.Feature < 0 || s.Feature >= len(w.numBins) {
			return fmt.Errorf("split on node %d uses unknown feature %d", s.Node, s.Feature)
		}
		byNode[s.Node] = s
	}
	for i, p := range w.pos {
		s, ok := byNode[p]
		if !ok {
			continue
		}
		if int(w.bins[i][s.Feature]) <= s.Bin {
			w.pos[i] = LeftChild(p)
		} else {
			w.pos[i] = RightChild(p)
		}
	}
	return nil
}

// FinishTree adds each row's leaf weight to its margin and returns the new evaluation sums.
func (w *Worker) FinishTree(leaves map[int]float64) (EvalSums, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range w.pos {
		if _, ok := leaves[p]; !ok {
			return EvalSums{}, fmt.Errorf("shard %d has rows at node %d without a leaf weight", w.shard, p)
		}
	}
	var sums EvalSums
	for i, p := range w.pos {
		w.margins[i] += leaves[p]
		sums.observe(w.margins[i], w.labels[i])
	}
	return sums, nil
}

// Call dispatches a JSON encoded remote method.
func (w *Worker) Call(_ context.Context, method string, payload []byte) ([]byte, error) {
	switch method {
	case MethodBeginRound:
		return json.Marshal(w.BeginRound())
	case MethodHistogram:
		var req HistogramRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid histogram request: %w", err)
		}
		return json.Marshal(w.Histogram(req.Node))
	case MethodApplySplits:
		var req ApplySplitsRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid apply_splits request: %w", err)
		}
		return nil, w.ApplySplits(req.Splits)
	case MethodFinishTree:
		var req FinishTreeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid finish_tree request: %w", err)
		}
		sums, err := w.FinishTree(req.Leaves)
		if err != nil {
			return nil, err
		}
		return json.Marshal(sums)
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

// Close releases the shard state.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bins, w.labels, w.margins, w.grad, w.hess, w.pos = nil, nil, nil, nil, nil, nil
	return nil
}
